package main

import (
	"fmt"
	"os"
	"time"

	"github.com/84hero/receipt-search/pkg/decoder"
	"github.com/84hero/receipt-search/pkg/search"
	"github.com/84hero/receipt-search/pkg/sink"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/viper"
)

// --- Configuration Structs ---

type AppConfig struct {
	Queries []QueryConfig `mapstructure:"queries"`
	Outputs OutputsConfig `mapstructure:"outputs"`
}

// QueryConfig is a saved search, run on demand or on every indexed block
type QueryConfig struct {
	Name      string   `mapstructure:"name"`
	Contracts []string `mapstructure:"contracts"`
	Event     string   `mapstructure:"event"`     // Folded in as a raw topic
	EventSig  string   `mapstructure:"event_sig"` // Resolved to its topic through ABI
	Topics    []string `mapstructure:"topics"`    // Hex encoded
	ABI       string   `mapstructure:"abi"`       // Inline JSON ABI
	ABIFile   string   `mapstructure:"abi_file"`
}

type OutputsConfig struct {
	Webhook  WebhookOutputConfig  `mapstructure:"webhook"`
	File     FileOutputConfig     `mapstructure:"file"`
	Console  ConsoleOutputConfig  `mapstructure:"console"`
	Postgres PostgresOutputConfig `mapstructure:"postgres"`
	Redis    RedisOutputConfig    `mapstructure:"redis"`
	Kafka    KafkaOutputConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQOutputConfig `mapstructure:"rabbitmq"`
}

type WebhookOutputConfig struct {
	Enabled    bool        `mapstructure:"enabled"`
	URL        string      `mapstructure:"url"`
	Secret     string      `mapstructure:"secret"`
	Retry      RetryConfig `mapstructure:"retry"`
	Async      bool        `mapstructure:"async"`
	BufferSize int         `mapstructure:"buffer_size"`
	Workers    int         `mapstructure:"workers"`
}

type FileOutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ConsoleOutputConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type PostgresOutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Table   string `mapstructure:"table"`
}

type RedisOutputConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Mode     string `mapstructure:"mode"`
}

type KafkaOutputConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type RabbitMQOutputConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	QueueName  string `mapstructure:"queue_name"`
	Durable    bool   `mapstructure:"durable"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// --- Helper Functions ---

func loadAppConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// compiledQuery is a QueryConfig turned into search criteria
type compiledQuery struct {
	name     string
	criteria *search.Criteria
	decoder  *decoder.ABIWrapper
}

func (q QueryConfig) compile() (*compiledQuery, error) {
	criteria := search.NewCriteria().AddContract(q.Contracts...).SetEvent(q.Event)
	for _, t := range q.Topics {
		topic, err := hexutil.Decode(t)
		if err != nil {
			return nil, fmt.Errorf("%w: topic %q: %v", search.ErrMalformedCriteria, t, err)
		}
		criteria.AddTopic(topic)
	}

	abiJSON := q.ABI
	if abiJSON == "" && q.ABIFile != "" {
		data, err := os.ReadFile(q.ABIFile)
		if err != nil {
			return nil, err
		}
		abiJSON = string(data)
	}

	cq := &compiledQuery{name: q.Name, criteria: criteria}
	if abiJSON != "" {
		dec, err := decoder.NewFromJSON(abiJSON)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", q.Name, err)
		}
		cq.decoder = dec
	}
	if q.EventSig != "" {
		if cq.decoder == nil {
			return nil, fmt.Errorf("query %q: event_sig needs an ABI", q.Name)
		}
		id, err := cq.decoder.EventID(q.EventSig)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", q.Name, err)
		}
		criteria.AddTopic(id.Bytes())
	}
	return cq, nil
}

func compileQueries(configs []QueryConfig) ([]*compiledQuery, error) {
	out := make([]*compiledQuery, 0, len(configs))
	for i, q := range configs {
		if q.Name == "" {
			q.Name = fmt.Sprintf("query-%d", i)
		}
		cq, err := q.compile()
		if err != nil {
			return nil, err
		}
		out = append(out, cq)
	}
	return out, nil
}

func initOutputs(appCfg *AppConfig) []sink.Output {
	var outputs []sink.Output

	// Webhook
	if wh := appCfg.Outputs.Webhook; wh.Enabled {
		outputs = append(outputs, sink.NewWebhookOutput(sink.WebhookConfig{
			URL:            wh.URL,
			Secret:         wh.Secret,
			MaxAttempts:    wh.Retry.MaxAttempts,
			InitialBackoff: wh.Retry.InitialBackoff,
			MaxBackoff:     wh.Retry.MaxBackoff,
			Async:          wh.Async,
			BufferSize:     wh.BufferSize,
			Workers:        wh.Workers,
		}))
	}

	// File
	if appCfg.Outputs.File.Enabled {
		if fo, err := sink.NewFileOutput(appCfg.Outputs.File.Path); err == nil {
			outputs = append(outputs, fo)
		} else {
			log.Warn("File output disabled", "path", appCfg.Outputs.File.Path, "err", err)
		}
	}

	// Console
	if appCfg.Outputs.Console.Enabled {
		outputs = append(outputs, sink.NewConsoleOutput())
	}

	// Postgres
	if pg := appCfg.Outputs.Postgres; pg.Enabled {
		if po, err := sink.NewPostgresOutput(pg.URL, pg.Table); err == nil {
			outputs = append(outputs, po)
		} else {
			log.Warn("Postgres output disabled", "err", err)
		}
	}

	// Redis
	if rc := appCfg.Outputs.Redis; rc.Enabled {
		if ro, err := sink.NewRedisOutput(rc.Addr, rc.Password, rc.DB, rc.Key, rc.Mode); err == nil {
			outputs = append(outputs, ro)
		} else {
			log.Warn("Redis output disabled", "addr", rc.Addr, "err", err)
		}
	}

	// Kafka
	if kc := appCfg.Outputs.Kafka; kc.Enabled {
		if ko, err := sink.NewKafkaOutput(kc.Brokers, kc.Topic, kc.User, kc.Password); err == nil {
			outputs = append(outputs, ko)
		} else {
			log.Warn("Kafka output disabled", "brokers", kc.Brokers, "err", err)
		}
	}

	// RabbitMQ
	if rm := appCfg.Outputs.RabbitMQ; rm.Enabled {
		if ro, err := sink.NewRabbitMQOutput(rm.URL, rm.Exchange, rm.RoutingKey, rm.QueueName, rm.Durable); err == nil {
			outputs = append(outputs, ro)
		} else {
			log.Warn("RabbitMQ output disabled", "err", err)
		}
	}

	return outputs
}

func closeOutputs(outputs []sink.Output) {
	for _, o := range outputs {
		if err := o.Close(); err != nil {
			log.Warn("Failed to close output", "output", o.Name(), "err", err)
		}
	}
}
