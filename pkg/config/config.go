package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/84hero/receipt-search/pkg/chain"
	"github.com/84hero/receipt-search/pkg/rpc"
	"github.com/spf13/viper"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRPC      = "rpc"
)

type Config struct {
	Project string           `mapstructure:"project"`
	Log     LogConfig        `mapstructure:"log"`
	Search  SearchConfig     `mapstructure:"search"`
	Indexer IndexerConfig    `mapstructure:"indexer"`
	Storage StorageConfig    `mapstructure:"storage"`
	RPC     []rpc.NodeConfig `mapstructure:"rpc_nodes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

type SearchConfig struct {
	// Upper bounds for one query, 0 = unlimited
	MaxBlockRange uint64 `mapstructure:"max_block_range"`
	MaxAddresses  int    `mapstructure:"max_addresses"`
	MaxTopics     int    `mapstructure:"max_topics"`

	Timeout time.Duration `mapstructure:"timeout"`
}

type IndexerConfig struct {
	Chain     string        `mapstructure:"chain"` // Preset name, e.g. eth-mainnet
	BatchSize uint64        `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`

	// Blocks to stay behind the upstream tip
	Confirmations uint64 `mapstructure:"confirmations"`

	// Startup strategy
	StartBlock   uint64 `mapstructure:"start_block"`   // If > 0 and ForceStart=true, forces start from here
	ForceStart   bool   `mapstructure:"force_start"`   // Whether to force override persistence records
	Rewind       uint64 `mapstructure:"start_rewind"`  // If no saved cursor, start from Latest - Rewind
	CursorRewind uint64 `mapstructure:"cursor_rewind"` // If saved cursor exists, start from Cursor - CursorRewind

	// Parallel per-item upstream calls
	FetchConcurrency int `mapstructure:"fetch_concurrency"`
}

type StorageConfig struct {
	Driver      string      `mapstructure:"driver"` // memory, postgres, rpc
	PostgresURL string      `mapstructure:"postgres_url"`
	TablePrefix string      `mapstructure:"table_prefix"`
	Redis       RedisConfig `mapstructure:"redis"`
}

// RedisConfig enables the receipt cache when Addr is set
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SEARCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if p, ok := chain.Get(cfg.Indexer.Chain); ok {
		cfg.ApplyPreset(p)
	}

	// Set default values
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Search.Timeout == 0 {
		cfg.Search.Timeout = 30 * time.Second
	}
	if cfg.Indexer.BatchSize == 0 {
		cfg.Indexer.BatchSize = 100
	}
	if cfg.Indexer.Interval == 0 {
		cfg.Indexer.Interval = 3 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Storage.Redis.TTL == 0 {
		cfg.Storage.Redis.TTL = time.Hour
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyPreset fills fields left unset from a chain preset.
func (c *Config) ApplyPreset(p chain.Preset) {
	if c.Indexer.BatchSize == 0 {
		c.Indexer.BatchSize = p.BatchSize
	}
	if c.Indexer.Interval == 0 {
		c.Indexer.Interval = p.BlockTime
	}
	if c.Indexer.Confirmations == 0 {
		c.Indexer.Confirmations = p.Confirmations
	}
	if c.Search.MaxBlockRange == 0 {
		c.Search.MaxBlockRange = p.MaxBlockRange
	}
}

// Validate checks that the selected storage driver is usable.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.postgres_url is required for the postgres driver")
		}
	case DriverRPC:
		if len(c.RPC) == 0 {
			return errors.New("rpc_nodes are required for the rpc driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Search.MaxAddresses < 0 || c.Search.MaxTopics < 0 {
		return errors.New("search limits must not be negative")
	}
	return nil
}
