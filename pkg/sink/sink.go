package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/84hero/receipt-search/internal/webhook"
	"github.com/84hero/receipt-search/pkg/decoder"
	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/log"
	_ "github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Result is one matching receipt with its decoded events
type Result struct {
	Receipt *ledger.Receipt       `json:"receipt"`
	Events  []*decoder.DecodedLog `json:"events,omitempty"`
}

// NewResults wraps receipts, decoding their logs when dec is set.
func NewResults(receipts []*ledger.Receipt, dec *decoder.ABIWrapper) []Result {
	out := make([]Result, 0, len(receipts))
	for _, r := range receipts {
		res := Result{Receipt: r}
		if dec != nil {
			res.Events = dec.DecodeReceipt(r)
		}
		out = append(out, res)
	}
	return out
}

// Output defines the interface for result output pipeline
type Output interface {
	Name() string
	Send(ctx context.Context, results []Result) error
	Close() error
}

// Broadcast sends results to every output concurrently. Failures are logged
// and counted, one output failing does not stop the others.
func Broadcast(ctx context.Context, outputs []Output, results []Result) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, out := range outputs {
		wg.Add(1)
		go func(o Output) {
			defer wg.Done()
			if err := o.Send(ctx, results); err != nil {
				log.Error("Output failed", "output", o.Name(), "results", len(results), "err", err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(out)
	}
	wg.Wait()
	return failed
}

// --- 1. Webhook Output ---

type WebhookOutput struct {
	client   *webhook.Client
	async    bool
	queue    chan []json.RawMessage
	wg       sync.WaitGroup
	closed   bool
	closedMu sync.Mutex
}

type WebhookConfig struct {
	URL            string
	Secret         string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Async          bool
	BufferSize     int
	Workers        int
}

func NewWebhookOutput(cfg WebhookConfig) *WebhookOutput {
	client := webhook.NewClient(webhook.Config{
		URL:            cfg.URL,
		Secret:         cfg.Secret,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	})

	wo := &WebhookOutput{
		client: client,
		async:  cfg.Async,
	}

	if cfg.Async {
		bufferSize, workers := cfg.BufferSize, cfg.Workers
		if bufferSize <= 0 {
			bufferSize = 1000
		}
		if workers <= 0 {
			workers = 1
		}
		wo.queue = make(chan []json.RawMessage, bufferSize)
		for i := 0; i < workers; i++ {
			wo.wg.Add(1)
			go wo.worker()
		}
	}

	return wo
}

func (w *WebhookOutput) Name() string { return "webhook" }

func (w *WebhookOutput) worker() {
	defer w.wg.Done()
	for batch := range w.queue {
		if err := w.client.Send(context.Background(), batch); err != nil {
			log.Error("Async webhook delivery failed", "results", len(batch), "err", err)
		}
	}
}

func (w *WebhookOutput) Send(ctx context.Context, results []Result) error {
	batch := make([]json.RawMessage, 0, len(results))
	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		batch = append(batch, data)
	}

	if w.async {
		w.closedMu.Lock()
		defer w.closedMu.Unlock()
		if w.closed {
			return fmt.Errorf("webhook output is closed")
		}
		select {
		case w.queue <- batch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.client.Send(ctx, batch)
}

func (w *WebhookOutput) Close() error {
	if w.async {
		w.closedMu.Lock()
		if !w.closed {
			w.closed = true
			close(w.queue)
		}
		w.closedMu.Unlock()
		w.wg.Wait()
	}
	return nil
}

// --- 2. File Output ---

type FileOutput struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func NewFileOutput(path string) (*FileOutput, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileOutput{path: path, file: f}, nil
}

func (f *FileOutput) Name() string { return "file" }

func (f *FileOutput) Send(ctx context.Context, results []Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeLines(f.file, results)
}

func (f *FileOutput) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// --- 3. Console Output ---

type ConsoleOutput struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{w: os.Stdout}
}

func (c *ConsoleOutput) Name() string { return "console" }

func (c *ConsoleOutput) Send(ctx context.Context, results []Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeLines(c.w, results)
}

func (c *ConsoleOutput) Close() error { return nil }

// writeLines encodes one JSON document per line
func writeLines(w io.Writer, results []Result) error {
	enc := json.NewEncoder(w)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// --- 4. PostgreSQL Output ---

type PostgresOutput struct {
	db    *sql.DB
	table string
}

func NewPostgresOutput(url, table string) (*PostgresOutput, error) {
	if match, _ := regexp.MatchString("^[a-zA-Z0-9_]+$", table); !match {
		return nil, fmt.Errorf("invalid table name: %s", table)
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			block_number BIGINT,
			block_hash TEXT,
			tx_hash TEXT UNIQUE,
			log_count INT,
			data JSONB,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_%s_block ON %s (block_number);
	`, table, table, table)
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &PostgresOutput{db: db, table: table}, nil
}

func (p *PostgresOutput) Name() string { return "postgres" }

func (p *PostgresOutput) Send(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	valueStrings := make([]string, 0, len(results))
	valueArgs := make([]interface{}, 0, len(results)*5)
	for i, r := range results {
		jsonData, err := json.Marshal(r)
		if err != nil {
			return err
		}
		n := i * 5
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5))
		valueArgs = append(valueArgs, r.Receipt.BlockNumber, r.Receipt.BlockHash.Hex(), r.Receipt.TxHash.Hex(), len(r.Receipt.Logs), jsonData)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (block_number, block_hash, tx_hash, log_count, data) VALUES %s ON CONFLICT (tx_hash) DO NOTHING", p.table, strings.Join(valueStrings, ","))
	if _, err := tx.ExecContext(ctx, stmt, valueArgs...); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresOutput) Close() error { return p.db.Close() }

// --- 5. Redis Output ---

type RedisOutput struct {
	client *redis.Client
	key    string
	mode   string
}

func NewRedisOutput(addr, password string, db int, key, mode string) (*RedisOutput, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisOutput{client: rdb, key: key, mode: mode}, nil
}

func (r *RedisOutput) Name() string { return "redis" }

func (r *RedisOutput) Send(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, res := range results {
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		if r.mode == "pubsub" {
			pipe.Publish(ctx, r.key, data)
		} else {
			pipe.LPush(ctx, r.key, data)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisOutput) Close() error { return r.client.Close() }

// --- 6. Kafka Output ---

type KafkaOutput struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaOutput(brokers []string, topic, user, password string) (*KafkaOutput, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	if user != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = user
		config.Net.SASL.Password = password
	}
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return &KafkaOutput{producer: producer, topic: topic}, nil
}

func (k *KafkaOutput) Name() string { return "kafka" }

func (k *KafkaOutput) Send(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(results))
	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(r.Receipt.TxHash.Hex()),
			Value: sarama.ByteEncoder(data),
		})
	}
	return k.producer.SendMessages(msgs)
}

func (k *KafkaOutput) Close() error { return k.producer.Close() }

// --- 7. RabbitMQ Output ---

type RabbitMQOutput struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

func NewRabbitMQOutput(url, exchange, routingKey, queueName string, durable bool) (*RabbitMQOutput, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, "topic", durable, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	if queueName != "" {
		q, err := ch.QueueDeclare(queueName, durable, false, false, false, nil)
		if err == nil {
			err = ch.QueueBind(q.Name, routingKey, exchange, false, nil)
		}
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	return &RabbitMQOutput{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

func (r *RabbitMQOutput) Name() string { return "rabbitmq" }

func (r *RabbitMQOutput) Send(ctx context.Context, results []Result) error {
	for _, res := range results {
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		err = r.ch.PublishWithContext(ctx, r.exchange, r.routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    res.Receipt.TxHash.Hex(),
			Body:         data,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *RabbitMQOutput) Close() error {
	r.ch.Close()
	return r.conn.Close()
}
