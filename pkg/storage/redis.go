package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore initializes Redis cursor storage
// addr: e.g., "localhost:6379"
// prefix: Key prefix (e.g., "receipt_search:"). Final Key is prefix + task_key
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb, err := dialRedis(addr, password, db)
	if err != nil {
		return nil, err
	}

	if prefix == "" {
		prefix = "receipt_search:"
	}

	return &RedisStore{
		client: rdb,
		prefix: prefix,
	}, nil
}

func dialRedis(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (r *RedisStore) LoadCursor(key string) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := r.client.Get(ctx, r.prefix+key).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (r *RedisStore) SaveCursor(key string, height uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Set value with no expiration (0)
	return r.client.Set(ctx, r.prefix+key, height, 0).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// ReceiptCache is a read-through Redis cache in front of a ReceiptRepository.
// Receipts never change once written, so entries are only evicted by TTL.
type ReceiptCache struct {
	client  *redis.Client
	backend ledger.ReceiptRepository
	prefix  string
	ttl     time.Duration
}

var _ ledger.ReceiptRepository = (*ReceiptCache)(nil)

// NewReceiptCache wraps backend with a cache living at addr.
func NewReceiptCache(addr, password string, db int, prefix string, ttl time.Duration, backend ledger.ReceiptRepository) (*ReceiptCache, error) {
	rdb, err := dialRedis(addr, password, db)
	if err != nil {
		return nil, err
	}
	return newReceiptCache(rdb, prefix, ttl, backend), nil
}

func newReceiptCache(client *redis.Client, prefix string, ttl time.Duration, backend ledger.ReceiptRepository) *ReceiptCache {
	if prefix == "" {
		prefix = "receipt_search:receipt:"
	}
	return &ReceiptCache{
		client:  client,
		backend: backend,
		prefix:  prefix,
		ttl:     ttl,
	}
}

func (c *ReceiptCache) key(h common.Hash) string {
	return c.prefix + h.Hex()
}

// RetrieveMany serves cached receipts and loads the rest from the backend in
// one call. Results follow the order of txHashes. A cache outage falls back
// to the backend; backend errors are returned unchanged.
func (c *ReceiptCache) RetrieveMany(ctx context.Context, txHashes []common.Hash) ([]*ledger.Receipt, error) {
	if len(txHashes) == 0 {
		return []*ledger.Receipt{}, nil
	}

	keys := make([]string, len(txHashes))
	for i, h := range txHashes {
		keys[i] = c.key(h)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		log.Warn("Receipt cache read failed", "err", err)
		return c.backend.RetrieveMany(ctx, txHashes)
	}

	found := make(map[common.Hash]*ledger.Receipt, len(txHashes))
	var misses []common.Hash
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			misses = append(misses, txHashes[i])
			continue
		}
		var r ledger.Receipt
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			misses = append(misses, txHashes[i])
			continue
		}
		found[txHashes[i]] = &r
	}

	if len(misses) > 0 {
		fetched, err := c.backend.RetrieveMany(ctx, misses)
		if err != nil {
			return nil, err
		}
		c.fill(ctx, fetched)
		for _, r := range fetched {
			if r != nil {
				found[r.TxHash] = r
			}
		}
	}

	out := make([]*ledger.Receipt, 0, len(found))
	for _, h := range txHashes {
		if r, ok := found[h]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *ReceiptCache) fill(ctx context.Context, receipts []*ledger.Receipt) {
	if len(receipts) == 0 {
		return
	}
	pipe := c.client.Pipeline()
	for _, r := range receipts {
		if r == nil {
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			continue
		}
		pipe.Set(ctx, c.key(r.TxHash), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn("Receipt cache write failed", "err", err)
	}
}

func (c *ReceiptCache) Close() error {
	return c.client.Close()
}
