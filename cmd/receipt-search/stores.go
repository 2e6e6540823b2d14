package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/84hero/receipt-search/pkg/config"
	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/84hero/receipt-search/pkg/rpc"
	"github.com/84hero/receipt-search/pkg/search"
	"github.com/84hero/receipt-search/pkg/storage"
	"github.com/ethereum/go-ethereum/log"
)

// localStore is a ledger the indexer can write and searches can read
type localStore interface {
	ledger.Source
	ledger.Appender
	storage.Persistence
}

func searchLimits(cfg *config.Config) search.Limits {
	return search.Limits{
		MaxBlockRange: cfg.Search.MaxBlockRange,
		MaxAddresses:  cfg.Search.MaxAddresses,
		MaxTopics:     cfg.Search.MaxTopics,
	}
}

// openSearcher builds a searcher over the configured storage driver, with the
// redis receipt cache in front when configured.
func openSearcher(ctx context.Context, cfg *config.Config) (*search.Searcher, func(), error) {
	var (
		src     ledger.Source
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Storage.Driver {
	case config.DriverRPC:
		client, err := rpc.NewClient(ctx, cfg.RPC)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, client.Close)
		src = rpc.NewSource(client, cfg.Indexer.FetchConcurrency)
	case config.DriverPostgres:
		pg, err := storage.NewPostgresStore(cfg.Storage.PostgresURL, tablePrefix(cfg))
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { pg.Close() })
		src = pg
	case config.DriverMemory:
		return nil, nil, errors.New("memory storage only lives inside the index command, use postgres or rpc to search")
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	var receipts ledger.ReceiptRepository = src
	if rc := cfg.Storage.Redis; rc.Addr != "" {
		cache, err := storage.NewReceiptCache(rc.Addr, rc.Password, rc.DB, rc.Prefix, rc.TTL, src)
		if err != nil {
			// The cache is optional
			log.Warn("Receipt cache disabled", "addr", rc.Addr, "err", err)
		} else {
			closers = append(closers, func() { cache.Close() })
			receipts = cache
		}
	}

	return search.New(src, src, receipts, searchLimits(cfg)), closeAll, nil
}

// openIndexTarget opens the local ledger and the cursor store for indexing.
func openIndexTarget(cfg *config.Config) (localStore, storage.Persistence, func(), error) {
	prefix := tablePrefix(cfg)

	var target localStore
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		target = storage.NewMemoryStore(prefix)
	case config.DriverPostgres:
		pg, err := storage.NewPostgresStore(cfg.Storage.PostgresURL, prefix)
		if err != nil {
			return nil, nil, nil, err
		}
		target = pg
	default:
		return nil, nil, nil, fmt.Errorf("storage driver %q cannot be indexed into", cfg.Storage.Driver)
	}

	// Memory keeps cursors in redis when available so restarts resume
	var cursors storage.Persistence = target
	closeFn := func() { target.Close() }
	if rc := cfg.Storage.Redis; cfg.Storage.Driver == config.DriverMemory && rc.Addr != "" {
		rs, err := storage.NewRedisStore(rc.Addr, rc.Password, rc.DB, rc.Prefix)
		if err != nil {
			log.Warn("Redis cursor store unavailable, using memory", "addr", rc.Addr, "err", err)
		} else {
			cursors = rs
			closeFn = func() {
				rs.Close()
				target.Close()
			}
		}
	}
	return target, cursors, closeFn, nil
}

// tablePrefix names the storage tables shared by index and search.
func tablePrefix(cfg *config.Config) string {
	if cfg.Storage.TablePrefix == "" && cfg.Project != "" {
		return cfg.Project + "_"
	}
	return cfg.Storage.TablePrefix
}

func cursorKey(cfg *config.Config) string {
	switch {
	case cfg.Indexer.Chain != "":
		return cfg.Indexer.Chain
	case cfg.Project != "":
		return cfg.Project
	default:
		return "default"
	}
}
