package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/84hero/receipt-search/pkg/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// ErrIncompleteBatch is returned when the source cannot serve a whole batch.
var ErrIncompleteBatch = errors.New("source returned an incomplete batch")

type Config struct {
	ChainID string
	// Startup strategy
	StartBlock   uint64
	ForceStart   bool
	Rewind       uint64
	CursorRewind uint64 // Safety rewind from saved cursor

	BatchSize     uint64
	Interval      time.Duration
	Confirmations uint64
}

// Handler is called after each block has been appended. The cursor only
// moves past a block once its handler returned nil, so a failing block is
// handed to the handler again on the next attempt while earlier blocks are not.
type Handler func(ctx context.Context, header *ledger.Header, receipts []*ledger.Receipt) error

// Indexer copies headers, blocks and receipts from an upstream source into
// local storage so searches do not hit the upstream node.
type Indexer struct {
	source  ledger.Source
	target  ledger.Appender
	store   storage.Persistence
	config  Config
	handler Handler
}

func New(source ledger.Source, target ledger.Appender, store storage.Persistence, cfg Config) *Indexer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval == 0 {
		cfg.Interval = 3 * time.Second
	}
	return &Indexer{
		source: source,
		target: target,
		store:  store,
		config: cfg,
	}
}

// SetHandler sets the callback invoked for every indexed block
func (i *Indexer) SetHandler(h Handler) {
	i.handler = h
}

// Start begins the indexing loop (blocks until context is cancelled)
func (i *Indexer) Start(ctx context.Context) error {
	current, err := i.determineStartBlock(ctx)
	if err != nil {
		return err
	}
	log.Info("Indexer started", "start_block", current, "chain_id", i.config.ChainID)

	ticker := time.NewTicker(i.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			next, err := i.catchUp(ctx, current)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error("Index range failed", "from", next, "err", err)
				// Back off, then retry on the next tick
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(1 * time.Second):
				}
			}
			current = next
		}
	}
}

// catchUp indexes batches up to the confirmed head and returns the next
// height to index.
func (i *Indexer) catchUp(ctx context.Context, current uint64) (uint64, error) {
	head, err := i.source.TipHeight(ctx)
	if err != nil {
		return current, fmt.Errorf("get tip height: %w", err)
	}
	if head < i.config.Confirmations {
		return current, nil
	}
	safeHead := head - i.config.Confirmations

	for current <= safeHead {
		if err := ctx.Err(); err != nil {
			return current, err
		}

		end := current + i.config.BatchSize - 1
		if end > safeHead {
			end = safeHead
		}

		next, err := i.indexRange(ctx, current, end)
		if next > current {
			if err := i.store.SaveCursor(i.config.ChainID, next); err != nil {
				log.Error("Failed to save cursor", "err", err)
			}
		}
		if err != nil {
			return next, err
		}

		current = next
		log.Debug("Indexed range", "to", end, "head", head)
	}
	return current, nil
}

func (i *Indexer) determineStartBlock(ctx context.Context) (uint64, error) {
	// Strategy 1: Force Start (highest priority)
	if i.config.ForceStart && i.config.StartBlock > 0 {
		log.Info("Start strategy: Force Start", "block", i.config.StartBlock)
		return i.config.StartBlock, nil
	}

	// Strategy 2: Resume from persistence
	saved, err := i.store.LoadCursor(i.config.ChainID)
	if err != nil {
		return 0, err
	}
	if saved > 0 {
		start := saved
		if i.config.CursorRewind > 0 {
			if start > i.config.CursorRewind {
				start -= i.config.CursorRewind
			} else {
				start = 0
			}
			log.Info("Start strategy: Resume from persistence with safety rewind", "saved", saved, "rewind", i.config.CursorRewind, "start", start)
		} else {
			log.Info("Start strategy: Resume from persistence", "block", saved)
		}
		return start, nil
	}

	// Strategy 3: Config StartBlock (not forced, used as default)
	if i.config.StartBlock > 0 {
		log.Info("Start strategy: Config StartBlock", "block", i.config.StartBlock)
		return i.config.StartBlock, nil
	}

	// Strategy 4: N blocks before head
	head, err := i.source.TipHeight(ctx)
	if err != nil {
		return 0, err
	}

	start := uint64(0)
	if head > i.config.Rewind {
		start = head - i.config.Rewind
	}
	log.Info("Start strategy: Rewind from Head", "head", head, "rewind", i.config.Rewind, "start", start)

	return start, nil
}

// indexRange copies blocks [from, to] with one batched call per collaborator
// and returns the height after the last block that was fully processed.
func (i *Indexer) indexRange(ctx context.Context, from, to uint64) (uint64, error) {
	headers, err := i.source.Headers(ctx, from, to)
	if err != nil {
		return from, fmt.Errorf("headers %d-%d: %w", from, to, err)
	}
	if uint64(len(headers)) != to-from+1 {
		return from, fmt.Errorf("%w: %d headers for %d-%d", ErrIncompleteBatch, len(headers), from, to)
	}

	hashes := make([]common.Hash, len(headers))
	for n, h := range headers {
		hashes[n] = h.Hash
	}
	blocks, err := i.source.GetBlocks(ctx, hashes)
	if err != nil {
		return from, fmt.Errorf("blocks %d-%d: %w", from, to, err)
	}
	if len(blocks) != len(headers) {
		return from, fmt.Errorf("%w: %d blocks for %d headers", ErrIncompleteBatch, len(blocks), len(headers))
	}

	var txHashes []common.Hash
	for _, b := range blocks {
		txHashes = append(txHashes, b.TxHashes...)
	}
	byTx := make(map[common.Hash]*ledger.Receipt, len(txHashes))
	if len(txHashes) > 0 {
		receipts, err := i.source.RetrieveMany(ctx, txHashes)
		if err != nil {
			return from, fmt.Errorf("receipts %d-%d: %w", from, to, err)
		}
		for _, r := range receipts {
			if r != nil {
				byTx[r.TxHash] = r
			}
		}
	}

	for n, b := range blocks {
		receipts := make([]*ledger.Receipt, 0, len(b.TxHashes))
		for _, tx := range b.TxHashes {
			if r, ok := byTx[tx]; ok {
				receipts = append(receipts, r)
			}
		}
		if err := i.target.Append(ctx, headers[n], b, receipts); err != nil {
			return headers[n].Height, fmt.Errorf("append block %d: %w", b.Height, err)
		}
		if i.handler != nil {
			if err := i.handler(ctx, headers[n], receipts); err != nil {
				return headers[n].Height, fmt.Errorf("handle block %d: %w", b.Height, err)
			}
		}
	}
	return to + 1, nil
}
