// Package search finds receipts whose logs match a set of contracts and topics.
//
// A search runs in two stages. Every header in the requested range carries a
// Bloom digest of all addresses and topics logged in its block; headers whose
// digest cannot contain the query are skipped without touching block or
// receipt storage. The receipts of the remaining blocks are then fetched in
// batch and checked exactly.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/84hero/receipt-search/pkg/bloom"
	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// Error definitions
var (
	ErrInvalidRange       = errors.New("invalid block range")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrMalformedCriteria  = errors.New("malformed search criteria")
	ErrQueryTooLarge      = errors.New("query too large")
)

// Limits bounds the cost of a single search. Zero values disable a limit.
type Limits struct {
	MaxBlockRange uint64
	MaxAddresses  int
	MaxTopics     int
}

// Searcher runs receipt searches against read-only chain storage.
// It keeps no per-search state and is safe for concurrent use.
type Searcher struct {
	headers  ledger.HeaderIndex
	blocks   ledger.BlockStore
	receipts ledger.ReceiptRepository
	limits   Limits
}

func New(headers ledger.HeaderIndex, blocks ledger.BlockStore, receipts ledger.ReceiptRepository, limits Limits) *Searcher {
	return &Searcher{
		headers:  headers,
		blocks:   blocks,
		receipts: receipts,
		limits:   limits,
	}
}

// NewFromSource creates a Searcher reading everything from one source.
func NewFromSource(src ledger.Source, limits Limits) *Searcher {
	return New(src, src, src, limits)
}

// Search returns every receipt between fromBlock and toBlock (inclusive) with
// a log matching c, in ascending block order. A nil toBlock means the tip.
//
// The header prefilter needs every address and topic of c in a block digest,
// so a block whose logs only satisfy the criteria partially is skipped even
// when one of its logs would match exactly.
func (s *Searcher) Search(ctx context.Context, c *Criteria, fromBlock uint64, toBlock *uint64) ([]*ledger.Receipt, error) {
	start := time.Now()

	q, err := c.normalize(s.limits)
	if err != nil {
		return nil, err
	}

	if toBlock != nil && fromBlock > *toBlock {
		return nil, fmt.Errorf("%w: from %d is above to %d", ErrInvalidRange, fromBlock, *toBlock)
	}

	headers, err := s.resolveRange(ctx, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	// Stage 1: header digests
	candidates := filterHeaders(headers, q.bloom)
	if len(candidates) == 0 {
		log.Debug("Receipt search finished", "from", fromBlock, "headers", len(headers), "candidates", 0, "elapsed", time.Since(start))
		return []*ledger.Receipt{}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hashes := make([]common.Hash, len(candidates))
	for i, h := range candidates {
		hashes[i] = h.Hash
	}
	blocks, err := s.blocks.GetBlocks(ctx, hashes)
	if err != nil {
		return nil, storageError("get blocks", err)
	}

	var txHashes []common.Hash
	for _, b := range blocks {
		if b != nil {
			txHashes = append(txHashes, b.TxHashes...)
		}
	}
	if len(txHashes) == 0 {
		return []*ledger.Receipt{}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	receipts, err := s.receipts.RetrieveMany(ctx, txHashes)
	if err != nil {
		return nil, storageError("retrieve receipts", err)
	}

	// Stage 2: exact match
	matched := MatchReceipts(orderReceipts(receipts, txHashes), q.addresses, q.topics)

	log.Debug("Receipt search finished",
		"from", fromBlock, "headers", len(headers), "candidates", len(candidates),
		"receipts", len(receipts), "matched", len(matched), "elapsed", time.Since(start))
	return matched, nil
}

// resolveRange validates the range against the tip and loads its headers in
// ascending order.
func (s *Searcher) resolveRange(ctx context.Context, from uint64, toBlock *uint64) ([]*ledger.Header, error) {
	tip, err := s.headers.TipHeight(ctx)
	if err != nil {
		return nil, storageError("tip height", err)
	}

	to := tip
	if toBlock != nil {
		if *toBlock > tip {
			return nil, fmt.Errorf("%w: to %d is above tip %d", ErrInvalidRange, *toBlock, tip)
		}
		to = *toBlock
	}
	if from > to {
		return nil, fmt.Errorf("%w: from %d is above to %d", ErrInvalidRange, from, to)
	}
	if s.limits.MaxBlockRange > 0 && to-from+1 > s.limits.MaxBlockRange {
		return nil, fmt.Errorf("%w: %d blocks, max %d", ErrQueryTooLarge, to-from+1, s.limits.MaxBlockRange)
	}

	headers, err := s.headers.Headers(ctx, from, to)
	if err != nil {
		return nil, storageError("headers", err)
	}
	return headers, nil
}

// filterHeaders keeps, in order, the headers whose digest is a superset of query.
func filterHeaders(headers []*ledger.Header, query bloom.Bloom) []*ledger.Header {
	var out []*ledger.Header
	for _, h := range headers {
		if h != nil && h.LogsBloom.Test(query) {
			out = append(out, h)
		}
	}
	return out
}

// orderReceipts sorts receipts into the order of txHashes, dropping anything
// that was not asked for or was returned twice.
func orderReceipts(receipts []*ledger.Receipt, txHashes []common.Hash) []*ledger.Receipt {
	pos := make(map[common.Hash]int, len(txHashes))
	for i, h := range txHashes {
		if _, ok := pos[h]; !ok {
			pos[h] = i
		}
	}

	out := make([]*ledger.Receipt, 0, len(receipts))
	seen := make(map[common.Hash]struct{}, len(receipts))
	for _, r := range receipts {
		if r == nil {
			continue
		}
		if _, ok := pos[r.TxHash]; !ok {
			continue
		}
		if _, dup := seen[r.TxHash]; dup {
			continue
		}
		seen[r.TxHash] = struct{}{}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return pos[out[i].TxHash] < pos[out[j].TxHash]
	})
	return out
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
