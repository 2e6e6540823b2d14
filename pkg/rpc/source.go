package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/84hero/receipt-search/pkg/bloom"
	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

// DefaultFetchConcurrency bounds parallel per-item RPC calls of a Source.
const DefaultFetchConcurrency = 8

// Source exposes an RPC client as a read-only ledger.
type Source struct {
	client      Client
	concurrency int
}

var _ ledger.Source = (*Source)(nil)

// NewSource wraps client. concurrency <= 0 uses DefaultFetchConcurrency.
func NewSource(client Client, concurrency int) *Source {
	if concurrency <= 0 {
		concurrency = DefaultFetchConcurrency
	}
	return &Source{client: client, concurrency: concurrency}
}

func (s *Source) TipHeight(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}

func (s *Source) HeaderAt(ctx context.Context, height uint64) (*ledger.Header, error) {
	h, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: header %d", ledger.ErrNotFound, height)
		}
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: header %d", ledger.ErrNotFound, height)
	}
	return convertHeader(h), nil
}

// Headers fetches the range concurrently and returns it in ascending order.
func (s *Source) Headers(ctx context.Context, from, to uint64) ([]*ledger.Header, error) {
	if from > to {
		return nil, nil
	}
	out := make([]*ledger.Header, to-from+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range out {
		height := from + uint64(i)
		g.Go(func() error {
			h, err := s.HeaderAt(gctx, height)
			if err != nil {
				return err
			}
			out[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Source) GetBlocks(ctx context.Context, hashes []common.Hash) ([]*ledger.Block, error) {
	out := make([]*ledger.Block, len(hashes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, hash := range hashes {
		g.Go(func() error {
			b, err := s.client.BlockByHash(gctx, hash)
			if errors.Is(err, ethereum.NotFound) || (err == nil && b == nil) {
				return fmt.Errorf("%w: block %s", ledger.ErrNotFound, hash.Hex())
			}
			if err != nil {
				return err
			}
			out[i] = convertBlock(b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RetrieveMany returns receipts in request order, skipping unknown transactions.
func (s *Source) RetrieveMany(ctx context.Context, txHashes []common.Hash) ([]*ledger.Receipt, error) {
	found := make([]*ledger.Receipt, len(txHashes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, tx := range txHashes {
		g.Go(func() error {
			r, err := s.client.TransactionReceipt(gctx, tx)
			if errors.Is(err, ethereum.NotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			found[i] = ConvertReceipt(r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*ledger.Receipt, 0, len(found))
	for _, r := range found {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func convertHeader(h *types.Header) *ledger.Header {
	var height uint64
	if h.Number != nil {
		height = h.Number.Uint64()
	}
	return &ledger.Header{
		Height:    height,
		Hash:      h.Hash(),
		LogsBloom: bloom.Bloom(h.Bloom),
	}
}

func convertBlock(b *types.Block) *ledger.Block {
	txs := b.Transactions()
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return &ledger.Block{
		Hash:     b.Hash(),
		Height:   b.NumberU64(),
		TxHashes: hashes,
	}
}

// ConvertReceipt maps a go-ethereum receipt onto the ledger model.
func ConvertReceipt(r *types.Receipt) *ledger.Receipt {
	if r == nil {
		return nil
	}
	out := &ledger.Receipt{
		TxHash:    r.TxHash,
		BlockHash: r.BlockHash,
		Logs:      make([]*ledger.LogEntry, 0, len(r.Logs)),
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		if l == nil {
			continue
		}
		topics := make([]hexutil.Bytes, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = hexutil.Bytes(t.Bytes())
		}
		out.Logs = append(out.Logs, &ledger.LogEntry{
			Address: l.Address,
			Topics:  topics,
			Data:    hexutil.Bytes(l.Data),
		})
	}
	return out
}
