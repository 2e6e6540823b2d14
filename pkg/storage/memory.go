package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps a contiguous run of blocks, their receipts and indexer
// cursors in memory (data lost on restart, for tests and short-lived tasks).
type MemoryStore struct {
	prefix  string
	cursors map[string]uint64

	base     uint64 // height of headers[0]
	headers  []*ledger.Header
	blocks   map[common.Hash]*ledger.Block
	receipts map[common.Hash]*ledger.Receipt

	mu sync.RWMutex
}

var (
	_ ledger.Source   = (*MemoryStore)(nil)
	_ ledger.Appender = (*MemoryStore)(nil)
	_ Persistence     = (*MemoryStore)(nil)
)

// NewMemoryStore initializes a new in-memory storage.
func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{
		prefix:   prefix,
		cursors:  make(map[string]uint64),
		blocks:   make(map[common.Hash]*ledger.Block),
		receipts: make(map[common.Hash]*ledger.Receipt),
	}
}

// LoadCursor retrieves the saved cursor from memory.
func (m *MemoryStore) LoadCursor(key string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[m.prefix+key], nil
}

// SaveCursor updates the saved cursor in memory.
func (m *MemoryStore) SaveCursor(key string, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[m.prefix+key] = height
	return nil
}

// Append stores a block. The first block may have any height, every later
// one must sit directly on top of the current tip.
func (m *MemoryStore) Append(_ context.Context, header *ledger.Header, block *ledger.Block, receipts []*ledger.Receipt) error {
	if header.Hash != block.Hash || header.Height != block.Height {
		return fmt.Errorf("header %d/%s does not describe block %d/%s", header.Height, header.Hash, block.Height, block.Hash)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.headers) == 0 {
		m.base = header.Height
	} else if next := m.base + uint64(len(m.headers)); header.Height >= m.base && header.Height < next {
		// Re-appending a stored block is a no-op
		if m.headers[header.Height-m.base].Hash == header.Hash {
			return nil
		}
		return fmt.Errorf("%w: height %d already holds %s", ErrNonContiguous, header.Height, m.headers[header.Height-m.base].Hash)
	} else if header.Height != next {
		return fmt.Errorf("%w: got height %d, want %d", ErrNonContiguous, header.Height, next)
	}

	m.headers = append(m.headers, header)
	m.blocks[block.Hash] = block
	for _, r := range receipts {
		m.receipts[r.TxHash] = r
	}
	return nil
}

// AppendReceipts builds the header of block from receipts and appends both.
func (m *MemoryStore) AppendReceipts(ctx context.Context, block *ledger.Block, receipts ...*ledger.Receipt) (*ledger.Header, error) {
	h := ledger.NewHeader(block, receipts)
	if err := m.Append(ctx, h, block, receipts); err != nil {
		return nil, err
	}
	return h, nil
}

func (m *MemoryStore) TipHeight(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.headers) == 0 {
		return 0, fmt.Errorf("empty chain: %w", ledger.ErrNotFound)
	}
	return m.base + uint64(len(m.headers)) - 1, nil
}

func (m *MemoryStore) HeaderAt(_ context.Context, height uint64) (*ledger.Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if height < m.base || height-m.base >= uint64(len(m.headers)) {
		return nil, fmt.Errorf("header %d: %w", height, ledger.ErrNotFound)
	}
	return m.headers[height-m.base], nil
}

// Headers returns the stored headers within [from, to]; heights outside the
// stored run are skipped.
func (m *MemoryStore) Headers(_ context.Context, from, to uint64) ([]*ledger.Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ledger.Header, 0)
	if len(m.headers) == 0 || from > to {
		return out, nil
	}
	tip := m.base + uint64(len(m.headers)) - 1
	if from < m.base {
		from = m.base
	}
	if to > tip {
		to = tip
	}
	for h := from; h <= to; h++ {
		out = append(out, m.headers[h-m.base])
	}
	return out, nil
}

func (m *MemoryStore) GetBlocks(_ context.Context, hashes []common.Hash) ([]*ledger.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ledger.Block, 0, len(hashes))
	for _, h := range hashes {
		b, ok := m.blocks[h]
		if !ok {
			return nil, fmt.Errorf("block %s: %w", h, ledger.ErrNotFound)
		}
		out = append(out, b)
	}
	return out, nil
}

// RetrieveMany returns receipts in the order of txHashes, skipping unknown hashes.
func (m *MemoryStore) RetrieveMany(_ context.Context, txHashes []common.Hash) ([]*ledger.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ledger.Receipt, 0, len(txHashes))
	for _, h := range txHashes {
		if r, ok := m.receipts[h]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Close implements the Persistence interface.
func (m *MemoryStore) Close() error {
	return nil
}
