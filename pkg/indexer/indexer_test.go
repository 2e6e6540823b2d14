package indexer

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/84hero/receipt-search/pkg/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStore implements storage.Persistence
type MockStore struct {
	mock.Mock
}

func (m *MockStore) LoadCursor(key string) (uint64, error) {
	args := m.Called(key)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockStore) SaveCursor(key string, height uint64) error {
	args := m.Called(key, height)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

// MockSource implements ledger.Source
type MockSource struct {
	mock.Mock
}

func (m *MockSource) TipHeight(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockSource) HeaderAt(ctx context.Context, height uint64) (*ledger.Header, error) {
	args := m.Called(ctx, height)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Header), args.Error(1)
}

func (m *MockSource) Headers(ctx context.Context, from, to uint64) ([]*ledger.Header, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*ledger.Header), args.Error(1)
}

func (m *MockSource) GetBlocks(ctx context.Context, hashes []common.Hash) ([]*ledger.Block, error) {
	args := m.Called(ctx, hashes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*ledger.Block), args.Error(1)
}

func (m *MockSource) RetrieveMany(ctx context.Context, txHashes []common.Hash) ([]*ledger.Receipt, error) {
	args := m.Called(ctx, txHashes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*ledger.Receipt), args.Error(1)
}

// upstream builds a memory chain with heights [from, to]; every even block
// carries one receipt.
func upstream(t *testing.T, from, to uint64) *storage.MemoryStore {
	t.Helper()
	src := storage.NewMemoryStore("")
	for h := from; h <= to; h++ {
		block := &ledger.Block{Hash: common.HexToHash(fmt.Sprintf("0xb%x", h)), Height: h}
		var receipts []*ledger.Receipt
		if h%2 == 0 {
			tx := common.HexToHash(fmt.Sprintf("0x7%x", h))
			block.TxHashes = []common.Hash{tx}
			receipts = append(receipts, &ledger.Receipt{
				TxHash:      tx,
				BlockHash:   block.Hash,
				BlockNumber: h,
				Logs: []*ledger.LogEntry{
					{Address: common.HexToAddress("0x01"), Topics: []hexutil.Bytes{[]byte("Transfer")}},
				},
			})
		}
		_, err := src.AppendReceipts(context.Background(), block, receipts...)
		require.NoError(t, err)
	}
	return src
}

func TestDetermineStartBlock(t *testing.T) {
	store := new(MockStore)
	source := new(MockSource)

	// Case 1: Force Start
	i := New(source, nil, store, Config{ForceStart: true, StartBlock: 100})
	start, err := i.determineStartBlock(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, uint64(100), start)

	// Case 2: Resume from Store (No Rewind)
	i = New(source, nil, store, Config{ChainID: "eth"})
	store.On("LoadCursor", "eth").Return(uint64(500), nil).Once()
	start, _ = i.determineStartBlock(context.Background())
	assert.Equal(t, uint64(500), start)

	// Case 3: Resume with Cursor Rewind
	i = New(source, nil, store, Config{ChainID: "eth", CursorRewind: 10})
	store.On("LoadCursor", "eth").Return(uint64(500), nil).Once()
	start, _ = i.determineStartBlock(context.Background())
	assert.Equal(t, uint64(490), start)

	// Case 4: Config StartBlock without a cursor
	i = New(source, nil, store, Config{ChainID: "eth", StartBlock: 7})
	store.On("LoadCursor", "eth").Return(uint64(0), nil).Once()
	start, _ = i.determineStartBlock(context.Background())
	assert.Equal(t, uint64(7), start)

	source.AssertNotCalled(t, "TipHeight", mock.Anything)
}

func TestDetermineStartBlock_Rewind(t *testing.T) {
	store := new(MockStore)
	source := new(MockSource)

	i := New(source, nil, store, Config{ChainID: "eth", Rewind: 100})
	store.On("LoadCursor", "eth").Return(uint64(0), nil).Once()
	source.On("TipHeight", mock.Anything).Return(uint64(1000), nil).Once()

	start, err := i.determineStartBlock(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, uint64(900), start)
}

func TestDetermineStartBlock_RewindBoundary(t *testing.T) {
	store := new(MockStore)
	source := new(MockSource)
	// Head (50) < Rewind (100) -> 0
	i := New(source, nil, store, Config{ChainID: "eth", Rewind: 100})
	store.On("LoadCursor", "eth").Return(uint64(0), nil).Once()
	source.On("TipHeight", mock.Anything).Return(uint64(50), nil).Once()

	start, err := i.determineStartBlock(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), start)
}

func TestDetermineStartBlock_CursorError(t *testing.T) {
	store := new(MockStore)
	store.On("LoadCursor", "eth").Return(uint64(0), assert.AnError).Once()

	_, err := New(new(MockSource), nil, store, Config{ChainID: "eth"}).determineStartBlock(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestIndexRange_CopiesBlocks(t *testing.T) {
	ctx := context.Background()
	src := upstream(t, 0, 9)
	dst := storage.NewMemoryStore("")

	var seen []uint64
	i := New(src, dst, dst, Config{ChainID: "eth"})
	i.SetHandler(func(_ context.Context, h *ledger.Header, receipts []*ledger.Receipt) error {
		seen = append(seen, h.Height)
		if h.Height%2 == 0 {
			assert.Len(t, receipts, 1)
		} else {
			assert.Empty(t, receipts)
		}
		return nil
	})

	next, err := i.indexRange(ctx, 2, 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), next)
	assert.Equal(t, []uint64{2, 3, 4, 5, 6}, seen)

	tip, err := dst.TipHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), tip)

	want, _ := src.HeaderAt(ctx, 4)
	got, err := dst.HeaderAt(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	receipts, err := dst.RetrieveMany(ctx, []common.Hash{common.HexToHash("0x74")})
	require.NoError(t, err)
	assert.Len(t, receipts, 1)

	// Overlapping batch after a cursor rewind
	_, err = i.indexRange(ctx, 5, 7)
	require.NoError(t, err)
	tip, _ = dst.TipHeight(ctx)
	assert.Equal(t, uint64(7), tip)
}

func TestIndexRange_IncompleteBatch(t *testing.T) {
	src := upstream(t, 0, 3)
	dst := storage.NewMemoryStore("")

	next, err := New(src, dst, dst, Config{}).indexRange(context.Background(), 2, 5)
	assert.ErrorIs(t, err, ErrIncompleteBatch)
	assert.Equal(t, uint64(2), next)
}

func TestIndexRange_SourceErrors(t *testing.T) {
	ctx := context.Background()
	h := &ledger.Header{Height: 1, Hash: common.HexToHash("0xb1")}

	source := new(MockSource)
	source.On("Headers", mock.Anything, uint64(1), uint64(1)).Return(nil, assert.AnError).Once()
	_, err := New(source, nil, nil, Config{}).indexRange(ctx, 1, 1)
	assert.ErrorIs(t, err, assert.AnError)

	source.On("Headers", mock.Anything, uint64(1), uint64(1)).Return([]*ledger.Header{h}, nil)
	source.On("GetBlocks", mock.Anything, []common.Hash{h.Hash}).Return(nil, assert.AnError).Once()
	_, err = New(source, nil, nil, Config{}).indexRange(ctx, 1, 1)
	assert.ErrorIs(t, err, assert.AnError)

	tx := common.HexToHash("0x71")
	source.On("GetBlocks", mock.Anything, []common.Hash{h.Hash}).Return([]*ledger.Block{{Hash: h.Hash, Height: 1, TxHashes: []common.Hash{tx}}}, nil)
	source.On("RetrieveMany", mock.Anything, []common.Hash{tx}).Return(nil, assert.AnError).Once()
	_, err = New(source, nil, nil, Config{}).indexRange(ctx, 1, 1)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCatchUp_HandlerFailure(t *testing.T) {
	ctx := context.Background()
	src := upstream(t, 0, 9)
	dst := storage.NewMemoryStore("")
	store := new(MockStore)
	store.On("SaveCursor", "eth", mock.Anything).Return(nil)

	var (
		seen   []uint64
		failed bool
	)
	i := New(src, dst, store, Config{ChainID: "eth", BatchSize: 10})
	i.SetHandler(func(_ context.Context, h *ledger.Header, _ []*ledger.Receipt) error {
		seen = append(seen, h.Height)
		if h.Height == 4 && !failed {
			failed = true
			return assert.AnError
		}
		return nil
	})

	next, err := i.catchUp(ctx, 2)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, uint64(4), next)
	store.AssertCalled(t, "SaveCursor", "eth", uint64(4))

	// Only the failed block is handled again
	next, err = i.catchUp(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), next)
	assert.Equal(t, []uint64{2, 3, 4, 4, 5, 6, 7, 8, 9}, seen)
	store.AssertCalled(t, "SaveCursor", "eth", uint64(10))

	// Nothing is saved when the first block fails
	store = new(MockStore)
	i = New(src, dst, store, Config{ChainID: "eth"})
	i.SetHandler(func(context.Context, *ledger.Header, []*ledger.Receipt) error { return assert.AnError })
	next, err = i.catchUp(ctx, 5)
	assert.Error(t, err)
	assert.Equal(t, uint64(5), next)
	store.AssertNotCalled(t, "SaveCursor", mock.Anything, mock.Anything)
}

func TestIndexer_Start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := upstream(t, 0, 20)
	dst := storage.NewMemoryStore("")
	store := new(MockStore)

	store.On("LoadCursor", "eth").Return(uint64(10), nil)
	// First save fails, indexing keeps going
	store.On("SaveCursor", "eth", mock.Anything).Return(assert.AnError).Once()
	store.On("SaveCursor", "eth", mock.Anything).Return(nil)

	var last atomic.Uint64
	i := New(src, dst, store, Config{
		ChainID:       "eth",
		Interval:      5 * time.Millisecond,
		Confirmations: 3,
		BatchSize:     4,
	})
	i.SetHandler(func(_ context.Context, h *ledger.Header, _ []*ledger.Receipt) error {
		last.Store(h.Height)
		if h.Height == 17 {
			cancel()
		}
		return nil
	})

	err := i.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// 20 - 3 confirmations
	assert.Equal(t, uint64(17), last.Load())
	tip, err := dst.TipHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(17), tip)
	store.AssertCalled(t, "SaveCursor", "eth", uint64(14))
}

func TestIndexer_StartTipError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := new(MockStore)
	source := new(MockSource)

	store.On("LoadCursor", "eth").Return(uint64(100), nil)
	source.On("TipHeight", mock.Anything).Return(uint64(0), assert.AnError)

	i := New(source, nil, store, Config{ChainID: "eth", Interval: time.Millisecond})

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := i.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	store.AssertNotCalled(t, "SaveCursor", mock.Anything, mock.Anything)
}
