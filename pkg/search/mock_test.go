package search

import (
	"context"

	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
)

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
