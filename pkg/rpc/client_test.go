package rpc

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestNodeScore(t *testing.T) {
	n := &Node{
		config: NodeConfig{Priority: 10},
	}

	// Initial score: 10 * 100 = 1000
	assert.Equal(t, int64(1000), n.Score(0))

	n.RecordMetric(time.Now().Add(-100*time.Millisecond), nil)
	// Latency 100ms -> 1000 - 10
	assert.Equal(t, int64(990), n.Score(0))

	n2 := &Node{config: NodeConfig{Priority: 10}}
	n2.RecordMetric(time.Now(), errors.New("fail"))
	// One consecutive error -> 1000 - 500
	assert.Equal(t, int64(500), n2.Score(0))
}

func TestMultiClient_Failover(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock1 := new(MockEthClient)
	mock1.On("BlockNumber", mock.Anything).Return(uint64(0), errors.New("connection error")).Maybe()
	mock1.On("ChainID", mock.Anything).Return(nil, errors.New("connection error")).Maybe()

	mock2 := new(MockEthClient)
	mock2.On("BlockNumber", mock.Anything).Return(uint64(100), nil).Maybe()
	mock2.On("ChainID", mock.Anything).Return(big.NewInt(1), nil)

	node1 := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mock1)
	node2 := NewNodeWithClient(NodeConfig{URL: "node2", Priority: 8}, mock2)

	mc, err := NewClientWithNodes(ctx, []*Node{node1, node2})
	assert.NoError(t, err)

	// node1 is preferred until it fails, then node2 answers
	id, err := mc.ChainID(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())

	assert.GreaterOrEqual(t, node1.GetTotalErrors(), uint64(1))
}

func TestNode_ScoreLag(t *testing.T) {
	n := &Node{
		config: NodeConfig{Priority: 10},
	}
	n.UpdateHeight(100)
	// Lag 20 -> 1000 - 20*50
	assert.Equal(t, int64(0), n.Score(120))
}

func TestExecute_RetryLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockEth := new(MockEthClient)
	mockEth.On("BlockNumber", mock.Anything).Return(uint64(0), errors.New("fail")).Maybe()

	node := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mockEth)
	mc, _ := NewClientWithNodes(ctx, []*Node{node})

	_, err := mc.BlockNumber(ctx)
	assert.Error(t, err)
}

func TestExecute_NotFoundIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tx := common.HexToHash("0x01")
	mock1 := new(MockEthClient)
	mock1.On("BlockNumber", mock.Anything).Return(uint64(100), nil).Maybe()
	mock1.On("TransactionReceipt", mock.Anything, tx).Return(nil, ethereum.NotFound).Once()
	mock2 := new(MockEthClient)
	mock2.On("BlockNumber", mock.Anything).Return(uint64(100), nil).Maybe()

	node1 := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mock1)
	node2 := NewNodeWithClient(NodeConfig{URL: "node2", Priority: 1}, mock2)
	mc, _ := NewClientWithNodes(ctx, []*Node{node1, node2})

	_, err := mc.TransactionReceipt(ctx, tx)
	assert.ErrorIs(t, err, ethereum.NotFound)
	mock2.AssertNotCalled(t, "TransactionReceipt", mock.Anything, mock.Anything)
}

func TestExecute_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mockEth := new(MockEthClient)
	mockEth.On("BlockNumber", mock.Anything).Return(uint64(100), nil).Maybe()
	mockEth.On("ChainID", mock.Anything).Return(big.NewInt(1), nil).Maybe()

	node := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mockEth)
	mc, _ := NewClientWithNodes(ctx, []*Node{node})

	cancel()
	_, err := mc.ChainID(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProxyMethods(t *testing.T) {
	ctx := context.Background()
	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mockEth := new(MockEthClient)
	// Background sync
	mockEth.On("BlockNumber", mock.Anything).Return(uint64(100), nil).Maybe()

	node := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mockEth)
	mc, _ := NewClientWithNodes(syncCtx, []*Node{node})

	// 1. ChainID
	mockEth.On("ChainID", ctx).Return(big.NewInt(1), nil).Once()
	id, err := mc.ChainID(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())

	// 2. HeaderByNumber
	header := &types.Header{Number: big.NewInt(100)}
	mockEth.On("HeaderByNumber", ctx, big.NewInt(100)).Return(header, nil).Once()
	h, err := mc.HeaderByNumber(ctx, big.NewInt(100))
	assert.NoError(t, err)
	assert.Equal(t, int64(100), h.Number.Int64())

	// 3. BlockByHash
	block := types.NewBlockWithHeader(&types.Header{Number: big.NewInt(200)})
	mockEth.On("BlockByHash", ctx, block.Hash()).Return(block, nil).Once()
	b, err := mc.BlockByHash(ctx, block.Hash())
	assert.NoError(t, err)
	assert.Equal(t, int64(200), b.Number().Int64())

	// 4. TransactionReceipt
	tx := common.HexToHash("0x1234")
	mockEth.On("TransactionReceipt", ctx, tx).Return(&types.Receipt{TxHash: tx}, nil).Once()
	r, err := mc.TransactionReceipt(ctx, tx)
	assert.NoError(t, err)
	assert.Equal(t, tx, r.TxHash)

	// 5. Close
	mockEth.On("Close").Once()
	mc.Close()
}

func TestNewClient_Errors(t *testing.T) {
	_, err := NewClient(context.Background(), []NodeConfig{})
	assert.Error(t, err)

	_, err = NewClientWithNodes(context.Background(), []*Node{})
	assert.Error(t, err)
}

func TestNewClient_Unreachable(t *testing.T) {
	ctx := context.Background()
	configs := []NodeConfig{
		{URL: "invalid-scheme://", Priority: 1},
	}
	_, err := NewClient(ctx, configs)
	assert.Error(t, err)
}

func TestNodeGetters(t *testing.T) {
	n := &Node{config: NodeConfig{URL: "http://test", Priority: 5}}
	assert.Equal(t, "http://test", n.URL())
	assert.Equal(t, 5, n.Priority())
}
