package rpc

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// Error definitions
var (
	ErrNoAvailableNodes  = errors.New("no available rpc nodes")
	ErrNoNodeMeetsHeight = errors.New("no node meets the required block height")
)

// MultiClient manages multiple RPC nodes, providing load balancing and failover
type MultiClient struct {
	nodes        []*Node
	globalHeight uint64

	mu sync.RWMutex
}

// NewClient initializes a multi-node client
func NewClient(ctx context.Context, configs []NodeConfig) (*MultiClient, error) {
	if len(configs) == 0 {
		return nil, errors.New("no rpc configs provided")
	}

	nodes := make([]*Node, 0, len(configs))
	for _, cfg := range configs {
		n, err := NewNode(ctx, cfg)
		if err != nil {
			// Unreachable nodes are skipped as long as one connects
			log.Warn("Failed to dial rpc node", "url", cfg.URL, "err", err)
			continue
		}
		nodes = append(nodes, n)
	}

	return NewClientWithNodes(ctx, nodes)
}

// NewClientWithNodes initializes MultiClient with existing nodes (for testing or advanced usage)
func NewClientWithNodes(ctx context.Context, nodes []*Node) (*MultiClient, error) {
	if len(nodes) == 0 {
		return nil, errors.New("failed to connect to any rpc node")
	}

	mc := &MultiClient{
		nodes: nodes,
	}

	// Refresh node heights and scores every 5 seconds
	go mc.startBackgroundSync(ctx)

	return mc, nil
}

// Nodes returns the managed nodes
func (mc *MultiClient) Nodes() []*Node {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make([]*Node, len(mc.nodes))
	copy(out, mc.nodes)
	return out
}

// startBackgroundSync periodically polls all nodes to update their heights and scores
func (mc *MultiClient) startBackgroundSync(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	mc.syncNodes(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.syncNodes(ctx)
		}
	}
}

func (mc *MultiClient) syncNodes(ctx context.Context) {
	var maxH uint64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, n := range mc.Nodes() {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			// Maintenance traffic bypasses the limiter
			h, err := node.BlockNumber(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			if h > maxH {
				maxH = h
			}
			mu.Unlock()
		}(n)
	}
	wg.Wait()

	if maxH > 0 {
		atomic.StoreUint64(&mc.globalHeight, maxH)
	}
}

// execute performs an RPC request with retry logic and auto node switching
func (mc *MultiClient) execute(ctx context.Context, op func(*Node) error) error {
	// Max attempts = number of nodes (capped at 3 to avoid long loops)
	attempts := len(mc.nodes)
	if attempts > 3 {
		attempts = 3
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		node, err := mc.pickAvailableNode(ctx)
		if err != nil {
			return err
		}

		err = op(node)
		node.Release()
		if err == nil {
			return nil
		}

		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// Another node would answer the same
		if errors.Is(err, ethereum.NotFound) {
			return err
		}
		log.Debug("RPC call failed, switching node", "url", node.URL(), "attempt", i+1, "err", err)
	}

	return lastErr
}

// ChainID retrieves the chain ID from the best available node
func (mc *MultiClient) ChainID(ctx context.Context) (*big.Int, error) {
	var res *big.Int
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.ChainID(ctx)
		return e
	})
	return res, err
}

// BlockNumber retrieves the latest block height across all nodes (cached if possible)
func (mc *MultiClient) BlockNumber(ctx context.Context) (uint64, error) {
	h := atomic.LoadUint64(&mc.globalHeight)
	if h > 0 {
		return h, nil
	}
	// Cache is empty at startup
	var res uint64
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.BlockNumber(ctx)
		return e
	})
	return res, err
}

// HeaderByNumber retrieves a block header from the best available node
func (mc *MultiClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var res *types.Header
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.HeaderByNumber(ctx, number)
		return e
	})
	return res, err
}

// BlockByHash retrieves a full block from the best available node
func (mc *MultiClient) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	var res *types.Block
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.BlockByHash(ctx, hash)
		return e
	})
	return res, err
}

// TransactionReceipt retrieves a receipt from the best available node
func (mc *MultiClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var res *types.Receipt
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.TransactionReceipt(ctx, txHash)
		return e
	})
	return res, err
}

// Close closes all underlying RPC connections
func (mc *MultiClient) Close() {
	for _, n := range mc.Nodes() {
		n.Close()
	}
}

// pickAvailableNode selects an available node with auto-switching
func (mc *MultiClient) pickAvailableNode(ctx context.Context) (*Node, error) {
	return mc.pickAvailableNodeWithHeight(ctx, 0)
}

// pickAvailableNodeWithHeight selects a node that meets the height requirement
func (mc *MultiClient) pickAvailableNodeWithHeight(ctx context.Context, requiredHeight uint64) (*Node, error) {
	globalH := atomic.LoadUint64(&mc.globalHeight)
	candidates := mc.Nodes()

	if len(candidates) == 0 {
		return nil, ErrNoAvailableNodes
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score(globalH) > candidates[j].Score(globalH)
	})

	for _, node := range candidates {
		if requiredHeight > 0 && !node.MeetsHeightRequirement(requiredHeight) {
			continue
		}
		// Busy, rate-limited or broken nodes are skipped
		if err := node.TryAcquire(ctx); err == nil {
			return node, nil
		}
	}

	// Everything is busy, wait for the best node
	bestNode := candidates[0]

	if bestNode.IsCircuitBroken() {
		return nil, ErrNoAvailableNodes
	}
	if requiredHeight > 0 && !bestNode.MeetsHeightRequirement(requiredHeight) {
		return nil, ErrNoNodeMeetsHeight
	}

	if err := bestNode.Acquire(ctx); err != nil {
		return nil, err
	}
	return bestNode, nil
}

// notFoundIsHealthy keeps a missing object from counting against a node.
func notFoundIsHealthy(err error) error {
	if errors.Is(err, ethereum.NotFound) {
		return nil
	}
	return err
}
