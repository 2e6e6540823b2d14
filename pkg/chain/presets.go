package chain

import (
	"sort"
	"sync"
	"time"
)

// Preset holds per-network defaults for indexing and searching
type Preset struct {
	ChainID       string
	BlockTime     time.Duration // Average block time, used as polling interval
	Confirmations uint64        // Blocks to stay behind the tip
	BatchSize     uint64        // Blocks copied per indexer batch
	MaxBlockRange uint64        // Widest search range, 0 = unlimited
	Endpoint      string        // (Optional) Default public RPC
}

var (
	registry = make(map[string]Preset)
	mu       sync.RWMutex
)

// Register adds a new chain preset to the global registry.
func Register(name string, p Preset) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = p
}

// Get retrieves a preset configuration from the registry by its name.
func Get(name string) (Preset, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// Names lists the registered presets in lexical order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in presets
func init() {
	Register("eth-mainnet", Preset{
		ChainID:       "1",
		BlockTime:     12 * time.Second,
		Confirmations: 12,
		BatchSize:     100,
		MaxBlockRange: 10000,
	})

	Register("bsc-mainnet", Preset{
		ChainID:       "56",
		BlockTime:     3 * time.Second,
		Confirmations: 15, // BSC reorgs are relatively frequent
		BatchSize:     200,
		MaxBlockRange: 5000,
	})

	Register("polygon-mainnet", Preset{
		ChainID:       "137",
		BlockTime:     2 * time.Second,
		Confirmations: 32, // Polygon recommends deeper confirmations
		BatchSize:     200,
		MaxBlockRange: 5000,
	})

	Register("arbitrum-one", Preset{
		ChainID:       "42161",
		BlockTime:     250 * time.Millisecond,
		Confirmations: 20,
		BatchSize:     500,
		MaxBlockRange: 50000,
	})

	Register("local", Preset{
		ChainID:   "1337",
		BlockTime: time.Second,
		BatchSize: 50,
	})
}
