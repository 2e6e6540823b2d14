package storage

import (
	"errors"
)

// ErrNonContiguous is returned when an appended block does not extend the tip.
var ErrNonContiguous = errors.New("block does not extend the stored chain")

// Persistence defines the interface for saving indexer progress
type Persistence interface {
	// LoadCursor reads the next block height to index
	// key: task identifier (e.g., "eth-mainnet")
	LoadCursor(key string) (uint64, error)

	// SaveCursor saves the next block height to index
	SaveCursor(key string, height uint64) error

	// Close releases resources
	Close() error
}
