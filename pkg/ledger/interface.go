package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is returned when a requested header or block does not exist.
var ErrNotFound = errors.New("not found")

// HeaderIndex gives ordered, read-only access to the chain of headers.
type HeaderIndex interface {
	// TipHeight returns the height of the highest known header.
	TipHeight(ctx context.Context) (uint64, error)

	// HeaderAt returns the header at height, or ErrNotFound.
	HeaderAt(ctx context.Context, height uint64) (*Header, error)

	// Headers returns every header with from <= height <= to in ascending order.
	Headers(ctx context.Context, from, to uint64) ([]*Header, error)
}

// BlockStore retrieves stored blocks in batch.
type BlockStore interface {
	// GetBlocks returns the blocks in the order of hashes.
	// A missing block is an error wrapping ErrNotFound.
	GetBlocks(ctx context.Context, hashes []common.Hash) ([]*Block, error)
}

// ReceiptRepository retrieves receipts in batch by transaction hash.
type ReceiptRepository interface {
	// RetrieveMany returns the receipts that exist for txHashes.
	// Transactions without a receipt are omitted; order is implementation defined.
	RetrieveMany(ctx context.Context, txHashes []common.Hash) ([]*Receipt, error)
}

// Source bundles the three read-only collaborators of a search.
type Source interface {
	HeaderIndex
	BlockStore
	ReceiptRepository
}

// Appender persists a block copied from an upstream source.
type Appender interface {
	Append(ctx context.Context, header *Header, block *Block, receipts []*Receipt) error
}
