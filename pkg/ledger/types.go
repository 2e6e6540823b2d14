// Package ledger holds the block, header and receipt model the searcher reads,
// together with the storage contracts it consumes.
package ledger

import (
	"github.com/84hero/receipt-search/pkg/bloom"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// LogEntry is a single event emitted by a contract.
type LogEntry struct {
	Address common.Address  `json:"address"`
	Topics  []hexutil.Bytes `json:"topics"`
	Data    hexutil.Bytes   `json:"data,omitempty"`
}

// Receipt records the logs produced by one transaction.
type Receipt struct {
	TxHash      common.Hash `json:"transactionHash"`
	BlockHash   common.Hash `json:"blockHash"`
	BlockNumber uint64      `json:"blockNumber"`
	Logs        []*LogEntry `json:"logs"`
}

// Bloom returns the digest of every address and topic logged by r.
func (r *Receipt) Bloom() bloom.Bloom {
	var b bloom.Bloom
	for _, l := range r.Logs {
		b.Add(l.Address.Bytes())
		for _, t := range l.Topics {
			b.Add(t)
		}
	}
	return b
}

// CreateBloom builds the LogsBloom of a block from its receipts.
func CreateBloom(receipts []*Receipt) bloom.Bloom {
	var b bloom.Bloom
	for _, r := range receipts {
		if r != nil {
			b.Merge(r.Bloom())
		}
	}
	return b
}

// Header is the part of a block header the searcher consults.
type Header struct {
	Height    uint64      `json:"height"`
	Hash      common.Hash `json:"hash"`
	LogsBloom bloom.Bloom `json:"logsBloom"`
}

// Block exposes the ordered transaction hashes of a stored block.
type Block struct {
	Hash     common.Hash   `json:"hash"`
	Height   uint64        `json:"height"`
	TxHashes []common.Hash `json:"transactions"`
}

// NewHeader derives the header of block from its receipts.
func NewHeader(block *Block, receipts []*Receipt) *Header {
	return &Header{
		Height:    block.Height,
		Hash:      block.Hash,
		LogsBloom: CreateBloom(receipts),
	}
}
