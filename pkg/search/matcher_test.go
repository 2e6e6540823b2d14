package search

import (
	"testing"

	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
)

var (
	addr1 = common.HexToAddress("0x01")
	addr2 = common.HexToAddress("0x02")
	t1    = common.HexToHash("0xaa").Bytes()
	t2    = common.HexToHash("0xbb").Bytes()
)

func receiptWith(tx string, logs ...*ledger.LogEntry) *ledger.Receipt {
	return &ledger.Receipt{TxHash: common.HexToHash(tx), Logs: logs}
}

func logEntry(addr common.Address, topics ...[]byte) *ledger.LogEntry {
	l := &ledger.LogEntry{Address: addr}
	for _, t := range topics {
		l.Topics = append(l.Topics, hexutil.Bytes(t))
	}
	return l
}

func TestMatchReceipts_Basic(t *testing.T) {
	r := receiptWith("0x1", logEntry(addr1, t1))

	assert.Equal(t, []*ledger.Receipt{r}, MatchReceipts([]*ledger.Receipt{r}, NewAddressSet(addr1), NewTopicSet(t1)))
	assert.Empty(t, MatchReceipts([]*ledger.Receipt{r}, NewAddressSet(addr2), NewTopicSet(t1)))
	assert.Equal(t, []*ledger.Receipt{r}, MatchReceipts([]*ledger.Receipt{r}, NewAddressSet(), NewTopicSet()))
}

func TestMatchReceipts_TopicOR(t *testing.T) {
	r := receiptWith("0x1", logEntry(addr1, t2))

	// Any one topic of the set is enough
	assert.Len(t, MatchReceipts([]*ledger.Receipt{r}, nil, NewTopicSet(t1, t2)), 1)
	assert.Empty(t, MatchReceipts([]*ledger.Receipt{r}, nil, NewTopicSet(t1)))
}

func TestMatchReceipts_SameLogMustSatisfyBoth(t *testing.T) {
	// Address matches on one log, topic on another: no single log qualifies
	r := receiptWith("0x1", logEntry(addr1), logEntry(addr2, t1))
	assert.Empty(t, MatchReceipts([]*ledger.Receipt{r}, NewAddressSet(addr1), NewTopicSet(t1)))

	// A second log that satisfies both is enough
	r.Logs = append(r.Logs, logEntry(addr1, t1))
	assert.Len(t, MatchReceipts([]*ledger.Receipt{r}, NewAddressSet(addr1), NewTopicSet(t1)), 1)
}

func TestMatchReceipts_EdgeCases(t *testing.T) {
	empty := receiptWith("0x1")
	assert.Empty(t, MatchReceipts([]*ledger.Receipt{empty}, nil, nil))

	res := MatchReceipts(nil, nil, nil)
	assert.NotNil(t, res)
	assert.Empty(t, res)

	r := receiptWith("0x2", nil, logEntry(addr1))
	assert.Len(t, MatchReceipts([]*ledger.Receipt{nil, r}, nil, nil), 1)
}

func TestMatchReceipts_PreservesOrder(t *testing.T) {
	r1 := receiptWith("0x1", logEntry(addr1, t1))
	r2 := receiptWith("0x2", logEntry(addr2, t1))
	r3 := receiptWith("0x3", logEntry(addr1, t2))

	res := MatchReceipts([]*ledger.Receipt{r3, r2, r1}, NewAddressSet(addr1), nil)
	assert.Equal(t, []*ledger.Receipt{r3, r1}, res)
}

func TestTopicSet_SkipsEmpty(t *testing.T) {
	s := NewTopicSet(nil, []byte{}, t1)
	assert.Len(t, s, 1)
	assert.True(t, s.Contains(t1))
	assert.False(t, s.Contains(t2))
}
