package search

import (
	"github.com/84hero/receipt-search/pkg/ledger"
)

// MatchReceipts returns the receipts holding at least one log that satisfies
// both the address and the topic constraint. Input order is preserved.
func MatchReceipts(receipts []*ledger.Receipt, addresses AddressSet, topics TopicSet) []*ledger.Receipt {
	matched := make([]*ledger.Receipt, 0)
	for _, r := range receipts {
		if r == nil {
			continue
		}
		for _, l := range r.Logs {
			if MatchLog(l, addresses, topics) {
				matched = append(matched, r)
				break
			}
		}
	}
	return matched
}

// MatchLog reports whether a single log entry qualifies.
func MatchLog(l *ledger.LogEntry, addresses AddressSet, topics TopicSet) bool {
	if l == nil {
		return false
	}
	if len(addresses) > 0 && !addresses.Contains(l.Address) {
		return false
	}
	if len(topics) == 0 {
		return true
	}
	for _, t := range l.Topics {
		if topics.Contains(t) {
			return true
		}
	}
	return false
}
