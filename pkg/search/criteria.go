package search

import (
	"fmt"
	"strings"

	"github.com/84hero/receipt-search/pkg/bloom"
	"github.com/ethereum/go-ethereum/common"
)

// MaxTopicLength is the widest topic value a log can carry.
const MaxTopicLength = common.HashLength

// Criteria describes which logs a search is looking for.
// Within a dimension values are alternatives; across dimensions they must all hold.
type Criteria struct {
	// Contracts are hex addresses of emitting contracts. Empty matches any address.
	Contracts []string

	// EventName, unless blank, is folded into the topics as its UTF-8 bytes.
	// Event names are logged as the first topic by the execution engine.
	EventName string

	// Topics are raw topic values. Nil or empty entries are dropped.
	// Empty matches any topic.
	Topics [][]byte
}

// NewCriteria creates criteria matching every log.
func NewCriteria() *Criteria {
	return &Criteria{
		Contracts: make([]string, 0),
		Topics:    make([][]byte, 0),
	}
}

// AddContract adds contract addresses to match
func (c *Criteria) AddContract(addrs ...string) *Criteria {
	c.Contracts = append(c.Contracts, addrs...)
	return c
}

// SetEvent sets the event name to match
func (c *Criteria) SetEvent(name string) *Criteria {
	c.EventName = name
	return c
}

// AddTopic adds candidate topic values
func (c *Criteria) AddTopic(topics ...[]byte) *Criteria {
	c.Topics = append(c.Topics, topics...)
	return c
}

// AddressSet is a set of canonical contract addresses. An empty set matches anything.
type AddressSet map[common.Address]struct{}

// NewAddressSet builds a set from addrs.
func NewAddressSet(addrs ...common.Address) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

// Contains reports whether a is in the set.
func (s AddressSet) Contains(a common.Address) bool {
	_, ok := s[a]
	return ok
}

// TopicSet is a set of topic values compared byte for byte. An empty set matches anything.
type TopicSet map[string]struct{}

// NewTopicSet builds a set from topics, skipping empty values.
func NewTopicSet(topics ...[]byte) TopicSet {
	s := make(TopicSet, len(topics))
	for _, t := range topics {
		if len(t) > 0 {
			s[string(t)] = struct{}{}
		}
	}
	return s
}

// Contains reports whether t is in the set.
func (s TopicSet) Contains(t []byte) bool {
	_, ok := s[string(t)]
	return ok
}

// query is the normalized, validated form of Criteria.
type query struct {
	addresses AddressSet
	topics    TopicSet
	bloom     bloom.Bloom
}

// ParseAddress converts a hex address into its canonical 20-byte form.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid contract address %q", ErrMalformedCriteria, s)
	}
	return common.HexToAddress(s), nil
}

// normalize validates c and builds the query digest. The digest is the only
// place criteria are hashed, so it happens once per search.
func (c *Criteria) normalize(limits Limits) (*query, error) {
	q := &query{
		addresses: make(AddressSet),
		topics:    make(TopicSet),
	}
	if c == nil {
		return q, nil
	}

	for _, s := range c.Contracts {
		addr, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		if !q.addresses.Contains(addr) {
			q.addresses[addr] = struct{}{}
			q.bloom.Add(addr.Bytes())
		}
	}

	topics := make([][]byte, 0, len(c.Topics)+1)
	if strings.TrimSpace(c.EventName) != "" {
		topics = append(topics, []byte(c.EventName))
	}
	for i, t := range c.Topics {
		if len(t) == 0 {
			continue
		}
		if len(t) > MaxTopicLength {
			return nil, fmt.Errorf("%w: topic %d is %d bytes, max %d", ErrMalformedCriteria, i, len(t), MaxTopicLength)
		}
		topics = append(topics, t)
	}
	for _, t := range topics {
		if !q.topics.Contains(t) {
			q.topics[string(t)] = struct{}{}
			q.bloom.Add(t)
		}
	}

	if limits.MaxAddresses > 0 && len(q.addresses) > limits.MaxAddresses {
		return nil, fmt.Errorf("%w: %d contracts, max %d", ErrQueryTooLarge, len(q.addresses), limits.MaxAddresses)
	}
	if limits.MaxTopics > 0 && len(q.topics) > limits.MaxTopics {
		return nil, fmt.Errorf("%w: %d topics, max %d", ErrQueryTooLarge, len(q.topics), limits.MaxTopics)
	}
	return q, nil
}
