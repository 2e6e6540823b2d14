package decoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrUnknownEvent is returned for a topic or name the ABI does not define.
var ErrUnknownEvent = errors.New("event signature not found in ABI")

// ABIWrapper wraps the decoding logic using go-ethereum's ABI parser.
type ABIWrapper struct {
	parsedABI abi.ABI
}

// NewFromJSON creates a decoder from a JSON ABI string
func NewFromJSON(jsonStr string) (*ABIWrapper, error) {
	parsed, err := abi.JSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, err
	}
	return &ABIWrapper{parsedABI: parsed}, nil
}

// DecodedLog contains parsed human-readable data from a receipt log.
type DecodedLog struct {
	Address common.Address         `json:"address"`
	Index   int                    `json:"logIndex"` // Position within the receipt
	Name    string                 `json:"event"`    // Event name (e.g., Transfer)
	Inputs  map[string]interface{} `json:"inputs"`   // Parameter key-value pairs (e.g., from: 0x..., value: 100)
}

// EventID returns the topic of the named event.
func (w *ABIWrapper) EventID(name string) (common.Hash, error) {
	event, ok := w.parsedABI.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	return event.ID, nil
}

// Decode parses a single log entry
func (w *ABIWrapper) Decode(l *ledger.LogEntry) (*DecodedLog, error) {
	if l == nil || len(l.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}

	topics := make([]common.Hash, len(l.Topics))
	for i, t := range l.Topics {
		if len(t) != common.HashLength {
			return nil, fmt.Errorf("topic %d is %d bytes, want %d", i, len(t), common.HashLength)
		}
		topics[i] = common.BytesToHash(t)
	}

	// Topic[0] is the event signature
	event, err := w.parsedABI.EventByID(topics[0])
	if err != nil {
		return nil, ErrUnknownEvent
	}

	result := &DecodedLog{
		Address: l.Address,
		Name:    event.Name,
		Inputs:  make(map[string]interface{}),
	}

	// Non-indexed parameters
	if len(l.Data) > 0 {
		if err := w.parsedABI.UnpackIntoMap(result.Inputs, event.Name, l.Data); err != nil {
			return nil, err
		}
	}

	var indexedArgs abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexedArgs = append(indexedArgs, arg)
		}
	}

	if len(topics)-1 != len(indexedArgs) {
		return nil, fmt.Errorf("topic count mismatch: expected %d, got %d", len(indexedArgs), len(topics)-1)
	}

	if err := abi.ParseTopicsIntoMap(result.Inputs, indexedArgs, topics[1:]); err != nil {
		return nil, err
	}

	return result, nil
}

// DecodeReceipt decodes every log of r the ABI knows; other logs are skipped.
func (w *ABIWrapper) DecodeReceipt(r *ledger.Receipt) []*DecodedLog {
	if r == nil {
		return nil
	}
	var out []*DecodedLog
	for i, l := range r.Logs {
		d, err := w.Decode(l)
		if err != nil {
			continue
		}
		d.Index = i
		out = append(out, d)
	}
	return out
}
