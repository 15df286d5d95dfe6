package mempool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stjordanis/loopchain/pkg/block"
)

// DefaultMaxTxSize is the maximum transaction payload size in bytes.
const DefaultMaxTxSize = 100_000

// DefaultMaxAge is how long a transaction may wait before it is evicted.
const DefaultMaxAge = 5 * time.Minute

// Policy defines transaction acceptance rules.
type Policy struct {
	MaxTxSize int           // Maximum payload size in bytes.
	MaxAge    time.Duration // Pending transactions older than this are evicted (0 = never).
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxTxSize: DefaultMaxTxSize,
		MaxAge:    DefaultMaxAge,
	}
}

// Check validates a transaction against policy rules. The payload is
// opaque to the node but the engine expects a JSON object.
func (p *Policy) Check(transaction *block.Transaction) error {
	if p.MaxTxSize > 0 && len(transaction.Data) > p.MaxTxSize {
		return fmt.Errorf("transaction too large: %d bytes, max %d", len(transaction.Data), p.MaxTxSize)
	}
	if transaction.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	if transaction.From == "" {
		return fmt.Errorf("missing sender")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(transaction.Data, &obj); err != nil {
		return fmt.Errorf("data must be a JSON object: %w", err)
	}
	return nil
}
