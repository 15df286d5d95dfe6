package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/stjordanis/loopchain/pkg/crypto"
	"github.com/stjordanis/loopchain/pkg/types"
)

// Genesis holds the payload of a channel's genesis transaction.
// The leader that creates height 0 hands Data to the execution engine
// unchanged.
type Genesis struct {
	Timestamp int64           `json:"timestamp"` // microseconds
	Data      json.RawMessage `json:"transaction_data"`
}

// DefaultGenesis returns the genesis used when no genesis file is configured.
func DefaultGenesis() *Genesis {
	return &Genesis{
		Timestamp: 1_517_000_000_000_000,
		Data: json.RawMessage(`{"nid":"0x3","accounts":[` +
			`{"name":"god","address":"hx0000000000000000000000000000000000000000","balance":"0x2961fff8ca4a62327800000"},` +
			`{"name":"treasury","address":"hx1000000000000000000000000000000000000000","balance":"0x0"}],` +
			`"message":"A rhizome has no beginning or end"}`),
	}
}

// LoadGenesis loads a genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}
	return &g, nil
}

// Validate checks that the genesis is usable.
func (g *Genesis) Validate() error {
	if g.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	if len(g.Data) == 0 {
		return fmt.Errorf("transaction_data is required")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(g.Data, &obj); err != nil {
		return fmt.Errorf("transaction_data must be a JSON object: %w", err)
	}
	return nil
}

// Hash returns a BLAKE3 hash of the genesis. Nodes with different
// genesis hashes cannot share a channel.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}

// GenesisFor returns the configured genesis, or the default one.
func (c *Config) GenesisFor() (*Genesis, error) {
	if c.Genesis.File == "" {
		return DefaultGenesis(), nil
	}
	return LoadGenesis(c.Genesis.File)
}
