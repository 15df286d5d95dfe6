package chain

import (
	"fmt"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/types"
)

// CreateGenesisBlock builds the unsigned genesis block. It has height 0,
// a zero PrevHash, and a single transaction carrying the genesis data
// unchanged. The proposer's peer id is recorded as the tx sender.
func CreateGenesisBlock(gen *config.Genesis, proposer string) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}
	if err := gen.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	genesisTx := block.NewTransaction(proposer, block.MethodSendTransaction, gen.Data, gen.Timestamp)

	header := &block.Header{
		Version:   block.CurrentVersion,
		Height:    types.GenesisHeight,
		Timestamp: gen.Timestamp,
		PeerID:    proposer,
	}
	return block.NewBlock(header, []*block.Transaction{genesisTx}), nil
}
