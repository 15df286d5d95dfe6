package block

import (
	"errors"
	"fmt"

	"github.com/stjordanis/loopchain/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader        = errors.New("block has nil header")
	ErrBadVersion       = errors.New("unsupported block version")
	ErrBadHeight        = errors.New("invalid block height")
	ErrZeroTimestamp    = errors.New("block timestamp is zero")
	ErrBadMerkleRoot    = errors.New("merkle root mismatch")
	ErrBadTxHash        = errors.New("transaction hash mismatch")
	ErrGenesisPrevHash  = errors.New("genesis block must not reference a parent")
	ErrBadLink          = errors.New("block does not extend parent")
	ErrMissingSignature = errors.New("block is not signed")
	ErrBadSignature     = errors.New("invalid block signature")
)

// Block version constants.
const (
	CurrentVersion = 1
	MaxVersion     = 1
)

// Validate checks block structure and internal consistency.
// Empty blocks are allowed.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if b.Header.Version < 1 || b.Header.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, b.Header.Version, MaxVersion)
	}
	if b.Header.Height < types.GenesisHeight {
		return fmt.Errorf("%w: %d", ErrBadHeight, b.Header.Height)
	}
	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if b.Header.Height == types.GenesisHeight && !b.Header.PrevHash.IsZero() {
		return ErrGenesisPrevHash
	}

	for i, t := range b.Transactions {
		if t.ComputeHash() != t.Hash {
			return fmt.Errorf("tx %d: %w", i, ErrBadTxHash)
		}
	}
	if root := TxRoot(b.Transactions); b.Header.MerkleRoot != root {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot, b.Header.MerkleRoot, root)
	}
	return nil
}

// ValidateLink checks that b directly extends prev. A nil prev means
// b must be the genesis block.
func (b *Block) ValidateLink(prev *Block) error {
	if prev == nil {
		if b.Height() != types.GenesisHeight {
			return fmt.Errorf("%w: expected genesis, got height %d", ErrBadLink, b.Height())
		}
		return nil
	}
	if b.Height() != prev.Height()+1 {
		return fmt.Errorf("%w: height %d after %d", ErrBadLink, b.Height(), prev.Height())
	}
	if b.PrevHash() != prev.Hash() {
		return fmt.Errorf("%w: prev_hash %s, parent %s", ErrBadLink, b.PrevHash(), prev.Hash())
	}
	return nil
}
