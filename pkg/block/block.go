// Package block defines immutable block, header and transaction values
// and their structural validation.
package block

import (
	"fmt"

	"github.com/stjordanis/loopchain/pkg/crypto"
	"github.com/stjordanis/loopchain/pkg/types"
)

// Block is a header plus its ordered transactions. Blocks are treated as
// immutable once built; derive new values with the With* helpers.
type Block struct {
	Header       *Header        `json:"header"`
	Transactions []*Transaction `json:"transactions"`
}

// NewBlock creates a new block with the given header and transactions.
// The header's merkle root is filled from the transactions.
func NewBlock(header *Header, txs []*Transaction) *Block {
	header.MerkleRoot = TxRoot(txs)
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b == nil || b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}

// Height returns the block height, or types.NoHeight for a nil block.
func (b *Block) Height() int64 {
	if b == nil || b.Header == nil {
		return types.NoHeight
	}
	return b.Header.Height
}

// PrevHash returns the hash of the parent block.
func (b *Block) PrevHash() types.Hash {
	if b == nil || b.Header == nil {
		return types.Hash{}
	}
	return b.Header.PrevHash
}

// CommitState returns the state root recorded for a channel.
func (b *Block) CommitState(channel string) (types.Hash, bool) {
	if b == nil || b.Header == nil {
		return types.Hash{}, false
	}
	h, ok := b.Header.CommitState[channel]
	return h, ok
}

// WithCommitState returns a copy of the block whose header records root
// as the channel's state root. The receiver is not modified.
func (b *Block) WithCommitState(channel string, root types.Hash) *Block {
	h := b.Header.clone()
	if h.CommitState == nil {
		h.CommitState = make(map[string]types.Hash, 1)
	}
	h.CommitState[channel] = root

	txs := make([]*Transaction, len(b.Transactions))
	copy(txs, b.Transactions)
	return &Block{Header: h, Transactions: txs}
}

// Sign signs the header hash with the proposer key and records the
// proposer's peer id.
func (b *Block) Sign(key *crypto.PrivateKey) error {
	b.Header.PeerID = key.PeerID()
	h := b.Header.Hash()
	sig, err := key.Sign(h[:])
	if err != nil {
		return fmt.Errorf("sign block %d: %w", b.Header.Height, err)
	}
	b.Header.Signature = sig
	return nil
}

// VerifySignature checks the header signature against a compressed
// public key and that the key matches the recorded proposer.
func (b *Block) VerifySignature(pubKey []byte) error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if len(b.Header.Signature) == 0 {
		return ErrMissingSignature
	}
	if crypto.PeerIDFromPubKey(pubKey) != b.Header.PeerID {
		return fmt.Errorf("%w: key belongs to %s, block proposed by %s",
			ErrBadSignature, crypto.PeerIDFromPubKey(pubKey), b.Header.PeerID)
	}
	h := b.Header.Hash()
	if !crypto.VerifySignature(h[:], b.Header.Signature, pubKey) {
		return ErrBadSignature
	}
	return nil
}
