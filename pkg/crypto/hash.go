// Package crypto provides hashing and signing primitives for loopchain nodes.
package crypto

import (
	"encoding/hex"

	"github.com/stjordanis/loopchain/pkg/types"
	"github.com/zeebo/blake3"
)

// PeerIDSize is the number of hash bytes kept in a peer id.
const PeerIDSize = 20

// PeerIDPrefix marks a hex peer id derived from a public key.
const PeerIDPrefix = "hx"

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}

// PeerIDFromPubKey derives a peer id from a compressed public key.
// PeerID = "hx" + hex(BLAKE3(compressed_pubkey)[:20]).
func PeerIDFromPubKey(pubKey []byte) string {
	h := Hash(pubKey)
	return PeerIDPrefix + hex.EncodeToString(h[:PeerIDSize])
}
