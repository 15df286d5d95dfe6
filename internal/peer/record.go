// Package peer tracks the peers of a channel: their targets, keys,
// connection status, rank order, and which one is the leader.
package peer

import (
	"encoding/hex"

	"github.com/stjordanis/loopchain/config"
)

// Status is the connection status of a peer.
type Status int

const (
	StatusUnknown Status = iota
	StatusConnected
	StatusDisconnected
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Record describes one peer of a channel.
type Record struct {
	PeerID   string          `json:"peer_id"`
	GroupID  string          `json:"group_id"`
	Target   string          `json:"peer_target"`
	PubKey   string          `json:"public_key,omitempty"` // compressed secp256k1, hex
	Status   Status          `json:"status"`
	Order    int             `json:"order"`
	NodeType config.NodeType `json:"node_type"`
}

// Votes reports whether the peer is a voting participant.
func (r Record) Votes() bool {
	return r.NodeType == "" || r.NodeType == config.NodeVotes
}

// PubKeyBytes decodes the hex public key. Returns nil if absent or malformed.
func (r Record) PubKeyBytes() []byte {
	if r.PubKey == "" {
		return nil
	}
	b, err := hex.DecodeString(r.PubKey)
	if err != nil {
		return nil
	}
	return b
}

// Filter selects peers.
type Filter func(Record) bool

// Connected accepts peers currently marked connected.
func Connected(r Record) bool { return r.Status == StatusConnected }

// Voting accepts voting participants.
func Voting(r Record) bool { return r.Votes() }

// Eligible accepts connected voting peers, the leader candidates.
func Eligible(r Record) bool { return Connected(r) && Voting(r) }

// Any accepts every peer.
func Any(Record) bool { return true }
