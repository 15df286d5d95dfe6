package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/stjordanis/loopchain/pkg/crypto"
	"github.com/stjordanis/loopchain/pkg/types"
)

// Header contains block metadata.
type Header struct {
	Version    uint32     `json:"version"`
	Height     int64      `json:"height"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  int64      `json:"timestamp"` // microseconds
	PeerID     string     `json:"peer_id"`
	NextLeader string     `json:"next_leader,omitempty"`

	// CommitState maps channel name to the state root the execution
	// engine returned for this block. Not part of the header hash.
	CommitState map[string]types.Hash `json:"commit_state,omitempty"`
	Signature   []byte                `json:"signature,omitempty"`
}

// headerJSON is the JSON representation of Header with a hex-encoded signature.
type headerJSON struct {
	Version     uint32                `json:"version"`
	Height      int64                 `json:"height"`
	PrevHash    types.Hash            `json:"prev_hash"`
	MerkleRoot  types.Hash            `json:"merkle_root"`
	Timestamp   int64                 `json:"timestamp"`
	PeerID      string                `json:"peer_id"`
	NextLeader  string                `json:"next_leader,omitempty"`
	CommitState map[string]types.Hash `json:"commit_state,omitempty"`
	Signature   string                `json:"signature,omitempty"`
}

// MarshalJSON encodes the header with a hex-encoded signature.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Version:     h.Version,
		Height:      h.Height,
		PrevHash:    h.PrevHash,
		MerkleRoot:  h.MerkleRoot,
		Timestamp:   h.Timestamp,
		PeerID:      h.PeerID,
		NextLeader:  h.NextLeader,
		CommitState: h.CommitState,
	}
	if h.Signature != nil {
		j.Signature = hex.EncodeToString(h.Signature)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with a hex-encoded signature.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.Height = j.Height
	h.PrevHash = j.PrevHash
	h.MerkleRoot = j.MerkleRoot
	h.Timestamp = j.Timestamp
	h.PeerID = j.PeerID
	h.NextLeader = j.NextLeader
	h.CommitState = j.CommitState
	h.Signature = nil
	if j.Signature != "" {
		b, err := hex.DecodeString(j.Signature)
		if err != nil {
			return err
		}
		h.Signature = b
	}
	return nil
}

// Hash computes the block header hash.
// Excludes Signature and CommitState so the hash is stable for signing
// and across execution.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing/signing.
// Format: version(4) | height(8) | prev_hash(32) | merkle_root(32) | timestamp(8) |
// len(peer_id)(2) | peer_id | len(next_leader)(2) | next_leader
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 84+4+len(h.PeerID)+len(h.NextLeader))
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Height))
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Timestamp))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(h.PeerID)))
	buf = append(buf, h.PeerID...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(h.NextLeader)))
	buf = append(buf, h.NextLeader...)
	return buf
}

func (h *Header) clone() *Header {
	c := *h
	if h.CommitState != nil {
		c.CommitState = make(map[string]types.Hash, len(h.CommitState))
		for k, v := range h.CommitState {
			c.CommitState[k] = v
		}
	}
	if h.Signature != nil {
		c.Signature = append([]byte(nil), h.Signature...)
	}
	return &c
}
