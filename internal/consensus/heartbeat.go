package consensus

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/stjordanis/loopchain/pkg/crypto"
)

// Heartbeat is a signed leader liveness announcement.
type Heartbeat struct {
	Channel   string `json:"channel"`
	PeerID    string `json:"peer_id"`
	PubKey    string `json:"public_key"` // compressed secp256k1, hex
	Height    int64  `json:"height"`
	Timestamp int64  `json:"timestamp"` // microseconds
	Signature string `json:"signature"` // Schnorr over BLAKE3(signing bytes), hex
}

// HeartbeatSigningBytes returns the bytes signed for a heartbeat:
// channel || pubkey || height_le8 || timestamp_le8.
func HeartbeatSigningBytes(channel string, pubKey []byte, height, timestamp int64) []byte {
	buf := make([]byte, 0, len(channel)+len(pubKey)+16)
	buf = append(buf, channel...)
	buf = append(buf, pubKey...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(height))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(timestamp))
	return buf
}

// NewHeartbeat builds and signs a heartbeat.
func NewHeartbeat(key *crypto.PrivateKey, channel string, height, timestamp int64) (*Heartbeat, error) {
	pub := key.PublicKey()
	sig, err := key.SignMessage(HeartbeatSigningBytes(channel, pub, height, timestamp))
	if err != nil {
		return nil, fmt.Errorf("sign heartbeat: %w", err)
	}
	return &Heartbeat{
		Channel:   channel,
		PeerID:    key.PeerID(),
		PubKey:    hex.EncodeToString(pub),
		Height:    height,
		Timestamp: timestamp,
		Signature: hex.EncodeToString(sig),
	}, nil
}

// Verify checks the signature and that the peer id belongs to the key.
func (h *Heartbeat) Verify() error {
	pub, err := hex.DecodeString(h.PubKey)
	if err != nil || len(pub) != 33 {
		return fmt.Errorf("heartbeat: bad public key")
	}
	if crypto.PeerIDFromPubKey(pub) != h.PeerID {
		return fmt.Errorf("heartbeat: peer id %s does not match key", h.PeerID)
	}
	sig, err := hex.DecodeString(h.Signature)
	if err != nil || len(sig) == 0 {
		return fmt.Errorf("heartbeat: bad signature encoding")
	}
	if !crypto.VerifyMessage(HeartbeatSigningBytes(h.Channel, pub, h.Height, h.Timestamp), sig, pub) {
		return fmt.Errorf("heartbeat: invalid signature")
	}
	return nil
}
