package rpcclient

import (
	"encoding/json"
)

// Wire types shared by the clients in this package and the server in internal/rpc.

// SubscribeRequest asks a peer to push blocks and broadcasts to the sender.
type SubscribeRequest struct {
	Channel    string `json:"channel"`
	PeerTarget string `json:"peer_target"`
	PeerID     string `json:"peer_id,omitempty"`
	NodeType   string `json:"node_type,omitempty"`
}

// PeerInfo describes a peer on the wire.
type PeerInfo struct {
	PeerID     string `json:"peer_id"`
	GroupID    string `json:"group_id,omitempty"`
	PeerTarget string `json:"peer_target"`
	PubKey     string `json:"public_key,omitempty"`
	NodeType   string `json:"node_type,omitempty"`
	Order      int    `json:"order,omitempty"`
}

// ConnectPeerRequest registers a peer with the radio station.
type ConnectPeerRequest struct {
	Channel string   `json:"channel"`
	Peer    PeerInfo `json:"peer"`
}

// ConnectPeerReply carries the radio station's peer list dump.
type ConnectPeerReply struct {
	PeerList json.RawMessage `json:"peer_list"`
}

// ComplainRequest reports a failed leader. AnnounceNewPeer controls
// whether the receiver tells other peers about the sender.
type ComplainRequest struct {
	Channel         string `json:"channel"`
	ComplainedID    string `json:"complained_leader_id"`
	NewLeaderID     string `json:"new_leader_id,omitempty"`
	BlockHeight     int64  `json:"block_height"`
	PeerID          string `json:"peer_id"`
	GroupID         string `json:"group_id,omitempty"`
	AnnounceNewPeer bool   `json:"announce_new_peer"`
}

// ComplainReply names the leader the receiver now recognizes. Empty
// means no decision yet.
type ComplainReply struct {
	LeaderID string `json:"leader_id"`
}

// NewLeaderAnnouncement tells peers the leader changed.
type NewLeaderAnnouncement struct {
	Channel     string `json:"channel"`
	OldLeaderID string `json:"old_leader_id"`
	NewLeaderID string `json:"new_leader_id"`
	BlockHeight int64  `json:"block_height"`
}

// ResetLeaderRequest asks a node to switch leader at a height.
type ResetLeaderRequest struct {
	Channel     string `json:"channel"`
	NewLeaderID string `json:"new_leader_id"`
	BlockHeight int64  `json:"block_height"`
}

// BlockHeightRequest asks for a block by height.
type BlockHeightRequest struct {
	Channel string `json:"channel"`
	Height  int64  `json:"height"`
}

// DeletePeerRequest removes a peer from a channel.
type DeletePeerRequest struct {
	Channel string `json:"channel"`
	PeerID  string `json:"peer_id"`
	GroupID string `json:"group_id,omitempty"`
}

// ChangeBlockHashRequest asks the engine (or a node, which forwards it)
// to move precommit state from one block hash to another.
type ChangeBlockHashRequest struct {
	BlockHeight  int64  `json:"blockHeight"`
	OldBlockHash string `json:"oldBlockHash"`
	NewBlockHash string `json:"newBlockHash"`
}

// StatusReply is a node's status for one channel.
type StatusReply struct {
	Status          string `json:"status"`
	State           string `json:"state"`
	PeerType        string `json:"peer_type"` // "1" leader, "0" follower
	PeerID          string `json:"peer_id"`
	PeerTarget      string `json:"peer_target"`
	NodeType        string `json:"node_type"`
	BlockHeight     int64  `json:"block_height"`
	TotalTx         int    `json:"total_tx"`
	LeaderID        string `json:"leader"`
	EpochHeight     int64  `json:"epoch_height"`
	LeaderComplaint int    `json:"leader_complaint"`
	Audience        int    `json:"audience_count"`
}
