// Package channel is the per-channel coordination core of a node. It
// decides whether the node leads or follows, drives bootstrap and height
// synchronization, recovers from leader failure and pipes blocks through
// the execution engine.
package channel

import (
	"sync"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/internal/peer"
)

// Role is the node's block-production role in a channel.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// Context identifies this node within one channel. The role changes only
// inside state transition hooks.
type Context struct {
	Channel            string
	PeerID             string
	GroupID            string
	PeerTarget         string
	RestTarget         string
	RadioStationTarget string
	NodeType           config.NodeType
	PubKey             string // compressed secp256k1, hex

	mu   sync.RWMutex
	role Role
}

// Votes reports whether the node takes part in leader selection.
func (c *Context) Votes() bool {
	return c.NodeType == "" || c.NodeType == config.NodeVotes
}

// IsRadioStation reports whether this node is its channel's bootstrap
// registry.
func (c *Context) IsRadioStation() bool {
	return c.RadioStationTarget != "" && c.RadioStationTarget == c.PeerTarget
}

// Role returns the current role.
func (c *Context) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// IsLeader reports whether the node currently leads the channel.
func (c *Context) IsLeader() bool {
	return c.Role() == RoleLeader
}

func (c *Context) setRole(r Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.role != r
	c.role = r
	return changed
}

// Record returns this node's peer record.
func (c *Context) Record() peer.Record {
	return peer.Record{
		PeerID:   c.PeerID,
		GroupID:  c.GroupID,
		Target:   c.PeerTarget,
		PubKey:   c.PubKey,
		Status:   peer.StatusConnected,
		NodeType: c.NodeType,
	}
}
