package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	klog "github.com/stjordanis/loopchain/internal/log"
)

// ErrUnknownPeer is returned when an operation names a peer not in the registry.
var ErrUnknownPeer = errors.New("unknown peer")

// Registry is the in-memory peer list of one channel. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	peers     map[string]*Record
	leaderID  string
	nextOrder int
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry for a channel.
func NewRegistry(channel string) *Registry {
	return &Registry{
		peers:     make(map[string]*Record),
		nextOrder: 1,
		logger:    klog.WithChannel("peer", channel),
	}
}

// AddPeer inserts or updates a peer. A new peer without an order is
// ranked after every known peer; an existing peer keeps its order.
// Returns the stored record.
func (r *Registry) AddPeer(rec Record) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[rec.PeerID]; ok {
		if rec.Target != "" {
			existing.Target = rec.Target
		}
		if rec.PubKey != "" {
			existing.PubKey = rec.PubKey
		}
		if rec.GroupID != "" {
			existing.GroupID = rec.GroupID
		}
		if rec.NodeType != "" {
			existing.NodeType = rec.NodeType
		}
		if rec.Status != StatusUnknown {
			existing.Status = rec.Status
		}
		return *existing
	}

	if rec.Order <= 0 {
		rec.Order = r.nextOrder
	}
	if rec.Order >= r.nextOrder {
		r.nextOrder = rec.Order + 1
	}
	stored := rec
	r.peers[rec.PeerID] = &stored

	r.logger.Debug().
		Str("peer_id", rec.PeerID).
		Str("target", rec.Target).
		Int("order", rec.Order).
		Msg("Peer added")
	return stored
}

// GetPeer returns a peer by id.
func (r *Registry) GetPeer(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// GetPeerByTarget returns the peer advertising target.
func (r *Registry) GetPeerByTarget(target string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.peers {
		if rec.Target == target {
			return *rec, true
		}
	}
	return Record{}, false
}

// RemovePeer deletes a peer. Removing the leader clears the leader pointer.
func (r *Registry) RemovePeer(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	if r.leaderID == id {
		r.leaderID = ""
	}
	return true
}

// SetStatus updates a peer's connection status.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	rec.Status = status
	return nil
}

// SetLeader points the leader at a known peer.
func (r *Registry) SetLeader(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	r.leaderID = id
	return nil
}

// LeaderID returns the recorded leader, or "" if none.
func (r *Registry) LeaderID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaderID
}

// GetLeader returns the recorded leader if it passes filter. Otherwise it
// returns the lowest-ordered peer passing filter; equal orders fall back
// to peer id order.
func (r *Registry) GetLeader(filter Filter) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if filter == nil {
		filter = Any
	}
	if rec, ok := r.peers[r.leaderID]; ok && filter(*rec) {
		return *rec, true
	}
	ranked := r.rankedLocked(filter)
	if len(ranked) == 0 {
		return Record{}, false
	}
	return ranked[0], true
}

// NextLeader returns the peer ranked directly after id among those
// passing filter, wrapping around. id itself is never returned.
func (r *Registry) NextLeader(id string, filter Filter) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if filter == nil {
		filter = Any
	}
	ranked := r.rankedLocked(func(rec Record) bool {
		return rec.PeerID == id || filter(rec)
	})
	for i, rec := range ranked {
		if rec.PeerID != id {
			continue
		}
		for j := 1; j < len(ranked); j++ {
			next := ranked[(i+j)%len(ranked)]
			if next.PeerID != id {
				return next, true
			}
		}
		return Record{}, false
	}
	for _, rec := range ranked {
		if rec.PeerID != id {
			return rec, true
		}
	}
	return Record{}, false
}

// PeersForBroadcast returns connected peers in rank order.
func (r *Registry) PeersForBroadcast() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rankedLocked(Connected)
}

// Peers returns all peers in rank order.
func (r *Registry) Peers() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rankedLocked(Any)
}

// Count returns the number of peers passing filter.
func (r *Registry) Count(filter Filter) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if filter == nil {
		filter = Any
	}
	n := 0
	for _, rec := range r.peers {
		if filter(*rec) {
			n++
		}
	}
	return n
}

// dump is the serialized form of the registry.
type dump struct {
	Leader string   `json:"leader"`
	Peers  []Record `json:"peers"`
}

// Dump serializes the peer list and leader pointer.
func (r *Registry) Dump() ([]byte, error) {
	r.mu.RLock()
	d := dump{Leader: r.leaderID, Peers: r.rankedLocked(Any)}
	r.mu.RUnlock()
	return json.Marshal(d)
}

// Load replaces the registry contents with a dump. Loaded peers start
// with the status recorded in the dump.
func (r *Registry) Load(data []byte) error {
	var d dump
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("decode peer list: %w", err)
	}

	peers := make(map[string]*Record, len(d.Peers))
	next := 1
	for i := range d.Peers {
		rec := d.Peers[i]
		if rec.PeerID == "" {
			return fmt.Errorf("decode peer list: entry %d has no peer_id", i)
		}
		peers[rec.PeerID] = &rec
		if rec.Order >= next {
			next = rec.Order + 1
		}
	}
	if _, ok := peers[d.Leader]; d.Leader != "" && !ok {
		return fmt.Errorf("decode peer list: leader %s not in list", d.Leader)
	}

	r.mu.Lock()
	r.peers = peers
	r.leaderID = d.Leader
	r.nextOrder = next
	r.mu.Unlock()

	r.logger.Info().Int("peers", len(peers)).Str("leader", d.Leader).Msg("Peer list loaded")
	return nil
}

func (r *Registry) rankedLocked(filter Filter) []Record {
	out := make([]Record, 0, len(r.peers))
	for _, rec := range r.peers {
		if filter(*rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}
