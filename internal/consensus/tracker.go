package consensus

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// LeaderStats holds in-memory liveness statistics for a single peer.
// Stats reset on node restart (no persistence).
type LeaderStats struct {
	PeerID        string
	LastHeartbeat time.Time // zero if never seen
	LastBlock     time.Time // zero if never produced
	BlockCount    uint64    // blocks produced since tracker started
	ComplainCount uint64    // complaints raised against this peer
}

// LastSeen returns the later of the last heartbeat and the last block.
func (s *LeaderStats) LastSeen() time.Time {
	if s.LastBlock.After(s.LastHeartbeat) {
		return s.LastBlock
	}
	return s.LastHeartbeat
}

// LeaderTracker tracks leader liveness via heartbeats and block production.
type LeaderTracker struct {
	mu      sync.RWMutex
	clock   clock.Clock
	stats   map[string]*LeaderStats // peer id -> stats
	started time.Time
}

// NewLeaderTracker creates a tracker. A nil clock uses the wall clock.
func NewLeaderTracker(clk clock.Clock) *LeaderTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &LeaderTracker{
		clock:   clk,
		stats:   make(map[string]*LeaderStats),
		started: clk.Now(),
	}
}

// RecordHeartbeat records a heartbeat from the given peer.
func (t *LeaderTracker) RecordHeartbeat(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(peerID).LastHeartbeat = t.clock.Now()
}

// RecordBlock records that a peer produced a block.
func (t *LeaderTracker) RecordBlock(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(peerID)
	s.LastBlock = t.clock.Now()
	s.BlockCount++
}

// RecordComplain records a complaint against peerID.
func (t *LeaderTracker) RecordComplain(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(peerID).ComplainCount++
}

// Touch marks peerID as seen now without counting a block. Used when a
// peer becomes leader so it gets a full timeout before complaints.
func (t *LeaderTracker) Touch(peerID string) {
	t.RecordHeartbeat(peerID)
}

// IsAlive reports whether peerID was seen within timeout. A peer never
// seen is measured from tracker start.
func (t *LeaderTracker) IsAlive(peerID string, timeout time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	last := t.started
	if s, ok := t.stats[peerID]; ok {
		if seen := s.LastSeen(); seen.After(last) {
			last = seen
		}
	}
	return t.clock.Since(last) <= timeout
}

// GetStats returns a copy of stats for a peer, or nil if not tracked.
func (t *LeaderTracker) GetStats(peerID string) *LeaderStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[peerID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (t *LeaderTracker) getOrCreate(peerID string) *LeaderStats {
	s, ok := t.stats[peerID]
	if !ok {
		s = &LeaderStats{PeerID: peerID}
		t.stats[peerID] = s
	}
	return s
}
