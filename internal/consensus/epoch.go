// Package consensus holds the leader-side machinery of a channel: the
// leader epoch with its complaint votes, the leader liveness tracker and
// the block generator.
package consensus

import (
	"math"
	"sort"
)

// DefaultComplainRatio is the share of voters that must name the same
// new leader before a complaint succeeds.
const DefaultComplainRatio = 0.51

// complaint is one voter's complaint against the epoch leader.
type complaint struct {
	complained string
	newLeader  string
	height     int64
	groupID    string
}

// Epoch is the leader assignment for one block height plus the
// complaints raised against that leader. An Epoch is replaced, not
// mutated, when the leader changes; only complaint votes accumulate.
// Not safe for concurrent use; the channel loop owns it.
type Epoch struct {
	Height   int64
	LeaderID string

	voters int
	ratio  float64
	votes  map[string]complaint // voter peer id -> complaint
}

// NewEpoch creates the epoch following lastHeight. An empty chain
// (lastHeight < 0) starts at height 1.
func NewEpoch(lastHeight int64, leaderID string, voters int, ratio float64) *Epoch {
	height := lastHeight + 1
	if lastHeight < 0 {
		height = 1
	}
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultComplainRatio
	}
	return &Epoch{
		Height:   height,
		LeaderID: leaderID,
		voters:   voters,
		ratio:    ratio,
		votes:    make(map[string]complaint),
	}
}

// Voters returns the voter count the quorum is computed against.
func (e *Epoch) Voters() int { return e.voters }

// Quorum returns the number of matching complaints needed for a result.
func (e *Epoch) Quorum() int {
	q := int(math.Ceil(float64(e.voters) * e.ratio))
	if q < 1 {
		q = 1
	}
	return q
}

// AddComplain records voter's complaint. A later complaint from the
// same voter replaces the earlier one. Complaints against a leader other
// than the epoch's are ignored; returns false for those.
func (e *Epoch) AddComplain(complained, newLeader string, height int64, voter, groupID string) bool {
	if complained != e.LeaderID || newLeader == "" || voter == "" {
		return false
	}
	e.votes[voter] = complaint{
		complained: complained,
		newLeader:  newLeader,
		height:     height,
		groupID:    groupID,
	}
	return true
}

// ComplaintCount returns the number of voters who have complained.
func (e *Epoch) ComplaintCount() int { return len(e.votes) }

// HasComplained reports whether voter has complained in this epoch.
func (e *Epoch) HasComplained(voter string) bool {
	_, ok := e.votes[voter]
	return ok
}

// ComplainResult returns the new leader once a quorum of voters names
// the same one, or "" while the complaint is pending. If two candidates
// reach quorum the lexically smaller id wins.
func (e *Epoch) ComplainResult() string {
	tally := make(map[string]int)
	for _, c := range e.votes {
		tally[c.newLeader]++
	}
	quorum := e.Quorum()
	var winners []string
	for leader, n := range tally {
		if n >= quorum {
			winners = append(winners, leader)
		}
	}
	if len(winners) == 0 {
		return ""
	}
	sort.Strings(winners)
	return winners[0]
}

// AcceptsHeight reports whether a leader reassignment carrying height is
// valid against lastHeight: the next height, or 0 for "current".
func AcceptsHeight(height, lastHeight int64) bool {
	return height == 0 || height == lastHeight+1
}
