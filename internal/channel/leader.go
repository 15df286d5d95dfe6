package channel

import (
	"fmt"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/internal/broadcast"
	"github.com/stjordanis/loopchain/internal/consensus"
	"github.com/stjordanis/loopchain/internal/peer"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/internal/timer"
	"github.com/stjordanis/loopchain/pkg/types"
)

// ── Enter hooks ─────────────────────────────────────────────────────

// evaluateRole picks the leader and moves to the first working state.
// A node that leads skips synchronization entirely.
func (c *Coordinator) evaluateRole() {
	ctx, cancel := c.callCtx()
	leader, err := c.election.Leader(ctx)
	cancel()
	if err != nil {
		c.log().Warn().Err(err).Msg("Leader lookup failed")
	}
	if leader != "" && leader != c.registry.LeaderID() {
		if err := c.registry.SetLeader(leader); err == nil {
			c.replaceEpoch(leader)
		}
	}

	c.log().Info().Str("leader", leader).Int64("height", c.Height()).Msg("Network evaluated")
	switch {
	case c.ctx.Votes() && leader == c.ctx.PeerID:
		c.transition(StateConsensusLeader)
	case c.ctx.Votes():
		c.transition(StateSubscribeNetwork)
	default:
		c.transition(StateBlockSync)
	}
}

func (c *Coordinator) subscribeNetwork() {
	if !c.ctx.Votes() {
		if c.observerCancel == nil && !c.timers.Active(timer.KeySubscribe) {
			c.subscribeAsObserver()
		}
		c.transition(StateConsensusFollower)
		return
	}

	if c.rs != nil && !c.ctx.IsRadioStation() {
		if err := c.subscribeClient(c.rs); err != nil {
			c.log().Warn().Err(err).Msg("Radio station subscribe failed")
		}
	}
	becomeLeader, err := c.heightSync()
	if err != nil {
		c.log().Warn().Err(err).Msg("Height sync failed")
	}
	if c.sm.State() != StateSubscribeNetwork {
		return
	}

	leader := c.registry.LeaderID()
	if becomeLeader || leader == c.ctx.PeerID {
		c.transition(StateConsensusLeader)
		return
	}
	c.transition(StateConsensusFollower)
	c.subscribeToPeer(leader)
}

func (c *Coordinator) blockSync() {
	if _, err := c.heightSync(); err != nil {
		c.log().Warn().Err(err).Msg("Height sync failed")
	}
	if c.sm.State() == StateBlockSync {
		c.transition(StateConsensusFollower)
	}
}

func (c *Coordinator) enterLeader(State) {
	if c.ctx.setRole(RoleLeader) {
		c.setLogger(true)
	}
	c.metrics.IsLeader.Set(1)
	if c.registry.LeaderID() != c.ctx.PeerID {
		if err := c.registry.SetLeader(c.ctx.PeerID); err != nil {
			c.log().Error().Err(err).Msg("Cannot record self as leader")
		}
		c.replaceEpoch(c.ctx.PeerID)
	}
	c.timers.Cancel(timer.KeyLeaderComplain)

	if c.Height() == types.NoHeight {
		c.ensureGenesis()
	}
	c.gen.SetLeader(true)
	c.sendHeartbeat()
	c.timers.Schedule(timer.KeyHeartbeat, c.set.HeartbeatInterval, true, c.sendHeartbeat)
	c.log().Info().Int64("height", c.Height()).Msg("Leading channel")
}

// ensureGenesis creates block 0, retrying on the block interval while
// this node still leads an empty chain.
func (c *Coordinator) ensureGenesis() {
	if err := c.createGenesis(); err != nil {
		c.log().Error().Err(err).Msg("Genesis creation failed")
		c.timers.Schedule(timer.KeyBlockGenerate, c.set.BlockInterval, false, func() {
			if c.sm.State() == StateConsensusLeader && c.Height() == types.NoHeight {
				c.ensureGenesis()
			}
		})
	}
}

func (c *Coordinator) enterFollower(State) {
	if c.ctx.setRole(RoleFollower) {
		c.setLogger(false)
	}
	c.metrics.IsLeader.Set(0)
	c.gen.SetLeader(false)
	c.timers.Cancel(timer.KeyHeartbeat)
	c.timers.Cancel(timer.KeyBlockGenerate)

	if c.ctx.Votes() {
		c.tracker.Touch(c.registry.LeaderID())
		c.timers.Schedule(timer.KeyLeaderComplain, c.set.ComplainTimeout, true, c.leaderComplainTick)
		return
	}
	if c.observerCancel == nil && !c.timers.Active(timer.KeySubscribe) {
		c.subscribeAsObserver()
	}
}

func (c *Coordinator) transition(to State) bool {
	if err := c.sm.Transition(to); err != nil {
		c.log().Warn().Err(err).Msg("Transition refused")
		return false
	}
	return true
}

// transitionIfAllowed moves to a consensus state when the current state
// permits it; during bootstrap only the registry is updated.
func (c *Coordinator) transitionIfAllowed(to State) bool {
	if !c.sm.CanTransition(to) {
		return false
	}
	return c.transition(to)
}

// ── Reassignment ────────────────────────────────────────────────────

func (c *Coordinator) validateLeader(newLeader string, height int64) error {
	last := c.Height()
	var err error
	if !consensus.AcceptsHeight(height, last) {
		err = fmt.Errorf("%w: %d with last block %d", ErrInvalidHeight, height, last)
	} else if _, ok := c.registry.GetPeer(newLeader); !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownPeer, newLeader)
	}
	if err != nil {
		c.metrics.LeaderResets.With("result", "rejected").Add(1)
		c.log().Warn().Err(err).Str("new_leader", newLeader).Int64("block_height", height).Msg("Leader reassignment rejected")
	}
	return err
}

// resetLeader hands leadership to newLeader at height (0 means now).
func (c *Coordinator) resetLeader(newLeader string, height int64) error {
	if err := c.validateLeader(newLeader, height); err != nil {
		return err
	}
	old := c.registry.LeaderID()
	if err := c.registry.SetLeader(newLeader); err != nil {
		return err
	}
	c.replaceEpoch(newLeader)
	c.log().Info().Str("old_leader", old).Str("new_leader", newLeader).Int64("epoch", c.epoch.Height).Msg("Leader reset")

	if newLeader == c.ctx.PeerID && c.ctx.Votes() {
		c.metrics.LeaderResets.With("result", "leader").Add(1)
		c.transitionIfAllowed(StateConsensusLeader)
		if c.shouldAnnounce() {
			c.scheduleBroadcast(broadcast.MethodAnnounceNewLeader, rpcclient.NewLeaderAnnouncement{
				Channel:     c.ctx.Channel,
				OldLeaderID: old,
				NewLeaderID: newLeader,
				BlockHeight: c.epoch.Height,
			})
		}
		return nil
	}

	c.metrics.LeaderResets.With("result", "follower").Add(1)
	if c.transitionIfAllowed(StateConsensusFollower) && c.ctx.Votes() {
		c.subscribeToPeer(newLeader)
	}
	return nil
}

// setNewLeader records newLeader without subscribing or announcing.
func (c *Coordinator) setNewLeader(newLeader string, height int64) error {
	if err := c.validateLeader(newLeader, height); err != nil {
		return err
	}
	if err := c.registry.SetLeader(newLeader); err != nil {
		return err
	}
	c.replaceEpoch(newLeader)

	if newLeader == c.ctx.PeerID && c.ctx.Votes() {
		c.metrics.LeaderResets.With("result", "leader").Add(1)
		c.transitionIfAllowed(StateConsensusLeader)
		return nil
	}
	c.metrics.LeaderResets.With("result", "follower").Add(1)
	if c.sm.State().IsConsensus() {
		c.transitionIfAllowed(StateConsensusFollower)
	}
	return nil
}

func (c *Coordinator) shouldAnnounce() bool {
	switch c.set.Announce {
	case config.AnnounceAlways:
		return true
	case config.AnnounceNever:
		return false
	default:
		return c.election.Mode() != config.ElectionAgreement
	}
}

// ── Complaints ──────────────────────────────────────────────────────

// leaderComplainTick complains once the leader has been silent for the
// complain timeout.
func (c *Coordinator) leaderComplainTick() {
	if !c.ctx.Votes() {
		return
	}
	st := c.sm.State()
	if st != StateConsensusFollower && st != StateLeaderComplain {
		return
	}
	leader := c.registry.LeaderID()
	if leader == "" || leader == c.ctx.PeerID {
		return
	}
	if c.tracker.IsAlive(leader, c.set.ComplainTimeout) {
		if st == StateLeaderComplain {
			c.leaderRecovered(leader)
		}
		return
	}
	ev := c.log().Info().Str("leader", leader)
	if stats := c.tracker.GetStats(leader); stats != nil && !stats.LastSeen().IsZero() {
		ev = ev.Time("last_seen", stats.LastSeen()).Uint64("blocks", stats.BlockCount)
	}
	ev.Msg("Leader silent")
	if st == StateConsensusFollower {
		c.transition(StateLeaderComplain)
		return
	}
	c.runComplain()
}

// leaderRecovered withdraws a pending complaint once the leader is heard
// from again. The epoch restarts without votes.
func (c *Coordinator) leaderRecovered(leader string) {
	c.log().Info().
		Str("leader", leader).
		Int("complaints", c.epoch.ComplaintCount()).
		Int("quorum", c.epoch.Quorum()).
		Msg("Leader recovered, complaint withdrawn")
	c.replaceEpoch(leader)
	c.transition(StateConsensusFollower)
}

func (c *Coordinator) runComplain() {
	leader := c.registry.LeaderID()
	if leader == "" || leader == c.ctx.PeerID {
		return
	}
	c.metrics.Complaints.Add(1)
	c.tracker.RecordComplain(leader)
	c.log().Warn().Str("leader", leader).Int64("epoch", c.epoch.Height).Str("election", string(c.election.Mode())).Msg("Complaining about leader")

	ctx, cancel := c.callCtx()
	next, err := c.election.Complain(ctx, leader)
	cancel()
	c.updateSnapshot()
	if err != nil {
		c.log().Warn().Err(err).Msg("Leader complaint failed")
		return
	}
	if next == "" {
		c.log().Debug().Int("complaints", c.epoch.ComplaintCount()).Int("quorum", c.epoch.Quorum()).Msg("Complaint pending")
		return
	}
	if err := c.resetLeader(next, 0); err != nil {
		c.log().Warn().Err(err).Str("new_leader", next).Msg("Complaint result not applied")
	}
}

// complainVote records a peer's complaint and applies the result once a
// quorum agrees.
func (c *Coordinator) complainVote(req rpcclient.ComplainRequest) {
	if !c.epoch.AddComplain(req.ComplainedID, req.NewLeaderID, req.BlockHeight, req.PeerID, req.GroupID) {
		c.log().Debug().Str("from", req.PeerID).Str("complained", req.ComplainedID).Msg("Complaint ignored")
		return
	}
	c.updateSnapshot()
	next := c.epoch.ComplainResult()
	if next == "" {
		return
	}
	c.timers.Cancel(timer.KeyLeaderComplain)
	if err := c.resetLeader(next, 0); err != nil {
		c.log().Warn().Err(err).Str("new_leader", next).Msg("Complaint result not applied")
	}
}

// arbitrate decides a complaint as the radio station: the next voter
// after the complained leader, or the current leader if it already
// changed. Reads only the registry.
func (c *Coordinator) arbitrate(complained string) string {
	current := c.registry.LeaderID()
	if complained != current {
		return current
	}
	next, ok := c.registry.NextLeader(complained, peer.Eligible)
	if !ok {
		return current
	}
	return next.PeerID
}

// ── Heartbeat ───────────────────────────────────────────────────────

func (c *Coordinator) sendHeartbeat() {
	if !c.ctx.IsLeader() {
		return
	}
	hb, err := consensus.NewHeartbeat(c.cfg.Key, c.ctx.Channel, c.Height(), c.clock.Now().UnixMicro())
	if err != nil {
		c.log().Error().Err(err).Msg("Heartbeat signing failed")
		return
	}
	c.scheduleBroadcast(broadcast.MethodHeartbeat, hb)
}
