package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/internal/broadcast"
	"github.com/stjordanis/loopchain/internal/consensus"
	"github.com/stjordanis/loopchain/internal/peer"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/internal/timer"
	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/crypto"
	"github.com/stjordanis/loopchain/pkg/types"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func contains(states []State, s State) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

func TestInit_MissingKey(t *testing.T) {
	c := New(Config{
		Context:     &Context{Channel: testChannel},
		Engine:      newFakeEngine(),
		Broadcaster: newFakeBroadcaster(),
	})
	if err := c.Init(context.Background()); !errors.Is(err, ErrSigningKeyMissing) {
		t.Fatalf("Init() = %v, want ErrSigningKeyMissing", err)
	}
}

func TestInit_StoreUnavailable(t *testing.T) {
	key, _ := crypto.GenerateKey()
	c := New(Config{
		Context:     &Context{Channel: testChannel, PeerTarget: selfTarget},
		Key:         key,
		Registry:    peer.NewRegistry(testChannel),
		Engine:      newFakeEngine(),
		Broadcaster: newFakeBroadcaster(),
		OpenStore:   func() (BlockStore, error) { return nil, errors.New("disk gone") },
	})
	if err := c.Init(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Init() = %v, want ErrStoreUnavailable", err)
	}
}

func TestInit_RegistersSelfAndEpoch(t *testing.T) {
	h := newHarness(t, withChain(3))

	rec, ok := h.reg.GetPeer(h.self())
	if !ok {
		t.Fatal("self not registered")
	}
	if rec.Target != selfTarget || rec.PubKey != h.key.PublicKeyHex() {
		t.Errorf("self record = %+v", rec)
	}
	if h.rs.connects != 1 {
		t.Errorf("radio station connects = %d, want 1", h.rs.connects)
	}
	height, _, _ := h.c.EpochInfo()
	if height != 3 {
		t.Errorf("epoch height = %d, want 3", height)
	}
	if h.c.State() != StateBoot {
		t.Errorf("state = %s, want Boot", h.c.State())
	}
}

func TestScenarioA_SelfLeaderSkipsSync(t *testing.T) {
	h := newHarness(t, withoutRadioStation())
	h.c.Start()
	h.waitState(StateConsensusLeader)
	waitFor(t, "genesis", func() bool { return h.c.Height() == 0 })

	visited := h.visited()
	if contains(visited, StateSubscribeNetwork) || contains(visited, StateBlockSync) {
		t.Errorf("visited %v, want no SubscribeNetwork or BlockSync", visited)
	}
	if !h.c.Context().IsLeader() {
		t.Error("role should be leader")
	}

	h.engine.mu.Lock()
	first := h.engine.invokes[0]
	h.engine.mu.Unlock()
	if first.Block.BlockHeight != 0 || first.Block.PrevBlockHash != nil {
		t.Errorf("genesis invoke block = %+v", first.Block)
	}
	if first.Transactions[0].Method != block.MethodSendTransaction {
		t.Errorf("genesis tx method = %q", first.Transactions[0].Method)
	}

	genesis := h.c.LastBlock()
	if root, ok := genesis.CommitState(testChannel); !ok || root.Hex() != testStateRoot {
		t.Errorf("genesis commit state = %v %v", root, ok)
	}
	waitFor(t, "block announcement", func() bool {
		return h.bcast.sentCount(broadcast.MethodAnnounceConfirmedBlock) == 1
	})
	if h.bcast.sentCount(broadcast.MethodHeartbeat) == 0 {
		t.Error("leader should send a heartbeat")
	}
}

func TestScenarioB_UnreachableLeaderComplainsWithoutPeerAnnouncement(t *testing.T) {
	h := newHarness(t, withPeer("hxleader", "leader.local:9000"))
	h.peers["leader.local:9000"].heightErr = fmt.Errorf("%w: connection refused", rpcclient.ErrUnreachable)

	h.c.Start()
	h.waitState(StateConsensusLeader)

	complaints := h.rs.complaintsSent()
	if len(complaints) != 1 {
		t.Fatalf("complaints = %d, want 1", len(complaints))
	}
	got := complaints[0]
	if got.AnnounceNewPeer {
		t.Error("complaint must not ask for a new-peer announcement")
	}
	if got.ComplainedID != "hxleader" || got.PeerID != h.self() {
		t.Errorf("complaint = %+v", got)
	}
	if n := h.bcast.sentCount(broadcast.MethodAnnounceNewPeer); n != 0 {
		t.Errorf("AnnounceNewPeer broadcasts = %d, want 0", n)
	}
	if !contains(h.visited(), StateSubscribeNetwork) {
		t.Error("voting node should pass through SubscribeNetwork")
	}
}

func TestHeightSync_FollowsGrantedLeader(t *testing.T) {
	h := newHarness(t,
		withPeer("hxleader", "leader.local:9000"),
		withPeer("hxnext", "next.local:9000"),
	)
	h.peers["leader.local:9000"].heightErr = rpcclient.ErrUnreachable
	h.peers["next.local:9000"].setChain(makeChain(t, 3))
	h.rs.granted = "hxnext"

	h.c.Start()
	h.waitState(StateConsensusFollower)
	waitFor(t, "subscription to new leader", func() bool {
		return h.peers["next.local:9000"].subscribeCount() == 1
	})

	if h.c.Height() != 2 {
		t.Errorf("height = %d, want 2", h.c.Height())
	}
	if h.reg.LeaderID() != "hxnext" {
		t.Errorf("leader = %q, want hxnext", h.reg.LeaderID())
	}
	if n := h.bcast.sentCount(broadcast.MethodAnnounceNewLeader); n != 1 {
		t.Errorf("AnnounceNewLeader broadcasts = %d, want 1", n)
	}
	if !h.bcast.hasAudience("next.local:9000") {
		t.Error("new leader should join the audience")
	}
}

func TestHeightSync_EmptyRemoteIsNotFailure(t *testing.T) {
	h := newHarness(t, withoutRadioStation(), withPeer("hxleader", "leader.local:9000"))
	h.reg.SetLeader("hxleader")

	becomeLeader, err := h.c.heightSync()
	if err != nil || becomeLeader {
		t.Fatalf("heightSync() = %v, %v; want false, nil", becomeLeader, err)
	}
	if h.c.Height() != types.NoHeight {
		t.Errorf("height = %d, want -1", h.c.Height())
	}
}

func TestScenarioC_ResetLeaderRejectsStaleHeight(t *testing.T) {
	h := newHarness(t, withoutRadioStation(), withPeer("peerX", "x.local:9000"), withChain(11))
	before := h.c.epoch

	err := h.c.resetLeader("peerX", 5)
	if !errors.Is(err, ErrInvalidHeight) {
		t.Fatalf("resetLeader(peerX, 5) = %v, want ErrInvalidHeight", err)
	}
	if h.c.epoch != before {
		t.Error("epoch was replaced")
	}
	if h.reg.LeaderID() != "" {
		t.Errorf("leader = %q, want unchanged", h.reg.LeaderID())
	}
	if h.c.Context().IsLeader() {
		t.Error("role flipped")
	}
}

func TestResetLeader_Validation(t *testing.T) {
	tests := []struct {
		name    string
		leader  string
		height  int64
		wantErr error
	}{
		{"next height", "peerX", 11, nil},
		{"current", "peerX", 0, nil},
		{"future", "peerX", 12, ErrInvalidHeight},
		{"past", "peerX", 10, ErrInvalidHeight},
		{"unknown peer", "ghost", 0, ErrUnknownPeer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, withoutRadioStation(), withPeer("peerX", "x.local:9000"), withChain(11))
			before := h.c.epoch

			err := h.c.resetLeader(tt.leader, tt.height)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("resetLeader() = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				if h.c.epoch != before {
					t.Error("rejected reset replaced the epoch")
				}
				return
			}
			if h.c.epoch.LeaderID != tt.leader || h.c.epoch.Height != 11 {
				t.Errorf("epoch = %d/%s", h.c.epoch.Height, h.c.epoch.LeaderID)
			}
			if h.reg.LeaderID() != tt.leader {
				t.Errorf("registry leader = %q", h.reg.LeaderID())
			}
		})
	}
}

func TestResetLeader_HandsOverAndBack(t *testing.T) {
	h := newHarness(t, withoutRadioStation(), withPeer("hxa", "a.local:9000"))
	h.c.Start()
	h.waitState(StateConsensusFollower)

	if err := h.c.ResetLeader(h.self(), 0); err != nil {
		t.Fatalf("ResetLeader: %v", err)
	}
	h.waitState(StateConsensusLeader)
	waitFor(t, "leader announcement", func() bool {
		return h.bcast.sentCount(broadcast.MethodAnnounceNewLeader) == 1
	})
	waitFor(t, "genesis", func() bool { return h.c.Height() == 0 })

	if err := h.c.ResetLeader("hxa", 0); err != nil {
		t.Fatalf("ResetLeader: %v", err)
	}
	h.waitState(StateConsensusFollower)
	waitFor(t, "resubscribe", func() bool { return h.peers["a.local:9000"].subscribeCount() == 2 })
	if h.c.Context().IsLeader() {
		t.Error("role should be follower")
	}
	if !h.c.timers.Active(timer.KeyLeaderComplain) {
		t.Error("follower should arm the complain timer")
	}
	if h.c.timers.Active(timer.KeyHeartbeat) {
		t.Error("follower should not send heartbeats")
	}
}

func TestSetNewLeader_NoSubscribeNoBroadcast(t *testing.T) {
	h := newHarness(t, withoutRadioStation(), withPeer("hxa", "a.local:9000"))

	if err := h.c.setNewLeader("hxa", 0); err != nil {
		t.Fatalf("setNewLeader: %v", err)
	}
	if h.reg.LeaderID() != "hxa" || h.c.epoch.LeaderID != "hxa" {
		t.Errorf("leader = %q / %q", h.reg.LeaderID(), h.c.epoch.LeaderID)
	}
	if h.peers["a.local:9000"].subscribeCount() != 0 {
		t.Error("setNewLeader must not subscribe")
	}
	if h.bcast.sentCount(broadcast.MethodAnnounceNewLeader) != 0 {
		t.Error("setNewLeader must not broadcast")
	}
}

func TestScenarioD_NotImplementedFallsBackToRESTOnce(t *testing.T) {
	h := newHarness(t, withPeer("hxleader", "leader.local:9000"))
	leader := h.peers["leader.local:9000"]
	leader.subscribeErr = fmt.Errorf("%w: method not found", rpcclient.ErrNotImplemented)

	h.c.subscribeToPeer("hxleader")

	if n := leader.subscribeCount(); n != 1 {
		t.Errorf("peer subscribe calls = %d, want 1", n)
	}
	if n := h.rs.restCount(); n != 1 {
		t.Errorf("REST subscribe calls = %d, want 1", n)
	}
	if n := h.rs.subscribeCount(); n != 0 {
		t.Errorf("radio station RPC subscribe calls = %d, want 0", n)
	}
	if !h.bcast.hasAudience("leader.local:9000") {
		t.Error("peer should join the audience")
	}
	if h.c.timers.Active(timer.KeySubscribe) {
		t.Error("no retry expected after a successful fallback")
	}
}

func TestSubscribe_FailSafeShutdownTimer(t *testing.T) {
	h := newHarness(t, withPeer("hxleader", "leader.local:9000"))
	leader := h.peers["leader.local:9000"]
	leader.subscribeErr = rpcclient.ErrUnreachable

	for i := 0; i < 2; i++ {
		h.c.subscribeToPeer("hxleader")
	}
	if h.c.timers.Active(timer.KeyShutdown) {
		t.Fatal("shutdown timer armed before the retry bound")
	}
	if !h.c.timers.Active(timer.KeySubscribe) {
		t.Error("retry timer should be armed")
	}

	h.c.subscribeToPeer("hxleader")
	if !h.c.timers.Active(timer.KeyShutdown) {
		t.Fatal("shutdown timer should be armed after 3 failures")
	}

	leader.mu.Lock()
	leader.subscribeErr = nil
	leader.mu.Unlock()
	h.c.subscribeToPeer("hxleader")
	if h.c.timers.Active(timer.KeyShutdown) || h.c.timers.Active(timer.KeySubscribe) {
		t.Error("success should cancel the shutdown and retry timers")
	}
	if h.c.subscribeFailures != 0 {
		t.Errorf("failures = %d, want 0", h.c.subscribeFailures)
	}
}

func TestShutdown_CallsOnStopWithCause(t *testing.T) {
	h := newHarness(t, withoutRadioStation())
	causes := make(chan error, 1)
	h.c.cfg.OnStop = func(err error) { causes <- err }

	if err := h.c.Stop("operator"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.c.Start()

	select {
	case err := <-causes:
		if !errors.Is(err, ErrStopRequested) {
			t.Errorf("cause = %v, want ErrStopRequested", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnStop not called")
	}
	if h.c.State() != StateShuttingDown {
		t.Errorf("state = %s, want ShuttingDown", h.c.State())
	}
}

func TestObserver_NotImplementedUsesRESTAndFreshness(t *testing.T) {
	obs := &fakeObserver{err: fmt.Errorf("%w: status 404", rpcclient.ErrNotImplemented)}
	h := newHarness(t, asObserver(obs))
	h.c.Start()

	h.waitState(StateConsensusFollower)
	waitFor(t, "REST subscribe", func() bool { return h.rs.restCount() == 1 })
	waitFor(t, "freshness timer", func() bool { return h.c.timers.Active(timer.KeyFreshness) })

	visited := h.visited()
	if !contains(visited, StateBlockSync) || contains(visited, StateConsensusLeader) {
		t.Errorf("visited %v", visited)
	}

	h.rs.mu.Lock()
	h.rs.lastHeight = 5
	h.rs.mu.Unlock()
	h.clock.Add(h.c.set.Freshness)

	waitFor(t, "resubscribe", func() bool { return h.rs.restCount() == 2 })
	if !contains(h.visited(), StateSubscribeNetwork) {
		t.Error("stale observer should re-enter SubscribeNetwork")
	}
}

func TestScenarioE_InvokeFailureCommitsNothing(t *testing.T) {
	h := newHarness(t, withoutRadioStation())
	h.engine.invokeErr = errors.New("engine: execution failed")

	err := h.c.commitBlock(makeChain(t, 1)[0])
	var ce *CommitError
	if !errors.As(err, &ce) {
		t.Fatalf("commitBlock() = %v, want *CommitError", err)
	}
	if ce.Method != rpcclient.MethodInvoke || ce.Height != 0 {
		t.Errorf("CommitError = %+v", ce)
	}
	if h.c.Height() != types.NoHeight {
		t.Errorf("height = %d, want -1", h.c.Height())
	}
	if _, writes, _, _ := h.engine.counts(); writes != 0 {
		t.Errorf("precommit writes = %d, want 0", writes)
	}
}

func TestCommitBlock_AppliesChain(t *testing.T) {
	h := newHarness(t, withoutRadioStation())
	blocks := makeChain(t, 3)

	for _, b := range blocks {
		if err := h.c.commitBlock(b); err != nil {
			t.Fatalf("commitBlock(%d): %v", b.Height(), err)
		}
	}
	if h.c.Height() != 2 {
		t.Errorf("height = %d, want 2", h.c.Height())
	}
	if err := h.c.commitBlock(blocks[1]); !errors.Is(err, block.ErrBadLink) {
		t.Errorf("recommit = %v, want ErrBadLink", err)
	}
	height, _, _ := h.c.EpochInfo()
	if height != 3 {
		t.Errorf("epoch height = %d, want 3", height)
	}
}

func TestCommitBlock_StateMismatchRollsBack(t *testing.T) {
	h := newHarness(t, withoutRadioStation())
	other, _ := types.HexToHash("0x" + "cd" + testStateRoot[2:])
	blk := makeChain(t, 1)[0].WithCommitState(testChannel, other)

	err := h.c.commitBlock(blk)
	if !errors.Is(err, ErrCommitStateMismatch) {
		t.Fatalf("commitBlock() = %v, want ErrCommitStateMismatch", err)
	}
	if _, writes, removes, _ := h.engine.counts(); writes != 0 || removes != 1 {
		t.Errorf("writes=%d removes=%d, want 0 and 1", writes, removes)
	}
	if h.c.Height() != types.NoHeight {
		t.Error("mismatched block was stored")
	}
}

func TestAgreement_QuorumResetsLeader(t *testing.T) {
	h := newHarness(t,
		withoutRadioStation(),
		withElection(config.ElectionAgreement),
		withPeer("hxa", "a.local:9000"),
		withPeer("hxb", "b.local:9000"),
		withPeer("hxc", "c.local:9000"),
	)
	h.reg.SetLeader("hxa")
	h.c.replaceEpoch("hxa")

	vote := func(voter string) {
		h.c.complainVote(rpcclient.ComplainRequest{
			Channel:      testChannel,
			ComplainedID: "hxa",
			NewLeaderID:  "hxb",
			PeerID:       voter,
		})
	}
	vote("hxb")
	vote("hxc")
	if h.reg.LeaderID() != "hxa" {
		t.Fatal("leader changed before quorum")
	}
	vote(h.self())
	if h.reg.LeaderID() != "hxb" || h.c.epoch.LeaderID != "hxb" {
		t.Errorf("leader = %q / %q, want hxb", h.reg.LeaderID(), h.c.epoch.LeaderID)
	}
}

func TestAgreement_ComplainBroadcastsVote(t *testing.T) {
	h := newHarness(t,
		withoutRadioStation(),
		withElection(config.ElectionAgreement),
		withPeer("hxa", "a.local:9000"),
		withPeer("hxb", "b.local:9000"),
	)
	h.reg.SetLeader("hxa")
	h.c.replaceEpoch("hxa")

	h.c.runComplain()

	if n := h.bcast.sentCount(broadcast.MethodComplainLeader); n != 1 {
		t.Errorf("ComplainLeader broadcasts = %d, want 1", n)
	}
	if !h.c.epoch.HasComplained(h.self()) {
		t.Error("own vote not recorded")
	}
	if _, _, complaints := h.c.EpochInfo(); complaints != 1 {
		t.Errorf("snapshot complaints = %d, want 1", complaints)
	}
}

func TestRegistry_Arbitrate(t *testing.T) {
	h := newHarness(t, withoutRadioStation(), withPeer("hxa", "a.local:9000"), withPeer("hxb", "b.local:9000"))
	h.reg.SetLeader("hxa")

	if got := h.c.arbitrate("hxa"); got != "hxb" {
		t.Errorf("arbitrate(current) = %q, want hxb", got)
	}
	h.reg.SetLeader("hxb")
	if got := h.c.arbitrate("hxa"); got != "hxb" {
		t.Errorf("arbitrate(stale) = %q, want current leader hxb", got)
	}
}

func TestLeaderComplainTick_SkipsLiveLeader(t *testing.T) {
	h := newHarness(t, withPeer("hxleader", "leader.local:9000"))
	h.c.Start()
	h.waitState(StateConsensusFollower)

	if err := h.onLoop(func() error {
		h.c.tracker.RecordHeartbeat("hxleader")
		h.c.leaderComplainTick()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if h.c.State() != StateConsensusFollower {
		t.Errorf("state = %s, want ConsensusFollower", h.c.State())
	}
	if len(h.rs.complaintsSent()) != 0 {
		t.Error("live leader should not be complained about")
	}
}

func TestLeaderComplainTick_SilentLeader(t *testing.T) {
	h := newHarness(t, withPeer("hxleader", "leader.local:9000"), withPeer("hxnext", "next.local:9000"))
	h.rs.granted = "hxnext"
	h.c.Start()
	h.waitState(StateConsensusFollower)

	h.clock.Add(2 * h.c.set.ComplainTimeout)

	waitFor(t, "complaint", func() bool { return len(h.rs.complaintsSent()) == 1 })
	waitFor(t, "new leader", func() bool { return h.reg.LeaderID() == "hxnext" })
	got := h.rs.complaintsSent()[0]
	if !got.AnnounceNewPeer || got.NewLeaderID != "hxnext" {
		t.Errorf("complaint = %+v", got)
	}
	if !contains(h.visited(), StateLeaderComplain) {
		t.Error("should pass through LeaderComplain")
	}
}

func TestEvaluateRole_SkipsDisconnectedPeer(t *testing.T) {
	h := newHarness(t, withoutRadioStation(), withPeer("hxdown", "down.local:9000"))
	if err := h.reg.SetStatus("hxdown", peer.StatusDisconnected); err != nil {
		t.Fatal(err)
	}

	h.c.Start()
	h.waitState(StateConsensusLeader)
	if h.reg.LeaderID() != h.self() {
		t.Errorf("leader = %q, want self", h.reg.LeaderID())
	}
	if contains(h.visited(), StateConsensusFollower) {
		t.Errorf("visited %v, should not follow a disconnected peer", h.visited())
	}
}

func TestRegistry_ArbitrateSkipsDisconnected(t *testing.T) {
	h := newHarness(t,
		withoutRadioStation(),
		withPeer("hxa", "a.local:9000"),
		withPeer("hxb", "b.local:9000"),
		withPeer("hxc", "c.local:9000"),
	)
	h.reg.SetLeader("hxa")
	if err := h.reg.SetStatus("hxb", peer.StatusDisconnected); err != nil {
		t.Fatal(err)
	}

	if got := h.c.arbitrate("hxa"); got != "hxc" {
		t.Errorf("arbitrate(hxa) = %q, want hxc", got)
	}
}

// pendingComplaint starts an agreement-mode follower of leader and
// leaves its own complaint below quorum.
func pendingComplaint(t *testing.T, leader string) *harness {
	t.Helper()
	h := newHarness(t,
		withElection(config.ElectionAgreement),
		withPeer(leader, "leader.local:9000"),
		withPeer("hxb", "b.local:9000"),
	)
	h.c.Start()
	h.waitState(StateConsensusFollower)

	if err := h.onLoop(func() error {
		if !h.c.transition(StateLeaderComplain) {
			return errors.New("LeaderComplain refused")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if h.c.State() != StateLeaderComplain {
		t.Fatalf("state = %s, want LeaderComplain", h.c.State())
	}
	if _, _, complaints := h.c.EpochInfo(); complaints != 1 {
		t.Fatalf("complaints = %d, want 1 pending", complaints)
	}
	return h
}

func TestLeaderComplainTick_RecoveredLeaderWithdrawsComplaint(t *testing.T) {
	h := pendingComplaint(t, "hxleader")

	if err := h.onLoop(func() error {
		h.c.tracker.RecordHeartbeat("hxleader")
		h.c.leaderComplainTick()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if h.c.State() != StateConsensusFollower {
		t.Fatalf("state = %s, want ConsensusFollower", h.c.State())
	}
	if h.reg.LeaderID() != "hxleader" {
		t.Errorf("leader = %q, want hxleader", h.reg.LeaderID())
	}
	if _, leader, complaints := h.c.EpochInfo(); complaints != 0 || leader != "hxleader" {
		t.Errorf("epoch leader = %q complaints = %d, want hxleader with none", leader, complaints)
	}
}

func TestHeartbeat_EndsPendingComplaint(t *testing.T) {
	leaderKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	h := pendingComplaint(t, leaderKey.PeerID())

	hb, err := consensus.NewHeartbeat(leaderKey, testChannel, h.c.Height(), 1_700_000_000_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.c.Heartbeat(hb); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	h.waitState(StateConsensusFollower)
	if _, _, complaints := h.c.EpochInfo(); complaints != 0 {
		t.Errorf("complaints = %d after heartbeat, want 0", complaints)
	}
}

func TestHeartbeat_Verification(t *testing.T) {
	h := newHarness(t, withoutRadioStation())
	key, _ := crypto.GenerateKey()

	hb, err := consensus.NewHeartbeat(key, testChannel, 3, 1_700_000_000_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.c.Heartbeat(hb); err != nil {
		t.Errorf("valid heartbeat: %v", err)
	}

	tampered := *hb
	tampered.Height = 4
	if err := h.c.Heartbeat(&tampered); err == nil {
		t.Error("tampered heartbeat accepted")
	}

	other, _ := consensus.NewHeartbeat(key, "other_channel", 3, 1_700_000_000_000_000)
	if err := h.c.Heartbeat(other); !errors.Is(err, ErrWrongChannel) {
		t.Errorf("wrong channel = %v, want ErrWrongChannel", err)
	}
}

func TestWaitNewBlock(t *testing.T) {
	blocks := makeChain(t, 3)
	h := newHarness(t, withoutRadioStation())
	for _, b := range blocks[:2] {
		if err := h.c.commitBlock(b); err != nil {
			t.Fatal(err)
		}
	}
	ctx := context.Background()

	got, err := h.c.WaitNewBlock(ctx, 0)
	if err != nil || got.Height() != 1 {
		t.Fatalf("WaitNewBlock(0) = %v, %v", got, err)
	}
	if _, err := h.c.WaitNewBlock(ctx, 5); !errors.Is(err, ErrSubscriberAhead) {
		t.Errorf("WaitNewBlock(5) = %v, want ErrSubscriberAhead", err)
	}

	result := make(chan *block.Block, 1)
	go func() {
		b, _ := h.c.WaitNewBlock(ctx, 1)
		result <- b
	}()
	time.Sleep(20 * time.Millisecond)
	if err := h.c.commitBlock(blocks[2]); err != nil {
		t.Fatal(err)
	}
	select {
	case b := <-result:
		if b == nil || b.Height() != 2 {
			t.Errorf("waited block = %v", b)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WaitNewBlock did not wake")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := h.c.WaitNewBlock(cctx, 2); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled wait = %v", err)
	}
}

func TestSubscriberRegistry_Limit(t *testing.T) {
	h := newHarness(t, withoutRadioStation())
	h.c.set.SubscribeLimit = 2

	if !h.c.RegisterSubscriber("a") || !h.c.RegisterSubscriber("b") {
		t.Fatal("registration under the limit failed")
	}
	if !h.c.RegisterSubscriber("a") {
		t.Error("re-registering a known subscriber should succeed")
	}
	if h.c.RegisterSubscriber("c") {
		t.Error("registration over the limit succeeded")
	}
	h.c.UnregisterSubscriber("a")
	if h.c.IsRegisteredSubscriber("a") {
		t.Error("a still registered")
	}
	if !h.c.RegisterSubscriber("c") {
		t.Error("freed slot not reusable")
	}
}

func TestConnectPeer_RadioStationOnly(t *testing.T) {
	h := newHarness(t, withoutRadioStation())
	info := rpcclient.PeerInfo{PeerID: "hxnew", PeerTarget: "new.local:9000"}
	if _, err := h.c.ConnectPeer(info); err == nil {
		t.Fatal("non radio station accepted ConnectPeer")
	}

	rs := newHarness(t, withoutRadioStation(), asRadioStation())
	rs.c.Start()
	rs.waitState(StateConsensusLeader)

	dump, err := rs.c.ConnectPeer(info)
	if err != nil {
		t.Fatalf("ConnectPeer: %v", err)
	}
	listed := peer.NewRegistry(testChannel)
	if err := listed.Load(dump); err != nil {
		t.Fatalf("peer list: %v", err)
	}
	if _, ok := listed.GetPeer("hxnew"); !ok {
		t.Error("returned peer list lacks the new peer")
	}
	if rec, ok := rs.reg.GetPeer("hxnew"); !ok || rec.Status != peer.StatusConnected {
		t.Errorf("registered peer = %+v, %v", rec, ok)
	}
	waitFor(t, "new peer announcement", func() bool {
		return rs.bcast.sentCount(broadcast.MethodAnnounceNewPeer) == 1
	})
}

func TestComplainLeader_RadioStationDecidesOnLoop(t *testing.T) {
	h := newHarness(t,
		withoutRadioStation(),
		asRadioStation(),
		withPeer("hxa", "a.local:9000"),
		withPeer("hxb", "b.local:9000"),
	)
	h.reg.SetLeader("hxa")
	h.c.Start()
	h.waitState(StateConsensusFollower)

	got, err := h.c.ComplainLeader(rpcclient.ComplainRequest{
		Channel:      testChannel,
		ComplainedID: "hxa",
		PeerID:       "hxb",
	})
	if err != nil {
		t.Fatalf("ComplainLeader: %v", err)
	}
	if got != "hxb" {
		t.Errorf("decided leader = %q, want hxb", got)
	}
	if h.reg.LeaderID() != "hxb" {
		t.Errorf("registry leader = %q, want hxb when the reply is sent", h.reg.LeaderID())
	}

	stale, err := h.c.ComplainLeader(rpcclient.ComplainRequest{
		Channel:      testChannel,
		ComplainedID: "hxa",
		PeerID:       h.self(),
	})
	if err != nil || stale != "hxb" {
		t.Errorf("stale complaint = %q, %v, want hxb", stale, err)
	}
}

func TestStatus_Snapshot(t *testing.T) {
	h := newHarness(t, withoutRadioStation(), withChain(2))
	st := h.c.Status()
	if st.BlockHeight != 1 || st.EpochHeight != 2 || st.PeerType != "0" || st.State != "Boot" {
		t.Errorf("Status() = %+v", st)
	}
	if st.PeerID != h.self() || st.PeerTarget != selfTarget {
		t.Errorf("identity = %s %s", st.PeerID, st.PeerTarget)
	}
}

func TestCleanup_OrderedAndIdempotent(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(step string) func() {
		return func() {
			mu.Lock()
			order = append(order, step)
			mu.Unlock()
		}
	}

	h := newHarness(t, withoutRadioStation(), func(h *harness) {
		store := h.store
		h.cfg.OpenStore = func() (BlockStore, error) {
			return &closeRecorder{BlockStore: store, onClose: record("store")}, nil
		}
	})
	h.engine.onClose = record("engine")
	h.bcast.onStop = record("broadcast")
	h.c.Start()
	h.waitState(StateConsensusLeader)

	if err := h.c.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := h.c.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}

	mu.Lock()
	got := fmt.Sprint(order)
	mu.Unlock()
	if got != "[store engine broadcast]" {
		t.Errorf("cleanup order = %s", got)
	}
	if err := h.c.loop.Post(func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Post after cleanup = %v, want ErrStopped", err)
	}
	if len(h.c.timers.Keys()) != 0 {
		t.Errorf("timers left armed: %v", h.c.timers.Keys())
	}
}

func TestAddTx_RejectsConfirmed(t *testing.T) {
	h := newHarness(t, withoutRadioStation(), withChain(3))

	confirmed := h.c.LastBlock().Transactions[0]
	if err := h.c.AddTx(confirmed); !errors.Is(err, ErrTxConfirmed) {
		t.Fatalf("AddTx(confirmed) = %v, want ErrTxConfirmed", err)
	}
	if n := h.pool.Count(); n != 0 {
		t.Fatalf("pool holds %d txs after rejected add", n)
	}

	fresh := block.NewTransaction("hx01", "", json.RawMessage(`{"n":99}`), h.clock.Now().UnixMicro())
	if err := h.c.AddTx(fresh); err != nil {
		t.Fatalf("AddTx(fresh): %v", err)
	}
	if n := h.pool.Count(); n != 1 {
		t.Errorf("pool holds %d txs, want 1", n)
	}
}
