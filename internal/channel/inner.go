package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/internal/broadcast"
	"github.com/stjordanis/loopchain/internal/consensus"
	"github.com/stjordanis/loopchain/internal/peer"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/types"
)

// ErrStopRequested is the shutdown cause of an operator stop.
var ErrStopRequested = errors.New("stop requested")

// ErrWrongChannel is returned for a message addressed to another channel.
var ErrWrongChannel = errors.New("message for another channel")

// Inbound entry points. Each posts its work to the loop and returns;
// none waits for the loop.

// EvaluateNetwork re-runs role evaluation when the state allows it.
func (c *Coordinator) EvaluateNetwork() error {
	return c.loop.Post(func() {
		if c.sm.CanTransition(StateEvaluateNetwork) {
			c.transition(StateEvaluateNetwork)
		}
	})
}

// SubscribeNetwork re-enters the subscribe state.
func (c *Coordinator) SubscribeNetwork() error {
	return c.loop.Post(c.reenterSubscribe)
}

// BlockHeightSync pulls missing blocks from the leader.
func (c *Coordinator) BlockHeightSync() error {
	return c.loop.Post(func() {
		becomeLeader, err := c.heightSync()
		if err != nil {
			c.log().Warn().Err(err).Msg("Height sync failed")
		}
		if becomeLeader {
			c.transitionIfAllowed(StateConsensusLeader)
		}
	})
}

// ResetLeader hands leadership to newLeader at height. An invalid height
// or unknown peer is logged and ignored.
func (c *Coordinator) ResetLeader(newLeader string, height int64) error {
	return c.loop.Post(func() { c.resetLeader(newLeader, height) })
}

// SetNewLeader records newLeader without subscribing or announcing.
func (c *Coordinator) SetNewLeader(newLeader string, height int64) error {
	return c.loop.Post(func() { c.setNewLeader(newLeader, height) })
}

// ComplainLeader takes a peer's complaint. On the radio station of a
// registry-elected channel the new leader is decided at once and
// returned; elsewhere the complaint is a vote and the current leader is
// returned.
func (c *Coordinator) ComplainLeader(req rpcclient.ComplainRequest) (string, error) {
	if req.Channel != "" && req.Channel != c.ctx.Channel {
		return "", ErrWrongChannel
	}
	ctx, cancel := c.callCtx()
	defer cancel()

	var leader string
	err := c.loop.Call(ctx, func() error {
		if c.ctx.IsRadioStation() && c.election.Mode() == config.ElectionRegistry {
			decided := c.arbitrate(req.ComplainedID)
			if req.AnnounceNewPeer {
				if rec, ok := c.registry.GetPeer(req.PeerID); ok {
					c.scheduleBroadcast(broadcast.MethodAnnounceNewPeer, recordInfo(rec))
				}
			}
			if decided != "" && decided != c.registry.LeaderID() {
				if err := c.resetLeader(decided, 0); err != nil {
					c.log().Warn().Err(err).Str("new_leader", decided).Msg("Arbitrated leader not applied")
				}
				leader = decided
				return nil
			}
		}
		c.complainVote(req)
		leader = c.registry.LeaderID()
		return nil
	})
	if err != nil {
		return "", err
	}
	return leader, nil
}

// AnnounceNewLeader applies a peer's leader change.
func (c *Coordinator) AnnounceNewLeader(ann rpcclient.NewLeaderAnnouncement) error {
	if ann.Channel != "" && ann.Channel != c.ctx.Channel {
		return ErrWrongChannel
	}
	return c.loop.Post(func() {
		if ann.NewLeaderID == c.registry.LeaderID() {
			return
		}
		c.resetLeader(ann.NewLeaderID, ann.BlockHeight)
	})
}

// AnnounceConfirmedBlock takes a block the leader committed.
func (c *Coordinator) AnnounceConfirmedBlock(blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("announced block: %w", block.ErrNilHeader)
	}
	return c.loop.Post(func() {
		local := c.Height()
		switch h := blk.Height(); {
		case h <= local:
		case h == local+1:
			if err := c.commitBlock(blk); err != nil {
				c.log().Warn().Err(err).Int64("height", h).Msg("Announced block rejected")
			}
		default:
			if _, err := c.heightSync(); err != nil {
				c.log().Warn().Err(err).Int64("announced", h).Msg("Height sync failed")
			}
		}
	})
}

// AnnounceNewPeer registers a peer and adds it to the audience.
func (c *Coordinator) AnnounceNewPeer(info rpcclient.PeerInfo) error {
	if info.PeerID == "" || info.PeerTarget == "" {
		return fmt.Errorf("announced peer: missing id or target")
	}
	return c.loop.Post(func() {
		c.registry.AddPeer(infoRecord(info))
		if info.PeerID != c.ctx.PeerID {
			c.addAudience(info.PeerTarget)
		}
		c.savePeers()
		c.log().Info().Str("peer", info.PeerID).Str("target", info.PeerTarget).Msg("Peer announced")
	})
}

// DeletePeer removes a peer and drops it from the audience.
func (c *Coordinator) DeletePeer(peerID string) error {
	return c.loop.Post(func() {
		if peerID == c.ctx.PeerID {
			return
		}
		rec, ok := c.registry.GetPeer(peerID)
		if !ok {
			return
		}
		c.registry.RemovePeer(peerID)
		c.removeAudience(rec.Target)
		c.savePeers()
		if c.ctx.IsRadioStation() {
			c.scheduleBroadcast(broadcast.MethodDeletePeer, rpcclient.DeletePeerRequest{
				Channel: c.ctx.Channel,
				PeerID:  peerID,
				GroupID: rec.GroupID,
			})
		}
		c.log().Info().Str("peer", peerID).Msg("Peer deleted")
	})
}

// AddAudience adds target to the broadcast audience.
func (c *Coordinator) AddAudience(target string) error {
	return c.loop.Post(func() { c.addAudience(target) })
}

// RemoveAudience removes target from the broadcast audience.
func (c *Coordinator) RemoveAudience(target string) error {
	return c.loop.Post(func() { c.removeAudience(target) })
}

// Subscribe records a peer that asked to receive this node's broadcasts.
func (c *Coordinator) Subscribe(req rpcclient.SubscribeRequest) error {
	if req.Channel != "" && req.Channel != c.ctx.Channel {
		return ErrWrongChannel
	}
	if req.PeerTarget == "" {
		return fmt.Errorf("subscribe: missing peer target")
	}
	return c.loop.Post(func() {
		if req.PeerTarget == c.ctx.PeerTarget {
			return
		}
		if req.PeerID != "" {
			c.registry.AddPeer(peer.Record{
				PeerID:   req.PeerID,
				Target:   req.PeerTarget,
				Status:   peer.StatusConnected,
				NodeType: config.NodeType(req.NodeType),
			})
		}
		c.addAudience(req.PeerTarget)
		c.savePeers()
		c.log().Debug().Str("peer", req.PeerID).Str("target", req.PeerTarget).Msg("Peer subscribed")
	})
}

// Unsubscribe drops a peer from the audience.
func (c *Coordinator) Unsubscribe(req rpcclient.SubscribeRequest) error {
	if req.Channel != "" && req.Channel != c.ctx.Channel {
		return ErrWrongChannel
	}
	return c.loop.Post(func() {
		c.removeAudience(req.PeerTarget)
		if req.PeerID != "" {
			c.registry.SetStatus(req.PeerID, peer.StatusDisconnected)
		}
	})
}

// ConnectPeer registers a peer with this radio station and returns the
// peer list including it.
func (c *Coordinator) ConnectPeer(info rpcclient.PeerInfo) (json.RawMessage, error) {
	if !c.ctx.IsRadioStation() {
		return nil, fmt.Errorf("connect peer: %s is not the radio station", c.ctx.PeerTarget)
	}
	if info.PeerID == "" || info.PeerTarget == "" {
		return nil, fmt.Errorf("connect peer: missing id or target")
	}
	ctx, cancel := c.callCtx()
	defer cancel()

	var dump json.RawMessage
	err := c.loop.Call(ctx, func() error {
		rec := infoRecord(info)
		rec.Status = peer.StatusConnected
		_, known := c.registry.GetPeer(info.PeerID)
		c.registry.AddPeer(rec)
		data, err := c.registry.Dump()
		if err != nil {
			return fmt.Errorf("connect peer: %w", err)
		}
		dump = data
		c.savePeers()
		c.addAudience(info.PeerTarget)
		if !known {
			c.scheduleBroadcast(broadcast.MethodAnnounceNewPeer, info)
			c.log().Info().Str("peer", info.PeerID).Str("target", info.PeerTarget).Msg("Peer connected")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dump, nil
}

// Heartbeat takes the leader's liveness notice. The signature is checked
// before anything is posted.
func (c *Coordinator) Heartbeat(hb *consensus.Heartbeat) error {
	if hb.Channel != c.ctx.Channel {
		return ErrWrongChannel
	}
	if err := hb.Verify(); err != nil {
		return err
	}
	return c.loop.Post(func() {
		if hb.PeerID != c.registry.LeaderID() {
			return
		}
		c.tracker.RecordHeartbeat(hb.PeerID)
		if c.sm.State() == StateLeaderComplain {
			c.leaderRecovered(hb.PeerID)
		}
		if hb.Height > c.Height() && c.sm.State() == StateConsensusFollower {
			if _, err := c.heightSync(); err != nil {
				c.log().Warn().Err(err).Int64("leader_height", hb.Height).Msg("Height sync failed")
			}
		}
	})
}

// AddTx queues a transaction and relays it to the audience. A
// transaction already in the pool is not relayed again.
func (c *Coordinator) AddTx(tx *block.Transaction) error {
	if c.pool == nil {
		return fmt.Errorf("add tx: no transaction pool")
	}
	if height, ok := c.confirmedAt(tx.Hash); ok {
		return fmt.Errorf("add tx %s: %w in block %d", tx.Hash, ErrTxConfirmed, height)
	}
	if err := c.pool.Add(tx); err != nil {
		return err
	}
	return c.bcast.ScheduleBroadcast(broadcast.MethodAddTx, tx)
}

// ResetTimer restarts an armed timer. Returns false if none is armed.
func (c *Coordinator) ResetTimer(key string) bool {
	return c.timers.Reset(key)
}

// Stop shuts the channel down with message as the cause.
func (c *Coordinator) Stop(message string) error {
	return c.loop.Post(func() {
		c.shutdown(fmt.Errorf("%w: %s", ErrStopRequested, message))
	})
}

// ── Commit passthroughs ─────────────────────────────────────────────

// GenesisInvoke executes the genesis block.
func (c *Coordinator) GenesisInvoke(ctx context.Context, blk *block.Block) (*block.Block, map[string]json.RawMessage, error) {
	return c.pipeline.GenesisInvoke(ctx, blk)
}

// Invoke executes blk.
func (c *Coordinator) Invoke(ctx context.Context, blk *block.Block) (*block.Block, map[string]json.RawMessage, error) {
	return c.pipeline.Invoke(ctx, blk)
}

// WritePrecommitState commits blk's engine state.
func (c *Coordinator) WritePrecommitState(ctx context.Context, blk *block.Block) error {
	return c.pipeline.WritePrecommitState(ctx, blk)
}

// RemovePrecommitState drops blk's engine state.
func (c *Coordinator) RemovePrecommitState(ctx context.Context, blk *block.Block) error {
	return c.pipeline.RemovePrecommitState(ctx, blk)
}

// ChangeBlockHash re-keys precommit state at height.
func (c *Coordinator) ChangeBlockHash(ctx context.Context, height int64, oldHash, newHash types.Hash) error {
	return c.pipeline.ChangeBlockHash(ctx, height, oldHash, newHash)
}

func infoRecord(info rpcclient.PeerInfo) peer.Record {
	return peer.Record{
		PeerID:   info.PeerID,
		GroupID:  info.GroupID,
		Target:   info.PeerTarget,
		PubKey:   info.PubKey,
		Status:   peer.StatusConnected,
		Order:    info.Order,
		NodeType: config.NodeType(info.NodeType),
	}
}

func recordInfo(rec peer.Record) rpcclient.PeerInfo {
	return rpcclient.PeerInfo{
		PeerID:     rec.PeerID,
		GroupID:    rec.GroupID,
		PeerTarget: rec.Target,
		PubKey:     rec.PubKey,
		NodeType:   string(rec.NodeType),
		Order:      rec.Order,
	}
}
