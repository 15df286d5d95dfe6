package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/stjordanis/loopchain/internal/broadcast"
	"github.com/stjordanis/loopchain/internal/chain"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/pkg/block"
)

// syncTarget returns the leader's target, or the radio station's when
// no leader is recorded.
func (c *Coordinator) syncTarget() string {
	if id := c.registry.LeaderID(); id != "" {
		if rec, ok := c.registry.GetPeer(id); ok && rec.Target != "" {
			return rec.Target
		}
	}
	if c.rs != nil {
		return c.rs.Target()
	}
	return ""
}

// heightSync pulls missing blocks from the leader. If the leader cannot
// be reached it complains to the radio station and follows the leader it
// grants. Returns true when this node was granted leadership instead.
func (c *Coordinator) heightSync() (bool, error) {
	oldLeader := c.registry.LeaderID()
	target := c.syncTarget()
	if target == "" || target == c.ctx.PeerTarget {
		return false, nil
	}

	err := c.pullFrom(target)
	if err == nil || !errors.Is(err, rpcclient.ErrUnreachable) {
		return false, err
	}
	if c.rs == nil || c.ctx.IsRadioStation() {
		return false, err
	}

	c.log().Warn().Err(err).Str("target", target).Str("leader", oldLeader).Msg("Sync target unreachable, complaining to radio station")
	c.metrics.Complaints.Add(1)
	ctx, cancel := c.callCtx()
	granted, cerr := c.rs.Complain(ctx, rpcclient.ComplainRequest{
		Channel:         c.ctx.Channel,
		ComplainedID:    oldLeader,
		BlockHeight:     c.epoch.Height,
		PeerID:          c.ctx.PeerID,
		GroupID:         c.ctx.GroupID,
		AnnounceNewPeer: false,
	})
	cancel()
	if cerr != nil {
		return false, fmt.Errorf("sync from %s: %w (complain failed: %v)", target, err, cerr)
	}

	self := c.ctx.PeerID
	if c.ctx.Votes() && (granted == "" || granted == self) {
		if serr := c.registry.SetLeader(self); serr != nil {
			return false, serr
		}
		c.replaceEpoch(self)
		c.log().Info().Str("old_leader", oldLeader).Msg("Granted leadership after failed sync")
		return true, nil
	}
	if granted == "" {
		return false, err
	}

	rec, ok := c.registry.GetPeer(granted)
	if !ok {
		return false, fmt.Errorf("granted leader %s: %w", granted, ErrUnknownPeer)
	}
	if serr := c.registry.SetLeader(granted); serr != nil {
		return false, serr
	}
	c.replaceEpoch(granted)
	if err := c.pullFrom(rec.Target); err != nil {
		return false, err
	}
	if c.ctx.Votes() && granted != oldLeader {
		c.scheduleBroadcast(broadcast.MethodAnnounceNewLeader, rpcclient.NewLeaderAnnouncement{
			Channel:     c.ctx.Channel,
			OldLeaderID: oldLeader,
			NewLeaderID: granted,
			BlockHeight: c.epoch.Height,
		})
	}
	return false, nil
}

// pullFrom commits every block target has above the local tip.
func (c *Coordinator) pullFrom(target string) error {
	client := c.clientFor(target)

	ctx, cancel := c.callCtx()
	remote, err := client.Height(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("height of %s: %w", target, err)
	}

	local := c.Height()
	if remote <= local {
		// An empty remote (-1) is not a failure.
		return nil
	}
	c.log().Info().Str("target", target).Int64("local", local).Int64("remote", remote).Msg("Height sync started")

	for h := local + 1; h <= remote; h++ {
		ctx, cancel := c.callCtx()
		blk, err := client.BlockByHeight(ctx, h)
		cancel()
		if err != nil {
			return fmt.Errorf("block %d from %s: %w", h, target, err)
		}
		if blk == nil {
			return fmt.Errorf("block %d from %s: empty reply", h, target)
		}
		if err := c.commitBlock(blk); err != nil {
			return err
		}
	}
	c.log().Info().Str("target", target).Int64("height", c.Height()).Msg("Height sync finished")
	return nil
}

// commitBlock validates a block received from another node, runs it
// through the engine and stores it. The engine is asked to drop its
// precommit state if the results disagree.
func (c *Coordinator) commitBlock(blk *block.Block) error {
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("block %d: %w", blk.Height(), err)
	}
	if err := blk.ValidateLink(c.LastBlock()); err != nil {
		return fmt.Errorf("block %d: %w", blk.Height(), err)
	}
	if rec, ok := c.registry.GetPeer(blk.Header.PeerID); ok {
		if pub := rec.PubKeyBytes(); pub != nil {
			if err := blk.VerifySignature(pub); err != nil {
				return fmt.Errorf("block %d: %w", blk.Height(), err)
			}
		}
	}

	executed, _, err := c.pipeline.InvokeAny(c.baseCtx, blk)
	if err != nil {
		return err
	}
	if err := c.pipeline.VerifyCommitState(blk, executed); err != nil {
		if rerr := c.pipeline.RemovePrecommitState(c.baseCtx, executed); rerr != nil {
			c.log().Warn().Err(rerr).Int64("height", blk.Height()).Msg("Precommit rollback failed")
		}
		return err
	}
	return c.storeBlock(executed)
}

// storeBlock writes precommit state and persists blk.
func (c *Coordinator) storeBlock(blk *block.Block) error {
	if err := c.pipeline.WritePrecommitState(c.baseCtx, blk); err != nil {
		return err
	}
	c.storeMu.RLock()
	err := c.store.PutBlock(blk)
	c.storeMu.RUnlock()
	if err != nil {
		return fmt.Errorf("store block %d: %w", blk.Height(), err)
	}
	c.afterCommit(blk)
	return nil
}

func (c *Coordinator) afterCommit(blk *block.Block) {
	c.metrics.Height.Set(float64(blk.Height()))
	if c.pool != nil {
		c.pool.RemoveConfirmed(blk.Transactions)
		if n := c.pool.Evict(c.clock.Now().UnixMicro()); n > 0 {
			c.log().Debug().Int("evicted", n).Msg("Expired transactions dropped")
		}
	}
	c.tracker.RecordBlock(blk.Header.PeerID)
	c.notifyNewBlock()

	leader := c.registry.LeaderID()
	c.replaceEpoch(leader)

	c.log().Debug().
		Int64("height", blk.Height()).
		Str("hash", blk.Hash().String()).
		Int("txs", len(blk.Transactions)).
		Msg("Block committed")

	if next := blk.Header.NextLeader; next != "" && next != leader {
		if err := c.resetLeader(next, 0); err != nil {
			c.log().Warn().Err(err).Str("next_leader", next).Msg("Ignoring block's next leader")
		}
	}
}

// proposeBlock commits a block built by the local generator and
// announces it. It runs on the loop.
func (c *Coordinator) proposeBlock(ctx context.Context, blk *block.Block) error {
	return c.loop.Call(ctx, func() error {
		if !c.ctx.IsLeader() {
			return fmt.Errorf("propose block %d: %w", blk.Height(), errNotLeader)
		}
		executed, _, err := c.pipeline.Invoke(ctx, blk)
		if err != nil {
			return err
		}
		if err := c.storeBlock(executed); err != nil {
			return err
		}
		return c.bcast.ScheduleBroadcast(broadcast.MethodAnnounceConfirmedBlock, executed)
	})
}

var errNotLeader = errors.New("not the leader")

// createGenesis builds, executes and stores block 0.
func (c *Coordinator) createGenesis() error {
	gen, err := chain.CreateGenesisBlock(c.cfg.Genesis, c.ctx.PeerID)
	if err != nil {
		return err
	}
	if err := gen.Sign(c.cfg.Key); err != nil {
		return fmt.Errorf("sign genesis: %w", err)
	}
	executed, _, err := c.pipeline.GenesisInvoke(c.baseCtx, gen)
	if err != nil {
		return err
	}
	if err := c.storeBlock(executed); err != nil {
		return err
	}
	c.log().Info().Str("hash", executed.Hash().String()).Msg("Genesis block created")
	return c.bcast.ScheduleBroadcast(broadcast.MethodAnnounceConfirmedBlock, executed)
}
