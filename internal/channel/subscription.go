package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/internal/timer"
	"github.com/stjordanis/loopchain/pkg/block"
)

// ErrSubscribeExhausted is the shutdown cause when a subscription keeps
// failing past the shutdown timer.
var ErrSubscribeExhausted = errors.New("subscription retries exhausted")

func (c *Coordinator) subscribeRequest() rpcclient.SubscribeRequest {
	return rpcclient.SubscribeRequest{
		Channel:    c.ctx.Channel,
		PeerTarget: c.ctx.PeerTarget,
		PeerID:     c.ctx.PeerID,
		NodeType:   string(c.ctx.NodeType),
	}
}

func (c *Coordinator) clientFor(target string) PeerClient {
	if c.rs != nil && target == c.rs.Target() {
		return c.rs
	}
	return c.dialer.Dial(target)
}

// subscribeToPeer asks peerID to add this node to its audience. A
// failure arms the subscribe retry timer.
func (c *Coordinator) subscribeToPeer(peerID string) {
	if peerID == "" || peerID == c.ctx.PeerID {
		return
	}
	rec, ok := c.registry.GetPeer(peerID)
	if !ok || rec.Target == "" {
		c.log().Warn().Str("peer", peerID).Msg("Cannot subscribe to unknown peer")
		return
	}
	if err := c.subscribeClient(c.clientFor(rec.Target)); err != nil {
		c.subscribeFailed(err, func() {
			if c.sm.State() == StateConsensusFollower && c.registry.LeaderID() == peerID {
				c.subscribeToPeer(peerID)
			}
		})
	}
}

// subscribeClient subscribes over JSON-RPC, falling back to the radio
// station's REST endpoint once when the peer does not implement it.
func (c *Coordinator) subscribeClient(client PeerClient) error {
	ctx, cancel := c.callCtx()
	defer cancel()

	err := client.Subscribe(ctx, c.subscribeRequest())
	if errors.Is(err, rpcclient.ErrNotImplemented) {
		c.log().Info().Str("target", client.Target()).Msg("Subscribe not implemented, using REST fallback")
		err = c.subscribeREST(ctx)
	}
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", client.Target(), err)
	}

	c.addAudience(client.Target())
	c.subscribeSucceeded()
	c.log().Info().Str("target", client.Target()).Msg("Subscribed")
	return nil
}

func (c *Coordinator) subscribeREST(ctx context.Context) error {
	if c.rs == nil {
		return fmt.Errorf("REST subscribe: no radio station: %w", rpcclient.ErrNotImplemented)
	}
	req := c.subscribeRequest()
	if c.ctx.RestTarget != "" {
		req.PeerTarget = c.ctx.RestTarget
	}
	return c.rs.SubscribeREST(ctx, req)
}

func (c *Coordinator) subscribeSucceeded() {
	c.subscribeFailures = 0
	c.timers.Cancel(timer.KeyShutdown)
	c.timers.Cancel(timer.KeySubscribe)
}

// subscribeFailed counts a failure, arms the fail-safe shutdown timer
// once the retry bound is reached and schedules retry.
func (c *Coordinator) subscribeFailed(err error, retry func()) {
	c.subscribeFailures++
	c.metrics.SubscribeFailures.Add(1)
	c.log().Warn().Err(err).Int("failures", c.subscribeFailures).Msg("Subscribe failed")

	if c.subscribeFailures >= c.set.SubscribeRetryTimes && !c.timers.Active(timer.KeyShutdown) {
		failures := c.subscribeFailures
		c.log().Error().Dur("after", c.set.Shutdown).Msg("Subscribe retries exhausted, shutdown scheduled")
		c.timers.Schedule(timer.KeyShutdown, c.set.Shutdown, false, func() {
			c.shutdown(fmt.Errorf("%w: %d consecutive failures", ErrSubscribeExhausted, failures))
		})
	}
	c.timers.Schedule(timer.KeySubscribe, c.set.SubscribeRetry, false, retry)
}

// ── Observer push channel ───────────────────────────────────────────

// subscribeAsObserver opens the push subscription in the background.
// Its results come back to the loop tagged with a generation so a
// replaced subscription cannot act on the current one.
func (c *Coordinator) subscribeAsObserver() {
	if c.observer == nil {
		c.subscribeObserverREST()
		return
	}
	if c.observerCancel != nil {
		c.observerCancel()
	}
	c.observerGen++
	gen := c.observerGen
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.observerCancel = cancel
	height := c.Height()

	go func() {
		err := c.observer.Subscribe(ctx, height,
			func(blk *block.Block) error {
				return c.loop.Call(ctx, func() error { return c.applyPushed(blk) })
			},
			func() {
				c.loop.Post(func() { c.observerEstablished(gen) })
			})
		c.loop.Post(func() { c.observerEnded(gen, err) })
	}()
}

func (c *Coordinator) retryObserver() {
	if c.observerCancel != nil || c.sm.State() == StateShuttingDown {
		return
	}
	c.subscribeAsObserver()
}

func (c *Coordinator) observerEstablished(gen uint64) {
	if gen != c.observerGen || c.observerCancel == nil {
		return
	}
	c.subscribeSucceeded()
	c.startFreshness()
}

func (c *Coordinator) observerEnded(gen uint64, err error) {
	if gen != c.observerGen {
		return
	}
	c.observerCancel = nil
	c.timers.Cancel(timer.KeyFreshness)
	if errors.Is(err, context.Canceled) || c.sm.State() == StateShuttingDown {
		return
	}
	if errors.Is(err, rpcclient.ErrNotImplemented) {
		c.subscribeObserverREST()
		return
	}
	if err == nil {
		err = fmt.Errorf("%w: push channel ended", rpcclient.ErrUnreachable)
	}
	c.subscribeFailed(err, c.retryObserver)
	c.reenterSubscribe()
}

func (c *Coordinator) subscribeObserverREST() {
	ctx, cancel := c.callCtx()
	defer cancel()
	if err := c.subscribeREST(ctx); err != nil {
		c.subscribeFailed(err, func() {
			if c.sm.State() != StateShuttingDown {
				c.subscribeObserverREST()
			}
		})
		return
	}
	c.log().Info().Msg("Subscribed over REST")
	c.subscribeSucceeded()
	c.startFreshness()
}

func (c *Coordinator) startFreshness() {
	c.timers.Schedule(timer.KeyFreshness, c.set.Freshness, true, c.checkFreshness)
}

// checkFreshness compares the local tip with the radio station's and
// re-enters SubscribeNetwork when this node has fallen behind.
func (c *Coordinator) checkFreshness() {
	if c.rs == nil {
		return
	}
	ctx, cancel := c.callCtx()
	remote, err := c.rs.LastBlockHeight(ctx)
	cancel()
	if err != nil {
		c.log().Debug().Err(err).Msg("Freshness check failed")
		return
	}
	local := c.Height()
	if remote <= local {
		return
	}
	c.log().Info().Int64("local", local).Int64("remote", remote).Msg("Local chain is stale, resubscribing")
	c.timers.Cancel(timer.KeyFreshness)
	if c.observerCancel != nil {
		c.observerCancel()
		c.observerCancel = nil
	}
	c.reenterSubscribe()
}

func (c *Coordinator) reenterSubscribe() {
	if c.sm.State() == StateSubscribeNetwork || !c.sm.CanTransition(StateSubscribeNetwork) {
		return
	}
	if err := c.sm.Transition(StateSubscribeNetwork); err != nil {
		c.log().Warn().Err(err).Msg("Cannot re-enter subscribe state")
	}
}

// applyPushed commits a pushed block, or syncs when it skips ahead.
func (c *Coordinator) applyPushed(blk *block.Block) error {
	local := c.Height()
	switch h := blk.Height(); {
	case h <= local:
		return nil
	case h == local+1:
		return c.commitBlock(blk)
	default:
		_, err := c.heightSync()
		return err
	}
}
