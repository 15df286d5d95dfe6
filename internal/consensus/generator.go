package consensus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	klog "github.com/stjordanis/loopchain/internal/log"
	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/crypto"
	"github.com/stjordanis/loopchain/pkg/types"
)

// ErrNotLeader is returned by Produce when the generator is a follower.
var ErrNotLeader = errors.New("not the leader")

// ChainReader exposes the local tip.
type ChainReader interface {
	LastBlock() *block.Block
}

// TxSource supplies pending transactions for a block.
type TxSource interface {
	SelectForBlock(limit int) []*block.Transaction
	Remove(hashes []types.Hash)
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Channel    string
	Key        *crypto.PrivateKey
	Interval   time.Duration
	MaxTxs     int
	AllowEmpty bool
	Clock      clock.Clock

	Chain ChainReader
	Txs   TxSource

	// Propose runs a freshly signed block through execution, storage and
	// broadcast. It returns once the block is committed or has failed.
	Propose func(ctx context.Context, b *block.Block) error
	// Rollback drops engine state left by a block whose Propose failed.
	Rollback func(ctx context.Context, b *block.Block) error
}

// Generator produces blocks at a fixed interval while its node leads
// the channel. It has no voting: a proposed block is final once Propose
// succeeds.
type Generator struct {
	cfg    GeneratorConfig
	clock  clock.Clock
	logger zerolog.Logger

	mu     sync.Mutex
	leader bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewGenerator creates a generator. It starts as a follower.
func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxTxs <= 0 {
		cfg.MaxTxs = 1000
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Generator{
		cfg:    cfg,
		clock:  clk,
		logger: klog.WithChannel("consensus", cfg.Channel),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetLeader switches block production on or off.
func (g *Generator) SetLeader(leader bool) {
	g.mu.Lock()
	changed := g.leader != leader
	g.leader = leader
	g.mu.Unlock()
	if changed {
		g.logger.Info().Bool("is_leader", leader).Msg("Generator role changed")
	}
}

// IsLeader reports whether the generator is producing blocks.
func (g *Generator) IsLeader() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leader
}

// Start launches the production ticker.
func (g *Generator) Start() {
	g.wg.Add(1)
	go g.run()
}

// Stop halts production. Safe to call twice.
func (g *Generator) Stop() {
	g.once.Do(g.cancel)
}

// Wait blocks until the production goroutine has exited.
func (g *Generator) Wait() {
	g.wg.Wait()
}

func (g *Generator) run() {
	defer g.wg.Done()
	ticker := g.clock.Ticker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			if !g.IsLeader() {
				continue
			}
			if _, err := g.Produce(g.ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Warn().Err(err).Msg("Block production failed")
			}
		}
	}
}

// Produce builds, signs and proposes one block on top of the local tip.
// Returns (nil, nil) when there is nothing to include and empty blocks
// are not allowed. On a failed proposal the engine state is rolled back
// and the transactions stay pending.
func (g *Generator) Produce(ctx context.Context) (*block.Block, error) {
	if !g.IsLeader() {
		return nil, ErrNotLeader
	}
	tip := g.cfg.Chain.LastBlock()
	if tip == nil {
		// Genesis belongs to the leader transition, not the ticker.
		return nil, nil
	}

	txs := g.cfg.Txs.SelectForBlock(g.cfg.MaxTxs)
	if len(txs) == 0 && !g.cfg.AllowEmpty {
		return nil, nil
	}

	ts := g.clock.Now().UnixMicro()
	if ts <= tip.Header.Timestamp {
		ts = tip.Header.Timestamp + 1
	}
	blk := block.NewBlock(&block.Header{
		Version:   block.CurrentVersion,
		Height:    tip.Height() + 1,
		PrevHash:  tip.Hash(),
		Timestamp: ts,
	}, txs)
	if err := blk.Sign(g.cfg.Key); err != nil {
		return nil, err
	}

	if err := g.cfg.Propose(ctx, blk); err != nil {
		if g.cfg.Rollback != nil {
			if rerr := g.cfg.Rollback(context.WithoutCancel(ctx), blk); rerr != nil {
				g.logger.Warn().Err(rerr).Int64("height", blk.Height()).Msg("Precommit rollback failed")
			}
		}
		return nil, err
	}

	hashes := make([]types.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash
	}
	g.cfg.Txs.Remove(hashes)

	g.logger.Info().
		Int64("height", blk.Height()).
		Str("hash", blk.Hash().String()).
		Int("txs", len(txs)).
		Msg("Block produced")
	return blk, nil
}
