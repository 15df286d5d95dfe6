package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/stjordanis/loopchain/internal/log"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/types"
)

// Pipeline hands blocks to the execution engine and attaches the state
// root it returns. Each call is bounded by the pipeline timeout.
type Pipeline struct {
	channel string
	engine  Engine
	timeout time.Duration
	metrics *Metrics
	logger  zerolog.Logger

	mu          sync.Mutex
	lastHeight  int64
	lastHash    types.Hash
	haveWritten bool
}

// NewPipeline creates a pipeline for channel. metrics may be nil.
func NewPipeline(channel string, engine Engine, timeout time.Duration, metrics *Metrics) *Pipeline {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Pipeline{
		channel: channel,
		engine:  engine,
		timeout: timeout,
		metrics: metrics,
		logger:  klog.WithChannel("engine", channel),
	}
}

func (p *Pipeline) observe(method string, start time.Time) {
	p.metrics.CommitDuration.With("method", method).Observe(time.Since(start).Seconds())
}

// GenesisInvoke executes the genesis block. The genesis transaction's
// payload goes to the engine unchanged under genesisData.
func (p *Pipeline) GenesisInvoke(ctx context.Context, blk *block.Block) (*block.Block, map[string]json.RawMessage, error) {
	txs := make([]rpcclient.InvokeTx, 0, len(blk.Transactions))
	for _, tx := range blk.Transactions {
		params, err := json.Marshal(struct {
			TxHash      string          `json:"txHash"`
			GenesisData json.RawMessage `json:"genesisData"`
		}{tx.Hash.String(), tx.Data})
		if err != nil {
			return nil, nil, &CommitError{Method: rpcclient.MethodInvoke, Height: blk.Height(), Err: err}
		}
		txs = append(txs, rpcclient.InvokeTx{Method: block.MethodSendTransaction, Params: params})
	}
	req := rpcclient.InvokeRequest{
		Block: rpcclient.InvokeBlock{
			BlockHeight: blk.Height(),
			BlockHash:   blk.Hash().String(),
			Timestamp:   blk.Header.Timestamp,
		},
		Transactions: txs,
	}
	return p.run(ctx, blk, req)
}

// Invoke executes a block. Any engine failure is returned as a
// *CommitError and no block is returned.
func (p *Pipeline) Invoke(ctx context.Context, blk *block.Block) (*block.Block, map[string]json.RawMessage, error) {
	prev := blk.PrevHash().Hex()
	txs := make([]rpcclient.InvokeTx, 0, len(blk.Transactions))
	for _, tx := range blk.Transactions {
		params, err := txParams(tx)
		if err != nil {
			return nil, nil, &CommitError{Method: rpcclient.MethodInvoke, Height: blk.Height(), Err: err}
		}
		method := tx.Method
		if method == "" {
			method = block.MethodSendTransaction
		}
		txs = append(txs, rpcclient.InvokeTx{Method: method, Params: params})
	}
	req := rpcclient.InvokeRequest{
		Block: rpcclient.InvokeBlock{
			BlockHeight:   blk.Height(),
			BlockHash:     blk.Hash().String(),
			PrevBlockHash: &prev,
			Timestamp:     blk.Header.Timestamp,
		},
		Transactions: txs,
	}
	return p.run(ctx, blk, req)
}

// InvokeAny routes height 0 through GenesisInvoke and everything else
// through Invoke.
func (p *Pipeline) InvokeAny(ctx context.Context, blk *block.Block) (*block.Block, map[string]json.RawMessage, error) {
	if blk.Height() == types.GenesisHeight {
		return p.GenesisInvoke(ctx, blk)
	}
	return p.Invoke(ctx, blk)
}

func (p *Pipeline) run(ctx context.Context, blk *block.Block, req rpcclient.InvokeRequest) (*block.Block, map[string]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	reply, err := p.engine.Invoke(ctx, req)
	p.observe(rpcclient.MethodInvoke, start)
	if err != nil {
		return nil, nil, &CommitError{Method: rpcclient.MethodInvoke, Height: blk.Height(), Err: err}
	}
	root, err := types.HexToHash(reply.StateRootHash)
	if err != nil {
		return nil, nil, &CommitError{Method: rpcclient.MethodInvoke, Height: blk.Height(), Err: fmt.Errorf("state root: %w", err)}
	}

	p.logger.Debug().
		Int64("height", blk.Height()).
		Str("hash", blk.Hash().String()).
		Str("state_root", root.String()).
		Msg("Block invoked")
	return blk.WithCommitState(p.channel, root), reply.TxResults, nil
}

// txParams merges the transaction hash into the payload object.
func txParams(tx *block.Transaction) (json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if len(tx.Data) > 0 {
		if err := json.Unmarshal(tx.Data, &obj); err != nil {
			obj = map[string]json.RawMessage{"data": tx.Data}
		}
	}
	h, err := json.Marshal(tx.Hash.String())
	if err != nil {
		return nil, err
	}
	obj["txHash"] = h
	return json.Marshal(obj)
}

// VerifyCommitState checks a received block's recorded state root
// against the one the local engine produced.
func (p *Pipeline) VerifyCommitState(received, executed *block.Block) error {
	want, ok := received.CommitState(p.channel)
	if !ok {
		return nil
	}
	got, _ := executed.CommitState(p.channel)
	if got != want {
		return &CommitError{
			Method: rpcclient.MethodInvoke,
			Height: received.Height(),
			Err:    fmt.Errorf("%w: received %s, executed %s", ErrCommitStateMismatch, want, got),
		}
	}
	return nil
}

// WritePrecommitState commits the engine state of blk. Writing the same
// height and hash twice sends one request.
func (p *Pipeline) WritePrecommitState(ctx context.Context, blk *block.Block) error {
	height, hash := blk.Height(), blk.Hash()

	p.mu.Lock()
	dup := p.haveWritten && p.lastHeight == height && p.lastHash == hash
	p.mu.Unlock()
	if dup {
		p.logger.Debug().Int64("height", height).Msg("Precommit state already written")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	err := p.engine.WritePrecommitState(ctx, rpcclient.PrecommitRequest{BlockHeight: height, BlockHash: hash.String()})
	p.observe(rpcclient.MethodWritePrecommitState, start)
	if err != nil {
		return &CommitError{Method: rpcclient.MethodWritePrecommitState, Height: height, Err: err}
	}

	p.mu.Lock()
	p.lastHeight, p.lastHash, p.haveWritten = height, hash, true
	p.mu.Unlock()
	return nil
}

// RemovePrecommitState drops uncommitted engine state for blk.
func (p *Pipeline) RemovePrecommitState(ctx context.Context, blk *block.Block) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	err := p.engine.RemovePrecommitState(ctx, rpcclient.PrecommitRequest{
		BlockHeight: blk.Height(),
		BlockHash:   blk.Hash().String(),
	})
	p.observe(rpcclient.MethodRemovePrecommitState, start)
	if err != nil {
		return &CommitError{Method: rpcclient.MethodRemovePrecommitState, Height: blk.Height(), Err: err}
	}
	return nil
}

// ChangeBlockHash re-keys precommit state at height from oldHash to
// newHash. Equal hashes are a no-op.
func (p *Pipeline) ChangeBlockHash(ctx context.Context, height int64, oldHash, newHash types.Hash) error {
	if oldHash == newHash {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	err := p.engine.ChangeBlockHash(ctx, rpcclient.ChangeBlockHashRequest{
		BlockHeight:  height,
		OldBlockHash: oldHash.String(),
		NewBlockHash: newHash.String(),
	})
	p.observe(rpcclient.MethodChangeBlockHash, start)
	if err != nil {
		return &CommitError{Method: rpcclient.MethodChangeBlockHash, Height: height, Err: err}
	}
	return nil
}

// WaitReady calls Hello until the engine answers, up to retries times
// with interval between attempts.
func (p *Pipeline) WaitReady(ctx context.Context, retries int, interval time.Duration) error {
	if retries < 1 {
		retries = 1
	}
	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		hctx, cancel := context.WithTimeout(ctx, p.timeout)
		err = p.engine.Hello(hctx)
		cancel()
		if err == nil {
			p.logger.Info().Int("attempt", attempt).Msg("Execution engine ready")
			return nil
		}
		p.logger.Warn().Err(err).Int("attempt", attempt).Int("retries", retries).Msg("Execution engine not ready")
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("execution engine unavailable after %d attempts: %w", retries, err)
}
