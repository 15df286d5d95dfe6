package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrEngineClosed is returned for calls made after Close.
var ErrEngineClosed = errors.New("engine client closed")

// Engine JSON-RPC methods.
const (
	MethodEngineHello          = "engine_hello"
	MethodInvoke               = "invoke"
	MethodWritePrecommitState  = "write_precommit_state"
	MethodRemovePrecommitState = "remove_precommit_state"
	MethodChangeBlockHash      = "change_block_hash"
)

// InvokeBlock identifies the block being executed. PrevBlockHash is nil
// for genesis and "" for a block without a predecessor hash.
type InvokeBlock struct {
	BlockHeight   int64   `json:"blockHeight"`
	BlockHash     string  `json:"blockHash"`
	PrevBlockHash *string `json:"prevBlockHash,omitempty"`
	Timestamp     int64   `json:"timestamp"`
}

// InvokeTx is one transaction handed to the engine.
type InvokeTx struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// InvokeRequest executes a block.
type InvokeRequest struct {
	Block        InvokeBlock `json:"block"`
	Transactions []InvokeTx  `json:"transactions"`
}

// InvokeReply is the engine's execution result.
type InvokeReply struct {
	StateRootHash string                     `json:"stateRootHash"`
	TxResults     map[string]json.RawMessage `json:"txResults"`
}

// PrecommitRequest names the block whose precommit state is written or removed.
type PrecommitRequest struct {
	BlockHeight int64  `json:"blockHeight"`
	BlockHash   string `json:"blockHash"`
}

// EngineClient is the execution-engine client. Close waits for
// in-flight calls.
type EngineClient struct {
	client *Client

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewEngineClient creates a client for the engine at endpoint.
func NewEngineClient(endpoint string, timeout time.Duration) *EngineClient {
	return &EngineClient{client: NewWithTimeout(endpoint, timeout)}
}

func (e *EngineClient) call(ctx context.Context, method string, params, result interface{}) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	return e.client.CallContext(ctx, method, params, result)
}

// Hello checks that the engine is up.
func (e *EngineClient) Hello(ctx context.Context) error {
	return e.call(ctx, MethodEngineHello, nil, nil)
}

// Invoke executes a block and returns its state root and per-tx results.
func (e *EngineClient) Invoke(ctx context.Context, req InvokeRequest) (*InvokeReply, error) {
	var reply InvokeReply
	if err := e.call(ctx, MethodInvoke, req, &reply); err != nil {
		return nil, err
	}
	if reply.StateRootHash == "" {
		return nil, fmt.Errorf("invoke height %d: engine returned no state root", req.Block.BlockHeight)
	}
	return &reply, nil
}

// WritePrecommitState commits the state produced by the named block.
func (e *EngineClient) WritePrecommitState(ctx context.Context, req PrecommitRequest) error {
	return e.call(ctx, MethodWritePrecommitState, req, nil)
}

// RemovePrecommitState drops the uncommitted state of the named block.
func (e *EngineClient) RemovePrecommitState(ctx context.Context, req PrecommitRequest) error {
	return e.call(ctx, MethodRemovePrecommitState, req, nil)
}

// ChangeBlockHash re-keys precommit state under a new block hash.
func (e *EngineClient) ChangeBlockHash(ctx context.Context, req ChangeBlockHashRequest) error {
	return e.call(ctx, MethodChangeBlockHash, req, nil)
}

// Close rejects new calls and waits for in-flight ones. Safe to call twice.
func (e *EngineClient) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.inflight.Wait()
	e.client.CloseIdleConnections()
	return nil
}
