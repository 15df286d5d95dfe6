package rpc

import (
	"encoding/json"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeUnavailable    = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// ── Param types ─────────────────────────────────────────────────────────

// ChannelParam is taken by methods that only name the channel.
type ChannelParam struct {
	Channel string `json:"channel"`
}

// ResetTimerParam is used by node_ResetTimer.
type ResetTimerParam struct {
	Channel string `json:"channel"`
	Key     string `json:"key"`
}

// AudienceParam is used by node_AddAudience and node_RemoveAudience.
type AudienceParam struct {
	Channel    string `json:"channel"`
	PeerTarget string `json:"peer_target"`
}

// StopParam is used by node_Stop.
type StopParam struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// ── Result types ────────────────────────────────────────────────────────

// AckResult is returned by methods that only hand work to the channel.
type AckResult struct {
	Accepted bool `json:"accepted"`
}

// ResetTimerResult reports whether the timer was armed.
type ResetTimerResult struct {
	Key   string `json:"key"`
	Reset bool   `json:"reset"`
}

var ack = &AckResult{Accepted: true}
