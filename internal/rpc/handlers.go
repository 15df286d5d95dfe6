package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/stjordanis/loopchain/internal/channel"
	"github.com/stjordanis/loopchain/internal/chain"
	"github.com/stjordanis/loopchain/internal/consensus"
	"github.com/stjordanis/loopchain/internal/mempool"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/types"
)

// dispatchNode routes a request on the node API.
func (s *Server) dispatchNode(ctx context.Context, ch Channel, req *Request) (interface{}, *Error) {
	switch req.Method {
	case "node_Subscribe":
		return s.handleSubscribe(ch, req)
	case "node_Unsubscribe":
		return s.handleUnsubscribe(ch, req)
	case "node_ConnectPeer":
		return s.handleConnectPeer(ch, req)
	case "node_GetStatus":
		return s.handleGetStatus(ch, req)
	case "node_GetBlockByHeight":
		return s.handleGetBlockByHeight(ch, req)
	case "icx_getLastBlock":
		return s.handleGetLastBlock(ch, req)
	case "node_ComplainLeader":
		return s.handleComplainLeader(ch, req)
	case "node_AnnounceNewLeader":
		return s.handleAnnounceNewLeader(ch, req)
	case "node_ResetLeader":
		return s.handleResetLeader(ch, req)
	case "node_SetNewLeader":
		return s.handleSetNewLeader(ch, req)
	case "node_BlockHeightSync":
		return s.handleBlockHeightSync(ch)
	case "node_AddAudience":
		return s.handleAudience(ch, req, ch.AddAudience)
	case "node_RemoveAudience":
		return s.handleAudience(ch, req, ch.RemoveAudience)
	case "node_GetPeerList":
		return s.handleGetPeerList(ch)
	case "node_AnnounceNewPeer":
		return s.handleAnnounceNewPeer(ch, req)
	case "node_DeletePeer":
		return s.handleDeletePeer(ch, req)
	case "node_AnnounceConfirmedBlock":
		return s.handleAnnounceConfirmedBlock(ch, req)
	case "node_Heartbeat":
		return s.handleHeartbeat(ch, req)
	case "node_AddTx":
		return s.handleAddTx(ch, req)
	case "node_ChangeBlockHash":
		return s.handleChangeBlockHash(ctx, ch, req)
	case "node_ResetTimer":
		return s.handleResetTimer(ch, req)
	case "node_Stop":
		return s.handleStop(ch, req)
	default:
		return nil, methodNotFound(req)
	}
}

// dispatchV3 routes a request on the v3 API: block queries, the REST
// subscribe fallback and leader resets.
func (s *Server) dispatchV3(_ context.Context, ch Channel, req *Request) (interface{}, *Error) {
	switch req.Method {
	case "icx_getLastBlock":
		return s.handleGetLastBlock(ch, req)
	case "icx_getBlockByHeight":
		return s.handleGetBlockByHeight(ch, req)
	case "node_Subscribe":
		return s.handleSubscribe(ch, req)
	case "node_Unsubscribe":
		return s.handleUnsubscribe(ch, req)
	case "node_GetStatus":
		return s.handleGetStatus(ch, req)
	case "node_ResetLeader":
		return s.handleResetLeader(ch, req)
	default:
		return nil, methodNotFound(req)
	}
}

func methodNotFound(req *Request) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
}

// channelError maps a channel error to a JSON-RPC error.
func channelError(err error) *Error {
	switch {
	case errors.Is(err, channel.ErrWrongChannel):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, channel.ErrStopped), errors.Is(err, channel.ErrStoreUnavailable):
		return &Error{Code: CodeUnavailable, Message: err.Error()}
	case errors.Is(err, mempool.ErrAlreadyExists), errors.Is(err, mempool.ErrValidation),
		errors.Is(err, channel.ErrTxConfirmed):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, chain.ErrBlockMissing):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	default:
		return &Error{Code: CodeInternalError, Message: err.Error()}
	}
}

// ── Subscription ────────────────────────────────────────────────────────

func (s *Server) handleSubscribe(ch Channel, req *Request) (interface{}, *Error) {
	var params rpcclient.SubscribeRequest
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.PeerTarget == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "peer_target is required"}
	}
	if err := ch.Subscribe(params); err != nil {
		return nil, channelError(err)
	}
	return ack, nil
}

func (s *Server) handleUnsubscribe(ch Channel, req *Request) (interface{}, *Error) {
	var params rpcclient.SubscribeRequest
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if err := ch.Unsubscribe(params); err != nil {
		return nil, channelError(err)
	}
	return ack, nil
}

func (s *Server) handleConnectPeer(ch Channel, req *Request) (interface{}, *Error) {
	var params rpcclient.ConnectPeerRequest
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Peer.PeerID == "" || params.Peer.PeerTarget == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "peer.peer_id and peer.peer_target are required"}
	}
	dump, err := ch.ConnectPeer(params.Peer)
	if err != nil {
		return nil, channelError(err)
	}
	return &rpcclient.ConnectPeerReply{PeerList: dump}, nil
}

// ── Queries ─────────────────────────────────────────────────────────────

func (s *Server) handleGetStatus(ch Channel, _ *Request) (interface{}, *Error) {
	st := ch.Status()
	return &st, nil
}

func (s *Server) handleGetBlockByHeight(ch Channel, req *Request) (interface{}, *Error) {
	var params rpcclient.BlockHeightRequest
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Height < 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "height must not be negative"}
	}
	if params.Height > ch.Height() {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found at height %d", params.Height)}
	}
	blk, err := ch.BlockByHeight(params.Height)
	if err != nil {
		return nil, channelError(err)
	}
	return blk, nil
}

// handleGetLastBlock returns the tip. The result is null when the
// channel has no blocks.
func (s *Server) handleGetLastBlock(ch Channel, _ *Request) (interface{}, *Error) {
	blk := ch.LastBlock()
	if blk == nil {
		return nil, nil
	}
	return blk, nil
}

// ── Leadership ──────────────────────────────────────────────────────────

func (s *Server) handleComplainLeader(ch Channel, req *Request) (interface{}, *Error) {
	var params rpcclient.ComplainRequest
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.ComplainedID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "complained_leader_id is required"}
	}
	leader, err := ch.ComplainLeader(params)
	if err != nil {
		return nil, channelError(err)
	}
	return &rpcclient.ComplainReply{LeaderID: leader}, nil
}

func (s *Server) handleAnnounceNewLeader(ch Channel, req *Request) (interface{}, *Error) {
	var params rpcclient.NewLeaderAnnouncement
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.NewLeaderID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "new_leader_id is required"}
	}
	if err := ch.AnnounceNewLeader(params); err != nil {
		return nil, channelError(err)
	}
	return ack, nil
}

func (s *Server) handleResetLeader(ch Channel, req *Request) (interface{}, *Error) {
	var params rpcclient.ResetLeaderRequest
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.NewLeaderID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "new_leader_id is required"}
	}
	if err := ch.ResetLeader(params.NewLeaderID, params.BlockHeight); err != nil {
		return nil, channelError(err)
	}
	return ack, nil
}

func (s *Server) handleSetNewLeader(ch Channel, req *Request) (interface{}, *Error) {
	var params rpcclient.ResetLeaderRequest
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.NewLeaderID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "new_leader_id is required"}
	}
	if err := ch.SetNewLeader(params.NewLeaderID, params.BlockHeight); err != nil {
		return nil, channelError(err)
	}
	return ack, nil
}

func (s *Server) handleBlockHeightSync(ch Channel) (interface{}, *Error) {
	if err := ch.BlockHeightSync(); err != nil {
		return nil, channelError(err)
	}
	return ack, nil
}

func (s *Server) handleAudience(ch Channel, req *Request, apply func(target string) error) (interface{}, *Error) {
	var params AudienceParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.PeerTarget == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "peer_target is required"}
	}
	if err := apply(params.PeerTarget); err != nil {
		return nil, channelError(err)
	}
	return ack, nil
}

func (s *Server) handleGetPeerList(ch Channel) (interface{}, *Error) {
	dump, err := ch.PeerListDump()
	if err != nil {
		return nil, channelError(err)
	}
	return &rpcclient.ConnectPeerReply{PeerList: dump}, nil
}

func (s *Server) handleHeartbeat(ch Channel, req *Request) (interface{}, *Error) {
	var hb consensus.Heartbeat
	if err := parseParams(req, &hb); err != nil {
		return nil, err
	}
	if err := ch.Heartbeat(&hb); err != nil {
		if errors.Is(err, channel.ErrStopped) || errors.Is(err, channel.ErrWrongChannel) {
			return nil, channelError(err)
		}
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	return ack, nil
}

// ── Peers ───────────────────────────────────────────────────────────────

func (s *Server) handleAnnounceNewPeer(ch Channel, req *Request) (interface{}, *Error) {
	var params rpcclient.PeerInfo
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.PeerID == "" || params.PeerTarget == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "peer_id and peer_target are required"}
	}
	if err := ch.AnnounceNewPeer(params); err != nil {
		return nil, channelError(err)
	}
	return ack, nil
}

func (s *Server) handleDeletePeer(ch Channel, req *Request) (interface{}, *Error) {
	var params rpcclient.DeletePeerRequest
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.PeerID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "peer_id is required"}
	}
	if err := ch.DeletePeer(params.PeerID); err != nil {
		return nil, channelError(err)
	}
	return ack, nil
}

// ── Blocks and transactions ─────────────────────────────────────────────

func (s *Server) handleAnnounceConfirmedBlock(ch Channel, req *Request) (interface{}, *Error) {
	var blk block.Block
	if err := parseParams(req, &blk); err != nil {
		return nil, err
	}
	if blk.Header == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "block header is required"}
	}
	if err := ch.AnnounceConfirmedBlock(&blk); err != nil {
		return nil, channelError(err)
	}
	return ack, nil
}

func (s *Server) handleAddTx(ch Channel, req *Request) (interface{}, *Error) {
	var tx block.Transaction
	if err := parseParams(req, &tx); err != nil {
		return nil, err
	}
	if tx.Hash.IsZero() {
		tx.Hash = tx.ComputeHash()
	}
	if tx.ComputeHash() != tx.Hash {
		return nil, &Error{Code: CodeInvalidParams, Message: "tx_hash does not match transaction contents"}
	}
	if err := ch.AddTx(&tx); err != nil {
		return nil, channelError(err)
	}
	return map[string]string{"tx_hash": tx.Hash.String()}, nil
}

func (s *Server) handleChangeBlockHash(ctx context.Context, ch Channel, req *Request) (interface{}, *Error) {
	var params rpcclient.ChangeBlockHashRequest
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	oldHash, err := types.HexToHash(params.OldBlockHash)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid oldBlockHash: %v", err)}
	}
	newHash, err := types.HexToHash(params.NewBlockHash)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid newBlockHash: %v", err)}
	}
	if err := ch.ChangeBlockHash(ctx, params.BlockHeight, oldHash, newHash); err != nil {
		return nil, channelError(err)
	}
	return ack, nil
}

// ── Operator ────────────────────────────────────────────────────────────

func (s *Server) handleResetTimer(ch Channel, req *Request) (interface{}, *Error) {
	var params ResetTimerParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Key == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "key is required"}
	}
	return &ResetTimerResult{Key: params.Key, Reset: ch.ResetTimer(params.Key)}, nil
}

func (s *Server) handleStop(ch Channel, req *Request) (interface{}, *Error) {
	var params StopParam
	if len(req.Params) > 0 {
		if err := parseParams(req, &params); err != nil {
			return nil, err
		}
	}
	if params.Message == "" {
		params.Message = "stopped over rpc"
	}
	if err := ch.Stop(params.Message); err != nil {
		return nil, channelError(err)
	}
	return ack, nil
}
