package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	klog "github.com/stjordanis/loopchain/internal/log"
)

// RadioStationClient talks to the bootstrap registry of a channel. The
// radio station is a node itself, so block and status queries reuse
// PeerClient.
type RadioStationClient struct {
	*PeerClient
	https      bool
	retryTimes int
	logger     zerolog.Logger
}

// NewRadioStationClient creates a client for the radio station at target.
func NewRadioStationClient(target, channel string, https bool, timeout time.Duration, retryTimes int) *RadioStationClient {
	if retryTimes < 1 {
		retryTimes = 1
	}
	return &RadioStationClient{
		PeerClient: NewPeerClient(target, channel, https, timeout),
		https:      https,
		retryTimes: retryTimes,
		logger:     klog.WithChannel("rpc", channel),
	}
}

// ConnectPeer registers this node and returns the current peer list
// dump. Unreachable errors are retried up to the configured count.
func (r *RadioStationClient) ConnectPeer(ctx context.Context, info PeerInfo) (*ConnectPeerReply, error) {
	req := ConnectPeerRequest{Channel: r.channel, Peer: info}
	var reply ConnectPeerReply

	var err error
	for attempt := 1; attempt <= r.retryTimes; attempt++ {
		err = r.node.CallContext(ctx, "node_ConnectPeer", req, &reply)
		if err == nil {
			return &reply, nil
		}
		if !errors.Is(err, ErrUnreachable) || ctx.Err() != nil {
			break
		}
		r.logger.Debug().Err(err).Int("attempt", attempt).Msg("Radio station connect failed")
	}
	return nil, fmt.Errorf("connect to radio station %s: %w", r.target, err)
}

// SubscribeREST registers for pushes over the v3 REST API. Used when
// the node API refuses node_Subscribe.
func (r *RadioStationClient) SubscribeREST(ctx context.Context, req SubscribeRequest) error {
	if req.Channel == "" {
		req.Channel = r.channel
	}
	return r.v3.CallContext(ctx, "node_Subscribe", req, nil)
}

// Complain reports a failed leader and returns the leader the radio
// station now recognizes.
func (r *RadioStationClient) Complain(ctx context.Context, req ComplainRequest) (string, error) {
	if req.Channel == "" {
		req.Channel = r.channel
	}
	var reply ComplainReply
	if err := r.node.CallContext(ctx, "node_ComplainLeader", req, &reply); err != nil {
		return "", err
	}
	return reply.LeaderID, nil
}

// LastBlockHeight returns the radio station's tip height, -1 when empty.
func (r *RadioStationClient) LastBlockHeight(ctx context.Context) (int64, error) {
	blk, err := r.LastBlock(ctx)
	if err != nil {
		return 0, err
	}
	if blk == nil {
		return -1, nil
	}
	return blk.Height(), nil
}
