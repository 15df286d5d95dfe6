package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stjordanis/loopchain/pkg/block"
)

// PeerClient talks to another node's channel API.
type PeerClient struct {
	target  string
	channel string
	node    *Client // /api/node/<channel>
	v3      *Client // /api/v3/<channel>
	status  string  // /api/v1/status/peer
}

// Dialer builds PeerClients for one channel.
type Dialer struct {
	Channel string
	HTTPS   bool
	Timeout time.Duration
}

// Dial returns a client for target. No connection is made until the first call.
func (d Dialer) Dial(target string) *PeerClient {
	return NewPeerClient(target, d.Channel, d.HTTPS, d.Timeout)
}

// NewPeerClient creates a client for the channel API served at target.
func NewPeerClient(target, channel string, https bool, timeout time.Duration) *PeerClient {
	return &PeerClient{
		target:  target,
		channel: channel,
		node:    NewWithTimeout(Endpoint(target, APINode, channel, https), timeout),
		v3:      NewWithTimeout(Endpoint(target, APIv3, channel, https), timeout),
		status:  BaseURL(target, https) + "/api/v1/status/peer?channel=" + channel,
	}
}

// Target returns the peer's host:port.
func (p *PeerClient) Target() string { return p.target }

// Subscribe asks the peer to push to req.PeerTarget.
func (p *PeerClient) Subscribe(ctx context.Context, req SubscribeRequest) error {
	if req.Channel == "" {
		req.Channel = p.channel
	}
	return p.node.CallContext(ctx, "node_Subscribe", req, nil)
}

// Unsubscribe removes req.PeerTarget from the peer's audience.
func (p *PeerClient) Unsubscribe(ctx context.Context, req SubscribeRequest) error {
	if req.Channel == "" {
		req.Channel = p.channel
	}
	return p.node.CallContext(ctx, "node_Unsubscribe", req, nil)
}

// Status returns the peer's channel status. Uses node_GetStatus and
// falls back to the REST status endpoint.
func (p *PeerClient) Status(ctx context.Context) (*StatusReply, error) {
	var st StatusReply
	err := p.node.CallContext(ctx, "node_GetStatus", map[string]string{"channel": p.channel}, &st)
	if errors.Is(err, ErrNotImplemented) {
		err = p.node.Get(ctx, p.status, &st)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Height returns the peer's block height, -1 when it has no blocks.
func (p *PeerClient) Height(ctx context.Context) (int64, error) {
	st, err := p.Status(ctx)
	if err != nil {
		return 0, err
	}
	return st.BlockHeight, nil
}

// BlockByHeight fetches one block. Uses node_GetBlockByHeight and falls
// back to icx_getBlockByHeight on nodes that lack it.
func (p *PeerClient) BlockByHeight(ctx context.Context, height int64) (*block.Block, error) {
	var blk block.Block
	req := BlockHeightRequest{Channel: p.channel, Height: height}
	err := p.node.CallContext(ctx, "node_GetBlockByHeight", req, &blk)
	if errors.Is(err, ErrNotImplemented) {
		err = p.v3.CallContext(ctx, "icx_getBlockByHeight", req, &blk)
	}
	if err != nil {
		return nil, err
	}
	if blk.Header == nil {
		return nil, fmt.Errorf("block %d: empty reply", height)
	}
	return &blk, nil
}

// LastBlock returns the peer's tip via icx_getLastBlock. Returns nil
// when the peer has no blocks.
func (p *PeerClient) LastBlock(ctx context.Context) (*block.Block, error) {
	var blk *block.Block
	if err := p.v3.CallContext(ctx, "icx_getLastBlock", map[string]string{"channel": p.channel}, &blk); err != nil {
		return nil, err
	}
	if blk == nil || blk.Header == nil {
		return nil, nil
	}
	return blk, nil
}

// Notify posts a one-way broadcast message. The result is discarded.
func (p *PeerClient) Notify(ctx context.Context, method string, params interface{}) error {
	return p.node.CallContext(ctx, method, params, nil)
}

// Close releases pooled connections.
func (p *PeerClient) Close() {
	p.node.CloseIdleConnections()
	p.v3.CloseIdleConnections()
}
