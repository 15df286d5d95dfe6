// Package subscriber is the observer side of the block push channel: it
// opens a websocket to a node and hands every pushed block to a callback.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	klog "github.com/stjordanis/loopchain/internal/log"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/pkg/block"
)

// Push methods sent by the server.
const (
	MethodPublishNewBlock  = "node_ws_PublishNewBlock"
	MethodPublishHeartbeat = "node_ws_PublishHeartbeat"
	MethodClose            = "node_ws_Close"
)

// Message is one frame of the push channel.
type Message struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// BlockParams carries a pushed block.
type BlockParams struct {
	Block *block.Block `json:"block"`
}

// CloseParams carries the server's reason for ending the session.
type CloseParams struct {
	Error string `json:"error"`
}

// Path returns the websocket path of a channel's push endpoint.
func Path(channel string) string {
	return "/api/ws/" + channel
}

const (
	defaultReadWait  = 60 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Subscriber opens push subscriptions to one node.
type Subscriber struct {
	target   string
	channel  string
	peerID   string
	https    bool
	readWait time.Duration
	dialer   *websocket.Dialer
	logger   zerolog.Logger
}

// New creates a subscriber for the node at target. readWait bounds the
// silence between frames; the server pings well within it.
func New(target, channel, peerID string, https bool, readWait time.Duration) *Subscriber {
	if readWait <= 0 {
		readWait = defaultReadWait
	}
	return &Subscriber{
		target:   target,
		channel:  channel,
		peerID:   peerID,
		https:    https,
		readWait: readWait,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		logger: klog.WithChannel("peer", channel),
	}
}

// URL returns the websocket URL for a subscription starting after height.
func (s *Subscriber) URL(height int64) string {
	base := rpcclient.BaseURL(s.target, s.https)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	default:
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("height", strconv.FormatInt(height, 10))
	if s.peerID != "" {
		q.Set("peer_id", s.peerID)
	}
	return base + Path(s.channel) + "?" + q.Encode()
}

// Subscribe connects, calls onEstablished once the handshake succeeds,
// then delivers pushed blocks to onBlock until the connection ends. It
// blocks for the life of the subscription.
//
// A refused handshake (404, 426) returns rpcclient.ErrNotImplemented. A
// dial failure or a dropped connection returns rpcclient.ErrUnreachable.
// Cancelling ctx returns ctx.Err().
func (s *Subscriber) Subscribe(ctx context.Context, height int64, onBlock func(*block.Block) error, onEstablished func()) error {
	u := s.URL(height)
	conn, resp, err := s.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUpgradeRequired) {
			return fmt.Errorf("%w: websocket handshake status %d", rpcclient.ErrNotImplemented, resp.StatusCode)
		}
		return fmt.Errorf("%w: dial %s: %v", rpcclient.ErrUnreachable, u, err)
	}
	defer conn.Close()

	s.logger.Info().Str("target", s.target).Int64("height", height).Msg("Push subscription established")
	if onEstablished != nil {
		onEstablished()
	}

	// Close the connection when ctx ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(s.readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(s.readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: push channel: %v", rpcclient.ErrUnreachable, err)
		}
		conn.SetReadDeadline(time.Now().Add(s.readWait))

		switch msg.Method {
		case MethodPublishNewBlock:
			var p BlockParams
			if err := json.Unmarshal(msg.Params, &p); err != nil || p.Block == nil || p.Block.Header == nil {
				s.logger.Warn().Err(err).Msg("Malformed pushed block")
				continue
			}
			if err := onBlock(p.Block); err != nil {
				return fmt.Errorf("apply pushed block %d: %w", p.Block.Height(), err)
			}
		case MethodPublishHeartbeat:
		case MethodClose:
			var p CloseParams
			json.Unmarshal(msg.Params, &p)
			return fmt.Errorf("%w: closed by server: %s", rpcclient.ErrUnreachable, p.Error)
		default:
			s.logger.Debug().Str("method", msg.Method).Msg("Unknown push message")
		}
	}
}
