package p2p

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stjordanis/loopchain/internal/broadcast"
)

// GossipTransport delivers channel broadcasts over the channel's GossipSub
// topic. The topic reaches every subscribed node, so the audience list
// is not consulted.
type GossipTransport struct {
	node    *Node
	channel string
}

// NewGossipTransport creates a broadcast transport for channel. The node
// must have joined the channel.
func NewGossipTransport(node *Node, channel string) *GossipTransport {
	return &GossipTransport{node: node, channel: channel}
}

// Deliver publishes msg once on the channel topic.
func (g *GossipTransport) Deliver(ctx context.Context, _ []string, msg broadcast.Message) error {
	params, err := json.Marshal(msg.Params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", msg.Method, err)
	}
	return g.node.Publish(ctx, &Envelope{
		Channel: g.channel,
		Method:  msg.Method,
		Params:  params,
	})
}

// Close is a no-op. The topic belongs to the node.
func (g *GossipTransport) Close() error { return nil }
