package p2p

import (
	"encoding/json"
	"fmt"
)

// ChannelTopic returns the GossipSub topic carrying a channel's broadcasts.
func ChannelTopic(channel string) string {
	return fmt.Sprintf("/loopchain/%s/broadcast/1.0.0", channel)
}

// maxMessageSize bounds a single gossip message. Confirmed blocks are the
// largest broadcasts.
const maxMessageSize = 4 << 20

// Envelope is one broadcast on a channel topic: the JSON-RPC method the
// receiving node dispatches to, and its params.
type Envelope struct {
	Channel string          `json:"channel"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}
