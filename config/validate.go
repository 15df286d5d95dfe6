package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var channelNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// Validate checks runtime node config for obvious operator mistakes.
// It normalizes channel names and fills derived defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{DefaultChannel}
	}
	seen := make(map[string]struct{}, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if !channelNameRe.MatchString(ch) {
			return fmt.Errorf("channels[%d] %q must match %s", i, ch, channelNameRe)
		}
		if _, ok := seen[ch]; ok {
			return fmt.Errorf("channels has duplicate channel %q", ch)
		}
		seen[ch] = struct{}{}
		cfg.Channels[i] = ch
	}

	switch cfg.Node.Type {
	case NodeVotes, NodeObserver:
	default:
		return fmt.Errorf("node.type must be %q or %q", NodeVotes, NodeObserver)
	}
	if cfg.Node.Target != "" {
		if _, _, err := net.SplitHostPort(cfg.Node.Target); err != nil {
			return fmt.Errorf("node.target must be host:port: %w", err)
		}
	}

	if cfg.RadioStation.Enabled && cfg.RadioStation.Target == "" {
		return fmt.Errorf("radiostation.target is required when radiostation.enabled")
	}
	if cfg.RadioStation.RetryTimes < 1 {
		return fmt.Errorf("radiostation.retry_times must be at least 1")
	}
	if cfg.RadioStation.Timeout <= 0 {
		return fmt.Errorf("radiostation.timeout must be positive")
	}

	if cfg.Engine.Endpoint == "" {
		return fmt.Errorf("engine.endpoint is required")
	}
	if cfg.Engine.LoadRetryTimes < 1 {
		return fmt.Errorf("engine.load_retry_times must be at least 1")
	}

	switch cfg.Election.Mode {
	case ElectionRegistry, ElectionAgreement:
	default:
		return fmt.Errorf("election.mode must be %q or %q", ElectionRegistry, ElectionAgreement)
	}
	switch cfg.Election.Announce {
	case AnnounceAuto, AnnounceAlways, AnnounceNever:
	default:
		return fmt.Errorf("election.announce must be auto, always, or never")
	}
	if cfg.Election.ComplainRatio <= 0 || cfg.Election.ComplainRatio > 1 {
		return fmt.Errorf("election.complain_ratio must be in (0, 1]")
	}
	if cfg.Election.ComplainTimeout <= 0 || cfg.Election.HeartbeatInterval <= 0 {
		return fmt.Errorf("election timeouts must be positive")
	}
	if cfg.Election.HeartbeatInterval >= cfg.Election.ComplainTimeout {
		return fmt.Errorf("election.heartbeat_interval must be shorter than election.complain_timeout")
	}

	if cfg.Timers.SubscribeRetry <= 0 || cfg.Timers.Shutdown <= 0 ||
		cfg.Timers.Freshness <= 0 || cfg.Timers.BlockInterval <= 0 {
		return fmt.Errorf("timer intervals must be positive")
	}
	if cfg.Timers.SubscribeRetryTimes < 1 {
		return fmt.Errorf("timers.subscribe_retry_times must be at least 1")
	}

	if cfg.Subscribe.Limit < 0 {
		return fmt.Errorf("subscribe.limit must not be negative")
	}

	switch cfg.Broadcast.Transport {
	case TransportRPC:
	case TransportGossip:
		if !cfg.P2P.Enabled {
			return fmt.Errorf("broadcast.transport=gossip requires p2p.enabled")
		}
	default:
		return fmt.Errorf("broadcast.transport must be %q or %q", TransportRPC, TransportGossip)
	}
	if cfg.Broadcast.Workers < 1 {
		return fmt.Errorf("broadcast.workers must be at least 1")
	}
	if cfg.Broadcast.Rate < 0 {
		return fmt.Errorf("broadcast.rate must not be negative")
	}

	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics.enabled")
	}

	return nil
}
