package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	// Core
	case "datadir":
		cfg.DataDir = value
	case "channels", "channel":
		cfg.Channels = parseStringList(value)

	// Node
	case "node.type":
		cfg.Node.Type = NodeType(strings.ToLower(value))
	case "node.group_id":
		cfg.Node.GroupID = value
	case "node.target":
		cfg.Node.Target = value
	case "node.rest_target":
		cfg.Node.RestTarget = value
	case "node.key":
		cfg.Node.KeyFile = value
	case "node.key_password_file":
		cfg.Node.KeyPasswordFile = value

	// Radio station
	case "radiostation.target":
		cfg.RadioStation.Target = value
	case "radiostation.enabled", "radiostation":
		cfg.RadioStation.Enabled = parseBool(value)
	case "radiostation.https":
		cfg.RadioStation.HTTPS = parseBool(value)
	case "radiostation.retry_times":
		cfg.RadioStation.RetryTimes, err = strconv.Atoi(value)
	case "radiostation.timeout":
		cfg.RadioStation.Timeout, err = parseDuration(value)
	case "radiostation.reconnect_interval":
		cfg.RadioStation.ReconnectInterval, err = parseDuration(value)

	// Engine
	case "engine.endpoint":
		cfg.Engine.Endpoint = value
	case "engine.timeout":
		cfg.Engine.Timeout, err = parseDuration(value)
	case "engine.load_retry_times":
		cfg.Engine.LoadRetryTimes, err = strconv.Atoi(value)
	case "engine.load_retry_interval":
		cfg.Engine.LoadRetryInterval, err = parseDuration(value)

	// Election
	case "election.mode":
		cfg.Election.Mode = ElectionMode(strings.ToLower(value))
	case "election.announce":
		cfg.Election.Announce = AnnouncePolicy(strings.ToLower(value))
	case "election.complain_ratio":
		cfg.Election.ComplainRatio, err = strconv.ParseFloat(value, 64)
	case "election.complain_timeout":
		cfg.Election.ComplainTimeout, err = parseDuration(value)
	case "election.heartbeat_interval":
		cfg.Election.HeartbeatInterval, err = parseDuration(value)

	// Timers
	case "timers.subscribe_retry":
		cfg.Timers.SubscribeRetry, err = parseDuration(value)
	case "timers.subscribe_retry_times":
		cfg.Timers.SubscribeRetryTimes, err = strconv.Atoi(value)
	case "timers.shutdown":
		cfg.Timers.Shutdown, err = parseDuration(value)
	case "timers.freshness":
		cfg.Timers.Freshness, err = parseDuration(value)
	case "timers.block_interval":
		cfg.Timers.BlockInterval, err = parseDuration(value)

	// Subscribe / broadcast
	case "subscribe.limit":
		cfg.Subscribe.Limit, err = strconv.Atoi(value)
	case "broadcast.transport":
		cfg.Broadcast.Transport = BroadcastTransport(strings.ToLower(value))
	case "broadcast.workers":
		cfg.Broadcast.Workers, err = strconv.Atoi(value)
	case "broadcast.rate":
		cfg.Broadcast.Rate, err = strconv.ParseFloat(value, 64)
	case "broadcast.retry_times":
		cfg.Broadcast.RetryTimes, err = strconv.Atoi(value)

	// Genesis
	case "genesis.file":
		cfg.Genesis.File = value
	case "genesis.allow_empty_block":
		cfg.Genesis.AllowEmptyBlock = parseBool(value)

	// Storage
	case "db.in_memory":
		cfg.DB.InMemory = parseBool(value)
	case "db.sync_writes":
		cfg.DB.SyncWrites = parseBool(value)

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		cfg.P2P.Port, err = strconv.Atoi(value)
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		cfg.P2P.MaxPeers, err = strconv.Atoi(value)
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)
	case "p2p.dhtserver":
		cfg.P2P.DHTServer = parseBool(value)

	// RPC
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		cfg.RPC.Port, err = strconv.Atoi(value)
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	// Metrics
	case "metrics.enabled", "metrics":
		cfg.Metrics.Enabled = parseBool(value)
	case "metrics.addr":
		cfg.Metrics.Addr = value
	case "metrics.namespace":
		cfg.Metrics.Namespace = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

// parseDuration accepts Go duration strings ("5s", "1m30s") or a bare
// number of seconds ("5", "0.5").
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string) error {
	content := `# Loopchain Node Configuration
#
# Settings apply to every channel this node joins.

# Data directory (default: ~/.loopchain)
# datadir = ~/.loopchain

# Channels to join (comma-separated)
channels = ` + DefaultChannel + `

# ============================================================================
# Node
# ============================================================================

# votes: voting participant that may lead; observer: citizen node
node.type = votes
# node.group_id =
# Advertised host:port (default: rpc.addr:rpc.port)
# node.target = 10.0.0.5:9100
# node.key = ~/.loopchain/keystore/node.key
# node.key_password_file =

# ============================================================================
# Radio Station (bootstrap registry)
# ============================================================================

radiostation.enabled = true
radiostation.target = 127.0.0.1:7102
# radiostation.https = false
radiostation.retry_times = 5
radiostation.timeout = 5s
radiostation.reconnect_interval = 60s

# ============================================================================
# Execution Engine
# ============================================================================

engine.endpoint = http://127.0.0.1:9000
engine.timeout = 30s
engine.load_retry_times = 3
engine.load_retry_interval = 3s

# ============================================================================
# Leader Election
# ============================================================================

# registry: radio station arbitrates; agreement: peers vote on complaints
election.mode = registry
# Broadcast a leader reset to self: auto, always, never
election.announce = auto
election.complain_ratio = 0.51
election.complain_timeout = 30s
election.heartbeat_interval = 10s

# ============================================================================
# Timers
# ============================================================================

timers.subscribe_retry = 5s
timers.subscribe_retry_times = 10
timers.shutdown = 300s
timers.freshness = 30s
timers.block_interval = 1s

# ============================================================================
# Subscriptions and Broadcast
# ============================================================================

subscribe.limit = 20
# rpc or gossip (gossip requires p2p.enabled)
broadcast.transport = rpc
broadcast.workers = 8
# broadcast.rate = 0
broadcast.retry_times = 3

# ============================================================================
# Genesis
# ============================================================================

# genesis.file = ~/.loopchain/genesis.json
genesis.allow_empty_block = true

# ============================================================================
# Storage
# ============================================================================

# db.in_memory = false
db.sync_writes = true

# ============================================================================
# P2P Network
# ============================================================================

p2p.enabled = false
p2p.listen = 0.0.0.0
p2p.port = 7100
p2p.maxpeers = 50
# p2p.seeds = /ip4/203.0.113.1/tcp/7100/p2p/12D3KooW...
# p2p.nodiscover = false
# p2p.dhtserver = false

# ============================================================================
# RPC Server
# ============================================================================

rpc.addr = 127.0.0.1
rpc.port = 9100
# rpc.allowed = 127.0.0.1
# rpc.cors = http://localhost:3000

# ============================================================================
# Metrics
# ============================================================================

metrics.enabled = false
metrics.addr = 127.0.0.1:9200
metrics.namespace = loopchain

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
