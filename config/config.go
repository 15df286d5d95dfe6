// Package config handles node configuration.
//
// A node runs one coordinator per channel. Settings here apply to every
// channel; the channel name is the only per-channel value.
package config

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// DefaultChannel is the channel a node joins when none is configured.
const DefaultChannel = "loopchain_default"

// NodeType is the participation mode of the node.
type NodeType string

const (
	NodeVotes    NodeType = "votes"    // Voting participant, may become leader
	NodeObserver NodeType = "observer" // Citizen, consumes blocks only
)

// ElectionMode selects the leader election strategy.
type ElectionMode string

const (
	ElectionRegistry  ElectionMode = "registry"  // Radio station arbitrates complaints
	ElectionAgreement ElectionMode = "agreement" // Peers vote on complaints
)

// AnnouncePolicy controls whether a leader reset to self is broadcast.
type AnnouncePolicy string

const (
	AnnounceAuto   AnnouncePolicy = "auto" // Broadcast unless ElectionAgreement is active
	AnnounceAlways AnnouncePolicy = "always"
	AnnounceNever  AnnouncePolicy = "never"
)

// BroadcastTransport selects how broadcasts reach peers.
type BroadcastTransport string

const (
	TransportRPC    BroadcastTransport = "rpc"
	TransportGossip BroadcastTransport = "gossip"
)

// =============================================================================
// Node Configuration
// =============================================================================

// Config holds node runtime configuration.
type Config struct {
	// Core
	DataDir  string   `conf:"datadir"`
	Channels []string `conf:"channels"`

	Node         NodeConfig
	RadioStation RadioStationConfig
	Engine       EngineConfig
	Election     ElectionConfig
	Timers       TimerConfig
	Subscribe    SubscribeConfig
	Broadcast    BroadcastConfig
	Genesis      GenesisConfig
	DB           DBConfig

	// Networking and services
	P2P     P2PConfig
	RPC     RPCConfig
	Metrics MetricsConfig

	// Logging
	Log LogConfig
}

// NodeConfig identifies this node within its channels.
type NodeConfig struct {
	Type            NodeType `conf:"node.type"`
	GroupID         string   `conf:"node.group_id"`
	Target          string   `conf:"node.target"`      // Advertised host:port; defaults to rpc addr:port
	RestTarget      string   `conf:"node.rest_target"` // Advertised REST host:port; defaults to Target
	KeyFile         string   `conf:"node.key"`
	KeyPasswordFile string   `conf:"node.key_password_file"`
}

// RadioStationConfig holds bootstrap registry settings.
type RadioStationConfig struct {
	Target            string        `conf:"radiostation.target"`
	Enabled           bool          `conf:"radiostation.enabled"`
	HTTPS             bool          `conf:"radiostation.https"`
	RetryTimes        int           `conf:"radiostation.retry_times"`
	Timeout           time.Duration `conf:"radiostation.timeout"`
	ReconnectInterval time.Duration `conf:"radiostation.reconnect_interval"`
}

// EngineConfig holds execution engine client settings.
type EngineConfig struct {
	Endpoint          string        `conf:"engine.endpoint"`
	Timeout           time.Duration `conf:"engine.timeout"`
	LoadRetryTimes    int           `conf:"engine.load_retry_times"`
	LoadRetryInterval time.Duration `conf:"engine.load_retry_interval"`
}

// ElectionConfig holds leader election settings.
type ElectionConfig struct {
	Mode              ElectionMode   `conf:"election.mode"`
	Announce          AnnouncePolicy `conf:"election.announce"`
	ComplainRatio     float64        `conf:"election.complain_ratio"`
	ComplainTimeout   time.Duration  `conf:"election.complain_timeout"`
	HeartbeatInterval time.Duration  `conf:"election.heartbeat_interval"`
}

// TimerConfig holds the channel's scheduled task intervals.
type TimerConfig struct {
	SubscribeRetry      time.Duration `conf:"timers.subscribe_retry"`
	SubscribeRetryTimes int           `conf:"timers.subscribe_retry_times"`
	Shutdown            time.Duration `conf:"timers.shutdown"`
	Freshness           time.Duration `conf:"timers.freshness"`
	BlockInterval       time.Duration `conf:"timers.block_interval"`
}

// SubscribeConfig holds inbound subscription settings.
type SubscribeConfig struct {
	Limit int `conf:"subscribe.limit"`
}

// BroadcastConfig holds broadcast fan-out settings.
type BroadcastConfig struct {
	Transport  BroadcastTransport `conf:"broadcast.transport"`
	Workers    int                `conf:"broadcast.workers"`
	Rate       float64            `conf:"broadcast.rate"` // messages per second, 0 = unlimited
	RetryTimes int                `conf:"broadcast.retry_times"`
}

// GenesisConfig holds block production settings for new channels.
type GenesisConfig struct {
	File            string `conf:"genesis.file"`
	AllowEmptyBlock bool   `conf:"genesis.allow_empty_block"`
}

// DBConfig holds block and peer-list storage settings.
type DBConfig struct {
	InMemory   bool `conf:"db.in_memory"` // Throwaway nodes only, nothing survives a restart
	SyncWrites bool `conf:"db.sync_writes"`
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"`
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// MetricsConfig holds Prometheus exporter settings.
type MetricsConfig struct {
	Enabled   bool   `conf:"metrics.enabled"`
	Addr      string `conf:"metrics.addr"`
	Namespace string `conf:"metrics.namespace"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// Votes reports whether the node is a voting participant.
func (c *Config) Votes() bool {
	return c.Node.Type == NodeVotes
}

// PeerTarget returns the host:port this node advertises to peers.
func (c *Config) PeerTarget() string {
	if c.Node.Target != "" {
		return c.Node.Target
	}
	return net.JoinHostPort(c.RPC.Addr, strconv.Itoa(c.RPC.Port))
}

// RestTarget returns the host:port advertised for REST calls.
func (c *Config) RestTarget() string {
	if c.Node.RestTarget != "" {
		return c.Node.RestTarget
	}
	return c.PeerTarget()
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.loopchain
//	macOS:   ~/Library/Application Support/Loopchain
//	Windows: %APPDATA%\Loopchain
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loopchain"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Loopchain")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Loopchain")
		}
		return filepath.Join(home, "AppData", "Roaming", "Loopchain")
	default:
		return filepath.Join(home, ".loopchain")
	}
}

// DBDir returns the block and peer-list database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.DataDir, "db")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.DataDir, "keystore")
}

// KeyFile returns the node signing key path.
func (c *Config) KeyFile() string {
	if c.Node.KeyFile != "" {
		return c.Node.KeyFile
	}
	return filepath.Join(c.KeystoreDir(), "node.key")
}

// P2PDir returns the libp2p identity directory.
func (c *Config) P2PDir() string {
	return filepath.Join(c.DataDir, "p2p")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "loopchain.conf")
}
