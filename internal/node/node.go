// Package node wires a loopchain process: storage, the signing key, the
// p2p host, the RPC server, metrics and one channel coordinator per
// configured channel. It can be embedded in any binary.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/internal/broadcast"
	"github.com/stjordanis/loopchain/internal/channel"
	klog "github.com/stjordanis/loopchain/internal/log"
	"github.com/stjordanis/loopchain/internal/p2p"
	"github.com/stjordanis/loopchain/internal/rpc"
	"github.com/stjordanis/loopchain/internal/storage"
	"github.com/stjordanis/loopchain/pkg/crypto"
)

const (
	// gossipDeliverTimeout bounds the dispatch of one gossiped envelope.
	gossipDeliverTimeout = 5 * time.Second

	gcInterval     = 10 * time.Minute
	gcDiscardRatio = 0.5
)

var _ rpc.Channel = (*channel.Coordinator)(nil)

// Node is a fully-initialized loopchain node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db  storage.DB
	key *crypto.PrivateKey

	// Channels
	names    []string
	channels map[string]*channel.Coordinator

	mu      sync.Mutex
	running map[string]struct{}

	// Networking
	p2pNode   *p2p.Node
	rpcServer *rpc.Server

	// Metrics
	metricsServer    *http.Server
	channelMetrics   func(channel string) *channel.Metrics
	broadcastMetrics func(channel string) *broadcast.Metrics

	// Lifecycle
	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
	stopErr  error
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, genesis, key, storage, P2P, RPC, channels) but does NOT join
// the network. Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/loopchain.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 2. Genesis ──────────────────────────────────────────────────
	genesis, err := cfg.GenesisFor()
	if err != nil {
		return nil, fmt.Errorf("load genesis: %w", err)
	}

	logger.Info().
		Strs("channels", cfg.Channels).
		Str("node_type", string(cfg.Node.Type)).
		Str("election", string(cfg.Election.Mode)).
		Str("target", cfg.PeerTarget()).
		Msg("Starting loopchain node")

	// ── 3. Signing key ──────────────────────────────────────────────
	key, created, err := loadKey(cfg)
	if err != nil {
		return nil, fmt.Errorf("load node key %s: %w", cfg.KeyFile(), err)
	}
	if created {
		logger.Warn().Str("path", cfg.KeyFile()).Msg("No node key found, generated a new one")
	}
	logger.Info().Str("peer_id", key.PeerID()).Msg("Node key loaded")

	// ── 4. Open storage ─────────────────────────────────────────────
	db, err := openDB(cfg)
	if err != nil {
		key.Zero()
		return nil, fmt.Errorf("open database at %s: %w", cfg.DBDir(), err)
	}
	if cfg.DB.InMemory {
		logger.Warn().Msg("Using in-memory database, blocks are lost on exit")
	} else {
		logger.Info().Str("path", cfg.DBDir()).Bool("sync_writes", cfg.DB.SyncWrites).Msg("Database opened")
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:              cfg,
		genesis:          genesis,
		logger:           logger,
		db:               db,
		key:              key,
		channels:         make(map[string]*channel.Coordinator),
		running:          make(map[string]struct{}),
		channelMetrics:   func(string) *channel.Metrics { return channel.NopMetrics() },
		broadcastMetrics: func(string) *broadcast.Metrics { return broadcast.NopMetrics() },
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
	}

	// ── 5. Metrics ──────────────────────────────────────────────────
	if cfg.Metrics.Enabled {
		n.channelMetrics = channel.PrometheusMetricsProvider(cfg.Metrics.Namespace)
		n.broadcastMetrics = broadcast.PrometheusMetricsProvider(cfg.Metrics.Namespace)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		n.metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	// ── 6. P2P ──────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		n.p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DHTServer:  cfg.P2P.DHTServer,
			DataDir:    cfg.P2PDir(),
		})
		n.p2pNode.SetPeerConnectedHandler(n.syncChannels)
		if err := n.p2pNode.Start(); err != nil {
			n.close()
			return nil, fmt.Errorf("start P2P: %w", err)
		}
		logger.Info().
			Str("id", n.p2pNode.ID().String()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("P2P node started")
	} else if cfg.Broadcast.Transport == config.TransportGossip {
		logger.Warn().Msg("Gossip broadcast requested but P2P is disabled; falling back to RPC")
	}

	// ── 7. RPC server ───────────────────────────────────────────────
	rpcAddr := net.JoinHostPort(cfg.RPC.Addr, fmt.Sprint(cfg.RPC.Port))
	n.rpcServer = rpc.New(rpcAddr, cfg.RPC)

	// ── 8. Channels ─────────────────────────────────────────────────
	for _, name := range cfg.Channels {
		if _, dup := n.channels[name]; dup {
			continue
		}
		coord := n.newChannel(name)
		n.names = append(n.names, name)
		n.channels[name] = coord
		n.running[name] = struct{}{}
		n.rpcServer.AddChannel(name, coord)

		if n.p2pNode != nil {
			if err := n.p2pNode.JoinChannel(name, n.gossipHandler); err != nil {
				logger.Warn().Err(err).Str("channel", name).Msg("Failed to join channel topic")
			}
		}
	}
	if len(n.names) == 0 {
		n.close()
		return nil, fmt.Errorf("no channels configured")
	}

	return n, nil
}

// gossipHandler feeds envelopes received on a channel topic into the same
// dispatcher the node API uses.
func (n *Node) gossipHandler(from peer.ID, env *p2p.Envelope) {
	ctx, cancel := context.WithTimeout(n.ctx, gossipDeliverTimeout)
	defer cancel()
	if err := n.rpcServer.Deliver(ctx, env.Channel, env.Method, env.Params); err != nil {
		n.logger.Debug().
			Err(err).
			Str("from", from.String()).
			Str("channel", env.Channel).
			Str("method", env.Method).
			Msg("Gossip message rejected")
	}
}

// Start opens the RPC and metrics listeners, bootstraps every channel
// concurrently, then runs their event loops. A channel that fails to
// bootstrap fails the whole start.
func (n *Node) Start() error {
	if err := n.rpcServer.Start(); err != nil {
		return fmt.Errorf("start RPC: %w", err)
	}

	if n.metricsServer != nil {
		ln, err := net.Listen("tcp", n.metricsServer.Addr)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		go func() {
			if err := n.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error().Err(err).Msg("Metrics server error")
			}
		}()
		n.logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")
	}

	g, gctx := errgroup.WithContext(n.ctx)
	for _, name := range n.names {
		coord := n.channels[name]
		g.Go(func() error {
			return coord.Init(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("init channels: %w", err)
	}

	for _, name := range n.names {
		n.channels[name].Start()
	}

	if gc, ok := n.db.(valueLogGC); ok {
		n.wg.Add(1)
		go n.gcLoop(gc)
	}

	n.started.Store(true)
	n.logger.Info().
		Strs("channels", n.names).
		Str("rpc", n.rpcServer.Addr()).
		Msg("Node started successfully")
	return nil
}

// syncChannels asks every running channel to compare heights with its
// sync target. Runs when a gossip peer connects.
func (n *Node) syncChannels() {
	if !n.started.Load() {
		return
	}
	for _, name := range n.Channels() {
		coord, ok := n.Channel(name)
		if !ok {
			continue
		}
		if err := coord.BlockHeightSync(); err != nil {
			n.logger.Debug().Err(err).Str("channel", name).Msg("Height sync not scheduled")
		}
	}
}

// channelStopped runs when a channel shuts itself down. The node keeps
// serving its other channels and closes Done once none is left.
func (n *Node) channelStopped(name string, cause error) {
	n.logger.Warn().Err(cause).Str("channel", name).Msg("Channel stopped")

	n.rpcServer.RemoveChannel(name)
	if n.p2pNode != nil {
		n.p2pNode.LeaveChannel(name)
	}
	if err := n.channels[name].Cleanup(); err != nil {
		n.logger.Warn().Err(err).Str("channel", name).Msg("Channel cleanup failed")
	}

	n.mu.Lock()
	delete(n.running, name)
	left := len(n.running)
	n.mu.Unlock()

	if left == 0 {
		n.logger.Warn().Msg("No channels left running")
		n.doneOnce.Do(func() { close(n.done) })
	}
}

type valueLogGC interface {
	RunGC(discardRatio float64) error
}

// gcLoop reclaims value log space while the node runs.
func (n *Node) gcLoop(gc valueLogGC) {
	defer n.wg.Done()
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := gc.RunGC(gcDiscardRatio); err != nil {
				n.logger.Warn().Err(err).Msg("Value log GC failed")
			}
		}
	}
}

// Done is closed once every channel has shut itself down.
func (n *Node) Done() <-chan struct{} { return n.done }

// Stop performs graceful shutdown in reverse order: channels, RPC,
// metrics, P2P, key, database. Safe to call twice.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.cancel()

		var result *multierror.Error
		for i := len(n.names) - 1; i >= 0; i-- {
			name := n.names[i]
			if err := n.channels[name].Cleanup(); err != nil {
				result = multierror.Append(result, fmt.Errorf("channel %s: %w", name, err))
			}
		}
		n.wg.Wait()
		result = multierror.Append(result, n.closeServices())
		n.stopErr = result.ErrorOrNil()

		n.doneOnce.Do(func() { close(n.done) })
		n.logger.Info().Msg("Goodbye!")
	})
	return n.stopErr
}

// close tears down whatever New managed to build before failing.
func (n *Node) close() {
	n.cancel()
	if err := n.closeServices(); err != nil {
		n.logger.Warn().Err(err).Msg("Partial shutdown failed")
	}
}

func (n *Node) closeServices() error {
	var result *multierror.Error
	if n.rpcServer != nil {
		if err := n.rpcServer.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("rpc: %w", err))
		}
	}
	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.metricsServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics: %w", err))
		}
		cancel()
	}
	if n.p2pNode != nil {
		if err := n.p2pNode.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("p2p: %w", err))
		}
	}
	if n.key != nil {
		n.key.Zero()
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("database: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	return n.rpcServer.Addr()
}

// PeerID returns this node's peer id.
func (n *Node) PeerID() string {
	return n.key.PeerID()
}

// Channel returns the coordinator serving name.
func (n *Node) Channel(name string) (*channel.Coordinator, bool) {
	c, ok := n.channels[name]
	return c, ok
}

// Channels returns the names of the channels still running, sorted.
func (n *Node) Channels() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.running))
	for name := range n.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
