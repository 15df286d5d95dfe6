package node

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/internal/broadcast"
	"github.com/stjordanis/loopchain/internal/chain"
	"github.com/stjordanis/loopchain/internal/channel"
	"github.com/stjordanis/loopchain/internal/keystore"
	"github.com/stjordanis/loopchain/internal/mempool"
	"github.com/stjordanis/loopchain/internal/p2p"
	"github.com/stjordanis/loopchain/internal/peer"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/internal/storage"
	"github.com/stjordanis/loopchain/internal/subscriber"
	"github.com/stjordanis/loopchain/pkg/crypto"
)

// channelPlaceholder in engine.endpoint is replaced by the channel name,
// so each channel can reach its own engine.
const channelPlaceholder = "{channel}"

// newChannel builds the coordinator for one channel and its
// collaborators. Nothing is started.
func (n *Node) newChannel(name string) *channel.Coordinator {
	cfg := n.cfg
	db := storage.ForChannel(n.db, name)

	dialer := rpcclient.Dialer{
		Channel: name,
		HTTPS:   cfg.RadioStation.HTTPS,
		Timeout: cfg.RadioStation.Timeout,
	}

	var transport broadcast.Transport
	if cfg.Broadcast.Transport == config.TransportGossip && n.p2pNode != nil {
		transport = p2p.NewGossipTransport(n.p2pNode, name)
	} else {
		transport = broadcast.NewPeerRPCTransport(dialer, broadcast.RPCOptions{
			Workers:    cfg.Broadcast.Workers,
			Rate:       cfg.Broadcast.Rate,
			RetryTimes: cfg.Broadcast.RetryTimes,
		})
	}

	ctx := &channel.Context{
		Channel:    name,
		PeerID:     n.key.PeerID(),
		PubKey:     n.key.PublicKeyHex(),
		GroupID:    cfg.Node.GroupID,
		PeerTarget: cfg.PeerTarget(),
		RestTarget: cfg.RestTarget(),
		NodeType:   cfg.Node.Type,
	}

	ccfg := channel.Config{
		Context:     ctx,
		Key:         n.key,
		Genesis:     n.genesis,
		Settings:    channel.SettingsFromConfig(cfg),
		Registry:    peer.NewRegistry(name),
		PeerStore:   peer.NewStore(db),
		Engine:      rpcclient.NewEngineClient(engineEndpoint(cfg.Engine.Endpoint, name), cfg.Engine.Timeout),
		Broadcaster: broadcast.New(name, transport, broadcast.Options{}, n.broadcastMetrics(name)),
		Dialer: channel.DialerFunc(func(target string) channel.PeerClient {
			return dialer.Dial(target)
		}),
		Pool: mempool.New(0),
		OpenStore: func() (channel.BlockStore, error) {
			return chain.NewBlockStore(db)
		},
		Metrics: n.channelMetrics(name),
		OnStop: func(cause error) {
			n.channelStopped(name, cause)
		},
	}

	if cfg.RadioStation.Enabled && cfg.RadioStation.Target != "" {
		ctx.RadioStationTarget = cfg.RadioStation.Target
		ccfg.RadioStation = rpcclient.NewRadioStationClient(
			cfg.RadioStation.Target, name,
			cfg.RadioStation.HTTPS, cfg.RadioStation.Timeout, cfg.RadioStation.RetryTimes)
		if !cfg.Votes() {
			ccfg.Observer = subscriber.New(cfg.RadioStation.Target, name, ctx.PeerID, cfg.RadioStation.HTTPS, 0)
		}
	}

	return channel.New(ccfg)
}

// openDB opens the node database shared by every channel.
func openDB(cfg *config.Config) (storage.DB, error) {
	switch {
	case cfg.DB.InMemory:
		return storage.NewMemory(), nil
	case cfg.DB.SyncWrites:
		return storage.NewBadger(expandHome(cfg.DBDir()))
	default:
		return storage.NewBadgerNoSync(expandHome(cfg.DBDir()))
	}
}

// engineEndpoint resolves the engine URL for a channel.
func engineEndpoint(endpoint, channel string) string {
	return strings.ReplaceAll(endpoint, channelPlaceholder, channel)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadKey opens the node key, generating one on first start.
func loadKey(cfg *config.Config) (*crypto.PrivateKey, bool, error) {
	password, err := keystore.ReadPassword(expandHome(cfg.Node.KeyPasswordFile))
	if err != nil {
		return nil, false, err
	}
	return keystore.LoadOrGenerate(expandHome(cfg.KeyFile()), password, keystore.DefaultParams())
}
