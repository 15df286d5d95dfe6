package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/internal/broadcast"
	"github.com/stjordanis/loopchain/internal/consensus"
	klog "github.com/stjordanis/loopchain/internal/log"
	"github.com/stjordanis/loopchain/internal/peer"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/internal/timer"
	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/crypto"
	"github.com/stjordanis/loopchain/pkg/types"
)

// ErrSubscriberAhead is returned by WaitNewBlock when the subscriber
// claims a height above the local tip.
var ErrSubscriberAhead = errors.New("announced block height is lower than subscriber's")

// Settings are the channel's tunables.
type Settings struct {
	ElectionMode      config.ElectionMode
	Announce          config.AnnouncePolicy
	ComplainRatio     float64
	ComplainTimeout   time.Duration
	HeartbeatInterval time.Duration

	SubscribeRetry      time.Duration
	SubscribeRetryTimes int
	Shutdown            time.Duration
	Freshness           time.Duration
	ReconnectInterval   time.Duration
	SubscribeLimit      int

	BlockInterval   time.Duration
	AllowEmptyBlock bool
	MaxTxsPerBlock  int

	PeerTimeout             time.Duration
	EngineTimeout           time.Duration
	EngineLoadRetryTimes    int
	EngineLoadRetryInterval time.Duration
}

// SettingsFromConfig extracts channel settings from the node config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		ElectionMode:            cfg.Election.Mode,
		Announce:                cfg.Election.Announce,
		ComplainRatio:           cfg.Election.ComplainRatio,
		ComplainTimeout:         cfg.Election.ComplainTimeout,
		HeartbeatInterval:       cfg.Election.HeartbeatInterval,
		SubscribeRetry:          cfg.Timers.SubscribeRetry,
		SubscribeRetryTimes:     cfg.Timers.SubscribeRetryTimes,
		Shutdown:                cfg.Timers.Shutdown,
		Freshness:               cfg.Timers.Freshness,
		ReconnectInterval:       cfg.RadioStation.ReconnectInterval,
		SubscribeLimit:          cfg.Subscribe.Limit,
		BlockInterval:           cfg.Timers.BlockInterval,
		AllowEmptyBlock:         cfg.Genesis.AllowEmptyBlock,
		PeerTimeout:             cfg.RadioStation.Timeout,
		EngineTimeout:           cfg.Engine.Timeout,
		EngineLoadRetryTimes:    cfg.Engine.LoadRetryTimes,
		EngineLoadRetryInterval: cfg.Engine.LoadRetryInterval,
	}
}

func (s *Settings) applyDefaults() {
	if s.ElectionMode == "" {
		s.ElectionMode = config.ElectionRegistry
	}
	if s.Announce == "" {
		s.Announce = config.AnnounceAuto
	}
	if s.ComplainRatio <= 0 {
		s.ComplainRatio = consensus.DefaultComplainRatio
	}
	if s.ComplainTimeout <= 0 {
		s.ComplainTimeout = 30 * time.Second
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 10 * time.Second
	}
	if s.SubscribeRetry <= 0 {
		s.SubscribeRetry = 5 * time.Second
	}
	if s.SubscribeRetryTimes <= 0 {
		s.SubscribeRetryTimes = 10
	}
	if s.Shutdown <= 0 {
		s.Shutdown = 300 * time.Second
	}
	if s.Freshness <= 0 {
		s.Freshness = 30 * time.Second
	}
	if s.ReconnectInterval <= 0 {
		s.ReconnectInterval = 60 * time.Second
	}
	if s.SubscribeLimit <= 0 {
		s.SubscribeLimit = 20
	}
	if s.BlockInterval <= 0 {
		s.BlockInterval = time.Second
	}
	if s.PeerTimeout <= 0 {
		s.PeerTimeout = 5 * time.Second
	}
	if s.EngineTimeout <= 0 {
		s.EngineTimeout = 30 * time.Second
	}
	if s.EngineLoadRetryTimes <= 0 {
		s.EngineLoadRetryTimes = 3
	}
	if s.EngineLoadRetryInterval <= 0 {
		s.EngineLoadRetryInterval = 3 * time.Second
	}
}

// Config wires a coordinator to its collaborators. RadioStation and
// Observer may be nil.
type Config struct {
	Context  *Context
	Key      *crypto.PrivateKey
	Genesis  *config.Genesis
	Settings Settings
	Clock    clock.Clock

	Registry     PeerRegistry
	PeerStore    PeerListStore
	Engine       Engine
	Broadcaster  Broadcaster
	RadioStation RadioStation
	Dialer       PeerDialer
	Observer     ObserverSubscriber
	Pool         TxPool
	OpenStore    func() (BlockStore, error)
	Metrics      *Metrics

	// OnStop is called once when the channel shuts itself down.
	OnStop func(cause error)
}

// Coordinator owns one channel: its state machine, loop, timers and
// collaborators. State changes happen only on the loop; queries read
// lock-protected snapshots.
type Coordinator struct {
	ctx     *Context
	cfg     Config
	set     Settings
	metrics *Metrics
	logger  atomic.Pointer[zerolog.Logger]

	loop     *Loop
	sm       *StateMachine
	timers   *timer.Service
	clock    clock.Clock
	pipeline *Pipeline
	election Election
	tracker  *consensus.LeaderTracker
	gen      Agreement

	registry PeerRegistry
	peers    PeerListStore
	bcast    Broadcaster
	rs       RadioStation
	dialer   PeerDialer
	observer ObserverSubscriber
	pool     TxPool

	storeMu sync.RWMutex
	store   BlockStore

	// Owned by the loop.
	epoch             *consensus.Epoch
	subscribeFailures int
	observerCancel    context.CancelFunc
	observerGen       uint64

	snapMu   sync.RWMutex
	snapshot epochSnapshot

	subsMu      sync.Mutex
	subscribers map[string]struct{}

	blockMu  sync.Mutex
	newBlock chan struct{}

	baseCtx     context.Context
	cancel      context.CancelFunc
	stopOnce    sync.Once
	cleanupOnce sync.Once
	cleanupErr  error
}

type epochSnapshot struct {
	height     int64
	leader     string
	complaints int
}

// New builds a coordinator. Call Init, then Start.
func New(cfg Config) *Coordinator {
	set := cfg.Settings
	set.applyDefaults()
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		ctx:         cfg.Context,
		cfg:         cfg,
		set:         set,
		metrics:     metrics,
		loop:        NewLoop(cfg.Context.Channel),
		sm:          NewStateMachine(cfg.Context.Channel, metrics),
		clock:       clk,
		pipeline:    NewPipeline(cfg.Context.Channel, cfg.Engine, set.EngineTimeout, metrics),
		tracker:     consensus.NewLeaderTracker(clk),
		registry:    cfg.Registry,
		peers:       cfg.PeerStore,
		bcast:       cfg.Broadcaster,
		rs:          cfg.RadioStation,
		dialer:      cfg.Dialer,
		observer:    cfg.Observer,
		pool:        cfg.Pool,
		subscribers: make(map[string]struct{}),
		newBlock:    make(chan struct{}),
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
	c.setLogger(false)
	c.timers = timer.New(cfg.Context.Channel, clk, func(fn func()) {
		c.loop.Post(fn)
	})
	c.election = newElection(c)
	c.gen = consensus.NewGenerator(consensus.GeneratorConfig{
		Channel:    cfg.Context.Channel,
		Key:        cfg.Key,
		Interval:   set.BlockInterval,
		MaxTxs:     set.MaxTxsPerBlock,
		AllowEmpty: set.AllowEmptyBlock,
		Clock:      clk,
		Chain:      c,
		Txs:        cfg.Pool,
		Propose:    c.proposeBlock,
		Rollback:   c.pipeline.RemovePrecommitState,
	})

	c.sm.OnEnter(StateEvaluateNetwork, func(State) { c.evaluateRole() })
	c.sm.OnEnter(StateSubscribeNetwork, func(State) { c.subscribeNetwork() })
	c.sm.OnEnter(StateBlockSync, func(State) { c.blockSync() })
	c.sm.OnEnter(StateConsensusLeader, c.enterLeader)
	c.sm.OnEnter(StateConsensusFollower, c.enterFollower)
	c.sm.OnEnter(StateLeaderComplain, func(State) { c.runComplain() })
	c.sm.OnEnter(StateShuttingDown, func(State) { c.enterShutdown() })
	return c
}

func (c *Coordinator) log() *zerolog.Logger { return c.logger.Load() }

func (c *Coordinator) setLogger(isLeader bool) {
	l := klog.WithChannel("channel", c.ctx.Channel).With().
		Str("peer_id", c.ctx.PeerID).
		Bool("is_leader", isLeader).
		Logger()
	c.logger.Store(&l)
}

// callCtx bounds one external call made from a loop task.
func (c *Coordinator) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.baseCtx, c.set.PeerTimeout)
}

// ── Bootstrap ───────────────────────────────────────────────────────

// Init performs the synchronous bootstrap. A missing signing key or an
// unavailable block store is fatal.
func (c *Coordinator) Init(ctx context.Context) error {
	if c.cfg.Key == nil {
		return fmt.Errorf("channel %s: %w", c.ctx.Channel, ErrSigningKeyMissing)
	}
	if c.ctx.PeerID == "" {
		c.ctx.PeerID = c.cfg.Key.PeerID()
	}
	if c.ctx.PubKey == "" {
		c.ctx.PubKey = c.cfg.Key.PublicKeyHex()
	}
	c.setLogger(false)

	restored := c.restorePeers()
	c.registry.AddPeer(c.ctx.Record())

	c.bcast.Start()

	store, err := c.cfg.OpenStore()
	if err != nil {
		return fmt.Errorf("channel %s: %w: %v", c.ctx.Channel, ErrStoreUnavailable, err)
	}
	c.storeMu.Lock()
	c.store = store
	c.storeMu.Unlock()
	c.metrics.Height.Set(float64(store.Height()))

	if err := c.pipeline.WaitReady(ctx, c.set.EngineLoadRetryTimes, c.set.EngineLoadRetryInterval); err != nil {
		return fmt.Errorf("channel %s: %w", c.ctx.Channel, err)
	}

	if c.rs != nil && c.ctx.Votes() && !c.ctx.IsRadioStation() {
		if err := c.connectToRadioStation(false); err != nil {
			c.log().Warn().Err(err).Bool("restored", restored).Msg("Radio station unreachable, using stored peer list")
			c.subscribeStoredPeers()
		}
		c.timers.Schedule(timer.KeyConnectRS, c.set.ReconnectInterval, true, func() {
			if err := c.connectToRadioStation(true); err != nil {
				c.log().Debug().Err(err).Msg("Radio station keep-alive failed")
			}
		})
	} else {
		c.subscribeStoredPeers()
	}

	c.replaceEpoch(c.registry.LeaderID())

	c.log().Info().
		Int64("height", store.Height()).
		Str("node_type", string(c.ctx.NodeType)).
		Str("election", string(c.election.Mode())).
		Int("peers", c.registry.Count(peer.Any)).
		Msg("Channel initialized")
	return nil
}

// Start runs the loop and leaves Boot.
func (c *Coordinator) Start() {
	c.loop.Start()
	c.gen.Start()
	c.loop.Post(func() {
		if err := c.sm.Transition(StateEvaluateNetwork); err != nil {
			c.log().Error().Err(err).Msg("Failed to leave boot state")
		}
	})
}

func (c *Coordinator) restorePeers() bool {
	if c.peers == nil {
		return false
	}
	data, err := c.peers.LoadPeerList()
	if err != nil {
		c.log().Warn().Err(err).Msg("Failed to read stored peer list")
		return false
	}
	if data == nil {
		return false
	}
	if err := c.registry.Load(data); err != nil {
		c.log().Warn().Err(err).Msg("Ignoring corrupt peer list")
		return false
	}
	return true
}

func (c *Coordinator) savePeers() {
	if c.peers == nil {
		return
	}
	data, err := c.registry.Dump()
	if err == nil {
		err = c.peers.SavePeerList(data)
	}
	if err != nil {
		c.log().Warn().Err(err).Msg("Failed to save peer list")
	}
}

func (c *Coordinator) peerInfo() rpcclient.PeerInfo {
	return rpcclient.PeerInfo{
		PeerID:     c.ctx.PeerID,
		GroupID:    c.ctx.GroupID,
		PeerTarget: c.ctx.PeerTarget,
		PubKey:     c.ctx.PubKey,
		NodeType:   string(c.ctx.NodeType),
	}
}

// subscribeStoredPeers adds every known peer to the audience and asks
// them to add this node to theirs.
func (c *Coordinator) subscribeStoredPeers() {
	for _, rec := range c.registry.PeersForBroadcast() {
		if rec.PeerID != c.ctx.PeerID {
			c.addAudience(rec.Target)
		}
	}
	c.scheduleBroadcast(broadcast.MethodSubscribe, c.subscribeRequest())
}

// connectToRadioStation registers with the radio station and loads the
// peer list it returns. The keep-alive reconnect ignores the reply.
func (c *Coordinator) connectToRadioStation(reconnect bool) error {
	ctx, cancel := context.WithTimeout(c.baseCtx, 2*c.set.PeerTimeout)
	defer cancel()

	reply, err := c.rs.ConnectPeer(ctx, c.peerInfo())
	if err != nil {
		return err
	}
	if reconnect {
		return nil
	}
	if len(reply.PeerList) > 0 {
		if err := c.registry.Load(reply.PeerList); err != nil {
			return fmt.Errorf("radio station peer list: %w", err)
		}
		c.registry.AddPeer(c.ctx.Record())
	}
	for _, rec := range c.registry.PeersForBroadcast() {
		if rec.PeerID != c.ctx.PeerID {
			c.addAudience(rec.Target)
		}
	}
	c.savePeers()
	c.log().Info().
		Str("target", c.rs.Target()).
		Int("peers", c.registry.Count(peer.Any)).
		Str("leader", c.registry.LeaderID()).
		Msg("Connected to radio station")
	return nil
}

// ── Audience ────────────────────────────────────────────────────────

func (c *Coordinator) scheduleBroadcast(method string, params interface{}) {
	if err := c.bcast.ScheduleBroadcast(method, params); err != nil {
		c.log().Warn().Err(err).Str("method", method).Msg("Broadcast not scheduled")
	}
}

func (c *Coordinator) addAudience(target string) {
	if err := c.bcast.ScheduleSubscribe(target); err != nil {
		c.log().Warn().Err(err).Str("target", target).Msg("Audience add not scheduled")
	}
}

func (c *Coordinator) removeAudience(target string) {
	if err := c.bcast.ScheduleUnsubscribe(target); err != nil {
		c.log().Warn().Err(err).Str("target", target).Msg("Audience remove not scheduled")
	}
}

// ── Epoch ───────────────────────────────────────────────────────────

func (c *Coordinator) replaceEpoch(leader string) {
	c.epoch = consensus.NewEpoch(c.Height(), leader, c.registry.Count(peer.Voting), c.set.ComplainRatio)
	c.updateSnapshot()
	c.log().Debug().
		Int64("height", c.epoch.Height).
		Str("leader", leader).
		Int("voters", c.epoch.Voters()).
		Int("quorum", c.epoch.Quorum()).
		Msg("Epoch started")
}

func (c *Coordinator) updateSnapshot() {
	c.snapMu.Lock()
	c.snapshot = epochSnapshot{
		height:     c.epoch.Height,
		leader:     c.epoch.LeaderID,
		complaints: c.epoch.ComplaintCount(),
	}
	c.snapMu.Unlock()
}

// ── Queries ─────────────────────────────────────────────────────────

// Context returns the channel identity.
func (c *Coordinator) Context() *Context { return c.ctx }

// State returns the current channel state.
func (c *Coordinator) State() State { return c.sm.State() }

// Height returns the local tip height, -1 before genesis.
func (c *Coordinator) Height() int64 {
	c.storeMu.RLock()
	defer c.storeMu.RUnlock()
	if c.store == nil {
		return types.NoHeight
	}
	return c.store.Height()
}

// LastBlock returns the local tip, nil before genesis.
func (c *Coordinator) LastBlock() *block.Block {
	c.storeMu.RLock()
	defer c.storeMu.RUnlock()
	if c.store == nil {
		return nil
	}
	return c.store.LastBlock()
}

// BlockByHeight returns a stored block.
func (c *Coordinator) BlockByHeight(height int64) (*block.Block, error) {
	c.storeMu.RLock()
	defer c.storeMu.RUnlock()
	if c.store == nil {
		return nil, ErrStoreUnavailable
	}
	return c.store.GetBlockByHeight(height)
}

// confirmedAt returns the height of the stored block holding txHash.
func (c *Coordinator) confirmedAt(txHash types.Hash) (int64, bool) {
	c.storeMu.RLock()
	defer c.storeMu.RUnlock()
	if c.store == nil {
		return types.NoHeight, false
	}
	height, _, err := c.store.GetTxLocation(txHash)
	return height, err == nil
}

// EpochInfo returns the current epoch height, leader and complaint count.
func (c *Coordinator) EpochInfo() (height int64, leader string, complaints int) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot.height, c.snapshot.leader, c.snapshot.complaints
}

// Status returns the channel status as served to peers.
func (c *Coordinator) Status() rpcclient.StatusReply {
	height, leader, complaints := c.EpochInfo()
	peerType := "0"
	if c.ctx.IsLeader() {
		peerType = "1"
	}
	status := "Service is online"
	if c.sm.State() == StateShuttingDown {
		status = "Service is offline"
	}
	total := 0
	if c.pool != nil {
		total = c.pool.Count()
	}
	return rpcclient.StatusReply{
		Status:          status,
		State:           c.sm.State().String(),
		PeerType:        peerType,
		PeerID:          c.ctx.PeerID,
		PeerTarget:      c.ctx.PeerTarget,
		NodeType:        string(c.ctx.NodeType),
		BlockHeight:     c.Height(),
		TotalTx:         total,
		LeaderID:        leader,
		EpochHeight:     height,
		LeaderComplaint: complaints,
		Audience:        len(c.bcast.Audience()),
	}
}

// PeerListDump returns the serialized peer registry.
func (c *Coordinator) PeerListDump() (json.RawMessage, error) {
	return c.registry.Dump()
}

// RegisterSubscriber admits a push subscriber. Returns false when the
// subscriber limit is reached.
func (c *Coordinator) RegisterSubscriber(peerID string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subscribers[peerID]; ok {
		return true
	}
	if len(c.subscribers) >= c.set.SubscribeLimit {
		return false
	}
	c.subscribers[peerID] = struct{}{}
	c.log().Info().Str("subscriber", peerID).Int("subscribers", len(c.subscribers)).Msg("Subscriber registered")
	return true
}

// UnregisterSubscriber removes a push subscriber.
func (c *Coordinator) UnregisterSubscriber(peerID string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subscribers, peerID)
}

// IsRegisteredSubscriber reports whether peerID holds a push slot.
func (c *Coordinator) IsRegisteredSubscriber(peerID string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	_, ok := c.subscribers[peerID]
	return ok
}

// WaitNewBlock returns the block after height, waiting for it to be
// committed if height is the local tip.
func (c *Coordinator) WaitNewBlock(ctx context.Context, height int64) (*block.Block, error) {
	for {
		c.blockMu.Lock()
		notify := c.newBlock
		c.blockMu.Unlock()

		local := c.Height()
		if height > local {
			return nil, ErrSubscriberAhead
		}
		if height < local {
			return c.BlockByHeight(height + 1)
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.baseCtx.Done():
			return nil, ErrStopped
		}
	}
}

func (c *Coordinator) notifyNewBlock() {
	c.blockMu.Lock()
	close(c.newBlock)
	c.newBlock = make(chan struct{})
	c.blockMu.Unlock()
}

// ── Shutdown ────────────────────────────────────────────────────────

func (c *Coordinator) shutdown(cause error) {
	if c.sm.State() == StateShuttingDown {
		return
	}
	c.log().Warn().Err(cause).Msg("Channel shutting down")
	c.sm.Transition(StateShuttingDown)
	c.stopOnce.Do(func() {
		if c.cfg.OnStop != nil {
			go c.cfg.OnStop(cause)
			return
		}
		go c.Cleanup()
	})
}

func (c *Coordinator) enterShutdown() {
	c.ctx.setRole(RoleFollower)
	c.gen.SetLeader(false)
	if c.observerCancel != nil {
		c.observerCancel()
		c.observerCancel = nil
	}
	for _, key := range c.timers.Keys() {
		c.timers.Cancel(key)
	}
}

// Cleanup releases the channel's resources in order: block store,
// engine, broadcast, generator, timers. It must not be called from a
// loop task. Safe to call more than once.
func (c *Coordinator) Cleanup() error {
	c.cleanupOnce.Do(func() {
		c.cancel()
		c.loop.Stop()
		c.loop.Wait()

		var result *multierror.Error
		step := func(name string, fn func() error) {
			defer func() {
				if r := recover(); r != nil {
					result = multierror.Append(result, fmt.Errorf("%s: panic: %v", name, r))
				}
			}()
			if err := fn(); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			}
		}

		step("block store", func() error {
			c.storeMu.RLock()
			defer c.storeMu.RUnlock()
			if c.store == nil {
				return nil
			}
			return c.store.Close()
		})
		step("engine", c.cfg.Engine.Close)
		step("broadcast", func() error {
			c.bcast.Stop()
			return c.bcast.Wait()
		})
		step("generator", func() error {
			c.gen.Stop()
			c.gen.Wait()
			return nil
		})
		step("timers", func() error {
			c.timers.Stop()
			return nil
		})

		c.cleanupErr = result.ErrorOrNil()
		if c.cleanupErr != nil {
			c.log().Warn().Err(c.cleanupErr).Msg("Channel cleanup finished with errors")
		} else {
			c.log().Info().Msg("Channel cleaned up")
		}
	})
	return c.cleanupErr
}
