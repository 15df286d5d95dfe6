package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/internal/chain"
	"github.com/stjordanis/loopchain/internal/mempool"
	"github.com/stjordanis/loopchain/internal/peer"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/internal/storage"
	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/crypto"
)

const (
	testChannel = "test_channel"
	selfTarget  = "127.0.0.1:9000"
	rsTarget    = "rs.local:9000"
)

var testStateRoot = strings.Repeat("ab", 32)

// ── Engine ──────────────────────────────────────────────────────────

type fakeEngine struct {
	mu        sync.Mutex
	invokeErr error
	root      string
	invokes   []rpcclient.InvokeRequest
	writes    []rpcclient.PrecommitRequest
	removes   []rpcclient.PrecommitRequest
	changes   []rpcclient.ChangeBlockHashRequest
	closed    int
	onClose   func()
}

func newFakeEngine() *fakeEngine { return &fakeEngine{root: testStateRoot} }

func (e *fakeEngine) Hello(context.Context) error { return nil }

func (e *fakeEngine) Invoke(_ context.Context, req rpcclient.InvokeRequest) (*rpcclient.InvokeReply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invokes = append(e.invokes, req)
	if e.invokeErr != nil {
		return nil, e.invokeErr
	}
	return &rpcclient.InvokeReply{StateRootHash: e.root}, nil
}

func (e *fakeEngine) WritePrecommitState(_ context.Context, req rpcclient.PrecommitRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writes = append(e.writes, req)
	return nil
}

func (e *fakeEngine) RemovePrecommitState(_ context.Context, req rpcclient.PrecommitRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removes = append(e.removes, req)
	return nil
}

func (e *fakeEngine) ChangeBlockHash(_ context.Context, req rpcclient.ChangeBlockHashRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes = append(e.changes, req)
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed++
	fn := e.onClose
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (e *fakeEngine) counts() (invokes, writes, removes, changes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.invokes), len(e.writes), len(e.removes), len(e.changes)
}

// ── Broadcaster ─────────────────────────────────────────────────────

type sentMessage struct {
	method string
	params interface{}
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	audience map[string]bool
	sent     []sentMessage
	stopped  int
	onStop   func()
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{audience: make(map[string]bool)}
}

func (b *fakeBroadcaster) Start() {}

func (b *fakeBroadcaster) ScheduleSubscribe(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audience[target] = true
	return nil
}

func (b *fakeBroadcaster) ScheduleUnsubscribe(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.audience, target)
	return nil
}

func (b *fakeBroadcaster) ScheduleBroadcast(method string, params interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentMessage{method: method, params: params})
	return nil
}

func (b *fakeBroadcaster) Audience() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.audience))
	for t := range b.audience {
		out = append(out, t)
	}
	return out
}

func (b *fakeBroadcaster) Stop() {
	b.mu.Lock()
	b.stopped++
	fn := b.onStop
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (b *fakeBroadcaster) Wait() error { return nil }

func (b *fakeBroadcaster) hasAudience(target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audience[target]
}

func (b *fakeBroadcaster) sentCount(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.sent {
		if m.method == method {
			n++
		}
	}
	return n
}

// ── Peers ───────────────────────────────────────────────────────────

type fakePeer struct {
	target string

	mu           sync.Mutex
	subscribeErr error
	subscribes   int
	height       int64
	heightErr    error
	blocks       map[int64]*block.Block
}

func newFakePeer(target string) *fakePeer {
	return &fakePeer{target: target, height: -1, blocks: make(map[int64]*block.Block)}
}

func (p *fakePeer) Target() string { return p.target }

func (p *fakePeer) Subscribe(context.Context, rpcclient.SubscribeRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribes++
	return p.subscribeErr
}

func (p *fakePeer) Height(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.height, p.heightErr
}

func (p *fakePeer) BlockByHeight(_ context.Context, h int64) (*block.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	blk, ok := p.blocks[h]
	if !ok {
		return nil, fmt.Errorf("no block %d", h)
	}
	return blk, nil
}

func (p *fakePeer) setChain(blocks []*block.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range blocks {
		p.blocks[b.Height()] = b
	}
	p.height = int64(len(blocks)) - 1
}

func (p *fakePeer) subscribeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribes
}

type fakeRadioStation struct {
	*fakePeer

	mu          sync.Mutex
	statusErr   error
	leader      string
	peerList    json.RawMessage
	connects    int
	restCalls   int
	restErr     error
	complaints  []rpcclient.ComplainRequest
	granted     string
	complainErr error
	lastHeight  int64
}

func newFakeRadioStation() *fakeRadioStation {
	return &fakeRadioStation{
		fakePeer:   newFakePeer(rsTarget),
		statusErr:  rpcclient.ErrUnreachable,
		lastHeight: -1,
	}
}

func (r *fakeRadioStation) Status(context.Context) (*rpcclient.StatusReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statusErr != nil {
		return nil, r.statusErr
	}
	return &rpcclient.StatusReply{LeaderID: r.leader}, nil
}

func (r *fakeRadioStation) ConnectPeer(context.Context, rpcclient.PeerInfo) (*rpcclient.ConnectPeerReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	return &rpcclient.ConnectPeerReply{PeerList: r.peerList}, nil
}

func (r *fakeRadioStation) SubscribeREST(context.Context, rpcclient.SubscribeRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restCalls++
	return r.restErr
}

func (r *fakeRadioStation) Complain(_ context.Context, req rpcclient.ComplainRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complaints = append(r.complaints, req)
	return r.granted, r.complainErr
}

func (r *fakeRadioStation) LastBlockHeight(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHeight, nil
}

func (r *fakeRadioStation) restCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restCalls
}

func (r *fakeRadioStation) complaintsSent() []rpcclient.ComplainRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rpcclient.ComplainRequest(nil), r.complaints...)
}

type fakeObserver struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (o *fakeObserver) Subscribe(ctx context.Context, _ int64, _ func(*block.Block) error, _ func()) error {
	o.mu.Lock()
	o.calls++
	err := o.err
	o.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

// ── Block store ─────────────────────────────────────────────────────

// closeRecorder wraps a block store to observe Close.
type closeRecorder struct {
	BlockStore
	onClose func()
}

func (s *closeRecorder) Close() error {
	if s.onClose != nil {
		s.onClose()
	}
	return s.BlockStore.Close()
}

// ── Harness ─────────────────────────────────────────────────────────

type harness struct {
	t      *testing.T
	c      *Coordinator
	cfg    Config
	key    *crypto.PrivateKey
	reg    *peer.Registry
	engine *fakeEngine
	bcast  *fakeBroadcaster
	rs     *fakeRadioStation
	peers  map[string]*fakePeer
	store  *chain.BlockStore
	clock  *clock.Mock
	pool   *mempool.Pool

	mu     sync.Mutex
	states []State
}

type harnessOption func(h *harness)

func withoutRadioStation() harnessOption {
	return func(h *harness) {
		h.rs = nil
		h.cfg.RadioStation = nil
		h.cfg.Context.RadioStationTarget = ""
	}
}

func asObserver(obs ObserverSubscriber) harnessOption {
	return func(h *harness) {
		h.cfg.Context.NodeType = config.NodeObserver
		h.cfg.Observer = obs
	}
}

// asRadioStation makes the node the channel's radio station.
func asRadioStation() harnessOption {
	return func(h *harness) { h.cfg.Context.RadioStationTarget = selfTarget }
}

func withElection(mode config.ElectionMode) harnessOption {
	return func(h *harness) { h.cfg.Settings.ElectionMode = mode }
}

// withPeer registers a voting peer reachable through the dialer.
func withPeer(id, target string) harnessOption {
	return func(h *harness) {
		h.reg.AddPeer(peer.Record{PeerID: id, Target: target, Status: peer.StatusConnected, NodeType: config.NodeVotes})
		h.peers[target] = newFakePeer(target)
	}
}

func withChain(n int) harnessOption {
	return func(h *harness) {
		for _, b := range makeChain(h.t, n) {
			if err := h.store.PutBlock(b); err != nil {
				h.t.Fatalf("PutBlock(%d): %v", b.Height(), err)
			}
		}
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	store, err := chain.NewBlockStore(storage.NewMemory())
	if err != nil {
		t.Fatalf("NewBlockStore: %v", err)
	}
	h := &harness{
		t:      t,
		key:    key,
		reg:    peer.NewRegistry(testChannel),
		engine: newFakeEngine(),
		bcast:  newFakeBroadcaster(),
		rs:     newFakeRadioStation(),
		peers:  make(map[string]*fakePeer),
		store:  store,
		clock:  clock.NewMock(),
		pool:   mempool.New(0),
	}
	h.clock.Add(time.Hour)
	h.cfg = Config{
		Context: &Context{
			Channel:            testChannel,
			PeerTarget:         selfTarget,
			RadioStationTarget: rsTarget,
			NodeType:           config.NodeVotes,
		},
		Key:     key,
		Genesis: config.DefaultGenesis(),
		Settings: Settings{
			SubscribeRetryTimes: 3,
			PeerTimeout:         time.Second,
			EngineTimeout:       time.Second,
		},
		Clock:        h.clock,
		Registry:     h.reg,
		Engine:       h.engine,
		Broadcaster:  h.bcast,
		RadioStation: h.rs,
		Dialer: DialerFunc(func(target string) PeerClient {
			if p, ok := h.peers[target]; ok {
				return p
			}
			p := newFakePeer(target)
			p.heightErr = rpcclient.ErrUnreachable
			p.subscribeErr = rpcclient.ErrUnreachable
			return p
		}),
		Pool:      h.pool,
		OpenStore: func() (BlockStore, error) { return h.store, nil },
		OnStop:    func(error) {},
	}
	for _, opt := range opts {
		opt(h)
	}

	h.c = New(h.cfg)
	h.c.sm.Observe(func(_, to State) {
		h.mu.Lock()
		h.states = append(h.states, to)
		h.mu.Unlock()
	})
	if err := h.c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { h.c.Cleanup() })
	return h
}

func (h *harness) self() string { return h.key.PeerID() }

func (h *harness) visited() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("state = %s, want %s (visited %v)", h.c.State(), want, h.visited())
}

// onLoop runs fn as a loop task and waits for it.
func (h *harness) onLoop(fn func() error) error {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return h.c.loop.Call(ctx, fn)
}

// makeChain returns n linked blocks starting with genesis.
func makeChain(t *testing.T, n int) []*block.Block {
	t.Helper()
	genesis, err := chain.CreateGenesisBlock(config.DefaultGenesis(), "hx00")
	if err != nil {
		t.Fatalf("CreateGenesisBlock: %v", err)
	}
	blocks := []*block.Block{genesis}
	for len(blocks) < n {
		parent := blocks[len(blocks)-1]
		height := parent.Height() + 1
		tx := block.NewTransaction("hx01", block.MethodSendTransaction,
			json.RawMessage(fmt.Sprintf(`{"n":%d}`, height)), genesis.Header.Timestamp+height)
		blocks = append(blocks, block.NewBlock(&block.Header{
			Version:   block.CurrentVersion,
			Height:    height,
			PrevHash:  parent.Hash(),
			Timestamp: genesis.Header.Timestamp + height,
		}, []*block.Transaction{tx}))
	}
	return blocks[:n]
}
