package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/internal/channel"
	"github.com/stjordanis/loopchain/internal/consensus"
	klog "github.com/stjordanis/loopchain/internal/log"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/crypto"
	"github.com/stjordanis/loopchain/pkg/types"
)

const testChannel = "loopchain_default"

// fakeChannel records the calls the server makes.
type fakeChannel struct {
	mu       sync.Mutex
	blocks   []*block.Block
	calls    []string
	leader   string
	err      error
	limit    int
	subs     map[string]bool
	newBlock chan struct{}
	last     interface{}
}

func newFakeChannel(n int) *fakeChannel {
	f := &fakeChannel{leader: "hxleader", limit: 1, subs: make(map[string]bool), newBlock: make(chan struct{})}
	for i := 0; i < n; i++ {
		f.appendBlock()
	}
	return f
}

func (f *fakeChannel) appendBlock() *block.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	height := int64(len(f.blocks))
	var prev types.Hash
	if height > 0 {
		prev = f.blocks[height-1].Hash()
	}
	tx := block.NewTransaction("hx01", "", json.RawMessage(fmt.Sprintf(`{"n":%d}`, height)), 1+height)
	blk := block.NewBlock(&block.Header{
		Version:   block.CurrentVersion,
		Height:    height,
		PrevHash:  prev,
		Timestamp: 1 + height,
		PeerID:    f.leader,
	}, []*block.Transaction{tx})
	f.blocks = append(f.blocks, blk)
	close(f.newBlock)
	f.newBlock = make(chan struct{})
	return blk
}

func (f *fakeChannel) record(call string, arg interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.last = arg
	return f.err
}

func (f *fakeChannel) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeChannel) lastArg() interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeChannel) Status() rpcclient.StatusReply {
	return rpcclient.StatusReply{Status: "Service is online", State: "ConsensusFollower", PeerType: "0", BlockHeight: f.Height(), LeaderID: f.leader}
}

func (f *fakeChannel) Height() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.blocks)) - 1
}

func (f *fakeChannel) LastBlock() *block.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.blocks) == 0 {
		return nil
	}
	return f.blocks[len(f.blocks)-1]
}

func (f *fakeChannel) BlockByHeight(height int64) (*block.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if height < 0 || height >= int64(len(f.blocks)) {
		return nil, errors.New("block not found")
	}
	return f.blocks[height], nil
}

func (f *fakeChannel) Subscribe(req rpcclient.SubscribeRequest) error {
	return f.record("Subscribe", req)
}
func (f *fakeChannel) Unsubscribe(req rpcclient.SubscribeRequest) error {
	return f.record("Unsubscribe", req)
}
func (f *fakeChannel) ConnectPeer(info rpcclient.PeerInfo) (json.RawMessage, error) {
	if err := f.record("ConnectPeer", info); err != nil {
		return nil, err
	}
	return json.RawMessage(`[{"peer_id":"` + info.PeerID + `"}]`), nil
}
func (f *fakeChannel) ComplainLeader(req rpcclient.ComplainRequest) (string, error) {
	return f.leader, f.record("ComplainLeader", req)
}
func (f *fakeChannel) AnnounceNewLeader(ann rpcclient.NewLeaderAnnouncement) error {
	return f.record("AnnounceNewLeader", ann)
}
func (f *fakeChannel) ResetLeader(newLeader string, height int64) error {
	return f.record("ResetLeader", rpcclient.ResetLeaderRequest{NewLeaderID: newLeader, BlockHeight: height})
}
func (f *fakeChannel) SetNewLeader(newLeader string, height int64) error {
	return f.record("SetNewLeader", rpcclient.ResetLeaderRequest{NewLeaderID: newLeader, BlockHeight: height})
}
func (f *fakeChannel) BlockHeightSync() error          { return f.record("BlockHeightSync", nil) }
func (f *fakeChannel) AddAudience(target string) error { return f.record("AddAudience", target) }
func (f *fakeChannel) RemoveAudience(target string) error {
	return f.record("RemoveAudience", target)
}
func (f *fakeChannel) PeerListDump() (json.RawMessage, error) {
	return json.RawMessage(`[{"peer_id":"hxleader"}]`), f.record("PeerListDump", nil)
}
func (f *fakeChannel) AnnounceNewPeer(info rpcclient.PeerInfo) error {
	return f.record("AnnounceNewPeer", info)
}
func (f *fakeChannel) DeletePeer(peerID string) error { return f.record("DeletePeer", peerID) }
func (f *fakeChannel) AnnounceConfirmedBlock(blk *block.Block) error {
	return f.record("AnnounceConfirmedBlock", blk)
}
func (f *fakeChannel) Heartbeat(hb *consensus.Heartbeat) error {
	if err := hb.Verify(); err != nil {
		return err
	}
	return f.record("Heartbeat", hb)
}
func (f *fakeChannel) AddTx(tx *block.Transaction) error { return f.record("AddTx", tx) }
func (f *fakeChannel) ChangeBlockHash(_ context.Context, height int64, oldHash, newHash types.Hash) error {
	return f.record("ChangeBlockHash", [2]types.Hash{oldHash, newHash})
}
func (f *fakeChannel) ResetTimer(key string) bool {
	f.record("ResetTimer", key)
	return key == "leader_complain"
}
func (f *fakeChannel) Stop(message string) error { return f.record("Stop", message) }

func (f *fakeChannel) RegisterSubscriber(peerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[peerID] {
		return true
	}
	if len(f.subs) >= f.limit {
		return false
	}
	f.subs[peerID] = true
	return true
}

func (f *fakeChannel) IsRegisteredSubscriber(peerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[peerID]
}

func (f *fakeChannel) UnregisterSubscriber(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, peerID)
}

func (f *fakeChannel) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeChannel) WaitNewBlock(ctx context.Context, height int64) (*block.Block, error) {
	for {
		f.mu.Lock()
		notify := f.newBlock
		local := int64(len(f.blocks)) - 1
		f.mu.Unlock()
		if height > local {
			return nil, channel.ErrSubscriberAhead
		}
		if height < local {
			return f.BlockByHeight(height + 1)
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ── Helpers ─────────────────────────────────────────────────────────────

func startServer(t *testing.T, ch *fakeChannel, cfg ...config.RPCConfig) *Server {
	t.Helper()
	klog.Init("error", false, "")
	srv := New("127.0.0.1:0", cfg...)
	srv.AddChannel(testChannel, ch)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func rpcCall(t *testing.T, url, method string, params interface{}) Response {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	body, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, Params: raw, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", method, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rpcResp
}

func nodeURL(srv *Server, ch string) string {
	return rpcclient.Endpoint(srv.Addr(), rpcclient.APINode, ch, false)
}

func peerClient(srv *Server) *rpcclient.PeerClient {
	return rpcclient.NewPeerClient(srv.Addr(), testChannel, false, 2*time.Second)
}

// ── Queries ─────────────────────────────────────────────────────────────

func TestRPC_StatusAndBlocks(t *testing.T) {
	ch := newFakeChannel(3)
	srv := startServer(t, ch)
	pc := peerClient(srv)
	ctx := context.Background()

	h, err := pc.Height(ctx)
	if err != nil {
		t.Fatalf("Height: %v", err)
	}
	if h != 2 {
		t.Errorf("height = %d, want 2", h)
	}

	blk, err := pc.BlockByHeight(ctx, 1)
	if err != nil {
		t.Fatalf("BlockByHeight: %v", err)
	}
	if blk.Hash() != ch.blocks[1].Hash() {
		t.Error("block hash mismatch")
	}

	last, err := pc.LastBlock(ctx)
	if err != nil {
		t.Fatalf("LastBlock: %v", err)
	}
	if last == nil || last.Height() != 2 {
		t.Errorf("last block = %v", last)
	}
}

func TestRPC_LastBlockEmptyChannel(t *testing.T) {
	srv := startServer(t, newFakeChannel(0))
	rs := rpcclient.NewRadioStationClient(srv.Addr(), testChannel, false, time.Second, 1)

	h, err := rs.LastBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("LastBlockHeight: %v", err)
	}
	if h != -1 {
		t.Errorf("height = %d, want -1", h)
	}
}

func TestRPC_GetBlockByHeight_NotFound(t *testing.T) {
	srv := startServer(t, newFakeChannel(1))

	resp := rpcCall(t, nodeURL(srv, testChannel), "node_GetBlockByHeight", rpcclient.BlockHeightRequest{Height: 7})
	if resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Fatalf("error = %+v, want CodeNotFound", resp.Error)
	}
	resp = rpcCall(t, nodeURL(srv, testChannel), "node_GetBlockByHeight", rpcclient.BlockHeightRequest{Height: -1})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v, want CodeInvalidParams", resp.Error)
	}
}

func TestRPC_StatusREST(t *testing.T) {
	srv := startServer(t, newFakeChannel(2))

	for _, url := range []string{
		fmt.Sprintf("http://%s/api/v1/status/peer", srv.Addr()),
		fmt.Sprintf("http://%s/api/v1/status/peer?channel=%s", srv.Addr(), testChannel),
	} {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		var st rpcclient.StatusReply
		err = json.NewDecoder(resp.Body).Decode(&st)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if st.BlockHeight != 1 || st.Status != "Service is online" {
			t.Errorf("%s: status = %+v", url, st)
		}
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/status/peer?channel=other", srv.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown channel status = %d, want 404", resp.StatusCode)
	}
}

// ── Routing ─────────────────────────────────────────────────────────────

func TestRPC_UnknownChannel(t *testing.T) {
	srv := startServer(t, newFakeChannel(1))

	resp := rpcCall(t, nodeURL(srv, "other"), "node_GetStatus", ChannelParam{Channel: "other"})
	if resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Fatalf("error = %+v, want CodeNotFound", resp.Error)
	}
}

func TestRPC_UnknownMethodIsNotImplemented(t *testing.T) {
	srv := startServer(t, newFakeChannel(1))
	ctx := context.Background()

	c := rpcclient.NewWithTimeout(nodeURL(srv, testChannel), time.Second)
	if err := c.CallContext(ctx, "node_Bogus", nil, nil); !errors.Is(err, rpcclient.ErrNotImplemented) {
		t.Errorf("node_Bogus = %v, want ErrNotImplemented", err)
	}

	// Leader complaints are only served on the node API.
	v3 := rpcclient.NewWithTimeout(rpcclient.Endpoint(srv.Addr(), rpcclient.APIv3, testChannel, false), time.Second)
	err := v3.CallContext(ctx, "node_ComplainLeader", rpcclient.ComplainRequest{ComplainedID: "hx1"}, nil)
	if !errors.Is(err, rpcclient.ErrNotImplemented) {
		t.Errorf("v3 node_ComplainLeader = %v, want ErrNotImplemented", err)
	}
}

func TestRPC_RejectsNonPost(t *testing.T) {
	srv := startServer(t, newFakeChannel(1))

	resp, err := http.Get(nodeURL(srv, testChannel))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("error = %+v, want CodeInvalidRequest", rpcResp.Error)
	}
}

func TestRPC_IPFilter(t *testing.T) {
	srv := startServer(t, newFakeChannel(1), config.RPCConfig{AllowedIPs: []string{"10.1.2.3"}})

	resp, err := http.Post(nodeURL(srv, testChannel), "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestParseAllowedIPs(t *testing.T) {
	nets := parseAllowedIPs([]string{"10.0.0.0/8", "127.0.0.1", "::1", "garbage"})
	if len(nets) != 3 {
		t.Fatalf("parsed %d networks, want 3", len(nets))
	}
}

// ── Channel methods ─────────────────────────────────────────────────────

func TestRPC_SubscribeAndConnectPeer(t *testing.T) {
	ch := newFakeChannel(1)
	srv := startServer(t, ch)
	ctx := context.Background()

	pc := peerClient(srv)
	req := rpcclient.SubscribeRequest{PeerTarget: "10.0.0.2:9000", PeerID: "hxb"}
	if err := pc.Subscribe(ctx, req); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	got, ok := ch.lastArg().(rpcclient.SubscribeRequest)
	if !ok || got.PeerTarget != req.PeerTarget || got.Channel != testChannel {
		t.Errorf("Subscribe got %+v", ch.lastArg())
	}

	rs := rpcclient.NewRadioStationClient(srv.Addr(), testChannel, false, time.Second, 1)
	if err := rs.SubscribeREST(ctx, req); err != nil {
		t.Fatalf("SubscribeREST: %v", err)
	}

	reply, err := rs.ConnectPeer(ctx, rpcclient.PeerInfo{PeerID: "hxb", PeerTarget: "10.0.0.2:9000"})
	if err != nil {
		t.Fatalf("ConnectPeer: %v", err)
	}
	if string(reply.PeerList) != `[{"peer_id":"hxb"}]` {
		t.Errorf("peer list = %s", reply.PeerList)
	}
}

func TestRPC_SubscribeMissingTarget(t *testing.T) {
	srv := startServer(t, newFakeChannel(1))

	resp := rpcCall(t, nodeURL(srv, testChannel), "node_Subscribe", rpcclient.SubscribeRequest{Channel: testChannel})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v, want CodeInvalidParams", resp.Error)
	}
}

func TestRPC_ComplainLeader(t *testing.T) {
	ch := newFakeChannel(1)
	srv := startServer(t, ch)
	rs := rpcclient.NewRadioStationClient(srv.Addr(), testChannel, false, time.Second, 1)

	leader, err := rs.Complain(context.Background(), rpcclient.ComplainRequest{ComplainedID: "hxold", PeerID: "hxb"})
	if err != nil {
		t.Fatalf("Complain: %v", err)
	}
	if leader != "hxleader" {
		t.Errorf("leader = %q", leader)
	}
}

func TestRPC_ChannelErrors(t *testing.T) {
	ch := newFakeChannel(1)
	srv := startServer(t, ch)
	url := nodeURL(srv, testChannel)

	ch.err = channel.ErrStopped
	resp := rpcCall(t, url, "node_ResetLeader", rpcclient.ResetLeaderRequest{NewLeaderID: "hx1", BlockHeight: 1})
	if resp.Error == nil || resp.Error.Code != CodeUnavailable {
		t.Errorf("stopped: error = %+v, want CodeUnavailable", resp.Error)
	}

	ch.err = channel.ErrWrongChannel
	resp = rpcCall(t, url, "node_AnnounceNewLeader", rpcclient.NewLeaderAnnouncement{NewLeaderID: "hx1"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Errorf("wrong channel: error = %+v, want CodeInvalidParams", resp.Error)
	}
}

func TestRPC_Notifications(t *testing.T) {
	ch := newFakeChannel(2)
	srv := startServer(t, ch)
	pc := peerClient(srv)
	ctx := context.Background()

	tests := []struct {
		method string
		params interface{}
		call   string
	}{
		{"node_AnnounceNewLeader", rpcclient.NewLeaderAnnouncement{NewLeaderID: "hx2", BlockHeight: 2}, "AnnounceNewLeader"},
		{"node_ResetLeader", rpcclient.ResetLeaderRequest{NewLeaderID: "hx2", BlockHeight: 2}, "ResetLeader"},
		{"node_AnnounceNewPeer", rpcclient.PeerInfo{PeerID: "hx3", PeerTarget: "10.0.0.3:9000"}, "AnnounceNewPeer"},
		{"node_DeletePeer", rpcclient.DeletePeerRequest{PeerID: "hx3"}, "DeletePeer"},
		{"node_AnnounceConfirmedBlock", ch.blocks[1], "AnnounceConfirmedBlock"},
		{"node_Unsubscribe", rpcclient.SubscribeRequest{PeerTarget: "10.0.0.3:9000"}, "Unsubscribe"},
		{"node_Stop", StopParam{Message: "maintenance"}, "Stop"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if err := pc.Notify(ctx, tt.method, tt.params); err != nil {
				t.Fatalf("%s: %v", tt.method, err)
			}
			if !ch.called(tt.call) {
				t.Errorf("%s did not reach the channel", tt.method)
			}
		})
	}

	if got, ok := ch.lastArg().(string); !ok || got != "maintenance" {
		t.Errorf("stop message = %v", ch.lastArg())
	}
}

func TestRPC_AnnounceConfirmedBlockRoundTrip(t *testing.T) {
	ch := newFakeChannel(2)
	srv := startServer(t, ch)

	if err := peerClient(srv).Notify(context.Background(), "node_AnnounceConfirmedBlock", ch.blocks[1]); err != nil {
		t.Fatal(err)
	}
	got, ok := ch.lastArg().(*block.Block)
	if !ok || got.Hash() != ch.blocks[1].Hash() || len(got.Transactions) != 1 {
		t.Errorf("announced block = %+v", ch.lastArg())
	}
}

func TestRPC_Heartbeat(t *testing.T) {
	ch := newFakeChannel(1)
	srv := startServer(t, ch)
	url := nodeURL(srv, testChannel)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := consensus.NewHeartbeat(key, testChannel, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if resp := rpcCall(t, url, "node_Heartbeat", hb); resp.Error != nil {
		t.Fatalf("valid heartbeat: %+v", resp.Error)
	}

	hb.Height = 2
	resp := rpcCall(t, url, "node_Heartbeat", hb)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Errorf("tampered heartbeat: error = %+v, want CodeInvalidParams", resp.Error)
	}
}

func TestRPC_AddTx(t *testing.T) {
	ch := newFakeChannel(1)
	srv := startServer(t, ch)
	url := nodeURL(srv, testChannel)

	tx := block.NewTransaction("hx01", "", json.RawMessage(`{"to":"hx02"}`), 5)
	resp := rpcCall(t, url, "node_AddTx", tx)
	if resp.Error != nil {
		t.Fatalf("node_AddTx: %+v", resp.Error)
	}
	if got := resp.Result.(map[string]interface{})["tx_hash"]; got != tx.Hash.String() {
		t.Errorf("tx_hash = %v", got)
	}

	tampered := *tx
	tampered.Data = json.RawMessage(`{"to":"hx03"}`)
	resp = rpcCall(t, url, "node_AddTx", &tampered)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Errorf("tampered tx: error = %+v, want CodeInvalidParams", resp.Error)
	}
}

func TestRPC_ChangeBlockHash(t *testing.T) {
	ch := newFakeChannel(1)
	srv := startServer(t, ch)
	url := nodeURL(srv, testChannel)

	oldHash := ch.blocks[0].Hash()
	var newHash types.Hash
	newHash[0] = 0xaa
	resp := rpcCall(t, url, "node_ChangeBlockHash", rpcclient.ChangeBlockHashRequest{
		BlockHeight: 0, OldBlockHash: oldHash.String(), NewBlockHash: newHash.String(),
	})
	if resp.Error != nil {
		t.Fatalf("node_ChangeBlockHash: %+v", resp.Error)
	}
	if got := ch.lastArg().([2]types.Hash); got[0] != oldHash || got[1] != newHash {
		t.Errorf("hashes = %v", got)
	}

	resp = rpcCall(t, url, "node_ChangeBlockHash", rpcclient.ChangeBlockHashRequest{OldBlockHash: "xyz", NewBlockHash: newHash.String()})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Errorf("bad hash: error = %+v", resp.Error)
	}
}

func TestRPC_ResetTimer(t *testing.T) {
	srv := startServer(t, newFakeChannel(1))
	c := rpcclient.NewWithTimeout(nodeURL(srv, testChannel), time.Second)

	var res ResetTimerResult
	if err := c.Call("node_ResetTimer", ResetTimerParam{Key: "leader_complain"}, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Reset {
		t.Error("armed timer not reset")
	}
	if err := c.Call("node_ResetTimer", ResetTimerParam{Key: "nothing"}, &res); err != nil {
		t.Fatal(err)
	}
	if res.Reset {
		t.Error("unarmed timer reported reset")
	}
}

func TestDeliver_RoutesGossip(t *testing.T) {
	ch := newFakeChannel(1)
	srv := New("127.0.0.1:0")
	srv.AddChannel(testChannel, ch)

	params, _ := json.Marshal(rpcclient.NewLeaderAnnouncement{NewLeaderID: "hx9"})
	if err := srv.Deliver(context.Background(), testChannel, "node_AnnounceNewLeader", params); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !ch.called("AnnounceNewLeader") {
		t.Error("gossip not delivered")
	}
	if err := srv.Deliver(context.Background(), "other", "node_AnnounceNewLeader", params); err == nil {
		t.Error("Deliver to unknown channel succeeded")
	}
	var rpcErr *Error
	if err := srv.Deliver(context.Background(), testChannel, "node_Bogus", nil); !errors.As(err, &rpcErr) || rpcErr.Code != CodeMethodNotFound {
		t.Errorf("Deliver unknown method = %v", err)
	}
}

func TestRPC_OperatorMethods(t *testing.T) {
	ch := newFakeChannel(1)
	srv := startServer(t, ch)
	c := rpcclient.NewWithTimeout(nodeURL(srv, testChannel), time.Second)

	var res AckResult
	if err := c.Call("node_SetNewLeader", rpcclient.ResetLeaderRequest{NewLeaderID: "hx2", BlockHeight: 1}, &res); err != nil {
		t.Fatalf("node_SetNewLeader: %v", err)
	}
	if got := ch.lastArg().(rpcclient.ResetLeaderRequest); got.NewLeaderID != "hx2" || got.BlockHeight != 1 {
		t.Errorf("SetNewLeader args = %+v", got)
	}
	if err := c.Call("node_SetNewLeader", rpcclient.ResetLeaderRequest{}, &res); err == nil {
		t.Error("node_SetNewLeader without a leader id accepted")
	}

	if err := c.Call("node_BlockHeightSync", ChannelParam{}, &res); err != nil {
		t.Fatalf("node_BlockHeightSync: %v", err)
	}
	if !ch.called("BlockHeightSync") {
		t.Error("BlockHeightSync not called")
	}

	for _, method := range []string{"node_AddAudience", "node_RemoveAudience"} {
		if err := c.Call(method, AudienceParam{PeerTarget: "10.0.0.2:7100"}, &res); err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if got := ch.lastArg(); got != "10.0.0.2:7100" {
			t.Errorf("%s target = %v", method, got)
		}
		if err := c.Call(method, AudienceParam{}, &res); err == nil {
			t.Errorf("%s without a target accepted", method)
		}
	}
	if !ch.called("AddAudience") || !ch.called("RemoveAudience") {
		t.Error("audience calls not routed")
	}

	var peers rpcclient.ConnectPeerReply
	if err := c.Call("node_GetPeerList", ChannelParam{}, &peers); err != nil {
		t.Fatalf("node_GetPeerList: %v", err)
	}
	if string(peers.PeerList) != `[{"peer_id":"hxleader"}]` {
		t.Errorf("peer list = %s", peers.PeerList)
	}
}
