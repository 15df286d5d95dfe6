package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/pkg/block"
)

func testBlock(height int64) *block.Block {
	tx := block.NewTransaction("hxa", block.MethodSendTransaction, json.RawMessage(`{"v":1}`), 1)
	return block.NewBlock(&block.Header{
		Version:   block.CurrentVersion,
		Height:    height,
		Timestamp: 1_000 + height,
		PeerID:    "hxa",
	}, []*block.Transaction{tx})
}

// pushServer upgrades every request on the channel path and runs serve.
func pushServer(t *testing.T, serve func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc(Path("ch"), func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func pushBlock(t *testing.T, conn *websocket.Conn, b *block.Block) {
	t.Helper()
	params, _ := json.Marshal(BlockParams{Block: b})
	if err := conn.WriteJSON(Message{Method: MethodPublishNewBlock, Params: params}); err != nil {
		t.Errorf("write: %v", err)
	}
}

func TestSubscribe_DeliversBlocks(t *testing.T) {
	gotHeight := make(chan string, 1)
	srv := pushServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotHeight <- r.URL.Query().Get("height")
		pushBlock(t, conn, testBlock(5))
		pushBlock(t, conn, testBlock(6))
		conn.WriteJSON(Message{Method: MethodPublishHeartbeat})
		params, _ := json.Marshal(CloseParams{Error: "done"})
		conn.WriteJSON(Message{Method: MethodClose, Params: params})
	})

	s := New(srv.URL, "ch", "hxb", false, time.Second)
	var heights []int64
	established := false
	err := s.Subscribe(context.Background(), 4, func(b *block.Block) error {
		heights = append(heights, b.Height())
		return nil
	}, func() { established = true })

	if !errors.Is(err, rpcclient.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable after server close", err)
	}
	if !established {
		t.Error("onEstablished not called")
	}
	if len(heights) != 2 || heights[0] != 5 || heights[1] != 6 {
		t.Errorf("heights = %v", heights)
	}
	if h := <-gotHeight; h != "4" {
		t.Errorf("height query = %q, want 4", h)
	}
}

func TestSubscribe_CallbackErrorStops(t *testing.T) {
	srv := pushServer(t, func(conn *websocket.Conn, _ *http.Request) {
		pushBlock(t, conn, testBlock(1))
		time.Sleep(100 * time.Millisecond)
	})

	boom := errors.New("boom")
	err := New(srv.URL, "ch", "", false, time.Second).Subscribe(context.Background(), 0,
		func(*block.Block) error { return boom }, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestSubscribe_NotFoundIsNotImplemented(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	called := false
	err := New(srv.URL, "ch", "", false, time.Second).Subscribe(context.Background(), 0,
		func(*block.Block) error { return nil }, func() { called = true })
	if !errors.Is(err, rpcclient.ErrNotImplemented) {
		t.Fatalf("err = %v, want ErrNotImplemented", err)
	}
	if called {
		t.Error("onEstablished called on refused handshake")
	}
}

func TestSubscribe_DialFailureIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(url, "ch", "", false, time.Second).Subscribe(context.Background(), 0,
		func(*block.Block) error { return nil }, nil)
	if !errors.Is(err, rpcclient.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

func TestSubscribe_ContextCancel(t *testing.T) {
	srv := pushServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- New(srv.URL, "ch", "", false, 5*time.Second).Subscribe(ctx, 0,
			func(*block.Block) error { return nil }, cancel)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
}

func TestURL(t *testing.T) {
	s := New("127.0.0.1:9100", "ch", "hxb", false, 0)
	if got := s.URL(-1); got != "ws://127.0.0.1:9100/api/ws/ch?height=-1&peer_id=hxb" {
		t.Errorf("URL = %q", got)
	}
	s = New("node.example:443", "ch", "", true, 0)
	if got := s.URL(3); got != "wss://node.example:443/api/ws/ch?height=3" {
		t.Errorf("URL = %q", got)
	}
}
