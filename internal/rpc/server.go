// Package rpc implements the node's JSON-RPC 2.0 API: the per-channel
// node and v3 endpoints, the REST status endpoint and the websocket
// block push.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/internal/consensus"
	klog "github.com/stjordanis/loopchain/internal/log"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/types"
)

// maxBodySize is the maximum allowed request body size (4 MB). Confirmed
// blocks are the largest requests.
const maxBodySize = 4 << 20

// Channel is the per-channel service the server dispatches to.
type Channel interface {
	Status() rpcclient.StatusReply
	Height() int64
	LastBlock() *block.Block
	BlockByHeight(height int64) (*block.Block, error)

	Subscribe(req rpcclient.SubscribeRequest) error
	Unsubscribe(req rpcclient.SubscribeRequest) error
	ConnectPeer(info rpcclient.PeerInfo) (json.RawMessage, error)
	ComplainLeader(req rpcclient.ComplainRequest) (string, error)
	AnnounceNewLeader(ann rpcclient.NewLeaderAnnouncement) error
	ResetLeader(newLeader string, height int64) error
	SetNewLeader(newLeader string, height int64) error
	BlockHeightSync() error
	AnnounceNewPeer(info rpcclient.PeerInfo) error
	DeletePeer(peerID string) error
	AddAudience(target string) error
	RemoveAudience(target string) error
	PeerListDump() (json.RawMessage, error)
	AnnounceConfirmedBlock(blk *block.Block) error
	Heartbeat(hb *consensus.Heartbeat) error
	AddTx(tx *block.Transaction) error
	ChangeBlockHash(ctx context.Context, height int64, oldHash, newHash types.Hash) error
	ResetTimer(key string) bool
	Stop(message string) error

	RegisterSubscriber(peerID string) bool
	IsRegisteredSubscriber(peerID string) bool
	UnregisterSubscriber(peerID string)
	WaitNewBlock(ctx context.Context, height int64) (*block.Block, error)
}

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr   string
	server *http.Server
	ln     net.Listener
	logger zerolog.Logger

	chMu     sync.RWMutex
	channels map[string]Channel

	ctx    context.Context // ends websocket sessions on Stop
	cancel context.CancelFunc
	wsWG   sync.WaitGroup

	pingInterval time.Duration

	allowedNets []*net.IPNet // Empty = allow all.
	corsOrigins []string     // Empty = no CORS headers.
}

// New creates a new RPC server. A zero-value RPCConfig allows all IPs
// and disables CORS.
func New(addr string, rpcCfg ...config.RPCConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:         addr,
		channels:     make(map[string]Channel),
		ctx:          ctx,
		cancel:       cancel,
		pingInterval: 30 * time.Second,
		logger:       klog.WithComponent("rpc"),
	}

	if len(rpcCfg) > 0 {
		s.allowedNets = parseAllowedIPs(rpcCfg[0].AllowedIPs)
		s.corsOrigins = rpcCfg[0].CORSOrigins
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/node/", s.guard(s.apiHandler(rpcclient.APINode)))
	mux.HandleFunc("/api/v3/", s.guard(s.apiHandler(rpcclient.APIv3)))
	mux.HandleFunc("/api/v1/status/peer", s.guard(s.handleStatusPeer))
	mux.HandleFunc("/api/ws/", s.guard(s.handleWebsocket))

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}
	return s
}

// parseAllowedIPs converts string IP/CIDR entries into net.IPNet.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		// Try as a single IP (add /32 or /128).
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// AddChannel serves ch under name.
func (s *Server) AddChannel(name string, ch Channel) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	s.channels[name] = ch
}

// RemoveChannel stops serving name.
func (s *Server) RemoveChannel(name string) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	delete(s.channels, name)
}

func (s *Server) channel(name string) (Channel, bool) {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	ch, ok := s.channels[name]
	return ch, ok
}

func (s *Server) channelNames() []string {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("RPC server listening")
	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server and ends open push sessions.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.wsWG.Wait()
	return err
}

// guard applies IP filtering and CORS.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedNets) > 0 {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			ip := net.ParseIP(host)
			if ip == nil || !s.isIPAllowed(ip) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}

		s.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// apiHandler serves JSON-RPC requests for one API path.
func (s *Server) apiHandler(api string) http.HandlerFunc {
	prefix := "/api/" + api + "/"
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")

		if r.Method != http.MethodPost {
			writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
		if err != nil {
			writeError(w, nil, CodeParseError, "failed to read request body")
			return
		}
		if len(body) > maxBodySize {
			writeError(w, nil, CodeInvalidRequest, "request body too large")
			return
		}

		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, nil, CodeParseError, "invalid JSON")
			return
		}
		if req.JSONRPC != "2.0" {
			writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
			return
		}

		ch, ok := s.channel(name)
		if !ok {
			writeError(w, req.ID, CodeNotFound, fmt.Sprintf("channel %q not served", name))
			return
		}

		var (
			result interface{}
			rpcErr *Error
		)
		if api == rpcclient.APIv3 {
			result, rpcErr = s.dispatchV3(r.Context(), ch, &req)
		} else {
			result, rpcErr = s.dispatchNode(r.Context(), ch, &req)
		}
		if rpcErr != nil {
			if rpcErr.Code != CodeMethodNotFound {
				s.logger.Debug().Str("channel", name).Str("method", req.Method).Str("error", rpcErr.Message).Msg("RPC request failed")
			}
			writeJSON(w, Response{JSONRPC: "2.0", Error: rpcErr, ID: req.ID})
			return
		}
		writeJSON(w, Response{JSONRPC: "2.0", Result: result, ID: req.ID})
	}
}

// handleStatusPeer serves the REST status of one channel. The channel
// query parameter may be omitted when a single channel is served.
func (s *Server) handleStatusPeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("channel")
	if name == "" {
		if names := s.channelNames(); len(names) == 1 {
			name = names[0]
		} else {
			name = config.DefaultChannel
		}
	}
	ch, ok := s.channel(name)
	if !ok {
		http.Error(w, fmt.Sprintf("channel %q not served", name), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ch.Status())
}

// Deliver dispatches a broadcast received over gossip to the named
// channel as if it had arrived on the node API.
func (s *Server) Deliver(ctx context.Context, channel, method string, params json.RawMessage) error {
	ch, ok := s.channel(channel)
	if !ok {
		return fmt.Errorf("channel %q not served", channel)
	}
	req := &Request{JSONRPC: "2.0", Method: method, Params: params}
	if _, rpcErr := s.dispatchNode(ctx, ch, req); rpcErr != nil {
		return rpcErr
	}
	return nil
}

// writeJSON writes a JSON-RPC response.
func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON-RPC error response.
func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

// isIPAllowed checks if the IP is in the allowed networks list.
func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// setCORSHeaders adds CORS headers based on the configured origins.
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	allowed := false
	for _, o := range s.corsOrigins {
		if o == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			allowed = true
			break
		}
		if o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			allowed = true
			break
		}
	}

	if allowed {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

// parseParams unmarshals the request params into the given target.
func parseParams(req *Request, target interface{}) *Error {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}
	if err := json.Unmarshal(req.Params, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
