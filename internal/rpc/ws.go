package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stjordanis/loopchain/internal/channel"
	"github.com/stjordanis/loopchain/internal/subscriber"
	"github.com/stjordanis/loopchain/pkg/block"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebsocket serves the block push channel at /api/ws/<channel>.
// The subscriber names its local height; blocks above it are pushed in
// order, then every new block as it is committed.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/ws/"), "/")
	ch, ok := s.channel(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	height, err := strconv.ParseInt(q.Get("height"), 10, 64)
	if err != nil {
		http.Error(w, "height query parameter is required", http.StatusBadRequest)
		return
	}
	session := uuid.NewString()
	peerID := q.Get("peer_id")
	if peerID == "" {
		peerID = session
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("channel", name).Msg("Websocket upgrade failed")
		return
	}
	s.wsWG.Add(1)
	defer s.wsWG.Done()
	defer conn.Close()

	logger := s.logger.With().
		Str("channel", name).
		Str("session", session).
		Str("subscriber", peerID).
		Logger()

	if ch.IsRegisteredSubscriber(peerID) {
		logger.Info().Msg("Subscriber already holds a push session, opening another")
	}
	if !ch.RegisterSubscriber(peerID) {
		logger.Warn().Msg("Subscriber limit reached, refusing push session")
		writeClose(conn, "subscriber limit reached")
		return
	}
	defer ch.UnregisterSubscriber(peerID)
	logger.Info().Int64("height", height).Msg("Push session opened")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// The subscriber only sends control frames; a read error means it left.
	conn.SetReadLimit(wsReadLimit)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	blocks := make(chan *block.Block)
	errc := make(chan error, 1)
	go func() {
		next := height
		for {
			blk, err := ch.WaitNewBlock(ctx, next)
			if err != nil {
				errc <- err
				return
			}
			select {
			case blocks <- blk:
				next = blk.Height()
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case blk := <-blocks:
			if err := writeMessage(conn, subscriber.MethodPublishNewBlock, subscriber.BlockParams{Block: blk}); err != nil {
				logger.Debug().Err(err).Msg("Push write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				logger.Debug().Err(err).Msg("Push ping failed")
				return
			}
			if err := writeMessage(conn, subscriber.MethodPublishHeartbeat, nil); err != nil {
				return
			}
		case err := <-errc:
			switch {
			case errors.Is(err, context.Canceled):
				logger.Info().Msg("Push session closed")
			case errors.Is(err, channel.ErrSubscriberAhead):
				logger.Warn().Int64("height", height).Msg("Subscriber is ahead of this node")
				writeClose(conn, err.Error())
			default:
				logger.Warn().Err(err).Msg("Push session ended")
				writeClose(conn, err.Error())
			}
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, method string, params interface{}) error {
	msg := subscriber.Message{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		msg.Params = raw
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

func writeClose(conn *websocket.Conn, reason string) {
	writeMessage(conn, subscriber.MethodClose, subscriber.CloseParams{Error: reason})
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
