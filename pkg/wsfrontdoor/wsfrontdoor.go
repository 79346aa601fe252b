// Package wsfrontdoor serves the /watch WebSocket endpoint (§4.12):
// request validation ahead of the handshake, connection registration with
// the subscription registry and watch bridge, and the inbound message
// loop that hands frames to the registry's JSON dispatch.
package wsfrontdoor

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fsx-project/fsx/pkg/log"
	"github.com/fsx-project/fsx/pkg/pathutil"
	"github.com/fsx-project/fsx/pkg/subscribe"
	"github.com/fsx-project/fsx/pkg/watchbridge"
)

// Bridge is the subset of *watchbridge.Bridge this package depends on.
type Bridge interface {
	RegisterConn(id subscribe.ConnID, conn watchbridge.Conn)
	UnregisterConn(id subscribe.ConnID)
}

// Registry is the subset of *subscribe.Registry this package depends on.
type Registry interface {
	Subscribe(conn subscribe.ConnID, path, group string) (bool, error)
	RemoveConnection(conn subscribe.ConnID)
	HandleMessage(conn subscribe.ConnID, raw string) subscribe.MessageResult
}

// errorBody is the JSON shape written for a rejected upgrade request.
type errorBody struct {
	Error string `json:"error"`
}

// Server serves the /watch endpoint.
type Server struct {
	nextID int64 // first field: must stay 8-byte aligned for atomic ops on 32-bit platforms

	registry Registry
	bridge   Bridge
	upgrader websocket.Upgrader
}

// New constructs a Server. checkOrigin, if nil, leaves gorilla/websocket's
// default check in place, which rejects a request whose Origin header names
// a host other than the request's Host.
func New(registry Registry, bridge Bridge, checkOrigin func(*http.Request) bool) *Server {
	return &Server{
		registry: registry,
		bridge:   bridge,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

// Mount registers the /watch route on r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/watch", s.handleWatch)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code + ": " + msg})
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	logger := log.New("wsfrontdoor")

	rawPath := r.URL.Query().Get("path")
	if rawPath == "" {
		writeError(w, http.StatusBadRequest, "EINVAL", "missing path query parameter")
		return
	}
	norm, err := pathutil.Normalize(rawPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "EINVAL", "path must be absolute")
		return
	}

	if !isWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		w.Header().Set("Connection", "Upgrade")
		w.WriteHeader(http.StatusUpgradeRequired)
		return
	}

	if r.Header.Get("Sec-WebSocket-Key") == "" {
		writeError(w, http.StatusBadRequest, "EINVAL", "missing Sec-WebSocket-Key")
		return
	}

	if v := r.Header.Get("Sec-WebSocket-Version"); v != "13" {
		w.Header().Set("Sec-WebSocket-Version", "13")
		writeError(w, http.StatusBadRequest, "EINVAL", "unsupported Sec-WebSocket-Version")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("websocket handshake failed")
		return
	}

	connID := subscribe.ConnID(s.allocConnID())
	recursive := r.URL.Query().Get("recursive") == "true"

	pattern := norm
	if recursive {
		pattern, err = pathutil.Join(norm, "**")
		if err != nil {
			pattern = norm
		}
	}
	if _, err := s.registry.Subscribe(connID, pattern, ""); err != nil {
		logger.Error().Err(err).Str("path", pattern).Msg("initial subscribe failed")
	}

	wc := &wsConn{conn: conn}
	s.bridge.RegisterConn(connID, wc)

	s.messageLoop(connID, wc)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Upgrade", "websocket") &&
		headerContainsToken(r.Header, "Connection", "Upgrade")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func (s *Server) allocConnID() string {
	n := atomic.AddInt64(&s.nextID, 1)
	return "ws-" + strconv.FormatInt(n, 10)
}

// messageLoop reads text frames until the connection closes (any RFC 6455
// close code), dispatching each to the registry and writing back the
// result, then cleans up the connection's bridge/registry state.
func (s *Server) messageLoop(connID subscribe.ConnID, wc *wsConn) {
	logger := log.New("wsfrontdoor")
	defer func() {
		s.bridge.UnregisterConn(connID)
		s.registry.RemoveConnection(connID)
		_ = wc.conn.Close()
	}()

	for {
		msgType, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseProtocolError,
				websocket.CloseUnsupportedData,
				websocket.ClosePolicyViolation,
				websocket.CloseInternalServerErr,
			) {
				logger.Error().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		result := s.registry.HandleMessage(connID, string(data))
		payload, err := json.Marshal(result)
		if err != nil {
			logger.Error().Err(err).Msg("failed to marshal message result")
			continue
		}
		if err := wc.Send(payload); err != nil {
			return
		}
	}
}

// wsConn adapts *websocket.Conn to watchbridge.Conn, serializing writes:
// gorilla/websocket permits only one concurrent writer per connection, but
// the bridge's fan-out and this package's message loop can both write to
// the same connection from different goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
