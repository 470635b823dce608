// Package transport owns the duplex channel to clients: websocket upgrade,
// the per-connection read pump, and the write half handed to the bridge's
// session sender.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/threadcast/threadcast/internal/auth"
	"github.com/threadcast/threadcast/internal/breaker"
	"github.com/threadcast/threadcast/internal/bridge"
	"github.com/threadcast/threadcast/internal/compress"
	"github.com/threadcast/threadcast/internal/logger"
	"github.com/threadcast/threadcast/internal/memory"
	"github.com/threadcast/threadcast/internal/metrics"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxInboundSize = 4 << 10 // inbound frames are acks/pings only
)

// Config holds transport tuning.
type Config struct {
	Address         string
	QueueSize       int
	BufferLimit     int64
	FramesPerSecond float64
	FrameBurst      int
}

// Server accepts websocket connections and binds each to a bridge session.
type Server struct {
	cfg       Config
	validator auth.Validator
	bridge    *bridge.Bridge
	tracker   *memory.Tracker
	codec     *compress.Codec
	breakers  *breaker.Registry
	limiter   *RateLimiter

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	wg       sync.WaitGroup
}

// NewServer wires the transport. Nothing listens until Start.
func NewServer(cfg Config, validator auth.Validator, b *bridge.Bridge, tracker *memory.Tracker, codec *compress.Codec, breakers *breaker.Registry) *Server {
	limiter := DefaultRateLimiter()
	if cfg.FramesPerSecond > 0 {
		limiter = NewRateLimiter(cfg.FramesPerSecond, cfg.FrameBurst)
	}
	return &Server{
		cfg:       cfg,
		validator: validator,
		bridge:    b,
		tracker:   tracker,
		codec:     codec,
		breakers:  breakers,
		limiter:   limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the deployment's reverse proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/breakers", s.handleBreakers)
	mux.Handle("/metrics", metrics.Handler())

	s.httpSrv = &http.Server{
		Addr:    s.cfg.Address,
		Handler: metrics.Middleware(mux),
	}

	logger.Info("Transport listening on %s", s.cfg.Address)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and waits for connection pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// handleStream upgrades the connection and attaches it to the bridge.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}

	identity, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Websocket upgrade failed: %v", err)
		return
	}

	connectionID := uuid.NewString()
	s.tracker.Track(connectionID, s.cfg.BufferLimit)

	sender := newWSSender(conn)
	session := bridge.NewSession(connectionID, identity.UserID, threadID, sender, s.codec, s.tracker, s.cfg.QueueSize)

	if err := s.bridge.Attach(r.Context(), session); err != nil {
		s.tracker.Untrack(connectionID)
		reason := "attach_failed"
		if errors.Is(err, breaker.ErrCircuitOpen) {
			reason = "session_store_unavailable"
		} else if errors.Is(err, bridge.ErrNotAuthorized) {
			reason = "not_authorized"
		}
		logger.Error("Attach rejected for %s (user: %s, thread: %s): %v",
			connectionID, identity.UserID, threadID, err)
		_ = sender.Close(reason)
		return
	}

	logger.Info("Connection %s established (user: %s, thread: %s)",
		connectionID, identity.UserID, threadID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readPump(conn, sender, session)
	}()
}

// authenticate extracts and validates the bearer token.
func (s *Server) authenticate(r *http.Request) (auth.UserIdentity, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		// Browsers cannot set headers on websocket upgrades; fall back to
		// the access_token query parameter.
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return auth.UserIdentity{}, auth.ErrInvalidToken
	}
	return s.validator.Validate(token)
}

// inboundFrame is the only shape clients send: keepalive acks.
type inboundFrame struct {
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence,omitempty"`
}

// readPump consumes inbound frames until the connection dies, then detaches
// the session. Inbound traffic only updates liveness; the stream itself is
// server-to-client.
func (s *Server) readPump(conn *websocket.Conn, sender *wsSender, session *bridge.Session) {
	connectionID := session.ConnectionID()
	defer func() {
		s.bridge.Detach(connectionID)
		s.tracker.Untrack(connectionID)
		s.limiter.Forget(connectionID)
	}()

	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		session.Touch()
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	// Keepalive pings ride the same write mutex as data frames.
	stopPings := startPings(sender, session)
	defer stopPings()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Error("Connection %s read error: %v", connectionID, err)
			}
			return
		}

		if !s.limiter.Allow(connectionID) {
			logger.Error("Connection %s exceeded inbound rate limit, closing", connectionID)
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue // Malformed acks are ignored, not fatal
		}
		session.Touch()
	}
}

// startPings runs the keepalive ticker and returns its stop function.
func startPings(sender *wsSender, session *bridge.Session) func() {
	ticker := time.NewTicker(pingInterval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-session.Done():
				return
			case <-ticker.C:
				if err := sender.Ping(); err != nil {
					return
				}
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ready",
		"active_sessions": s.bridge.ActiveCount(),
	})
}

// handleBreakers exposes the registry's aggregate health view.
func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.breakers.AggregateMetrics())
}

// wsSender adapts a gorilla connection to the bridge's Sender. A mutex
// serializes data frames, pings, and the close frame: gorilla permits only
// one concurrent writer.
type wsSender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn}
}

// Send delivers one framed message as a binary websocket frame.
func (w *wsSender) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Ping sends a keepalive ping frame.
func (w *wsSender) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close writes a close frame carrying reason, then tears down the socket.
// The explicit close frame is the contract: clients see why they were
// disconnected (superseded, buffer_exceeded), never a silent drop.
func (w *wsSender) Close(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	code := websocket.CloseNormalClosure
	if reason == "buffer_exceeded" || reason == "queue_overflow" {
		code = websocket.ClosePolicyViolation
	}
	deadline := time.Now().Add(writeTimeout)
	_ = w.conn.SetWriteDeadline(deadline)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return w.conn.Close()
}
