// Package monitor serves the dispatcher's operator endpoints: a WebSocket
// stream of scheduler events and warning logs, Prometheus metrics and a JSON
// stats snapshot.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gtcpd/internal/logging"
	"gtcpd/internal/scheduler"
)

const (
	writeDeadline      = 5 * time.Second
	readDeadline       = 90 * time.Second
	pingInterval       = 30 * time.Second
	maxReadMessageSize = 32 * 1024
	defaultBufferSize  = 256
	statsTimeout       = 2 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	// The monitor binds to an operator address; browsers from any origin may
	// watch it.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// StatsFunc returns the value served as JSON on /stats.
type StatsFunc func(ctx context.Context) (any, error)

// Options configures a Hub.
type Options struct {
	// Addr is the listen address. "127.0.0.1:0" picks a free port.
	Addr string
	// Metrics is served on /metrics when non-nil.
	Metrics http.Handler
	// Stats is served on /stats when non-nil.
	Stats StatsFunc
	// BufferSize is the per-subscriber queue length. Messages beyond it are dropped.
	BufferSize int
}

// Hub fans published messages out to every WebSocket subscriber.
// Publishing never blocks: a subscriber that falls behind loses messages.
type Hub struct {
	opts Options

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	dropped atomic.Uint64

	listener  net.Listener
	server    *http.Server
	closeOnce sync.Once
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu    sync.Mutex
	types map[string]bool
}

func (s *subscriber) wants(msgType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[msgType]
}

// NewHub returns an unstarted Hub.
func NewHub(opts Options) *Hub {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	return &Hub{opts: opts, subs: make(map[*subscriber]struct{})}
}

// Handler returns the HTTP routes served by the hub.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if h.opts.Metrics != nil {
		mux.Handle("/metrics", h.opts.Metrics)
	}
	if h.opts.Stats != nil {
		mux.HandleFunc("/stats", h.handleStats)
	}
	return mux
}

// Start listens on the configured address and serves in the background.
func (h *Hub) Start(ctx context.Context) error {
	if h.server != nil {
		return errors.New("monitor: already started")
	}
	ln, err := net.Listen("tcp", h.opts.Addr)
	if err != nil {
		return fmt.Errorf("monitor: listen: %w", err)
	}
	h.listener = ln
	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if serveErr := h.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("[monitor] server error", "error", serveErr)
		}
	}()
	slog.Info("[monitor] serving", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (h *Hub) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop closes every subscriber and shuts the server down. It is idempotent.
func (h *Hub) Stop() error {
	var stopErr error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		subs := h.subs
		h.subs = make(map[*subscriber]struct{})
		h.mu.Unlock()
		for s := range subs {
			h.closeSubscriber(s, "hub stopped")
		}

		if h.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.server.Shutdown(shutdownCtx); err != nil {
				stopErr = fmt.Errorf("monitor: shutdown: %w", err)
			}
		}
		slog.Info("[monitor] stopped", "dropped", h.dropped.Load())
	})
	return stopErr
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the number of messages discarded for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Observe implements scheduler.Observer.
func (h *Hub) Observe(e scheduler.Event) { h.Publish(TypeEvent, e) }

// PublishLog forwards a teed log record. It matches logging.EntryCallback.
func (h *Hub) PublishLog(e logging.Entry) { h.Publish(TypeLog, e) }

// Publish sends data to every subscriber of msgType without blocking.
func (h *Hub) Publish(msgType string, data any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subs) == 0 {
		return
	}

	payload, err := encodeEnvelope(msgType, data)
	if err != nil {
		slog.Debug("[monitor] publish skipped", "error", err)
		return
	}
	for s := range h.subs {
		if !s.wants(msgType) {
			continue
		}
		select {
		case s.send <- payload:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()
	stats, err := h.opts.Stats(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		slog.Debug("[monitor] write stats failed", "error", err)
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[monitor] upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxReadMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		slog.Warn("[monitor] SetReadDeadline failed on new connection", "error", err)
		_ = conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	s := &subscriber{
		conn:  conn,
		send:  make(chan []byte, h.opts.BufferSize),
		done:  make(chan struct{}),
		types: map[string]bool{TypeEvent: true, TypeLog: true},
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	slog.Info("[monitor] subscriber connected", "remoteAddr", conn.RemoteAddr().String())

	go h.writePump(s)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[monitor] read pump recovered from panic", "panic", rec, "stack", string(debug.Stack()))
		}
		h.remove(s)
		h.closeSubscriber(s, "read pump exit")
		slog.Info("[monitor] subscriber disconnected", "remoteAddr", conn.RemoteAddr().String())
	}()

	for {
		msgType, msg, readErr := conn.ReadMessage()
		if readErr != nil {
			if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("[monitor] read error", "error", readErr)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var sub subscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			h.sendError(s, fmt.Sprintf("invalid JSON: %s", err))
			continue
		}
		if err := s.apply(sub); err != nil {
			h.sendError(s, err.Error())
		}
	}
}

func (s *subscriber) apply(msg subscribeMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range msg.Types {
		if !validType(t) {
			return fmt.Errorf("unknown message type %q", t)
		}
	}
	switch msg.Action {
	case subscribeAction:
		for _, t := range msg.Types {
			s.types[t] = true
		}
	case unsubscribeAction:
		for _, t := range msg.Types {
			delete(s.types, t)
		}
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
	return nil
}

func (h *Hub) sendError(s *subscriber, message string) {
	payload, err := json.Marshal(errorMsg{Type: "error", Message: message})
	if err != nil {
		return
	}
	select {
	case s.send <- payload:
	default:
		h.dropped.Add(1)
	}
}

// writePump owns all writes to the subscriber's connection, including pings.
func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		var (
			msgType = websocket.TextMessage
			payload []byte
		)
		select {
		case <-s.done:
			return
		case payload = <-s.send:
		case <-ticker.C:
			msgType = websocket.PingMessage
		}

		if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			h.remove(s)
			h.closeSubscriber(s, "SetWriteDeadline failure")
			return
		}
		if err := s.conn.WriteMessage(msgType, payload); err != nil {
			slog.Debug("[monitor] write failed, closing subscriber", "error", err)
			h.remove(s)
			h.closeSubscriber(s, "write error")
			return
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *Hub) closeSubscriber(s *subscriber, reason string) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
		close(s.done)
	}
	s.mu.Unlock()
	if err := s.conn.Close(); err != nil {
		slog.Debug("[monitor] connection close", "reason", reason, "error", err)
	}
}
