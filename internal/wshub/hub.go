// Package wshub tracks live WebSocket subscriptions and pushes matching events to them.
package wshub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"mdplane/internal/config"
	"mdplane/internal/domain"
)

type Options struct {
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func OptionsFromConfig(c config.WebSocketConfig) Options {
	return Options{SendBuffer: c.SendBuffer, PingInterval: c.PingInterval(), WriteTimeout: c.WriteTimeout()}
}

// ConnectedFrame is the first frame written on every connection.
type ConnectedFrame struct {
	Type         string   `json:"type"`
	ConnectionID string   `json:"connectionId"`
	Events       []string `json:"events"`
}

type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	opts   Options
	logger *slog.Logger
}

type conn struct {
	id     string
	sub    domain.Subscription
	ws     *websocket.Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	seq    int64
	send   chan []byte
	closed bool
	reason string
}

func New(opts Options, logger *slog.Logger) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{conns: map[string]*conn{}, opts: opts, logger: logger.With("component", "wshub")}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Serve upgrades the request and streams events matching sub until the client leaves,
// a write fails or the send buffer overflows.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sub domain.Subscription) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept", "err", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		id:     uuid.NewString(),
		sub:    sub,
		ws:     ws,
		cancel: cancel,
		send:   make(chan []byte, h.opts.SendBuffer),
	}
	hello, _ := json.Marshal(ConnectedFrame{Type: "connected", ConnectionID: c.id, Events: sub.Events})
	c.send <- hello

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.logger.Info("websocket connected", "connection_id", c.id, "workspace", sub.WorkspaceID, "tier", sub.Tier, "scope", sub.ScopePath)

	ctx = ws.CloseRead(ctx)
	h.writeLoop(ctx, c)

	h.remove(c)
	c.mu.Lock()
	c.closed = true
	reason := c.reason
	c.mu.Unlock()
	cancel()
	if reason != "" {
		_ = ws.Close(websocket.StatusPolicyViolation, reason)
	} else {
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}
	h.logger.Info("websocket disconnected", "connection_id", c.id, "reason", reason)
}

func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write", "connection_id", c.id, "err", err)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				h.drop(c, "ping timeout")
				return
			}
		}
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

func (h *Hub) drop(c *conn, reason string) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
	h.remove(c)
	c.cancel()
	h.logger.Warn("websocket dropped", "connection_id", c.id, "reason", reason)
}

// Broadcast implements events.Broadcaster. Each accepted connection gets its own eventId
// and next sequence number; the order of sequence numbers is the order frames are sent.
func (h *Hub) Broadcast(match func(domain.Subscription) bool, env domain.Envelope) int {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		if match == nil || match(c.sub) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		switch c.enqueue(env) {
		case queued:
			sent++
		case bufferFull:
			h.drop(c, "send buffer full")
		}
	}
	return sent
}

type enqueueResult int

const (
	queued enqueueResult = iota
	skipped
	bufferFull
)

// enqueue stamps env for this connection and queues it. Closed connections and
// unencodable frames are skipped without dropping the connection.
func (c *conn) enqueue(env domain.Envelope) enqueueResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return skipped
	}
	env.EventID = uuid.NewString()
	env.Sequence = c.seq + 1
	msg, err := json.Marshal(env)
	if err != nil {
		return skipped
	}
	select {
	case c.send <- msg:
		c.seq++
		return queued
	default:
		return bufferFull
	}
}

// Close disconnects every live connection.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.cancel()
	}
}
