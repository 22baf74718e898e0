// Package connmgr owns every live chat WebSocket for the process. It keeps
// one persistent connection for the "user" role and a keyed map of
// connections for the "agent" role, with two distinct liveness strategies:
// the user socket is kept alive with periodic pings, agent sockets are
// evicted after an idle timeout instead, since an agent may hold many
// simultaneous conversations while a user holds exactly one.
package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"agrichat/internal/domain"
	"agrichat/internal/metrics"
)

const (
	defaultIdleTimeout  = 2 * time.Minute
	defaultPingInterval = 30 * time.Second
)

// Config configures a Manager.
type Config struct {
	WSBaseURL    string
	IdleTimeout  time.Duration     // agent-connection eviction, default 2m
	PingInterval time.Duration     // user-connection keep-alive, default 30s
	Dialer       *websocket.Dialer // default websocket.DefaultDialer
}

// Params identify the connection endpoint: local identity, the user id being
// chatted with (agent role), and the role.
type Params struct {
	LocalID  string
	RemoteID string
	Role     domain.Role
}

// Handlers is the callback set registered for a connection. Calling Connect
// again for the same identity replaces the whole set; old handlers never
// fire after replacement.
type Handlers struct {
	OnOpen    func()
	OnMessage func([]domain.Message)
	OnError   func(error)
	OnClose   func()
}

const (
	stateConnecting int32 = iota
	stateOpen
	stateClosed
)

// conn is one live socket. Writes are serialized through writeMu; the read
// loop is the only reader.
type conn struct {
	key  string // remote user id; empty for the user singleton
	role domain.Role

	writeMu sync.Mutex
	ws      *websocket.Conn

	hmu      sync.RWMutex
	handlers Handlers

	state   atomic.Int32
	closing atomic.Bool

	idleMu    sync.Mutex
	idleTimer *time.Timer

	pingStop chan struct{} // user role only
}

func (c *conn) snapshot() Handlers {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	return c.handlers
}

func (c *conn) setHandlers(h Handlers) {
	c.hmu.Lock()
	c.handlers = h
	c.hmu.Unlock()
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("connection not open")
	}
	return c.ws.WriteJSON(v)
}

// close tears the socket down once. Reports whether the connection was open,
// so the caller can settle the active-connections gauge exactly once.
func (c *conn) close() (wasOpen bool) {
	if !c.closing.CompareAndSwap(false, true) {
		return false
	}
	prev := c.state.Swap(stateClosed)

	c.idleMu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleMu.Unlock()

	if c.pingStop != nil {
		close(c.pingStop)
	}

	c.writeMu.Lock()
	if c.ws != nil {
		c.ws.Close()
	}
	c.writeMu.Unlock()

	return prev == stateOpen
}

func (c *conn) armIdle(d time.Duration, expire func()) {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	c.idleTimer = time.AfterFunc(d, expire)
}

// touchIdle pushes the eviction deadline out. Every inbound or outbound
// message on an agent connection proves it is still active.
func (c *conn) touchIdle(d time.Duration) {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Reset(d)
	}
}

// Manager is the single authority for all live chat sockets. Construct one
// per process and inject it; there is no package-level instance.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	user   *conn
	agents map[string]*conn
}

func New(cfg Config, logger *slog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		agents: make(map[string]*conn),
	}
}

// Connect establishes or reuses the socket for the given identity. For the
// user role there is at most one live socket no matter how often Connect is
// called; for the agent role sockets are keyed by the remote user id. Repeat
// calls for a live identity replace the handler set and, if the socket is
// already open, re-invoke OnOpen synchronously so the caller's state stays
// consistent across screen re-focus. Connect never fails synchronously;
// dial errors surface through OnError.
func (m *Manager) Connect(ctx context.Context, p Params, h Handlers) error {
	if !p.Role.Valid() {
		return fmt.Errorf("invalid role %q", p.Role)
	}

	m.mu.Lock()
	existing := m.lookupLocked(p.Role, p.RemoteID)
	if existing != nil && !existing.closing.Load() {
		existing.setHandlers(h)
		open := existing.state.Load() == stateOpen
		m.mu.Unlock()
		if open && h.OnOpen != nil {
			h.OnOpen()
		}
		return nil
	}

	c := &conn{role: p.Role, handlers: h}
	if p.Role == domain.RoleUser {
		c.pingStop = make(chan struct{})
		m.user = c
	} else {
		c.key = p.RemoteID
		m.agents[p.RemoteID] = c
	}
	m.mu.Unlock()

	go m.dial(ctx, c, p)
	return nil
}

func (m *Manager) lookupLocked(role domain.Role, remoteID string) *conn {
	if role == domain.RoleUser {
		return m.user
	}
	return m.agents[remoteID]
}

func (m *Manager) dial(ctx context.Context, c *conn, p Params) {
	url := fmt.Sprintf("%s/chat/ws/%s/%s/%s",
		strings.TrimSuffix(m.cfg.WSBaseURL, "/"), p.LocalID, p.RemoteID, p.Role)

	ws, resp, err := m.cfg.Dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.remove(c)
		c.state.Store(stateClosed)
		m.logger.Warn("chat dial failed", "role", p.Role, "remote", p.RemoteID, "err", err)
		if h := c.snapshot(); h.OnError != nil {
			h.OnError(fmt.Errorf("dial chat socket: %w", err))
		}
		return
	}

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()

	// Disconnected while the dial was in flight.
	if c.closing.Load() {
		ws.Close()
		m.remove(c)
		return
	}

	c.state.Store(stateOpen)
	connGauge(c.role).Inc()
	m.logger.Info("chat socket open", "role", p.Role, "remote", p.RemoteID)

	switch c.role {
	case domain.RoleUser:
		go m.keepAlive(c)
	case domain.RoleAgent:
		c.armIdle(m.cfg.IdleTimeout, func() { m.evict(c) })
	}

	if h := c.snapshot(); h.OnOpen != nil {
		h.OnOpen()
	}

	m.readLoop(c)
}

// readLoop delivers inbound frames in transport order. It is the only place
// connection teardown callbacks fire for sockets that reached the open state.
func (m *Manager) readLoop(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			m.finish(c, err)
			return
		}

		msgs, derr := decodeInbound(data)
		if derr != nil {
			m.logger.Warn("undecodable chat frame", "role", c.role, "remote", c.key, "err", derr)
			continue
		}

		if c.role == domain.RoleAgent {
			c.touchIdle(m.cfg.IdleTimeout)
		}
		metrics.MessagesReceived.Add(int64(len(msgs)))

		if h := c.snapshot(); h.OnMessage != nil {
			h.OnMessage(msgs)
		}
	}
}

// finish cleans up after the read loop exits. Errors caused by our own
// close (disconnect, idle eviction, shutdown) are not reported as errors;
// the close itself still is.
func (m *Manager) finish(c *conn, err error) {
	expected := c.closing.Load()
	if c.close() {
		connGauge(c.role).Dec()
	}
	m.remove(c)

	h := c.snapshot()
	cleanClose := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if !expected && err != nil && !cleanClose {
		m.logger.Warn("chat socket error", "role", c.role, "remote", c.key, "err", err)
		if h.OnError != nil {
			h.OnError(err)
		}
	}
	if h.OnClose != nil {
		h.OnClose()
	}
}

func (m *Manager) keepAlive(c *conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.pingStop:
			return
		case <-ticker.C:
			if err := c.writeJSON(pingFrame{Type: framePing}); err != nil {
				return
			}
			metrics.PingsSent.Inc()
		}
	}
}

func (m *Manager) evict(c *conn) {
	if c.state.Load() != stateOpen {
		return
	}
	m.logger.Info("agent connection idle, evicting", "remote", c.key)
	metrics.IdleEvictions.Inc()
	m.remove(c)
	if c.close() {
		connGauge(c.role).Dec()
	}
}

func (m *Manager) remove(c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.role == domain.RoleUser {
		if m.user == c {
			m.user = nil
		}
		return
	}
	if m.agents[c.key] == c {
		delete(m.agents, c.key)
	}
}

// SendChat frames and sends a message. An empty remoteID targets the user
// singleton, otherwise the agent connection for that user id. Returns false
// without sending when the target socket is not open; checking connection
// state before offering send UI is the caller's job. Agent sends reset the
// idle timer.
func (m *Manager) SendChat(msg domain.Message, remoteID string) bool {
	m.mu.Lock()
	var c *conn
	if remoteID == "" {
		c = m.user
	} else {
		c = m.agents[remoteID]
	}
	m.mu.Unlock()

	if c == nil || c.state.Load() != stateOpen {
		return false
	}

	if err := c.writeJSON(chatFrame{Type: frameChat, Message: msg}); err != nil {
		m.logger.Warn("chat send failed", "remote", remoteID, "err", err)
		return false
	}

	if c.role == domain.RoleAgent {
		c.touchIdle(m.cfg.IdleTimeout)
	}
	metrics.MessagesSent.Inc()
	return true
}

// Disconnect closes and removes the user singleton (empty remoteID) or the
// agent connection for remoteID. Disconnecting a connection that does not
// exist is a no-op.
func (m *Manager) Disconnect(remoteID string) {
	m.mu.Lock()
	var c *conn
	if remoteID == "" {
		if m.user != nil {
			c = m.user
			m.user = nil
		}
	} else {
		if entry, ok := m.agents[remoteID]; ok {
			c = entry
			delete(m.agents, remoteID)
		}
	}
	m.mu.Unlock()

	if c == nil {
		return
	}
	if c.close() {
		connGauge(c.role).Dec()
	}
}

// IsConnected reports whether the socket for the identity is in the OPEN
// transport state. Connecting and closed sockets both report false.
func (m *Manager) IsConnected(remoteID string, role domain.Role) bool {
	m.mu.Lock()
	c := m.lookupLocked(role, remoteID)
	m.mu.Unlock()
	return c != nil && c.state.Load() == stateOpen
}

// Close tears down every live connection. Used at process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.agents)+1)
	if m.user != nil {
		conns = append(conns, m.user)
		m.user = nil
	}
	for key, c := range m.agents {
		conns = append(conns, c)
		delete(m.agents, key)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if c.close() {
			connGauge(c.role).Dec()
		}
	}
}

func connGauge(role domain.Role) *metrics.Gauge {
	if role == domain.RoleAgent {
		return metrics.ConnectionsActiveAgent
	}
	return metrics.ConnectionsActiveUser
}
