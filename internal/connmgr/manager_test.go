package connmgr

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agrichat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type backendFrame struct {
	path string
	data []byte
}

// backend is a mock chat routing server: it accepts upgrades, records every
// inbound frame, and can push frames to connected clients.
type backend struct {
	srv      *httptest.Server
	mu       sync.Mutex
	conns    map[string]*websocket.Conn // path -> most recent connection
	upgrades atomic.Int32
	frames   chan backendFrame
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		conns:  make(map[string]*websocket.Conn),
		frames: make(chan backendFrame, 64),
	}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.upgrades.Add(1)
		b.mu.Lock()
		b.conns[r.URL.Path] = ws
		b.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			b.frames <- backendFrame{path: r.URL.Path, data: data}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *backend) send(t *testing.T, path string, v any) {
	t.Helper()
	b.mu.Lock()
	ws := b.conns[path]
	b.mu.Unlock()
	if ws == nil {
		t.Fatalf("no backend connection for %s", path)
	}
	if err := ws.WriteJSON(v); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + msg)
}

func openConn(t *testing.T, m *Manager, p Params, h Handlers) {
	t.Helper()
	opened := make(chan struct{})
	userOpen := h.OnOpen
	h.OnOpen = func() {
		select {
		case opened <- struct{}{}:
		default:
		}
		if userOpen != nil {
			userOpen()
		}
	}
	if err := m.Connect(context.Background(), p, h); err != nil {
		t.Fatal(err)
	}
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not open")
	}
}

func TestConnect_UserSingleton(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL()}, testLogger())
	defer m.Close()

	p := Params{LocalID: "u1", RemoteID: "router", Role: domain.RoleUser}
	openConn(t, m, p, Handlers{})

	// Second connect must not dial again, and must re-fire OnOpen
	// synchronously since the socket is already open.
	var reopened bool
	if err := m.Connect(context.Background(), p, Handlers{OnOpen: func() { reopened = true }}); err != nil {
		t.Fatal(err)
	}
	if !reopened {
		t.Error("second Connect should invoke OnOpen synchronously on an open socket")
	}
	if got := b.upgrades.Load(); got != 1 {
		t.Errorf("expected a single upgrade, got %d", got)
	}
	if !m.IsConnected("router", domain.RoleUser) {
		t.Error("user connection should be open")
	}
}

func TestConnect_DialPath(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL()}, testLogger())
	defer m.Close()

	openConn(t, m, Params{LocalID: "agent-1", RemoteID: "u7", Role: domain.RoleAgent}, Handlers{})

	b.mu.Lock()
	_, ok := b.conns["/chat/ws/agent-1/u7/agent"]
	b.mu.Unlock()
	if !ok {
		t.Error("expected dial path /chat/ws/{localId}/{remoteId}/{role}")
	}
}

func TestAgent_PerKeyIsolation(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL()}, testLogger())
	defer m.Close()

	var u2Msgs atomic.Int32
	openConn(t, m, Params{LocalID: "a1", RemoteID: "u1", Role: domain.RoleAgent}, Handlers{})
	openConn(t, m, Params{LocalID: "a1", RemoteID: "u2", Role: domain.RoleAgent}, Handlers{
		OnMessage: func(msgs []domain.Message) { u2Msgs.Add(int32(len(msgs))) },
	})

	if b.upgrades.Load() != 2 {
		t.Fatalf("expected two independent sockets, got %d upgrades", b.upgrades.Load())
	}

	m.Disconnect("u1")
	waitFor(t, 2*time.Second, func() bool { return !m.IsConnected("u1", domain.RoleAgent) },
		"u1 to disconnect")

	if !m.IsConnected("u2", domain.RoleAgent) {
		t.Fatal("closing u1 must leave u2 open")
	}

	// u2's callbacks are still the registered set.
	b.send(t, "/chat/ws/a1/u2/agent", domain.Message{ID: "m1", Text: "still here"})
	waitFor(t, 2*time.Second, func() bool { return u2Msgs.Load() == 1 }, "u2 message delivery")
}

func TestAgent_IdleEviction(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL(), IdleTimeout: 80 * time.Millisecond}, testLogger())
	defer m.Close()

	var closed atomic.Bool
	openConn(t, m, Params{LocalID: "a1", RemoteID: "u1", Role: domain.RoleAgent}, Handlers{
		OnClose: func() { closed.Store(true) },
	})

	waitFor(t, 2*time.Second, func() bool { return !m.IsConnected("u1", domain.RoleAgent) },
		"idle eviction")
	waitFor(t, 2*time.Second, func() bool { return closed.Load() }, "OnClose after eviction")

	// The entry is gone: a send for that key is a no-op.
	if m.SendChat(domain.Message{ID: "m1"}, "u1") {
		t.Error("send after eviction should report false")
	}
}

func TestAgent_SendResetsIdleTimer(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL(), IdleTimeout: 120 * time.Millisecond}, testLogger())
	defer m.Close()

	openConn(t, m, Params{LocalID: "a1", RemoteID: "u1", Role: domain.RoleAgent}, Handlers{})

	// Keep sending for three idle windows; activity must hold eviction off.
	for i := 0; i < 9; i++ {
		if !m.SendChat(domain.Message{ID: "m", Text: "ping"}, "u1") {
			t.Fatalf("send %d failed; connection evicted too early", i)
		}
		time.Sleep(40 * time.Millisecond)
	}
	if !m.IsConnected("u1", domain.RoleAgent) {
		t.Fatal("active connection must not be evicted")
	}

	// Silence: the timer finally fires.
	waitFor(t, 2*time.Second, func() bool { return !m.IsConnected("u1", domain.RoleAgent) },
		"eviction after going quiet")
}

func TestAgent_InboundResetsIdleTimer(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL(), IdleTimeout: 120 * time.Millisecond}, testLogger())
	defer m.Close()

	openConn(t, m, Params{LocalID: "a1", RemoteID: "u1", Role: domain.RoleAgent}, Handlers{})

	for i := 0; i < 9; i++ {
		b.send(t, "/chat/ws/a1/u1/agent", domain.Message{ID: "m", Text: "hello"})
		time.Sleep(40 * time.Millisecond)
	}
	if !m.IsConnected("u1", domain.RoleAgent) {
		t.Fatal("inbound traffic must reset the idle timer")
	}
}

func TestUser_KeepAlivePing(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL(), PingInterval: 40 * time.Millisecond}, testLogger())
	defer m.Close()

	openConn(t, m, Params{LocalID: "u1", RemoteID: "router", Role: domain.RoleUser}, Handlers{})

	select {
	case f := <-b.frames:
		var frame map[string]any
		if err := json.Unmarshal(f.data, &frame); err != nil {
			t.Fatal(err)
		}
		if frame["type"] != "ping" {
			t.Errorf("expected ping frame, got %s", f.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no keep-alive ping observed")
	}
}

func TestAgent_NoKeepAlivePing(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL(), PingInterval: 30 * time.Millisecond, IdleTimeout: 10 * time.Second}, testLogger())
	defer m.Close()

	openConn(t, m, Params{LocalID: "a1", RemoteID: "u1", Role: domain.RoleAgent}, Handlers{})

	select {
	case f := <-b.frames:
		t.Errorf("agent connection must never ping, saw frame %s", f.data)
	case <-time.After(150 * time.Millisecond):
		// quiet, as intended: agent liveness is the idle timer's job
	}
}

func TestSendChat_FramesMessage(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL()}, testLogger())
	defer m.Close()

	openConn(t, m, Params{LocalID: "u1", RemoteID: "router", Role: domain.RoleUser}, Handlers{})

	msg := domain.Message{ID: "m1", Text: "two crates of mangoes", SenderID: "u1", SenderName: "Mai"}
	if !m.SendChat(msg, "") {
		t.Fatal("send on open user socket should succeed")
	}

	select {
	case f := <-b.frames:
		var frame chatFrame
		if err := json.Unmarshal(f.data, &frame); err != nil {
			t.Fatal(err)
		}
		if frame.Type != "chat" || frame.Message.ID != "m1" || frame.Message.Text != "two crates of mangoes" {
			t.Errorf("bad chat envelope: %s", f.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chat frame never arrived")
	}
}

func TestSendChat_NoSocketIsNoop(t *testing.T) {
	m := New(Config{WSBaseURL: "ws://127.0.0.1:1"}, testLogger())
	defer m.Close()

	if m.SendChat(domain.Message{ID: "m1"}, "") {
		t.Error("send without a user socket should report false")
	}
	if m.SendChat(domain.Message{ID: "m1"}, "u1") {
		t.Error("send without an agent socket should report false")
	}
}

func TestInbound_HistoryReplayNormalized(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL()}, testLogger())
	defer m.Close()

	var mu sync.Mutex
	var got []domain.Message
	openConn(t, m, Params{LocalID: "u1", RemoteID: "router", Role: domain.RoleUser}, Handlers{
		OnMessage: func(msgs []domain.Message) {
			mu.Lock()
			got = append(got, msgs...)
			mu.Unlock()
		},
	})

	path := "/chat/ws/u1/router/user"
	b.send(t, path, map[string]any{"messages": []domain.Message{{ID: "h1", Text: "a"}, {ID: "h2", Text: "b"}}})
	b.send(t, path, domain.Message{ID: "m3", Text: "c"})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "normalized delivery of batch and single frames")

	mu.Lock()
	defer mu.Unlock()
	if got[0].ID != "h1" || got[1].ID != "h2" || got[2].ID != "m3" {
		t.Errorf("transport order not preserved: %v", got)
	}
}

func TestConnect_ReplacesHandlers(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL()}, testLogger())
	defer m.Close()

	var oldCalls, newCalls atomic.Int32
	p := Params{LocalID: "a1", RemoteID: "u1", Role: domain.RoleAgent}
	openConn(t, m, p, Handlers{
		OnMessage: func([]domain.Message) { oldCalls.Add(1) },
	})

	// Screen re-focus: same key, fresh callback set.
	if err := m.Connect(context.Background(), p, Handlers{
		OnMessage: func([]domain.Message) { newCalls.Add(1) },
	}); err != nil {
		t.Fatal(err)
	}

	b.send(t, "/chat/ws/a1/u1/agent", domain.Message{ID: "m1", Text: "hi"})
	waitFor(t, 2*time.Second, func() bool { return newCalls.Load() == 1 }, "replacement handler delivery")

	if oldCalls.Load() != 0 {
		t.Error("replaced handlers must not fire")
	}
	if b.upgrades.Load() != 1 {
		t.Errorf("re-connect must not re-dial, got %d upgrades", b.upgrades.Load())
	}
}

func TestConnect_DialFailureSurfacesAsync(t *testing.T) {
	m := New(Config{WSBaseURL: "ws://127.0.0.1:1"}, testLogger())
	defer m.Close()

	errCh := make(chan error, 1)
	err := m.Connect(context.Background(), Params{LocalID: "u1", RemoteID: "router", Role: domain.RoleUser}, Handlers{
		OnError: func(err error) { errCh <- err },
	})
	if err != nil {
		t.Fatalf("Connect must not fail synchronously: %v", err)
	}

	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("dial failure never surfaced via OnError")
	}

	// Cleanup happened: a later Connect dials fresh (no stale entry).
	if m.IsConnected("router", domain.RoleUser) {
		t.Error("failed connection should not be tracked")
	}
}

func TestConnect_InvalidRole(t *testing.T) {
	m := New(Config{WSBaseURL: "ws://127.0.0.1:1"}, testLogger())
	defer m.Close()

	if err := m.Connect(context.Background(), Params{Role: "admin"}, Handlers{}); err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL()}, testLogger())
	defer m.Close()

	openConn(t, m, Params{LocalID: "a1", RemoteID: "u1", Role: domain.RoleAgent}, Handlers{})

	m.Disconnect("u1")
	// Repeat disconnects and disconnects of never-connected identities
	// must all be no-ops.
	m.Disconnect("u1")
	m.Disconnect("")
	m.Disconnect("unknown")
}

func TestRemoteClose_CleansUp(t *testing.T) {
	b := newBackend(t)
	m := New(Config{WSBaseURL: b.wsURL()}, testLogger())
	defer m.Close()

	var closed atomic.Bool
	openConn(t, m, Params{LocalID: "u1", RemoteID: "router", Role: domain.RoleUser}, Handlers{
		OnClose: func() { closed.Store(true) },
	})

	b.mu.Lock()
	b.conns["/chat/ws/u1/router/user"].Close()
	b.mu.Unlock()

	waitFor(t, 2*time.Second, func() bool { return closed.Load() }, "OnClose after remote close")
	if m.IsConnected("router", domain.RoleUser) {
		t.Error("remotely closed singleton should be cleaned up")
	}

	// A fresh Connect transparently creates a new socket.
	openConn(t, m, Params{LocalID: "u1", RemoteID: "router", Role: domain.RoleUser}, Handlers{})
	if b.upgrades.Load() != 2 {
		t.Errorf("expected a second dial after cleanup, got %d", b.upgrades.Load())
	}
}
