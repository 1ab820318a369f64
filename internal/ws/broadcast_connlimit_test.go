package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kanaya23/ShoppingAssistant/internal/config"
	"github.com/kanaya23/ShoppingAssistant/internal/protocol"
	"github.com/kanaya23/ShoppingAssistant/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTransport(maxConns int) config.TransportConfig {
	cfg := config.Default().Transport
	cfg.MaxConnections = maxConns
	return cfg
}

// dialTestWS creates a test HTTP server that upgrades to WebSocket and
// returns the server-side and client-side connections. Everything is closed
// when the test ends.
func dialTestWS(t *testing.T) (serverConn, clientConn *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn = <-connCh:
		t.Cleanup(func() { serverConn.Close() })
		return serverConn, clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

// readFrame reads the next frame of the given kind, skipping others.
func readFrame(t *testing.T, conn *websocket.Conn, kind protocol.Kind) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if env.Type == kind {
			return env
		}
	}
}

// nextFrame reads the very next frame.
func nextFrame(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("bad frame %s: %v", data, err)
	}
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAddClient_MaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(session.NewStore(), testTransport(maxConns), discardLogger())
	defer b.Stop()

	var clients []*client
	for i := 0; i < maxConns; i++ {
		conn, _ := dialTestWS(t)
		c, err := b.AddClient(conn, "test")
		if err != nil {
			t.Fatalf("AddClient[%d]: unexpected error: %v", i, err)
		}
		clients = append(clients, c)
	}

	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients, got %d", maxConns, got)
	}

	conn, _ := dialTestWS(t)
	if _, err := b.AddClient(conn, "test"); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients after rejection, got %d", maxConns, got)
	}

	b.RemoveClient(clients[0])

	conn2, _ := dialTestWS(t)
	if _, err := b.AddClient(conn2, "test"); err != nil {
		t.Fatalf("AddClient after removal: unexpected error: %v", err)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients after re-add, got %d", maxConns, got)
	}
}

func TestAddClient_ZeroMaxConnections_Unlimited(t *testing.T) {
	b := NewBroadcaster(session.NewStore(), testTransport(0), discardLogger())
	defer b.Stop()

	for i := 0; i < 10; i++ {
		conn, _ := dialTestWS(t)
		if _, err := b.AddClient(conn, "test"); err != nil {
			t.Fatalf("AddClient[%d]: unexpected error with no limit: %v", i, err)
		}
	}
	if got := b.ClientCount(); got != 10 {
		t.Fatalf("expected 10 clients, got %d", got)
	}
}

// TestWritePump_RemovesClientOnWriteError verifies that a write error takes
// the client out of the broadcaster.
func TestWritePump_RemovesClientOnWriteError(t *testing.T) {
	serverConn, _ := dialTestWS(t)
	b := NewBroadcaster(session.NewStore(), testTransport(0), discardLogger())
	defer b.Stop()

	// Built by hand so the pump starts after the connection is dead.
	c := newClient(serverConn, b, "test")
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	waitFor(t, "client removal", func() bool { return b.ClientCount() == 0 })
}

func TestRemoveClientTwice(t *testing.T) {
	conn, _ := dialTestWS(t)
	b := NewBroadcaster(session.NewStore(), testTransport(0), discardLogger())
	c, err := b.AddClient(conn, "test")
	if err != nil {
		t.Fatal(err)
	}
	b.RemoveClient(c)
	b.RemoveClient(c)
	if got := b.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
	if c.enqueue([]byte("x")) {
		t.Fatal("enqueue on a removed client should fail")
	}
}

func TestRegisterObserverReplaysBusySession(t *testing.T) {
	store := session.NewStore()
	store.Append("s1", session.Message{Role: session.RoleUser, Content: "earlier"})
	if _, err := store.BeginTurn("s1", "find me a laptop"); err != nil {
		t.Fatal(err)
	}
	store.AppendChunk("s1", "Looking", nil)
	store.SetProgress("s1", session.ToolProgress{Tool: "deep_scrape_urls", Current: 1, Total: 3}, nil)

	b := NewBroadcaster(store, testTransport(0), discardLogger())
	defer b.Stop()
	serverConn, clientConn := dialTestWS(t)
	c, err := b.AddClient(serverConn, "test")
	if err != nil {
		t.Fatal(err)
	}

	if got := b.RegisterObserver(c, "s1"); got != "s1" {
		t.Fatalf("RegisterObserver returned %q", got)
	}

	env := nextFrame(t, clientConn)
	if env.Type != protocol.KindRegistered {
		t.Fatalf("first frame = %s, want registered", env.Type)
	}
	var reg protocol.Registered
	json.Unmarshal(env.Payload, &reg)
	if !reg.Busy || reg.Resume == nil || reg.Resume.Buffer != "Looking" {
		t.Fatalf("unexpected registered payload: %s", env.Payload)
	}
	if reg.DriverConnected {
		t.Fatal("no driver is connected")
	}

	env = nextFrame(t, clientConn)
	if env.Type != protocol.KindHistory {
		t.Fatalf("second frame = %s, want history", env.Type)
	}
	var hist protocol.History
	json.Unmarshal(env.Payload, &hist)
	if len(hist.Messages) != 2 {
		t.Fatalf("history has %d messages, want 2", len(hist.Messages))
	}

	env = nextFrame(t, clientConn)
	if env.Type != protocol.KindStreamChunk {
		t.Fatalf("third frame = %s, want stream_chunk", env.Type)
	}
	env = nextFrame(t, clientConn)
	if env.Type != protocol.KindToolProgress {
		t.Fatalf("fourth frame = %s, want tool_progress", env.Type)
	}
	var prog protocol.ToolProgress
	json.Unmarshal(env.Payload, &prog)
	if prog.Name != "deep_scrape_urls" || prog.Current != 1 || prog.Total != 3 {
		t.Fatalf("unexpected progress %+v", prog)
	}

	// Live events reach the bound observer.
	b.ToSession("s1", protocol.StreamChunk{Chunk: " now"})
	env = nextFrame(t, clientConn)
	if env.Type != protocol.KindStreamChunk || !strings.Contains(string(env.Payload), " now") {
		t.Fatalf("unexpected live frame %s %s", env.Type, env.Payload)
	}
	if got := b.Stats().Observers; got != 1 {
		t.Fatalf("observers = %d, want 1", got)
	}
}

func TestRegisterObserverGeneratesSessionID(t *testing.T) {
	b := NewBroadcaster(session.NewStore(), testTransport(0), discardLogger())
	defer b.Stop()
	serverConn, clientConn := dialTestWS(t)
	c, _ := b.AddClient(serverConn, "test")

	id := b.RegisterObserver(c, "")
	if id == "" {
		t.Fatal("expected a generated session id")
	}
	env := readFrame(t, clientConn, protocol.KindRegistered)
	var reg protocol.Registered
	json.Unmarshal(env.Payload, &reg)
	if reg.SessionID != id || reg.Busy || reg.Resume != nil {
		t.Fatalf("unexpected registered payload: %s", env.Payload)
	}
}

func TestDriverActivationAndPromotion(t *testing.T) {
	b := NewBroadcaster(session.NewStore(), testTransport(0), discardLogger())
	defer b.Stop()

	var lost []string
	b.OnDriverLost(func(id string) { lost = append(lost, id) })

	obsConn, obsClient := dialTestWS(t)
	obs, _ := b.AddClient(obsConn, "observer")
	b.RegisterObserver(obs, "s1")
	readFrame(t, obsClient, protocol.KindHistory)

	firstConn, firstClient := dialTestWS(t)
	first, _ := b.AddClient(firstConn, "driver-1")
	if !b.RegisterDriver(first, "7") {
		t.Fatal("first driver should become active")
	}
	env := readFrame(t, firstClient, protocol.KindDriverRegistered)
	var dr protocol.DriverRegistered
	json.Unmarshal(env.Payload, &dr)
	if !dr.Active || dr.ConnectionID != first.id {
		t.Fatalf("unexpected driver_registered %s", env.Payload)
	}

	env = readFrame(t, obsClient, protocol.KindDriverStatus)
	var ds protocol.DriverStatus
	json.Unmarshal(env.Payload, &ds)
	if !ds.Connected {
		t.Fatal("observers should see the driver connect")
	}

	secondConn, secondClient := dialTestWS(t)
	second, _ := b.AddClient(secondConn, "driver-2")
	if b.RegisterDriver(second, "") {
		t.Fatal("second driver should wait")
	}
	env = readFrame(t, secondClient, protocol.KindDriverRegistered)
	json.Unmarshal(env.Payload, &dr)
	if dr.Active {
		t.Fatal("second driver reported active")
	}

	if id, ok := b.ActiveDriver(); !ok || id != first.id {
		t.Fatalf("active driver = %q, want %q", id, first.id)
	}

	b.RemoveClient(first)
	if len(lost) != 1 || lost[0] != first.id {
		t.Fatalf("OnDriverLost calls = %v", lost)
	}
	if id, ok := b.ActiveDriver(); !ok || id != second.id {
		t.Fatalf("active driver after promotion = %q, want %q", id, second.id)
	}
	env = readFrame(t, secondClient, protocol.KindDriverRegistered)
	json.Unmarshal(env.Payload, &dr)
	if !dr.Active {
		t.Fatal("promoted driver should be told it is active")
	}

	b.RemoveClient(second)
	if _, ok := b.ActiveDriver(); ok {
		t.Fatal("no driver should remain")
	}
	env = readFrame(t, obsClient, protocol.KindDriverStatus)
	json.Unmarshal(env.Payload, &ds)
	if ds.Connected {
		t.Fatal("observers should see the last driver leave")
	}
}

func TestSendToDriverRejectsObservers(t *testing.T) {
	b := NewBroadcaster(session.NewStore(), testTransport(0), discardLogger())
	defer b.Stop()
	conn, _ := dialTestWS(t)
	c, _ := b.AddClient(conn, "test")
	b.RegisterObserver(c, "s1")

	if err := b.SendToDriver(c.id, protocol.Ping{CorrelationID: "x"}); !errors.Is(err, ErrNotDriver) {
		t.Fatalf("expected ErrNotDriver, got %v", err)
	}
	if err := b.SendToDriver("missing", protocol.Ping{CorrelationID: "x"}); !errors.Is(err, ErrNotDriver) {
		t.Fatalf("expected ErrNotDriver for unknown id, got %v", err)
	}
}

func TestSlowClientDisconnected(t *testing.T) {
	cfg := testTransport(0)
	cfg.SendBuffer = 1
	b := NewBroadcaster(session.NewStore(), cfg, discardLogger())
	defer b.Stop()
	conn, _ := dialTestWS(t)

	// Never started, so the queue is never drained.
	c := newClient(conn, b, "test")
	b.mu.Lock()
	b.clients[c.id] = c
	c.role = roleObserver
	c.sessionID = "s1"
	b.observers["s1"] = map[string]*client{c.id: c}
	b.mu.Unlock()

	b.ToSession("s1", protocol.StreamChunk{Chunk: "a"})
	b.ToSession("s1", protocol.StreamChunk{Chunk: "b"})

	if got := b.ClientCount(); got != 0 {
		t.Fatalf("slow client should be removed, %d clients left", got)
	}
}
