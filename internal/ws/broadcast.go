// Package ws carries the assistant's WebSocket transport: observer and
// driver connections, fan-out of session events and the HTTP surface.
package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kanaya23/ShoppingAssistant/internal/config"
	"github.com/kanaya23/ShoppingAssistant/internal/protocol"
	"github.com/kanaya23/ShoppingAssistant/internal/session"
)

var (
	// ErrTooManyConnections is returned by AddClient when the connection
	// limit is reached.
	ErrTooManyConnections = errors.New("too many connections")
	// ErrNotDriver is returned when a driver frame targets a connection
	// that is not a registered driver.
	ErrNotDriver = errors.New("connection is not a driver")
	// ErrQueueFull is returned when a connection cannot keep up and was
	// disconnected.
	ErrQueueFull = errors.New("send queue full")
)

// Stats counts live connections by role.
type Stats struct {
	Connections  int  `json:"connections"`
	Observers    int  `json:"observers"`
	Drivers      int  `json:"drivers"`
	DriverActive bool `json:"driverActive"`
}

// Broadcaster tracks every connection and routes frames to them. It
// implements the orchestrator's notifier and the correlator's dispatcher.
//
// Lock order: a session lock may be held while calling into the
// broadcaster, never the other way around.
type Broadcaster struct {
	mu        sync.RWMutex
	clients   map[string]*client
	observers map[string]map[string]*client
	drivers   []*client
	active    *client

	store        *session.Store
	maxConns     int
	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration
	onDriverLost func(connID string)
	logger       *slog.Logger
}

func NewBroadcaster(store *session.Store, cfg config.TransportConfig, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	return &Broadcaster{
		clients:      make(map[string]*client),
		observers:    make(map[string]map[string]*client),
		store:        store,
		maxConns:     cfg.MaxConnections,
		sendBuffer:   cfg.SendBuffer,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		logger:       logger.With("component", "broadcaster"),
	}
}

// OnDriverLost registers fn to run after the active driver disconnects,
// before a replacement is promoted.
func (b *Broadcaster) OnDriverLost(fn func(connID string)) {
	b.mu.Lock()
	b.onDriverLost = fn
	b.mu.Unlock()
}

// AddClient registers a new connection in the pending role and starts its
// write pump.
func (b *Broadcaster) AddClient(conn *websocket.Conn, remoteAddr string) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := newClient(conn, b, remoteAddr)
	b.clients[c.id] = c
	b.mu.Unlock()

	go c.writePump()
	b.logger.Debug("connection opened", "conn", c.id, "remote", remoteAddr)
	return c, nil
}

// RemoveClient unregisters c. Losing the active driver fails its pending
// requests through the OnDriverLost hook and promotes the oldest idle
// driver. Calling RemoveClient twice is harmless.
func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c.id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.clients, c.id)
	b.unbindLocked(c)

	var lostActive bool
	var promoted *client
	if c.role == roleDriver {
		b.drivers = removeClient(b.drivers, c)
		if b.active == c {
			lostActive = true
			b.active = nil
			if len(b.drivers) > 0 {
				promoted = b.drivers[0]
				b.active = promoted
			}
		}
	}
	onLost := b.onDriverLost
	b.mu.Unlock()

	c.close()
	b.logger.Debug("connection closed", "conn", c.id, "role", c.role.String())

	if !lostActive {
		return
	}
	b.logger.Warn("active driver disconnected", "conn", c.id)
	if onLost != nil {
		onLost(c.id)
	}
	if promoted != nil {
		b.logger.Info("driver promoted", "conn", promoted.id)
		b.ToConn(promoted.id, protocol.DriverRegistered{ConnectionID: promoted.id, Active: true})
		return
	}
	b.toAllObservers(protocol.DriverStatus{Connected: false})
}

func (b *Broadcaster) unbindLocked(c *client) {
	if c.role != roleObserver || c.sessionID == "" {
		return
	}
	if set, ok := b.observers[c.sessionID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(b.observers, c.sessionID)
		}
	}
}

func removeClient(list []*client, c *client) []*client {
	out := list[:0]
	for _, x := range list {
		if x != c {
			out = append(out, x)
		}
	}
	return out
}

// RegisterObserver binds c to sessionID, creating the session if needed.
// An empty id gets a fresh one. The registered frame, the history and any
// in-flight turn state are queued while the session lock is held, so no
// live event can slip in between them.
func (b *Broadcaster) RegisterObserver(c *client, sessionID string) string {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	b.store.Resume(sessionID, func(snap session.Snapshot) {
		b.mu.Lock()
		if _, ok := b.clients[c.id]; !ok {
			b.mu.Unlock()
			return
		}
		b.unbindLocked(c)
		c.role = roleObserver
		c.sessionID = sessionID
		set, ok := b.observers[sessionID]
		if !ok {
			set = make(map[string]*client)
			b.observers[sessionID] = set
		}
		set[c.id] = c
		driverConnected := b.active != nil
		b.mu.Unlock()

		resume := snap.Resume()
		b.deliver(c, protocol.Registered{
			SessionID:       sessionID,
			DriverConnected: driverConnected,
			Busy:            snap.Busy,
			Resume:          resume,
		})
		b.deliver(c, protocol.History{Messages: snap.Messages})
		if resume != nil {
			if resume.Buffer != "" {
				b.deliver(c, protocol.StreamChunk{Chunk: resume.Buffer})
			}
			if resume.Progress != nil {
				b.deliver(c, protocol.ProgressFrom(*resume.Progress))
			}
		}
	})

	b.logger.Info("observer registered", "conn", c.id, "session", sessionID)
	return sessionID
}

// RegisterDriver turns c into a driver. The first driver becomes active;
// later ones wait in arrival order until the active one leaves. It reports
// whether c is now the active driver.
func (b *Broadcaster) RegisterDriver(c *client, tabHint string) bool {
	b.mu.Lock()
	if _, ok := b.clients[c.id]; !ok {
		b.mu.Unlock()
		return false
	}
	if c.role == roleDriver {
		active := b.active == c
		b.mu.Unlock()
		b.deliver(c, protocol.DriverRegistered{ConnectionID: c.id, Active: active})
		return active
	}
	b.unbindLocked(c)
	c.role = roleDriver
	c.sessionID = ""
	c.tabHint = tabHint
	b.drivers = append(b.drivers, c)
	becameActive := b.active == nil
	if becameActive {
		b.active = c
	}
	b.mu.Unlock()

	b.logger.Info("driver registered", "conn", c.id, "tab", tabHint, "active", becameActive)
	b.deliver(c, protocol.DriverRegistered{ConnectionID: c.id, Active: becameActive})
	if becameActive {
		b.toAllObservers(protocol.DriverStatus{Connected: true})
	}
	return becameActive
}

// ActiveDriver returns the connection id of the active driver.
func (b *Broadcaster) ActiveDriver() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.active == nil {
		return "", false
	}
	return b.active.id, true
}

// SendToDriver queues msg on the driver connection connID.
func (b *Broadcaster) SendToDriver(connID string, msg protocol.Message) error {
	b.mu.RLock()
	c, ok := b.clients[connID]
	isDriver := ok && c.role == roleDriver
	b.mu.RUnlock()
	if !isDriver {
		return ErrNotDriver
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !b.push(c, data) {
		return ErrQueueFull
	}
	return nil
}

// ToSession sends msg to every observer bound to sessionID.
func (b *Broadcaster) ToSession(sessionID string, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("encode failed", "kind", msg.Kind(), "err", err)
		return
	}

	b.mu.RLock()
	set := b.observers[sessionID]
	targets := make([]*client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		b.push(c, data)
	}
}

// ToConn sends msg to a single connection. Unknown ids are ignored.
func (b *Broadcaster) ToConn(connID string, msg protocol.Message) {
	b.mu.RLock()
	c, ok := b.clients[connID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	b.deliver(c, msg)
}

func (b *Broadcaster) toAllObservers(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("encode failed", "kind", msg.Kind(), "err", err)
		return
	}

	b.mu.RLock()
	var targets []*client
	for _, set := range b.observers {
		for _, c := range set {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		b.push(c, data)
	}
}

func (b *Broadcaster) deliver(c *client, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("encode failed", "kind", msg.Kind(), "err", err)
		return
	}
	b.push(c, data)
}

// push queues data on c. A client that can't keep up is disconnected.
func (b *Broadcaster) push(c *client, data []byte) bool {
	if c.enqueue(data) {
		return true
	}
	select {
	case <-c.done:
	default:
		b.logger.Warn("client too slow, disconnecting", "conn", c.id)
		b.RemoveClient(c)
	}
	return false
}

// Stats returns connection counts.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	observers := 0
	for _, set := range b.observers {
		observers += len(set)
	}
	return Stats{
		Connections:  len(b.clients),
		Observers:    observers,
		Drivers:      len(b.drivers),
		DriverActive: b.active != nil,
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop disconnects every client.
func (b *Broadcaster) Stop() {
	b.mu.RLock()
	all := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		all = append(all, c)
	}
	b.mu.RUnlock()
	for _, c := range all {
		b.RemoveClient(c)
	}
}
