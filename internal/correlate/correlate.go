// Package correlate pairs requests dispatched to the driver with the
// asynchronous responses that come back on its connection.
//
// Every dispatched request gets a fresh correlation id and a single-use
// buffered channel. The channel is fired exactly once, by whichever caller
// removes the id from the pending table: a response, the deadline, context
// cancellation or the loss of the driver.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kanaya23/ShoppingAssistant/internal/protocol"
)

var (
	ErrTimeout    = errors.New("driver did not respond in time")
	ErrNoDriver   = errors.New("no driver connected")
	ErrDriverLost = errors.New("driver disconnected")
	ErrShutdown   = errors.New("server shutting down")
)

// Kind tells the relay what a pending correlation is waiting for.
type Kind string

const (
	KindTool Kind = "tool"
	KindTurn Kind = "turn"
	KindPing Kind = "ping"
)

// Dispatcher routes payloads to driver connections.
type Dispatcher interface {
	ActiveDriver() (string, bool)
	SendToDriver(connID string, msg protocol.Message) error
}

// Request describes one round trip to the driver. Build receives the
// allocated correlation id and returns the frame to send.
type Request struct {
	SessionID string
	ConnID    string
	Kind      Kind
	Tool      string
	Timeout   time.Duration
	Build     func(id string) protocol.Message
}

// Pending is the public view of a correlation that has not resolved yet.
type Pending struct {
	ID        string
	SessionID string
	ConnID    string
	DriverID  string
	Kind      Kind
	Tool      string
	IssuedAt  time.Time
}

type outcome struct {
	event protocol.Correlated
	err   error
}

type slot struct {
	Pending
	done chan outcome
}

type Correlator struct {
	mu       sync.Mutex
	pending  map[string]*slot
	closed   bool
	dispatch Dispatcher
	logger   *slog.Logger
}

func New(dispatch Dispatcher, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		pending:  make(map[string]*slot),
		dispatch: dispatch,
		logger:   logger.With("component", "correlate"),
	}
}

// Issue dispatches req to the active driver and blocks the calling goroutine
// until the response arrives or the correlation fails. Without an active
// driver it returns ErrNoDriver and nothing is registered.
func (c *Correlator) Issue(ctx context.Context, req Request) (protocol.Correlated, error) {
	driverID, ok := c.dispatch.ActiveDriver()
	if !ok {
		return nil, ErrNoDriver
	}

	s := &slot{
		Pending: Pending{
			ID:        uuid.NewString(),
			SessionID: req.SessionID,
			ConnID:    req.ConnID,
			DriverID:  driverID,
			Kind:      req.Kind,
			Tool:      req.Tool,
			IssuedAt:  time.Now(),
		},
		done: make(chan outcome, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	c.pending[s.ID] = s
	c.mu.Unlock()

	if err := c.dispatch.SendToDriver(driverID, req.Build(s.ID)); err != nil {
		c.finish(s.ID, outcome{err: fmt.Errorf("%w: dispatch: %v", ErrDriverLost, err)})
		out := <-s.done
		return out.event, out.err
	}

	var deadline <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case out := <-s.done:
		return out.event, out.err
	case <-deadline:
		if c.finish(s.ID, outcome{err: ErrTimeout}) {
			c.logger.Warn("correlation timed out", "id", s.ID, "kind", s.Kind, "tool", s.Tool, "timeout", req.Timeout)
		}
	case <-ctx.Done():
		c.finish(s.ID, outcome{err: ctx.Err()})
	}
	// Whoever won the race has fired the channel.
	out := <-s.done
	return out.event, out.err
}

// Resolve completes the correlation named by ev. It returns false when the
// id is unknown or already retired; late responses are dropped.
func (c *Correlator) Resolve(ev protocol.Correlated) bool {
	return c.finish(ev.Correlation(), outcome{event: ev})
}

// Fail resolves a single correlation with err.
func (c *Correlator) Fail(id string, err error) bool {
	return c.finish(id, outcome{err: err})
}

func (c *Correlator) finish(id string, out outcome) bool {
	c.mu.Lock()
	s, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.done <- out
	return true
}

// Lookup returns the pending correlation for id.
func (c *Correlator) Lookup(id string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.pending[id]
	if !ok {
		return Pending{}, false
	}
	return s.Pending, true
}

// FailDriver resolves every correlation dispatched to driverID with err and
// returns how many were failed.
func (c *Correlator) FailDriver(driverID string, err error) int {
	c.mu.Lock()
	var failed []*slot
	for id, s := range c.pending {
		if s.DriverID == driverID {
			delete(c.pending, id)
			failed = append(failed, s)
		}
	}
	c.mu.Unlock()

	for _, s := range failed {
		s.done <- outcome{err: err}
	}
	if len(failed) > 0 {
		c.logger.Info("failed pending correlations", "driver", driverID, "count", len(failed), "err", err)
	}
	return len(failed)
}

// Close fails every pending correlation with ErrShutdown and rejects new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	failed := make([]*slot, 0, len(c.pending))
	for id, s := range c.pending {
		delete(c.pending, id)
		failed = append(failed, s)
	}
	c.mu.Unlock()

	for _, s := range failed {
		s.done <- outcome{err: ErrShutdown}
	}
}

// Len returns the number of pending correlations.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
