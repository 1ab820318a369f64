// Package orchestrator runs conversation turns. A turn owns its session from
// the user's message until the assistant's reply is finalized; a second
// message for a busy session is rejected, never queued.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/kanaya23/ShoppingAssistant/internal/completion"
	"github.com/kanaya23/ShoppingAssistant/internal/config"
	"github.com/kanaya23/ShoppingAssistant/internal/correlate"
	"github.com/kanaya23/ShoppingAssistant/internal/health"
	"github.com/kanaya23/ShoppingAssistant/internal/protocol"
	"github.com/kanaya23/ShoppingAssistant/internal/session"
	"github.com/kanaya23/ShoppingAssistant/internal/tools"
)

var (
	ErrConfiguration = completion.ErrConfiguration
	ErrTransport     = completion.ErrTransport
)

// Notifier delivers server → observer frames.
type Notifier interface {
	// ToSession sends msg to every observer bound to sessionID.
	ToSession(sessionID string, msg protocol.Message)
	// ToConn sends msg to a single connection.
	ToConn(connID string, msg protocol.Message)
}

// Issuer dispatches correlated requests to the active driver.
type Issuer interface {
	Issue(ctx context.Context, req correlate.Request) (protocol.Correlated, error)
}

type Deps struct {
	Store      *session.Store
	Notifier   Notifier
	Correlator Issuer
	Provider   completion.Provider
	Tools      *tools.Registry
	Health     *health.Tracker
	Config     config.OrchestratorConfig
	Logger     *slog.Logger
}

type Orchestrator struct {
	store    *session.Store
	notify   Notifier
	issuer   Issuer
	provider completion.Provider
	tools    *tools.Registry
	health   *health.Tracker
	cfg      config.OrchestratorConfig
	logger   *slog.Logger
}

func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tools == nil {
		d.Tools = tools.NewRegistry()
	}
	if d.Health == nil {
		d.Health = health.NewTracker(0)
	}
	if d.Config.Strategy == "" {
		d.Config.Strategy = config.StrategyServer
	}
	return &Orchestrator{
		store:    d.Store,
		notify:   d.Notifier,
		issuer:   d.Correlator,
		provider: d.Provider,
		tools:    d.Tools,
		health:   d.Health,
		cfg:      d.Config,
		logger:   d.Logger.With("component", "orchestrator"),
	}
}

// Strategy returns the deployment's turn strategy.
func (o *Orchestrator) Strategy() config.Strategy {
	return o.cfg.Strategy
}

// SendMessage runs one turn for sessionID. It blocks until the turn is
// finalized; callers run it on its own goroutine. connID receives the
// rejection when the session is busy.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, connID, text string) (err error) {
	if _, err := o.store.BeginTurn(sessionID, text); err != nil {
		if errors.Is(err, session.ErrBusy) {
			o.notify.ToConn(connID, protocol.Error{Message: "Already processing a message"})
		}
		return err
	}

	log := o.logger.With("session", sessionID, "strategy", o.cfg.Strategy)
	log.Info("turn started")

	o.notify.ToSession(sessionID, protocol.MessageAdded{Role: session.RoleUser, Content: text})
	o.notify.ToSession(sessionID, protocol.StreamStart{})

	defer o.finalize(sessionID, log)
	defer func() {
		if r := recover(); r != nil {
			log.Error("turn panicked", "panic", r, "stack", string(debug.Stack()))
			o.notify.ToSession(sessionID, protocol.Error{Message: "Internal server error"})
			err = fmt.Errorf("turn panicked: %v", r)
		}
	}()

	switch o.cfg.Strategy {
	case config.StrategyDriver:
		err = o.runDelegated(ctx, sessionID, connID, text)
	default:
		err = o.runServer(ctx, sessionID, connID)
	}
	if err != nil {
		log.Warn("turn failed", "err", err)
		o.notify.ToSession(sessionID, protocol.Error{Message: publicMessage(err)})
	}
	return err
}

// finalize runs on every exit path of a turn.
func (o *Orchestrator) finalize(sessionID string, log *slog.Logger) {
	added, ok := o.store.Finalize(sessionID)
	if !ok {
		return
	}
	o.notify.ToSession(sessionID, protocol.StreamEnd{})
	if added != nil {
		log.Info("turn finished", "reply_chars", len(added.Content))
	} else {
		log.Info("turn finished", "reply_chars", 0)
	}
}

// appendChunk mirrors a streamed chunk into the buffer and publishes it
// under the session lock.
func (o *Orchestrator) appendChunk(sessionID, chunk string) {
	o.store.AppendChunk(sessionID, chunk, func() {
		o.notify.ToSession(sessionID, protocol.StreamChunk{Chunk: chunk})
	})
}

// Clear truncates a session's conversation. Busy sessions are left alone.
func (o *Orchestrator) Clear(sessionID, connID string) error {
	if err := o.store.Clear(sessionID); err != nil {
		switch {
		case errors.Is(err, session.ErrBusy):
			o.notify.ToConn(connID, protocol.Error{Message: "Cannot clear while a message is being processed"})
		case errors.Is(err, session.ErrNotFound):
			// Nothing to clear; an unknown session is already empty.
			o.notify.ToConn(connID, protocol.Cleared{SessionID: sessionID})
			return nil
		}
		return err
	}
	o.notify.ToSession(sessionID, protocol.Cleared{SessionID: sessionID})
	return nil
}

type driverError string

func (e driverError) Error() string { return string(e) }

// publicMessage returns the text shown to observers for a failed turn.
func publicMessage(err error) string {
	var de driverError
	switch {
	case errors.As(err, &de):
		return string(de)
	case errors.Is(err, correlate.ErrNoDriver):
		return "No driver connected. Please open the browser extension on your worker PC."
	case errors.Is(err, correlate.ErrTimeout):
		return "AI request timeout"
	case errors.Is(err, correlate.ErrDriverLost):
		return "Driver disconnected"
	case errors.Is(err, correlate.ErrShutdown), errors.Is(err, context.Canceled):
		return "Server shutting down"
	default:
		return err.Error()
	}
}
