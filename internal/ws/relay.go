package ws

import (
	"log/slog"

	"github.com/kanaya23/ShoppingAssistant/internal/correlate"
	"github.com/kanaya23/ShoppingAssistant/internal/protocol"
	"github.com/kanaya23/ShoppingAssistant/internal/session"
)

// Relay applies driver events. Final answers resolve their correlation;
// streaming and progress events are mirrored into the owning session and
// published to its observers.
type Relay struct {
	store      *session.Store
	correlator *correlate.Correlator
	notify     *Broadcaster
	logger     *slog.Logger
}

func NewRelay(store *session.Store, correlator *correlate.Correlator, notify *Broadcaster, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:      store,
		correlator: correlator,
		notify:     notify,
		logger:     logger.With("component", "relay"),
	}
}

// Handle applies ev sent by the driver connection driverID. Events for
// unknown or retired correlations, or for requests issued to a different
// driver, are dropped.
func (r *Relay) Handle(driverID string, ev protocol.DriverEvent) {
	ce, ok := ev.(protocol.Correlated)
	if !ok {
		r.logger.Debug("ignoring uncorrelated driver event", "kind", ev.Kind())
		return
	}
	p, ok := r.correlator.Lookup(ce.Correlation())
	if !ok {
		r.logger.Debug("late driver event dropped", "kind", ev.Kind(), "correlation", ce.Correlation())
		return
	}
	if p.DriverID != driverID {
		r.logger.Warn("driver event from wrong connection", "kind", ev.Kind(), "correlation", p.ID, "conn", driverID)
		return
	}
	sid := p.SessionID

	switch ev := ev.(type) {
	case *protocol.DriverToolResult, *protocol.DriverPong,
		*protocol.AIResponseComplete, *protocol.AIResponseError:
		r.correlator.Resolve(ce)

	case *protocol.DriverToolProgress:
		r.progress(sid, session.ToolProgress{Tool: ev.Name, Current: ev.Current, Total: ev.Total, URL: ev.URL})
	case *protocol.AIToolProgress:
		r.progress(sid, session.ToolProgress{Tool: ev.Name, Current: ev.Current, Total: ev.Total, URL: ev.URL})

	case *protocol.AIStreamChunk:
		chunk := ev.Chunk
		r.store.AppendChunk(sid, chunk, func() {
			r.notify.ToSession(sid, protocol.StreamChunk{Chunk: chunk})
		})

	case *protocol.AIToolCall:
		name, args := ev.Name, ev.Args
		r.store.SetProgress(sid, session.ToolProgress{Tool: name}, func() {
			r.notify.ToSession(sid, protocol.ToolCall{Name: name, Args: args})
		})

	case *protocol.AIToolExecuting:
		r.notify.ToSession(sid, protocol.ToolExecuting{Name: ev.Name})

	case *protocol.AIToolResult:
		r.notify.ToSession(sid, protocol.ToolResult{Name: ev.Name, Success: ev.Success})

	default:
		r.logger.Debug("unhandled driver event", "kind", ev.Kind())
	}
}

func (r *Relay) progress(sessionID string, p session.ToolProgress) {
	r.store.SetProgress(sessionID, p, func() {
		r.notify.ToSession(sessionID, protocol.ProgressFrom(p))
	})
}
