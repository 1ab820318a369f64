package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kanaya23/ShoppingAssistant/internal/correlate"
	"github.com/kanaya23/ShoppingAssistant/internal/health"
	"github.com/kanaya23/ShoppingAssistant/internal/protocol"
)

// runDelegated hands the turn to the driver. One correlation spans the
// whole turn; the driver's chunk and tool events are relayed while this
// goroutine waits for ai_response_complete or ai_response_error.
func (o *Orchestrator) runDelegated(ctx context.Context, sessionID, connID, text string) error {
	ev, err := o.issuer.Issue(ctx, correlate.Request{
		SessionID: sessionID,
		ConnID:    connID,
		Kind:      correlate.KindTurn,
		Timeout:   o.cfg.TurnTimeout,
		Build: func(id string) protocol.Message {
			return protocol.ProcessAIMessage{CorrelationID: id, SessionID: sessionID, Text: text}
		},
	})
	if err != nil {
		if !errors.Is(err, correlate.ErrNoDriver) {
			o.health.RecordFailure(health.UpstreamDriver, err)
		}
		return err
	}
	o.health.RecordSuccess(health.UpstreamDriver)

	switch ev := ev.(type) {
	case *protocol.AIResponseComplete:
		return nil
	case *protocol.AIResponseError:
		return driverError(ev.Error)
	default:
		return fmt.Errorf("unexpected driver response %s", ev.Kind())
	}
}

// PingTest measures a round trip to the active driver on behalf of connID.
// The pong goes to the requesting connection only.
func (o *Orchestrator) PingTest(ctx context.Context, sessionID, connID string, ts int64) {
	start := time.Now()
	_, err := o.issuer.Issue(ctx, correlate.Request{
		SessionID: sessionID,
		ConnID:    connID,
		Kind:      correlate.KindPing,
		Timeout:   o.cfg.PingTimeout,
		Build: func(id string) protocol.Message {
			return protocol.Ping{CorrelationID: id}
		},
	})

	pong := protocol.Pong{TS: ts}
	switch {
	case errors.Is(err, correlate.ErrNoDriver):
		pong.Message = "No driver connected!"
	case errors.Is(err, correlate.ErrTimeout):
		pong.Message = "Driver did not answer the ping in time"
	case err != nil:
		pong.Message = "Ping failed: " + publicMessage(err)
	default:
		pong.OK = true
		pong.RoundTripMs = time.Since(start).Milliseconds()
		pong.Message = "PONG from driver! 🏓 Full round-trip successful!"
	}
	o.notify.ToConn(connID, pong)
}
