package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kanaya23/ShoppingAssistant/internal/completion"
	"github.com/kanaya23/ShoppingAssistant/internal/correlate"
	"github.com/kanaya23/ShoppingAssistant/internal/health"
	"github.com/kanaya23/ShoppingAssistant/internal/protocol"
	"github.com/kanaya23/ShoppingAssistant/internal/session"
	"github.com/kanaya23/ShoppingAssistant/internal/tools"
)

// runServer alternates completion calls and tool executions. Only the first
// proposed tool call of a response is executed. After MaxToolRounds tool
// rounds the turn ends with whatever text has accumulated.
func (o *Orchestrator) runServer(ctx context.Context, sessionID, connID string) error {
	if o.provider == nil {
		return fmt.Errorf("%w: no completion provider", ErrConfiguration)
	}
	decls := tools.Declarations()

	for round := 0; ; round++ {
		resp, err := o.provider.Stream(ctx, completion.Request{
			System:  completion.SystemPrompt,
			History: o.store.Messages(sessionID),
			Tools:   decls,
		}, func(chunk string) {
			o.appendChunk(sessionID, chunk)
		})
		if err != nil {
			if !errors.Is(err, ErrConfiguration) {
				o.health.RecordFailure(health.UpstreamCompletion, err)
			}
			return err
		}
		o.health.RecordSuccess(health.UpstreamCompletion)

		if len(resp.ToolCalls) == 0 {
			return nil
		}
		if round >= o.cfg.MaxToolRounds {
			o.logger.Info("tool round limit reached", "session", sessionID, "rounds", round)
			return nil
		}
		if len(resp.ToolCalls) > 1 {
			o.logger.Debug("discarding extra tool calls", "session", sessionID, "proposed", len(resp.ToolCalls))
		}
		o.runTool(ctx, sessionID, connID, resp.ToolCalls[0])
	}
}

// runTool executes one tool call and records the call and its result in the
// session log.
func (o *Orchestrator) runTool(ctx context.Context, sessionID, connID string, call session.FunctionCall) {
	if len(call.Args) == 0 || string(call.Args) == "null" {
		call.Args = json.RawMessage(`{}`)
	}

	o.notify.ToSession(sessionID, protocol.ToolCall{Name: call.Name, Args: call.Args})
	o.store.SetProgress(sessionID, session.ToolProgress{Tool: call.Name}, func() {
		o.notify.ToSession(sessionID, protocol.ToolExecuting{Name: call.Name})
	})

	result := o.executeTool(ctx, sessionID, connID, call)
	ok := tools.IsSuccess(result)
	o.notify.ToSession(sessionID, protocol.ToolResult{Name: call.Name, Success: ok})
	o.logger.Info("tool finished", "session", sessionID, "tool", call.Name, "success", ok)

	o.store.Append(sessionID, session.NewFunctionCallMessage(call))
	o.store.Append(sessionID, session.NewFunctionResultMessage(session.FunctionResponse{
		ID:       call.ID,
		Name:     call.Name,
		Response: result,
	}))
}

func (o *Orchestrator) executeTool(ctx context.Context, sessionID, connID string, call session.FunctionCall) json.RawMessage {
	if h, ok := o.tools.Lookup(call.Name); ok {
		result := h(ctx, call.Args)
		if call.Name == tools.SerperSearch {
			if tools.IsSuccess(result) {
				o.health.RecordSuccess(health.UpstreamSearch)
			} else {
				o.health.RecordFailure(health.UpstreamSearch, errors.New(string(result)))
			}
		}
		return result
	}

	ev, err := o.issuer.Issue(ctx, correlate.Request{
		SessionID: sessionID,
		ConnID:    connID,
		Kind:      correlate.KindTool,
		Tool:      call.Name,
		Timeout:   o.cfg.ToolTimeout,
		Build: func(id string) protocol.Message {
			return protocol.ExecuteTool{CorrelationID: id, ToolName: call.Name, Args: call.Args}
		},
	})
	switch {
	case errors.Is(err, correlate.ErrNoDriver):
		return tools.Failure(fmt.Sprintf("Tool %s requires browser driver, but none connected", call.Name))
	case errors.Is(err, correlate.ErrTimeout):
		o.health.RecordFailure(health.UpstreamDriver, err)
		return tools.Failure("Tool execution timeout")
	case err != nil:
		o.health.RecordFailure(health.UpstreamDriver, err)
		return tools.Failure(err.Error())
	}
	o.health.RecordSuccess(health.UpstreamDriver)

	res, ok := ev.(*protocol.DriverToolResult)
	if !ok {
		return tools.Failure(fmt.Sprintf("unexpected driver response %s", ev.Kind()))
	}
	return tools.Normalize(res.Result)
}
