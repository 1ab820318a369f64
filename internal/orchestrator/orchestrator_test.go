package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaya23/ShoppingAssistant/internal/completion"
	"github.com/kanaya23/ShoppingAssistant/internal/config"
	"github.com/kanaya23/ShoppingAssistant/internal/correlate"
	"github.com/kanaya23/ShoppingAssistant/internal/health"
	"github.com/kanaya23/ShoppingAssistant/internal/protocol"
	"github.com/kanaya23/ShoppingAssistant/internal/session"
	"github.com/kanaya23/ShoppingAssistant/internal/tools"
)

type sent struct {
	session string
	conn    string
	msg     protocol.Message
}

type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) ToSession(sessionID string, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{session: sessionID, msg: msg})
}

func (r *recorder) ToConn(connID string, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{conn: connID, msg: msg})
}

func (r *recorder) kinds() []protocol.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.msg.Kind())
	}
	return out
}

func (r *recorder) find(kind protocol.Kind) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, e := range r.events {
		if e.msg.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

// scriptedProvider replays responses in order, repeating the last one.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []completion.Response
	err       error
	panicMsg  string
	calls     int
	histories [][]session.Message
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-1" }

func (p *scriptedProvider) Stream(ctx context.Context, req completion.Request, onChunk func(string)) (completion.Response, error) {
	p.mu.Lock()
	p.calls++
	p.histories = append(p.histories, req.History)
	idx := p.calls - 1
	p.mu.Unlock()

	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	if p.err != nil {
		return completion.Response{}, p.err
	}
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	resp := p.responses[idx]
	if resp.Text != "" {
		onChunk(resp.Text)
	}
	return resp, nil
}

type fakeIssuer struct {
	mu       sync.Mutex
	requests []correlate.Request
	handle   func(req correlate.Request, id string) (protocol.Correlated, error)
}

func (f *fakeIssuer) Issue(ctx context.Context, req correlate.Request) (protocol.Correlated, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()
	return f.handle(req, fmt.Sprintf("corr-%d", n))
}

func (f *fakeIssuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func toolResult(result string) func(correlate.Request, string) (protocol.Correlated, error) {
	return func(req correlate.Request, id string) (protocol.Correlated, error) {
		return &protocol.DriverToolResult{CorrelationID: id, Result: json.RawMessage(result)}, nil
	}
}

type fixture struct {
	store    *session.Store
	rec      *recorder
	issuer   *fakeIssuer
	provider *scriptedProvider
	health   *health.Tracker
	orch     *Orchestrator
}

func newFixture(t *testing.T, strategy config.Strategy, provider *scriptedProvider) *fixture {
	t.Helper()
	f := &fixture{
		store:    session.NewStore(),
		rec:      &recorder{},
		issuer:   &fakeIssuer{handle: toolResult(`{"products":[]}`)},
		provider: provider,
		health:   health.NewTracker(3),
	}
	cfg := config.Default().Orchestrator
	cfg.Strategy = strategy
	var prov completion.Provider
	if provider != nil {
		prov = provider
	}
	f.orch = New(Deps{
		Store:      f.store,
		Notifier:   f.rec,
		Correlator: f.issuer,
		Provider:   prov,
		Tools:      tools.NewRegistry(),
		Health:     f.health,
		Config:     cfg,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func call(name, args string) session.FunctionCall {
	return session.FunctionCall{Name: name, Args: json.RawMessage(args)}
}

func TestSendMessageWithoutTools(t *testing.T) {
	p := &scriptedProvider{responses: []completion.Response{{Text: "Buy the blue one."}}}
	f := newFixture(t, config.StrategyServer, p)

	require.NoError(t, f.orch.SendMessage(context.Background(), "s1", "c1", "which laptop?"))

	assert.Equal(t, []protocol.Kind{
		protocol.KindMessageAdded,
		protocol.KindStreamStart,
		protocol.KindStreamChunk,
		protocol.KindStreamEnd,
	}, f.rec.kinds())

	snap, ok := f.store.Get("s1")
	require.True(t, ok)
	assert.False(t, snap.Busy)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, session.RoleAssistant, snap.Messages[1].Role)
	assert.Equal(t, "Buy the blue one.", snap.Messages[1].Content)
	assert.Equal(t, health.StatusHealthy, f.health.Status(health.UpstreamCompletion))
}

func TestSendMessageRejectsBusySession(t *testing.T) {
	p := &scriptedProvider{responses: []completion.Response{{Text: "x"}}}
	f := newFixture(t, config.StrategyServer, p)

	_, err := f.store.BeginTurn("s1", "first")
	require.NoError(t, err)
	f.store.AppendChunk("s1", "partial", nil)

	err = f.orch.SendMessage(context.Background(), "s1", "c2", "second")
	require.ErrorIs(t, err, session.ErrBusy)

	errs := f.rec.find(protocol.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, "c2", errs[0].conn)
	assert.Zero(t, p.calls)

	snap, _ := f.store.Get("s1")
	assert.True(t, snap.Busy)
	assert.Equal(t, "partial", snap.Buffer)
	assert.Len(t, snap.Messages, 1)
}

func TestSendMessageMissingCredential(t *testing.T) {
	p := &scriptedProvider{err: fmt.Errorf("%w: Gemini API key not configured on server", completion.ErrConfiguration)}
	f := newFixture(t, config.StrategyServer, p)

	err := f.orch.SendMessage(context.Background(), "s1", "c1", "hello")
	require.ErrorIs(t, err, ErrConfiguration)

	assert.Equal(t, []protocol.Kind{
		protocol.KindMessageAdded,
		protocol.KindStreamStart,
		protocol.KindError,
		protocol.KindStreamEnd,
	}, f.rec.kinds())
	snap, _ := f.store.Get("s1")
	assert.False(t, snap.Busy)
	assert.Len(t, snap.Messages, 1)
}

func TestUpstreamFailureRecorded(t *testing.T) {
	p := &scriptedProvider{err: fmt.Errorf("%w: 503", completion.ErrTransport)}
	f := newFixture(t, config.StrategyServer, p)

	require.ErrorIs(t, f.orch.SendMessage(context.Background(), "s1", "c1", "hello"), ErrTransport)
	assert.Equal(t, health.StatusDegraded, f.health.Status(health.UpstreamCompletion))
}

func TestDriverToolRoundTrip(t *testing.T) {
	p := &scriptedProvider{responses: []completion.Response{
		{Text: "Searching. ", ToolCalls: []session.FunctionCall{call(tools.SearchShopee, `{"keyword":"laptop"}`)}},
		{Text: "Found it."},
	}}
	f := newFixture(t, config.StrategyServer, p)

	require.NoError(t, f.orch.SendMessage(context.Background(), "s1", "c1", "laptop"))

	require.Equal(t, 1, f.issuer.count())
	req := f.issuer.requests[0]
	assert.Equal(t, correlate.KindTool, req.Kind)
	assert.Equal(t, tools.SearchShopee, req.Tool)
	assert.Equal(t, 120*time.Second, req.Timeout)
	exec, ok := req.Build("x").(protocol.ExecuteTool)
	require.True(t, ok)
	assert.JSONEq(t, `{"keyword":"laptop"}`, string(exec.Args))

	results := f.rec.find(protocol.KindToolResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].msg.(protocol.ToolResult).Success)

	snap, _ := f.store.Get("s1")
	require.Len(t, snap.Messages, 4)
	assert.NotNil(t, snap.Messages[1].Parts[0].FunctionCall)
	assert.NotNil(t, snap.Messages[2].Parts[0].FunctionResponse)
	assert.Equal(t, "Searching. Found it.", snap.Messages[3].Content)

	// The second completion saw the call and its result.
	require.Len(t, p.histories, 2)
	assert.Len(t, p.histories[1], 3)
}

func TestToolTimeoutReportsFailure(t *testing.T) {
	p := &scriptedProvider{responses: []completion.Response{
		{ToolCalls: []session.FunctionCall{call(tools.DeepScrapeURLs, `{"urls":["https://shopee.co.id/a"]}`)}},
		{Text: "The scrape timed out."},
	}}
	f := newFixture(t, config.StrategyServer, p)
	f.issuer.handle = func(req correlate.Request, id string) (protocol.Correlated, error) {
		return nil, correlate.ErrTimeout
	}

	require.NoError(t, f.orch.SendMessage(context.Background(), "s1", "c1", "details"))

	results := f.rec.find(protocol.KindToolResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].msg.(protocol.ToolResult).Success)

	snap, _ := f.store.Get("s1")
	resp := snap.Messages[2].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	assert.Contains(t, string(resp.Response), "timeout")
	assert.False(t, snap.Busy)
	assert.Equal(t, health.StatusDegraded, f.health.Status(health.UpstreamDriver))
}

func TestToolWithoutDriverContinuesTurn(t *testing.T) {
	p := &scriptedProvider{responses: []completion.Response{
		{ToolCalls: []session.FunctionCall{call(tools.ScrapeListings, `{}`)}},
		{Text: "Please connect the extension."},
	}}
	f := newFixture(t, config.StrategyServer, p)
	f.issuer.handle = func(req correlate.Request, id string) (protocol.Correlated, error) {
		return nil, correlate.ErrNoDriver
	}

	require.NoError(t, f.orch.SendMessage(context.Background(), "s1", "c1", "list"))
	assert.Empty(t, f.rec.find(protocol.KindError))

	snap, _ := f.store.Get("s1")
	assert.Contains(t, string(snap.Messages[2].Parts[0].FunctionResponse.Response), "requires browser driver")
	assert.Equal(t, "Please connect the extension.", snap.Messages[3].Content)
}

func TestOnlyFirstToolCallExecuted(t *testing.T) {
	p := &scriptedProvider{responses: []completion.Response{
		{ToolCalls: []session.FunctionCall{
			call(tools.SearchShopee, `{"keyword":"a"}`),
			call(tools.SearchShopee, `{"keyword":"b"}`),
			call(tools.ScrapeListings, `{}`),
		}},
		{Text: "done"},
	}}
	f := newFixture(t, config.StrategyServer, p)

	require.NoError(t, f.orch.SendMessage(context.Background(), "s1", "c1", "go"))
	require.Equal(t, 1, f.issuer.count())
	exec := f.issuer.requests[0].Build("x").(protocol.ExecuteTool)
	assert.JSONEq(t, `{"keyword":"a"}`, string(exec.Args))
	assert.Len(t, f.rec.find(protocol.KindToolCall), 1)
}

func TestToolRoundLimit(t *testing.T) {
	p := &scriptedProvider{responses: []completion.Response{
		{Text: "again ", ToolCalls: []session.FunctionCall{call(tools.SearchShopee, `{"keyword":"x"}`)}},
	}}
	f := newFixture(t, config.StrategyServer, p)

	require.NoError(t, f.orch.SendMessage(context.Background(), "s1", "c1", "loop"))

	assert.Equal(t, 5, f.issuer.count())
	assert.Equal(t, 6, p.calls)
	assert.Empty(t, f.rec.find(protocol.KindError))
	assert.Len(t, f.rec.find(protocol.KindStreamEnd), 1)

	snap, _ := f.store.Get("s1")
	assert.False(t, snap.Busy)
	last := snap.Messages[len(snap.Messages)-1]
	assert.Equal(t, session.RoleAssistant, last.Role)
	assert.Equal(t, "again again again again again again ", last.Content)
}

func TestServerResidentToolSkipsDriver(t *testing.T) {
	p := &scriptedProvider{responses: []completion.Response{
		{ToolCalls: []session.FunctionCall{call(tools.SerperSearch, `{"query":"phone reviews; phone price"}`)}},
		{Text: "Reviews are good."},
	}}
	f := newFixture(t, config.StrategyServer, p)

	var got json.RawMessage
	f.orch.tools.Register(tools.SerperSearch, func(ctx context.Context, args json.RawMessage) json.RawMessage {
		got = args
		return tools.Success("=== SERPER SEARCH RESULTS ===\n")
	})

	require.NoError(t, f.orch.SendMessage(context.Background(), "s1", "c1", "reviews"))
	assert.Zero(t, f.issuer.count())
	assert.JSONEq(t, `{"query":"phone reviews; phone price"}`, string(got))
	assert.True(t, f.rec.find(protocol.KindToolResult)[0].msg.(protocol.ToolResult).Success)
	assert.Equal(t, health.StatusHealthy, f.health.Status(health.UpstreamSearch))
}

func TestPanicFinalizesTurn(t *testing.T) {
	p := &scriptedProvider{panicMsg: "boom"}
	f := newFixture(t, config.StrategyServer, p)

	err := f.orch.SendMessage(context.Background(), "s1", "c1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	snap, _ := f.store.Get("s1")
	assert.False(t, snap.Busy)
	kinds := f.rec.kinds()
	assert.Equal(t, protocol.KindStreamEnd, kinds[len(kinds)-1])
	assert.Len(t, f.rec.find(protocol.KindError), 1)
}

func TestDelegatedTurn(t *testing.T) {
	f := newFixture(t, config.StrategyDriver, nil)
	f.issuer.handle = func(req correlate.Request, id string) (protocol.Correlated, error) {
		// Stand in for the relay mirroring driver events.
		f.store.AppendChunk(req.SessionID, "Hello from ", nil)
		f.store.AppendChunk(req.SessionID, "the driver", nil)
		return &protocol.AIResponseComplete{CorrelationID: id}, nil
	}

	require.NoError(t, f.orch.SendMessage(context.Background(), "s1", "c1", "hi"))

	require.Equal(t, 1, f.issuer.count())
	req := f.issuer.requests[0]
	assert.Equal(t, correlate.KindTurn, req.Kind)
	assert.Equal(t, 300*time.Second, req.Timeout)
	msg := req.Build("corr").(protocol.ProcessAIMessage)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, "hi", msg.Text)

	snap, _ := f.store.Get("s1")
	assert.False(t, snap.Busy)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Hello from the driver", snap.Messages[1].Content)
}

func TestDelegatedTurnErrors(t *testing.T) {
	tests := []struct {
		name    string
		result  protocol.Correlated
		err     error
		message string
	}{
		{"driver error", &protocol.AIResponseError{CorrelationID: "c", Error: "Gemini web quota exceeded"}, nil, "Gemini web quota exceeded"},
		{"no driver", nil, correlate.ErrNoDriver, "No driver connected. Please open the browser extension on your worker PC."},
		{"timeout", nil, correlate.ErrTimeout, "AI request timeout"},
		{"driver lost", nil, correlate.ErrDriverLost, "Driver disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.StrategyDriver, nil)
			f.issuer.handle = func(req correlate.Request, id string) (protocol.Correlated, error) {
				f.store.AppendChunk(req.SessionID, "partial", nil)
				return tt.result, tt.err
			}

			require.Error(t, f.orch.SendMessage(context.Background(), "s1", "c1", "hi"))

			errs := f.rec.find(protocol.KindError)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.message, errs[0].msg.(protocol.Error).Message)

			snap, _ := f.store.Get("s1")
			assert.False(t, snap.Busy)
			// Partial text is kept as the reply.
			assert.Equal(t, "partial", snap.Messages[len(snap.Messages)-1].Content)
		})
	}
}

func TestPingTest(t *testing.T) {
	f := newFixture(t, config.StrategyServer, nil)
	f.issuer.handle = func(req correlate.Request, id string) (protocol.Correlated, error) {
		assert.Equal(t, correlate.KindPing, req.Kind)
		assert.Equal(t, 10*time.Second, req.Timeout)
		return &protocol.DriverPong{CorrelationID: id}, nil
	}

	f.orch.PingTest(context.Background(), "s1", "c1", 1234)
	pongs := f.rec.find(protocol.KindPong)
	require.Len(t, pongs, 1)
	pong := pongs[0].msg.(protocol.Pong)
	assert.Equal(t, "c1", pongs[0].conn)
	assert.True(t, pong.OK)
	assert.EqualValues(t, 1234, pong.TS)

	f.issuer.handle = func(req correlate.Request, id string) (protocol.Correlated, error) {
		return nil, correlate.ErrNoDriver
	}
	f.orch.PingTest(context.Background(), "s1", "c1", 0)
	pongs = f.rec.find(protocol.KindPong)
	require.Len(t, pongs, 2)
	assert.False(t, pongs[1].msg.(protocol.Pong).OK)
	assert.Equal(t, "No driver connected!", pongs[1].msg.(protocol.Pong).Message)
}

func TestClear(t *testing.T) {
	f := newFixture(t, config.StrategyServer, nil)

	f.store.BeginTurn("s1", "hi")
	err := f.orch.Clear("s1", "c1")
	require.ErrorIs(t, err, session.ErrBusy)
	assert.Len(t, f.store.Messages("s1"), 1)

	f.store.Finalize("s1")
	require.NoError(t, f.orch.Clear("s1", "c1"))
	assert.Empty(t, f.store.Messages("s1"))
	cleared := f.rec.find(protocol.KindCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, "s1", cleared[0].session)

	require.NoError(t, f.orch.Clear("unknown", "c1"))
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "boom", publicMessage(errors.New("boom")))
	assert.Equal(t, "Server shutting down", publicMessage(fmt.Errorf("x: %w", context.Canceled)))
	assert.Equal(t, "driver says no", publicMessage(driverError("driver says no")))
}
