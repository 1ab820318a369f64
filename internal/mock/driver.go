// Package mock provides a scripted driver for running the assistant without
// a browser. It speaks the driver side of the WebSocket protocol and answers
// every request with canned Shopee data.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/kanaya23/ShoppingAssistant/internal/protocol"
	"github.com/kanaya23/ShoppingAssistant/internal/tools"
)

// Options configures a Driver.
type Options struct {
	// URL is the server's WebSocket endpoint, e.g. ws://localhost:5000/ws.
	URL     string
	TabHint string
	// Step is the pause between scripted events.
	Step time.Duration
	// MaxRetryInterval caps the reconnect backoff.
	MaxRetryInterval time.Duration
	Logger           *slog.Logger
}

type Driver struct {
	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	active bool
	connID string
}

func NewDriver(opts Options) *Driver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Step <= 0 {
		opts.Step = 300 * time.Millisecond
	}
	if opts.MaxRetryInterval <= 0 {
		opts.MaxRetryInterval = 30 * time.Second
	}
	return &Driver{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: opts.Logger.With("component", "mock-driver"),
	}
}

// Active reports whether the server made this driver the active one.
func (d *Driver) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// ConnectionID returns the id the server assigned on the current
// connection, or "" while disconnected.
func (d *Driver) ConnectionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connID
}

// Run keeps the driver connected until ctx is cancelled, reconnecting with
// exponential backoff.
func (d *Driver) Run(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = d.opts.MaxRetryInterval
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(eb, ctx)

	for {
		err := d.connect(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		d.logger.Warn("connection lost, retrying", "err", err, "in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// conn serializes writes; gorilla connections allow one writer at a time.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (d *Driver) connect(ctx context.Context, bo backoff.BackOff) error {
	ws, _, err := d.dialer.DialContext(ctx, d.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", d.opts.URL, err)
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	c := &conn{ws: ws}
	if err := c.send(&protocol.RegisterDriver{TabHint: protocol.TabHint(d.opts.TabHint)}); err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer d.setActive(false, "")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.DecodeDriverInbound(data)
		if err != nil {
			if protocol.IsRejection(err) {
				d.logger.Debug("ignoring frame", "err", err)
				continue
			}
			return err
		}

		switch m := msg.(type) {
		case *protocol.DriverRegistered:
			bo.Reset()
			d.setActive(m.Active, m.ConnectionID)
			d.logger.Info("registered", "conn", m.ConnectionID, "active", m.Active)
		case *protocol.Ping:
			if err := c.send(&protocol.DriverPong{CorrelationID: m.CorrelationID}); err != nil {
				return err
			}
		case *protocol.ExecuteTool:
			go d.executeTool(connCtx, c, m)
		case *protocol.ProcessAIMessage:
			go d.processTurn(connCtx, c, m)
		}
	}
}

func (d *Driver) setActive(active bool, connID string) {
	d.mu.Lock()
	d.active = active
	d.connID = connID
	d.mu.Unlock()
}

// pause waits one step. It reports false when ctx ends first.
func (d *Driver) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d.opts.Step):
		return true
	}
}

func (d *Driver) executeTool(ctx context.Context, c *conn, req *protocol.ExecuteTool) {
	log := d.logger.With("tool", req.ToolName, "correlation", req.CorrelationID)
	log.Info("executing tool")

	result := d.runTool(ctx, req.ToolName, req.Args, func(current, total int, url string) error {
		return c.send(&protocol.DriverToolProgress{
			CorrelationID: req.CorrelationID,
			Name:          req.ToolName,
			Current:       current,
			Total:         total,
			URL:           url,
		})
	})
	if ctx.Err() != nil {
		return
	}
	if err := c.send(&protocol.DriverToolResult{CorrelationID: req.CorrelationID, Result: result}); err != nil {
		log.Warn("sending tool result failed", "err", err)
	}
}

type progressFunc func(current, total int, url string) error

// runTool produces the canned result for one tool call.
func (d *Driver) runTool(ctx context.Context, name string, args json.RawMessage, progress progressFunc) json.RawMessage {
	switch name {
	case tools.SearchShopee:
		var a struct {
			Keyword string `json:"keyword"`
		}
		json.Unmarshal(args, &a)
		if strings.TrimSpace(a.Keyword) == "" {
			return tools.Failure("keyword is required")
		}
		if !d.pause(ctx) {
			return tools.Failure("cancelled")
		}
		return tools.Success(map[string]any{
			"keyword": a.Keyword,
			"message": fmt.Sprintf("Searched Shopee for %q", a.Keyword),
		})

	case tools.ScrapeListings:
		var a struct {
			MaxItems int `json:"max_items"`
		}
		json.Unmarshal(args, &a)
		if !d.pause(ctx) {
			return tools.Failure("cancelled")
		}
		items := listingsFor("produk pilihan", a.MaxItems)
		return tools.Success(map[string]any{"count": len(items), "listings": items})

	case tools.DeepScrapeURLs:
		var a struct {
			URLs []string `json:"urls"`
		}
		json.Unmarshal(args, &a)
		if len(a.URLs) == 0 {
			return tools.Failure("urls is required")
		}
		details := make([]Detail, 0, len(a.URLs))
		for i, u := range a.URLs {
			if err := progress(i+1, len(a.URLs), u); err != nil {
				return tools.Failure(err.Error())
			}
			if !d.pause(ctx) {
				return tools.Failure("cancelled")
			}
			details = append(details, detailFor(u))
		}
		return tools.Success(map[string]any{"count": len(details), "products": details})

	default:
		return tools.Failure(fmt.Sprintf("Unknown tool: %s", name))
	}
}

// processTurn plays a whole delegated turn: one search, one scrape and a
// short written answer.
func (d *Driver) processTurn(ctx context.Context, c *conn, req *protocol.ProcessAIMessage) {
	id := req.CorrelationID
	log := d.logger.With("session", req.SessionID, "correlation", id)
	log.Info("processing message")

	if err := d.playTurn(ctx, c, req); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("turn failed", "err", err)
		c.send(&protocol.AIResponseError{CorrelationID: id, Error: err.Error()})
		return
	}
	if err := c.send(&protocol.AIResponseComplete{CorrelationID: id}); err != nil {
		log.Warn("sending completion failed", "err", err)
	}
}

var errCancelled = errors.New("cancelled")

func (d *Driver) playTurn(ctx context.Context, c *conn, req *protocol.ProcessAIMessage) error {
	id := req.CorrelationID
	query := strings.TrimSpace(req.Text)

	chunk := func(text string) error {
		return c.send(&protocol.AIStreamChunk{CorrelationID: id, Chunk: text})
	}
	callTool := func(name string, args any) (json.RawMessage, error) {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		if err := c.send(&protocol.AIToolCall{CorrelationID: id, Name: name, Args: raw}); err != nil {
			return nil, err
		}
		if err := c.send(&protocol.AIToolExecuting{CorrelationID: id, Name: name}); err != nil {
			return nil, err
		}
		result := d.runTool(ctx, name, raw, func(current, total int, url string) error {
			return c.send(&protocol.AIToolProgress{CorrelationID: id, Name: name, Current: current, Total: total, URL: url})
		})
		if ctx.Err() != nil {
			return nil, errCancelled
		}
		if err := c.send(&protocol.AIToolResult{CorrelationID: id, Name: name, Success: tools.IsSuccess(result)}); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := chunk(fmt.Sprintf("Mencari \"%s\" di Shopee... ", query)); err != nil {
		return err
	}
	if _, err := callTool(tools.SearchShopee, map[string]string{"keyword": query}); err != nil {
		return err
	}
	if _, err := callTool(tools.ScrapeListings, map[string]int{"max_items": 3}); err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("\n\nRekomendasi teratas:\n")
	for i, l := range listingsFor(query, 3) {
		fmt.Fprintf(&b, "%d. %s - %s (⭐ %.1f, %s terjual)\n", i+1, l.Title, l.Price, l.Rating, l.Sold)
	}
	for _, line := range strings.SplitAfter(b.String(), "\n") {
		if line == "" {
			continue
		}
		if !d.pause(ctx) {
			return errCancelled
		}
		if err := chunk(line); err != nil {
			return err
		}
	}
	return nil
}
