package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/glob"
	"github.com/gorilla/websocket"

	"github.com/kanaya23/ShoppingAssistant/internal/config"
	"github.com/kanaya23/ShoppingAssistant/internal/correlate"
	"github.com/kanaya23/ShoppingAssistant/internal/health"
	"github.com/kanaya23/ShoppingAssistant/internal/protocol"
	"github.com/kanaya23/ShoppingAssistant/internal/session"
	"github.com/kanaya23/ShoppingAssistant/internal/tokens"
)

// Turns is the conversation side of the server.
type Turns interface {
	SendMessage(ctx context.Context, sessionID, connID, text string) error
	Clear(sessionID, connID string) error
	PingTest(ctx context.Context, sessionID, connID string, ts int64)
	Strategy() config.Strategy
}

type Deps struct {
	Config      *config.Config
	Store       *session.Store
	Broadcaster *Broadcaster
	Relay       *Relay
	Correlator  *correlate.Correlator
	Turns       Turns
	Health      *health.Tracker
	Sampler     *health.Sampler
	Tokens      *tokens.Counter
	Logger      *slog.Logger
}

type Server struct {
	ctx         context.Context
	cfg         *config.Config
	store       *session.Store
	broadcaster *Broadcaster
	relay       *Relay
	correlator  *correlate.Correlator
	turns       Turns
	health      *health.Tracker
	sampler     *health.Sampler
	tokens      *tokens.Counter
	privacy     *session.PrivacyFilter
	origins     []glob.Glob
	upgrader    websocket.Upgrader
	inflight    sync.WaitGroup
	startedAt   time.Time
	logger      *slog.Logger
}

// NewServer builds the HTTP surface. ctx bounds the turns started by
// observers; it outlives any single connection so a turn keeps running when
// its observer goes away.
func NewServer(ctx context.Context, d Deps) (*Server, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Config == nil {
		d.Config = config.Default()
	}
	if d.Health == nil {
		d.Health = health.NewTracker(d.Config.Health.FailureThreshold)
	}
	if d.Sampler == nil {
		d.Sampler = health.NewSampler()
	}
	if d.Tokens == nil {
		d.Tokens = tokens.New()
	}

	s := &Server{
		ctx:         ctx,
		cfg:         d.Config,
		store:       d.Store,
		broadcaster: d.Broadcaster,
		relay:       d.Relay,
		correlator:  d.Correlator,
		turns:       d.Turns,
		health:      d.Health,
		sampler:     d.Sampler,
		tokens:      d.Tokens,
		privacy:     &session.PrivacyFilter{MaskSessionIDs: d.Config.Privacy.MaskSessionIDs},
		startedAt:   time.Now(),
		logger:      d.Logger.With("component", "ws"),
	}
	for _, pattern := range d.Config.Server.AllowedOrigins {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed origin %q: %w", pattern, err)
		}
		s.origins = append(s.origins, g)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/api/sessions", s.handleSessions)
	r.Get("/api/sessions/{id}", s.handleSession)
	r.Get("/ws", s.handleWS)
	return r
}

// Wait blocks until every turn started by an observer has finished or ctx
// expires.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn, r.RemoteAddr)
	if err != nil {
		s.logger.Warn("rejecting connection", "remote", r.RemoteAddr, "err", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	go s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer s.broadcaster.RemoveClient(c)

	tc := s.cfg.Transport
	if tc.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(tc.MaxMessageBytes)
	}
	extend := func() {
		if tc.PongTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(tc.PongTimeout))
		}
	}
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read failed", "conn", c.id, "err", err)
			}
			return
		}
		extend()
		s.dispatch(c, data)
	}
}

// dispatch routes one inbound frame. The first frame decides the
// connection's role: register_driver makes it a driver, anything else is
// read as an observer request.
func (s *Server) dispatch(c *client, data []byte) {
	kind, err := protocol.PeekKind(data)
	if err != nil {
		s.reject(c, err)
		return
	}

	if c.role == roleDriver || (c.role == rolePending && kind == protocol.KindRegisterDriver) {
		ev, err := protocol.DecodeDriver(data)
		if err != nil {
			s.reject(c, err)
			return
		}
		if reg, ok := ev.(*protocol.RegisterDriver); ok {
			s.broadcaster.RegisterDriver(c, string(reg.TabHint))
			return
		}
		if s.relay != nil {
			s.relay.Handle(c.id, ev)
		}
		return
	}

	req, err := protocol.DecodeObserver(data)
	if err != nil {
		s.reject(c, err)
		return
	}
	s.handleObserver(c, req)
}

func (s *Server) handleObserver(c *client, req protocol.ObserverRequest) {
	switch req := req.(type) {
	case *protocol.Register:
		s.broadcaster.RegisterObserver(c, strings.TrimSpace(req.SessionID))

	case *protocol.SendMessage:
		sid, ok := s.boundSession(c, req.SessionID)
		if !ok {
			return
		}
		text := strings.TrimSpace(req.Text)
		s.goTurn(func(ctx context.Context) {
			s.turns.SendMessage(ctx, sid, c.id, text)
		})

	case *protocol.Clear:
		sid, ok := s.boundSession(c, req.SessionID)
		if !ok {
			return
		}
		s.turns.Clear(sid, c.id)

	case *protocol.PingTest:
		sid := req.SessionID
		if sid == "" {
			sid = c.sessionID
		}
		ts := req.TS
		s.goTurn(func(ctx context.Context) {
			s.turns.PingTest(ctx, sid, c.id, ts)
		})
	}
}

// boundSession checks that c observes sessionID.
func (s *Server) boundSession(c *client, sessionID string) (string, bool) {
	sessionID = strings.TrimSpace(sessionID)
	switch {
	case c.role != roleObserver:
		s.broadcaster.deliver(c, protocol.Error{Message: "Register a session before sending requests"})
		return "", false
	case sessionID != c.sessionID:
		s.broadcaster.deliver(c, protocol.Error{Message: "Session mismatch"})
		return "", false
	}
	return sessionID, true
}

func (s *Server) goTurn(fn func(ctx context.Context)) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn(s.ctx)
	}()
}

func (s *Server) reject(c *client, err error) {
	s.logger.Debug("frame rejected", "conn", c.id, "err", err)
	msg := "Malformed message"
	if errors.Is(err, protocol.ErrUnknownKind) {
		msg = "Unknown message type"
	}
	s.broadcaster.deliver(c, protocol.Error{Message: msg})
}

type healthResponse struct {
	Status          health.Status           `json:"status"`
	Strategy        config.Strategy         `json:"strategy"`
	DriverConnected bool                    `json:"driverConnected"`
	Connections     Stats                   `json:"connections"`
	Sessions        int                     `json:"sessions"`
	BusySessions    int                     `json:"busySessions"`
	PendingRequests int                     `json:"pendingRequests"`
	Upstreams       []health.UpstreamHealth `json:"upstreams"`
	Process         health.ProcessStats     `json:"process"`
	UptimeSeconds   int64                   `json:"uptimeSeconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.broadcaster.Stats()
	resp := healthResponse{
		Status:          s.health.Overall(),
		DriverConnected: stats.DriverActive,
		Connections:     stats,
		Sessions:        s.store.Len(),
		BusySessions:    s.store.BusyCount(),
		Upstreams:       s.health.Snapshot(),
		Process:         s.sampler.Sample(),
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
	}
	if s.turns != nil {
		resp.Strategy = s.turns.Strategy()
	}
	if s.correlator != nil {
		resp.PendingRequests = s.correlator.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) summarize(snap session.Snapshot) session.Summary {
	return s.tokens.Summarize(snap, s.cfg.MaxContextTokens(s.cfg.Completion.Model))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	snaps := s.store.GetAll()
	summaries := make([]session.Summary, 0, len(snaps))
	for _, snap := range snaps {
		summaries = append(summaries, s.summarize(snap))
	}
	writeJSON(w, http.StatusOK, s.privacy.FilterSlice(summaries))
}

type sessionDetail struct {
	session.Summary
	Messages []session.Message    `json:"messages"`
	Resume   *session.ResumeState `json:"resume,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	snap, ok := s.store.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sessionDetail{
		Summary:  s.summarize(snap),
		Messages: snap.Messages,
		Resume:   snap.Resume(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// checkOrigin accepts requests without an Origin header, origins matching a
// configured pattern and, when no patterns are configured, same-host and
// loopback origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.origins) > 0 {
		for _, g := range s.origins {
			if g.Match(origin) {
				return true
			}
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
