package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-voicedesk/pkg/agents"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/config"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/handlers"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/mw"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/responder"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/sessionkey"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/sessions"
)

type Deps struct {
	Responder responder.Responder
	Keys      *sessionkey.Keys
	Agents    agents.Registry
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	Limiter   *ratelimit.Limiter
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Sessions == nil {
		deps.Sessions = sessions.NewTracker()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.Config{
			CreateRPS:       cfg.SessionCreateRPS,
			CreateBurst:     cfg.SessionCreateBurst,
			MaxLiveSessions: cfg.MaxLiveSessions,
		})
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/{$}", handlers.RootHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/health", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Agents: s.deps.Agents, Lifecycle: s.deps.Lifecycle})

	// Static API keys guard the HTTP API; the realtime socket is guarded by
	// the ephemeral key minted here.
	s.mux.Handle("/api/session/create", mw.Auth(s.cfg, handlers.SessionCreateHandler{
		Config:    s.cfg,
		Keys:      s.deps.Keys,
		Agents:    s.deps.Agents,
		Lifecycle: s.deps.Lifecycle,
		Limiter:   s.deps.Limiter,
		Logger:    s.logger,
	}))
	s.mux.Handle("/api/chat/completions", mw.Auth(s.cfg, handlers.ChatCompletionsHandler{
		Config:    s.cfg,
		Responder: s.deps.Responder,
		Agents:    s.deps.Agents,
		Logger:    s.logger,
	}))
	s.mux.Handle("/v1/realtime", handlers.RealtimeHandler{
		Config:    s.cfg,
		Keys:      s.deps.Keys,
		Agents:    s.deps.Agents,
		Responder: s.deps.Responder,
		Lifecycle: s.deps.Lifecycle,
		Sessions:  s.deps.Sessions,
		Limiter:   s.deps.Limiter,
		Logger:    s.logger,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Sessions returns the tracker of live realtime connections.
func (s *Server) Sessions() *sessions.Tracker {
	return s.deps.Sessions
}

// SetDraining stops new sessions; live ones end after their current turn.
func (s *Server) SetDraining() {
	s.deps.Lifecycle.SetDraining(true)
}

func (s *Server) WarnLiveSessionsDraining() int {
	return s.deps.Sessions.WarnAll("server_draining", "gateway is shutting down; the session will end after the current reply")
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.deps.Sessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.deps.Sessions.CancelAll(sessions.ReasonShutdown)
}
