package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicedesk/pkg/agents"
	"github.com/vango-go/vai-voicedesk/pkg/core"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/config"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/mw"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/relay"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/responder"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/sessionkey"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/sessions"
)

// RealtimeHandler handles /v1/realtime websocket sessions authenticated by
// an ephemeral key from /api/session/create.
type RealtimeHandler struct {
	Config    config.Config
	Keys      *sessionkey.Keys
	Agents    agents.Registry
	Responder responder.Responder
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger
}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, drainingError(), 529)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	token, ok := mw.ParseBearer(r)
	if !ok {
		token = strings.TrimSpace(r.URL.Query().Get("key"))
	}
	if token == "" {
		writeCoreErrorJSON(w, reqID, core.NewAuthenticationError("missing session key"), http.StatusUnauthorized)
		return
	}
	claims, err := h.Keys.Verify(token)
	if err != nil {
		ce := core.NewAuthenticationError("invalid session key")
		if errors.Is(err, sessionkey.ErrExpiredKey) {
			ce = &core.Error{Type: core.ErrAuthentication, Message: "session key expired", Code: "expired_key"}
		}
		writeCoreErrorJSON(w, reqID, ce, http.StatusUnauthorized)
		return
	}
	agent, ok := h.Agents.Lookup(claims.Agent)
	if !ok {
		writeCoreErrorJSON(w, reqID, core.NewAuthenticationError("session key names an unknown agent"), http.StatusUnauthorized)
		return
	}
	sessionID := claims.SessionID()

	live := h.Limiter.AcquireLive(ratelimit.IPKey(r, h.Config.TrustProxyHeaders), time.Now())
	if !live.Allowed {
		writeRateLimited(w, reqID, "too many live sessions", live.RetryAfter)
		return
	}
	defer live.Permit.Release()

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.WSHandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, http.Header{"X-Session-ID": []string{sessionID}})
	if err != nil {
		return
	}
	defer conn.Close()

	s, err := relay.New(relay.Deps{
		Conn:      conn,
		Responder: h.Responder,
		Agent:     agent,
		SessionID: sessionID,
		Logger:    h.logger().With("request_id", reqID),
		Draining:  h.Lifecycle.Draining(),
		Config: relay.Config{
			PingInterval:       h.Config.WSPingInterval,
			WriteTimeout:       h.Config.WSWriteTimeout,
			ReadTimeout:        readTimeout(h.Config),
			MaxSessionDuration: h.Config.WSMaxSessionDuration,
			TurnTimeout:        h.Config.TurnTimeout,
			ToolResultTimeout:  h.Config.ToolResultTimeout,
			MaxToolRounds:      h.Config.MaxToolRounds,
			MaxMessageBytes:    h.Config.WSMaxMessageBytes,
			OutboundQueueSize:  128,
		},
	})
	if err != nil {
		h.logger().Error("relay init failed", "session_id", sessionID, "error", err)
		return
	}

	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register(sessionID, sessions.Handle{
			Cancel: s.Cancel,
			Warn:   s.SendWarning,
		})
	}
	defer unregister()

	h.logger().Info("realtime session started", "session_id", sessionID, "agent", agent.Name, "request_id", reqID)
	if err := s.Run(); err != nil {
		h.logger().Warn("realtime session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
	}
}

// readTimeout allows two missed pongs before the connection is considered dead.
func readTimeout(cfg config.Config) time.Duration {
	if cfg.WSPingInterval <= 0 {
		return 0
	}
	return 2*cfg.WSPingInterval + cfg.WSWriteTimeout
}

func (h RealtimeHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h RealtimeHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
