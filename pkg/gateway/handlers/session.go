package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-voicedesk/pkg/agents"
	"github.com/vango-go/vai-voicedesk/pkg/core"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/config"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/sessionkey"
)

type sessionCreateRequest struct {
	Agent string `json:"agent,omitempty"`
}

type sessionCreateResponse struct {
	SessionID    string    `json:"session_id"`
	EphemeralKey string    `json:"ephemeral_key"`
	Agent        string    `json:"agent"`
	Model        string    `json:"model"`
	Modalities   []string  `json:"modalities"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionCreateHandler handles POST /api/session/create. It mints a
// short-lived key the client presents when opening /v1/realtime.
type SessionCreateHandler struct {
	Config    config.Config
	Keys      *sessionkey.Keys
	Agents    agents.Registry
	Lifecycle *lifecycle.Lifecycle
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger
	// NewSessionID overrides session id generation.
	NewSessionID func() string
}

func (h SessionCreateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	reqID := requestIDFromContext(r.Context())
	if h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, drainingError(), 529)
		return
	}
	if d := h.Limiter.AllowCreate(ratelimit.ClientKey(r, h.Config.TrustProxyHeaders), time.Now()); !d.Allowed {
		writeRateLimited(w, reqID, "too many session requests", d.RetryAfter)
		return
	}

	var req sessionCreateRequest
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		writeCoreErrorJSON(w, reqID, err, http.StatusBadRequest)
		return
	}
	agentName := strings.TrimSpace(req.Agent)
	if agentName == "" {
		agentName = h.Config.Agent
	}
	if _, ok := h.Agents.Lookup(agentName); !ok {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("unknown agent", "agent"), http.StatusBadRequest)
		return
	}

	newID := h.NewSessionID
	if newID == nil {
		newID = func() string { return "sess_" + uuid.NewString() }
	}
	sessionID := newID()
	token, expiresAt, err := h.Keys.Mint(sessionID, agentName, h.Config.Model)
	if err != nil {
		h.logger().Error("mint session key failed", "request_id", reqID, "error", err)
		writeCoreErrorJSON(w, reqID, core.NewAPIError("failed to create session"), http.StatusInternalServerError)
		return
	}

	modalities := h.Config.Modalities
	if len(modalities) == 0 {
		modalities = []string{"text"}
	}
	h.logger().Info("session created", "request_id", reqID, "session_id", sessionID, "agent", agentName)
	w.Header().Set("X-Session-ID", sessionID)
	writeJSON(w, http.StatusOK, sessionCreateResponse{
		SessionID:    sessionID,
		EphemeralKey: token,
		Agent:        agentName,
		Model:        h.Config.Model,
		Modalities:   modalities,
		ExpiresAt:    expiresAt.UTC(),
	})
}

func (h SessionCreateHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
