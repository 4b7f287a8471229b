package handlers

import (
	"net/http"

	"github.com/vango-go/vai-voicedesk/pkg/agents"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/config"
	"github.com/vango-go/vai-voicedesk/pkg/gateway/lifecycle"
)

// RootHandler answers GET / so a browser or probe can see the gateway is up.
type RootHandler struct{}

func (h RootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "voicedesk gateway is running"})
}

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Agents    agents.Registry
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK        bool     `json:"ok"`
		Draining  bool     `json:"draining"`
		AuthMode  string   `json:"auth_mode"`
		Agent     string   `json:"agent"`
		Responder string   `json:"responder"`
		Issues    []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if _, ok := h.Agents.Lookup(h.Config.Agent); !ok {
		issues = append(issues, "default agent is not registered")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.WSMaxSessionDuration <= 0 {
		issues = append(issues, "ws max session duration must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 || h.Config.HandlerTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, readyResp{
		OK:        ok,
		Draining:  draining,
		AuthMode:  string(h.Config.AuthMode),
		Agent:     h.Config.Agent,
		Responder: h.Config.Responder,
		Issues:    issues,
	})
}
