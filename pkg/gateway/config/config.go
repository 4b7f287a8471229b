package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

// Responder backends for relay turns and chat completions.
const (
	ResponderGemini = "gemini"
	ResponderEcho   = "echo"
)

const minSessionSecretBytes = 32

type Config struct {
	Addr string

	// AuthMode guards POST /api/session/create with static API keys.
	AuthMode AuthMode
	APIKeys  map[string]struct{}

	MaxBodyBytes int64
	MaxMessages  int

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Agent served by this gateway and the model backing it.
	Agent        string
	Responder    string
	Model        string
	Modalities   []string
	GeminiAPIKey string

	// Ephemeral session keys.
	SessionSecret []byte
	SessionTTL    time.Duration

	// Realtime WebSocket relay (/v1/realtime).
	WSMaxSessionDuration time.Duration
	WSMaxMessageBytes    int64
	WSPingInterval       time.Duration
	WSWriteTimeout       time.Duration
	WSHandshakeTimeout   time.Duration
	TurnTimeout          time.Duration
	ToolResultTimeout    time.Duration
	MaxToolRounds        int

	// Per-client limits. TrustProxyHeaders reads the client IP from
	// X-Real-IP / X-Forwarded-For.
	SessionCreateRPS   float64
	SessionCreateBurst int
	MaxLiveSessions    int
	TrustProxyHeaders  bool

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("VOICEDESK_GATEWAY_ADDR", ":8000"),
		AuthMode:             AuthMode(envOr("VOICEDESK_GATEWAY_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:              make(map[string]struct{}),
		MaxBodyBytes:         envInt64Or("VOICEDESK_GATEWAY_MAX_BODY_BYTES", 1<<20), // 1 MiB
		MaxMessages:          envIntOr("VOICEDESK_GATEWAY_MAX_MESSAGES", 128),
		CORSAllowedOrigins:   make(map[string]struct{}),
		Agent:                envOr("VOICEDESK_GATEWAY_AGENT", "healthcare"),
		Responder:            envOr("VOICEDESK_GATEWAY_RESPONDER", ResponderGemini),
		Model:                envOr("VOICEDESK_GATEWAY_MODEL", "gemini-2.5-flash"),
		GeminiAPIKey:         envOr("VOICEDESK_GATEWAY_GEMINI_API_KEY", envOr("GEMINI_API_KEY", "")),
		SessionSecret:        []byte(os.Getenv("VOICEDESK_GATEWAY_SESSION_SECRET")),
		SessionTTL:           envDurationOr("VOICEDESK_GATEWAY_SESSION_TTL", 60*time.Second),
		WSMaxSessionDuration: envDurationOr("VOICEDESK_GATEWAY_WS_MAX_DURATION", 30*time.Minute),
		WSMaxMessageBytes:    envInt64Or("VOICEDESK_GATEWAY_WS_MAX_MESSAGE_BYTES", 64*1024),
		WSPingInterval:       envDurationOr("VOICEDESK_GATEWAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:       envDurationOr("VOICEDESK_GATEWAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSHandshakeTimeout:   envDurationOr("VOICEDESK_GATEWAY_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		TurnTimeout:          envDurationOr("VOICEDESK_GATEWAY_TURN_TIMEOUT", 60*time.Second),
		ToolResultTimeout:    envDurationOr("VOICEDESK_GATEWAY_TOOL_RESULT_TIMEOUT", 15*time.Second),
		MaxToolRounds:        envIntOr("VOICEDESK_GATEWAY_MAX_TOOL_ROUNDS", 8),
		SessionCreateRPS:     envFloatOr("VOICEDESK_GATEWAY_SESSION_CREATE_RPS", 2),
		SessionCreateBurst:   envIntOr("VOICEDESK_GATEWAY_SESSION_CREATE_BURST", 10),
		MaxLiveSessions:      envIntOr("VOICEDESK_GATEWAY_MAX_LIVE_SESSIONS_PER_CLIENT", 4),
		TrustProxyHeaders:    envBoolOr("VOICEDESK_GATEWAY_TRUST_PROXY_HEADERS", false),
		ReadHeaderTimeout:    envDurationOr("VOICEDESK_GATEWAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:          envDurationOr("VOICEDESK_GATEWAY_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:       envDurationOr("VOICEDESK_GATEWAY_TOTAL_REQUEST_TIMEOUT", 2*time.Minute),
		ShutdownGracePeriod:  envDurationOr("VOICEDESK_GATEWAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_AUTH_MODE must be one of required|disabled")
	}
	for _, key := range splitCSV(os.Getenv("VOICEDESK_GATEWAY_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VOICEDESK_GATEWAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}
	cfg.Modalities = splitCSV(envOr("VOICEDESK_GATEWAY_MODALITIES", "text"))

	switch cfg.Responder {
	case ResponderGemini:
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_GEMINI_API_KEY (or GEMINI_API_KEY) must be set when VOICEDESK_GATEWAY_RESPONDER=gemini")
		}
	case ResponderEcho:
	default:
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_RESPONDER must be one of gemini|echo")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_MODEL must not be empty")
	}
	if len(cfg.SessionSecret) < minSessionSecretBytes {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_SESSION_SECRET must be at least %d bytes", minSessionSecretBytes)
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_MAX_BODY_BYTES must be > 0")
	}
	if cfg.MaxMessages <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_MAX_MESSAGES must be > 0")
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_SESSION_TTL must be > 0")
	}
	if cfg.WSMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_WS_MAX_DURATION must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.TurnTimeout < 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_TURN_TIMEOUT must be >= 0")
	}
	if cfg.ToolResultTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_TOOL_RESULT_TIMEOUT must be > 0")
	}
	if cfg.MaxToolRounds <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_MAX_TOOL_ROUNDS must be > 0")
	}
	if cfg.SessionCreateRPS < 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_SESSION_CREATE_RPS must be >= 0")
	}
	if cfg.SessionCreateBurst < 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_SESSION_CREATE_BURST must be >= 0")
	}
	if cfg.MaxLiveSessions < 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_MAX_LIVE_SESSIONS_PER_CLIENT must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_API_KEYS must be set when VOICEDESK_GATEWAY_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloatOr(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
