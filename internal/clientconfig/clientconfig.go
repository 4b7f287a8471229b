// Package clientconfig loads the voicedesk client settings from the
// environment.
package clientconfig

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	GatewayURL string
	APIKey     string
	Agent      string

	// DatabaseURL selects the Postgres notes store; empty keeps notes in memory.
	DatabaseURL string

	// NATSURL enables publishing the diagnostic log; empty disables it.
	NATSURL           string
	NATSSubjectPrefix string

	AutoConnect    bool
	ConnectTimeout time.Duration
	ToolTimeout    time.Duration
	SendTimeout    time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		GatewayURL:        envOr("VOICEDESK_GATEWAY_URL", "http://localhost:8000"),
		APIKey:            envOr("VOICEDESK_API_KEY", ""),
		Agent:             envOr("VOICEDESK_AGENT", "healthcare"),
		DatabaseURL:       envOr("VOICEDESK_DATABASE_URL", ""),
		NATSURL:           envOr("VOICEDESK_NATS_URL", ""),
		NATSSubjectPrefix: envOr("VOICEDESK_NATS_SUBJECT_PREFIX", ""),
		AutoConnect:       envBoolOr("VOICEDESK_AUTO_CONNECT", true),
		ConnectTimeout:    envDurationOr("VOICEDESK_CONNECT_TIMEOUT", 15*time.Second),
		ToolTimeout:       envDurationOr("VOICEDESK_TOOL_TIMEOUT", 10*time.Second),
		SendTimeout:       envDurationOr("VOICEDESK_SEND_TIMEOUT", 5*time.Second),
	}

	u, err := url.Parse(cfg.GatewayURL)
	if err != nil || u.Host == "" {
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_URL must be an absolute URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return Config{}, fmt.Errorf("VOICEDESK_GATEWAY_URL must use http or https")
	}
	if cfg.Agent == "" {
		return Config{}, fmt.Errorf("VOICEDESK_AGENT must not be empty")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_TOOL_TIMEOUT must be > 0")
	}
	if cfg.SendTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEDESK_SEND_TIMEOUT must be > 0")
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
