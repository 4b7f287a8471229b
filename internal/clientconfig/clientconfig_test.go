package clientconfig

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"VOICEDESK_GATEWAY_URL", "VOICEDESK_API_KEY", "VOICEDESK_AGENT", "VOICEDESK_DATABASE_URL",
		"VOICEDESK_NATS_URL", "VOICEDESK_AUTO_CONNECT", "VOICEDESK_CONNECT_TIMEOUT",
	} {
		t.Setenv(key, "")
	}

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.GatewayURL != "http://localhost:8000" || cfg.Agent != "healthcare" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if !cfg.AutoConnect || cfg.ConnectTimeout != 15*time.Second {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.DatabaseURL != "" || cfg.NATSURL != "" {
		t.Fatalf("expected optional backends off, cfg=%+v", cfg)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("VOICEDESK_GATEWAY_URL", "https://desk.example.com")
	t.Setenv("VOICEDESK_API_KEY", " k1 ")
	t.Setenv("VOICEDESK_AUTO_CONNECT", "false")
	t.Setenv("VOICEDESK_TOOL_TIMEOUT", "3s")
	t.Setenv("VOICEDESK_NATS_URL", "nats://localhost:4222")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.APIKey != "k1" || cfg.AutoConnect || cfg.ToolTimeout != 3*time.Second {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.NATSURL != "nats://localhost:4222" {
		t.Fatalf("NATSURL=%q", cfg.NATSURL)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	cases := []struct {
		key, value, wantVar string
	}{
		{"VOICEDESK_GATEWAY_URL", "localhost", "VOICEDESK_GATEWAY_URL"},
		{"VOICEDESK_GATEWAY_URL", "ftp://x", "VOICEDESK_GATEWAY_URL"},
		{"VOICEDESK_CONNECT_TIMEOUT", "-1s", "VOICEDESK_CONNECT_TIMEOUT"},
		{"VOICEDESK_SEND_TIMEOUT", "0s", "VOICEDESK_SEND_TIMEOUT"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv("VOICEDESK_GATEWAY_URL", "")
			t.Setenv(tc.key, tc.value)
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.wantVar) {
				t.Fatalf("err=%v, want mention of %s", err, tc.wantVar)
			}
		})
	}
}
