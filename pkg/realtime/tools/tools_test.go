package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vango-go/vai-voicedesk/pkg/agents"
)

func newTestRegistry(timeout time.Duration) *Registry {
	return NewRegistry(Options{Timeout: timeout, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func TestInvoke_Success(t *testing.T) {
	r := newTestRegistry(0)
	err := r.Register("echo", func(_ context.Context, args json.RawMessage) (Result, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return Result{}, err
		}
		return OK("echoed", map[string]any{"text": in.Text}), nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success || res.Fields["text"] != "hi" {
		t.Fatalf("res=%+v", res)
	}
}

func TestInvoke_NotFound(t *testing.T) {
	r := newTestRegistry(0)
	res, err := r.Invoke(context.Background(), "doThing", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("err=%v, want ErrToolNotFound", err)
	}
	if res.Success || res.Code != "tool_not_registered" || res.Message == "" {
		t.Fatalf("res=%+v", res)
	}
}

func TestInvoke_HandlerErrorBecomesFailure(t *testing.T) {
	r := newTestRegistry(0)
	_ = r.Register("bad", func(context.Context, json.RawMessage) (Result, error) {
		return Result{}, errors.New("db offline")
	})
	res, err := r.Invoke(context.Background(), "bad", nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Success || res.Code != "tool_execution_failed" {
		t.Fatalf("res=%+v", res)
	}
}

func TestInvoke_PanicBecomesFailure(t *testing.T) {
	r := newTestRegistry(0)
	_ = r.Register("boom", func(context.Context, json.RawMessage) (Result, error) {
		panic("kaboom")
	})
	res, err := r.Invoke(context.Background(), "boom", nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Success || res.Code != "tool_execution_failed" {
		t.Fatalf("res=%+v", res)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	r := newTestRegistry(20 * time.Millisecond)
	_ = r.Register("slow", func(ctx context.Context, _ json.RawMessage) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	res, err := r.Invoke(context.Background(), "slow", nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Code != "tool_timeout" {
		t.Fatalf("res=%+v", res)
	}
}

func TestInvoke_TimeoutWhenHandlerIgnoresContext(t *testing.T) {
	r := newTestRegistry(50 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	_ = r.Register("stuck", func(context.Context, json.RawMessage) (Result, error) {
		<-release
		return OK("late", nil), nil
	})

	start := time.Now()
	res, err := r.Invoke(context.Background(), "stuck", nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if res.Code != "tool_timeout" || res.Success {
		t.Fatalf("res=%+v", res)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Invoke returned after %v", elapsed)
	}
}

func TestRegister_Validation(t *testing.T) {
	r := newTestRegistry(0)
	h := func(context.Context, json.RawMessage) (Result, error) { return OK("", nil), nil }
	if err := r.Register(" ", h); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := r.Register("x", nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
	if err := r.Register("x", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("x", h); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestRegisterAgent_OnlyDeclaredTools(t *testing.T) {
	r := newTestRegistry(0)
	h := func(context.Context, json.RawMessage) (Result, error) { return OK("", nil), nil }
	agent := agents.Config{Name: "a", Tools: []agents.Tool{{Name: "one"}, {Name: "two"}}}
	err := r.RegisterAgent(agent, map[string]Handler{"one": h, "extra": h})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	names := r.Names()
	if len(names) != 1 || names[0] != "one" {
		t.Fatalf("names=%v, want [one]", names)
	}
}

func TestResultJSONIsFlat(t *testing.T) {
	data, err := json.Marshal(Result{Success: true, Message: "ok", Fields: map[string]any{"slot": "Mon", "success": "ignored"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	_ = json.Unmarshal(data, &got)
	if got["success"] != true || got["message"] != "ok" || got["slot"] != "Mon" {
		t.Fatalf("json=%s", data)
	}
	if _, ok := got["code"]; ok {
		t.Fatalf("unexpected code in %s", data)
	}

	var back Result
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Success || back.Fields["slot"] != "Mon" {
		t.Fatalf("back=%+v", back)
	}
}
