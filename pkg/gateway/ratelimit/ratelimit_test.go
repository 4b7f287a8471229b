package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestAcquireLive_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxLiveSessions: 1})
	now := time.Now()

	first := l.AcquireLive("p1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}
	if second := l.AcquireLive("p1", now); second.Allowed {
		t.Fatalf("second should be denied")
	}
	if other := l.AcquireLive("p2", now); !other.Allowed {
		t.Fatalf("other client should be allowed")
	}

	first.Permit.Release()
	first.Permit.Release()
	if third := l.AcquireLive("p1", now); !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquireLive_Unlimited(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 5; i++ {
		d := l.AcquireLive("p1", time.Now())
		if !d.Allowed {
			t.Fatalf("attempt %d denied", i)
		}
		d.Permit.Release()
	}
}

func TestAllowCreate_TokenBucket(t *testing.T) {
	l := New(Config{CreateRPS: 1, CreateBurst: 2})
	now := time.Unix(1000, 0)

	for i := 0; i < 2; i++ {
		if d := l.AllowCreate("c", now); !d.Allowed {
			t.Fatalf("burst attempt %d denied", i)
		}
	}
	d := l.AllowCreate("c", now)
	if d.Allowed || d.RetryAfter != 1 {
		t.Fatalf("decision=%+v, want denied with retry 1", d)
	}
	if d := l.AllowCreate("c", now.Add(time.Second)); !d.Allowed {
		t.Fatalf("refilled token denied")
	}
}

func TestAllowCreate_NilLimiter(t *testing.T) {
	var l *Limiter
	if d := l.AllowCreate("c", time.Now()); !d.Allowed {
		t.Fatal("nil limiter should allow")
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/session/create", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := ClientKey(r, false); got != "ip_10.0.0.1" {
		t.Fatalf("key=%q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientKey(r, false); got != "ip_10.0.0.1" {
		t.Fatalf("untrusted key=%q", got)
	}
	if got := ClientKey(r, true); got != "ip_203.0.113.9" {
		t.Fatalf("trusted key=%q", got)
	}

	r.Header.Set("Authorization", "Bearer secret-key")
	got := ClientKey(r, true)
	if len(got) != 2+32 || got[:2] != "k_" {
		t.Fatalf("api key=%q", got)
	}
	if got == ClientKey(httptest.NewRequest("GET", "/", nil), false) {
		t.Fatal("keys should differ")
	}
	if got := IPKey(r, true); got != "ip_203.0.113.9" {
		t.Fatalf("IPKey=%q", got)
	}
}

func TestEntriesAreBounded(t *testing.T) {
	l := New(Config{MaxLiveSessions: 1, MaxEntries: 2})
	now := time.Now()
	held := l.AcquireLive("a", now)
	l.AcquireLive("b", now).Permit.Release()
	l.AcquireLive("c", now)

	if len(l.m) > 2 {
		t.Fatalf("entries=%d", len(l.m))
	}
	if _, ok := l.m["a"]; !ok {
		t.Fatal("entry holding a permit was evicted")
	}
	held.Permit.Release()
}
