// Package ratelimit bounds how fast a client can mint sessions and how many
// realtime sessions it can hold open. State is in-memory and per process.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const anonymous = "anonymous"

type Config struct {
	// CreateRPS and CreateBurst shape the session-create token bucket.
	// Either one <= 0 disables it.
	CreateRPS   float64
	CreateBurst int

	// MaxLiveSessions caps concurrent realtime sessions per client; 0 is
	// unlimited.
	MaxLiveSessions int

	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*clientLimiter
}

type clientLimiter struct {
	mu sync.Mutex

	tb      tokenBucket
	liveSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	capacity float64
	tokens   float64
	last     time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientLimiter),
	}
}

// ClientKey identifies the caller for limiting: a hash of its bearer token
// when present, else its IP. Proxy headers are honored only when trusted.
func ClientKey(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return anonymous
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		if token := strings.TrimSpace(auth[7:]); token != "" {
			return "k_" + hashHex(token)
		}
	}
	return IPKey(r, trustProxyHeaders)
}

// IPKey identifies the caller by IP only. Realtime connections use it since
// their bearer token changes with every session.
func IPKey(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return anonymous
	}
	if ip := clientIP(r, trustProxyHeaders); ip != "" {
		return "ip_" + ip
	}
	return anonymous
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	// 16 bytes is plenty for an in-memory map key.
	return hex.EncodeToString(sum[:16])
}

func clientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			// Left-most entry is the original client.
			first, _, _ := strings.Cut(raw, ",")
			if ip := parseIP(first); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}

type Permit struct {
	release func()
}

// Release is idempotent and safe on a nil permit.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed bool
	// RetryAfter is in whole seconds and set only when denied.
	RetryAfter int
	Permit     *Permit
}

// AllowCreate spends one session-create token for client.
func (l *Limiter) AllowCreate(client string, now time.Time) Decision {
	if l == nil || l.cfg.CreateRPS <= 0 || l.cfg.CreateBurst <= 0 {
		return Decision{Allowed: true}
	}
	cl := l.getOrCreate(client, now)
	ok, retryAfter := cl.allowToken(now, l.cfg.CreateRPS, l.cfg.CreateBurst)
	if !ok {
		return Decision{RetryAfter: retryAfter}
	}
	return Decision{Allowed: true}
}

// AcquireLive reserves one live-session slot for client. The caller must
// release the permit when the session ends.
func (l *Limiter) AcquireLive(client string, now time.Time) Decision {
	if l == nil || l.cfg.MaxLiveSessions <= 0 {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	cl := l.getOrCreate(client, now)
	select {
	case cl.liveSem <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-cl.liveSem }}}
	default:
		return Decision{RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(client string, now time.Time) *clientLimiter {
	if client == "" {
		client = anonymous
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if cl, ok := l.m[client]; ok {
		cl.lastSeen = now
		return cl
	}
	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// Still full: drop an arbitrary idle entry.
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.liveSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}
	cl := &clientLimiter{
		liveSem:  make(chan struct{}, max(1, l.cfg.MaxLiveSessions)),
		lastSeen: now,
	}
	l.m[client] = cl
	return cl
}

// gcLocked keeps entries that still hold live permits.
func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL && len(v.liveSem) == 0 {
			delete(l.m, k)
		}
	}
}

func (cl *clientLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	capacity := float64(burst)
	if cl.tb.capacity == 0 {
		cl.tb = tokenBucket{capacity: capacity, tokens: capacity, last: now}
	}
	cl.tb.capacity = capacity

	if elapsed := now.Sub(cl.tb.last).Seconds(); elapsed > 0 {
		cl.tb.tokens = math.Min(cl.tb.capacity, cl.tb.tokens+elapsed*rps)
		cl.tb.last = now
	}
	if cl.tb.tokens >= 1.0 {
		cl.tb.tokens -= 1.0
		return true, 0
	}
	retryAfter := int(math.Ceil((1.0 - cl.tb.tokens) / rps))
	return false, max(1, retryAfter)
}
