package httpx

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter backs C1: a per-client fixed-window counter whose window starts
// at the client's first request and resets once it expires. Implementations
// must fail open — on any internal error Allow should report the request as
// allowed rather than deny it.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// memoryRateLimiter is the in-process fallback used when no rate-limit Redis
// address is configured, and in tests.
type memoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateState
	stopCh  chan struct{}
	once    sync.Once
}

type rateState struct {
	count     int
	windowEnd time.Time
}

func NewMemoryRateLimiter() RateLimiter {
	rl := &memoryRateLimiter{
		entries: make(map[string]rateState),
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.entries[key]
	if !ok || now.After(state.windowEnd) {
		state = rateState{count: 1, windowEnd: now.Add(window)}
		rl.entries[key] = state
		return rateDecision{allowed: true, count: state.count, windowEnd: state.windowEnd}
	}
	state.count++
	rl.entries[key] = state
	return rateDecision{allowed: state.count <= limit, count: state.count, windowEnd: state.windowEnd}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, state := range rl.entries {
		if now.After(state.windowEnd) {
			delete(rl.entries, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

// rateLimit is the second filter: it never short-circuits the chain. On
// rejection it stamps 429 and rate-limit headers but always calls next so
// telemetry capture still fires, per the chain's ordering invariant.
func (r *Router) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.skipAuth(req.URL.Path) || r.limiter == nil {
			next(w, req)
			return
		}
		key := rateLimitKey(req)
		decision := r.limiter.Allow(key, r.rateLimitDefault, r.rateLimitWindow)
		applyRateHeaders(w, r.rateLimitDefault, decision)
		if !decision.allowed {
			r.recordRateLimitHit(req.URL.Path)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}
		next(w, req)
	}
}

func rateLimitKey(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.ClientID != "" {
		return "client:" + info.ClientID
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil || host == "" {
		host = req.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return "ip:" + host
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
}
