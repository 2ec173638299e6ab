package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterTTL is how long an idle client's limiter is kept
const limiterTTL = 10 * time.Minute

// RateLimiter limits requests per client. Clients are identified by API key
// name when authenticated, otherwise by remote address.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*cachedLimiter
	now      func() time.Time
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// NewRateLimiter allows perMinute requests per client with the given burst.
// perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		limiters: make(map[string]*cachedLimiter),
		now:      time.Now,
	}
}

// Handler rejects requests over the limit with 429
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		client := clientKey(r)
		limiter := rl.get(client)
		if !limiter.Allow() {
			GetLogger(r.Context()).Warn("rate limit exceeded", "client", client)
			retry := time.Duration(float64(time.Second) / float64(rl.limit))
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			respondError(w, r, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) get(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if cached, ok := rl.limiters[client]; ok && now.Before(cached.expiresAt) {
		cached.expiresAt = now.Add(limiterTTL)
		return cached.limiter
	}

	// Drop expired entries while we hold the lock.
	for k, c := range rl.limiters {
		if !now.Before(c.expiresAt) {
			delete(rl.limiters, k)
		}
	}

	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters[client] = &cachedLimiter{limiter: limiter, expiresAt: now.Add(limiterTTL)}
	return limiter
}

func clientKey(r *http.Request) string {
	if name := GetAPIKeyName(r.Context()); name != "" {
		return "key:" + name
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
