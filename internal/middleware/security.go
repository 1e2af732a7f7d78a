package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type contextKey string

const cspNonceKey contextKey = "csp_nonce"

// MaxBodySize caps request bodies. Telegram updates are well below it.
const MaxBodySize = 1 << 20

// CSPNonceFromContext returns the per-request style nonce, or "".
func CSPNonceFromContext(ctx context.Context) string {
	nonce, _ := ctx.Value(cspNonceKey).(string)
	return nonce
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// SecurityHeadersMiddleware sets conservative browser security headers. The
// status page has no scripts, so only a nonce-bound inline style is allowed.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nonce, err := generateNonce()
		if err != nil {
			log.Error().Err(err).Msg("middleware: failed to generate CSP nonce")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		h.Set("Content-Security-Policy",
			"default-src 'none'; style-src 'nonce-"+nonce+"'; img-src 'self'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), cspNonceKey, nonce)))
	})
}

// LimitBodyMiddleware caps the request body at MaxBodySize.
func LimitBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	mu          sync.Mutex
	visitors    map[string]*visitor
	perMinute   int
	limit       rate.Limit
	burst       int
	idle        time.Duration
	lastCleanup time.Time
}

// NewRateLimiter allows perMinute requests per key with the given burst.
// Keys idle longer than idle are forgotten.
func NewRateLimiter(perMinute, burst int, idle time.Duration) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors:    make(map[string]*visitor),
		perMinute:   perMinute,
		limit:       rate.Limit(float64(perMinute) / 60),
		burst:       burst,
		idle:        idle,
		lastCleanup: time.Now(),
	}
}

// Allow reports whether key may make a request now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCleanup) > rl.idle {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.idle {
				delete(rl.visitors, k)
			}
		}
		rl.lastCleanup = now
	}

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// RetryAfter is the wait, in whole seconds, for one token to refill.
func (rl *RateLimiter) RetryAfter() int {
	if rl.perMinute <= 0 {
		return 60
	}
	secs := 60 / rl.perMinute
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RateLimitConfig selects a limiter per route family.
type RateLimitConfig struct {
	// WebhookLimiter guards update pushes. Telegram delivers in bursts from
	// a handful of addresses, so this one is generous.
	WebhookLimiter *RateLimiter
	GlobalLimiter  *RateLimiter
}

// NewDefaultRateLimitConfig returns the limits used in production.
func NewDefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		WebhookLimiter: NewRateLimiter(6000, 200, 10*time.Minute),
		GlobalLimiter:  NewRateLimiter(120, 20, 10*time.Minute),
	}
}

// RateLimitMiddleware rejects clients over their limit with 429.
func RateLimitMiddleware(config *RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := config.GlobalLimiter
			if strings.HasPrefix(r.URL.Path, "/webhook/") {
				limiter = config.WebhookLimiter
			}
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			ip := GetClientIP(r)
			if !limiter.Allow(ip) {
				log.Warn().Str("client_ip", ip).Msg("middleware: rate limit exceeded")
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter()))
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
