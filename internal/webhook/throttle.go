package webhook

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/valinor-ai/relay/internal/cache"
	"golang.org/x/time/rate"
)

// Throttle bounds deliveries per source address with a token bucket per
// key. Buckets live in an expiring LRU so idle sources are forgotten.
type Throttle struct {
	mu       sync.Mutex
	limiters *cache.LRU[*rate.Limiter]
	limit    rate.Limit
	burst    int
}

type ThrottleConfig struct {
	PerSecond float64
	Burst     int
	// Sources caps how many distinct keys are tracked at once.
	Sources int
	IdleTTL time.Duration
}

// NewThrottle returns nil when PerSecond is not positive, which disables
// throttling.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.PerSecond <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Sources <= 0 {
		cfg.Sources = 10000
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &Throttle{
		limiters: cache.NewLRU[*rate.Limiter](cfg.Sources, cfg.IdleTTL),
		limit:    rate.Limit(cfg.PerSecond),
		burst:    cfg.Burst,
	}
}

// Allow reports whether key may deliver now. A nil Throttle allows all.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	l, ok := t.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters.Set(key, l)
	}
	t.mu.Unlock()
	return l.Allow()
}

// clientIP returns the caller's address. The first X-Forwarded-For hop is
// used only when the handler sits behind a trusted proxy.
func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
