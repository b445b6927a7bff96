package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Лимитеры, не использованные дольше idleTTL, удаляются при очередном обращении.
const idleTTL = 10 * time.Minute

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	mu     sync.Mutex
	byKey  map[string]*ipLimiter
	rps    rate.Limit
	burst  int
	lastGC time.Time
	now    func() time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		byKey: make(map[string]*ipLimiter),
		rps:   rate.Limit(rps),
		burst: burst,
		now:   time.Now,
	}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if now.Sub(r.lastGC) > idleTTL {
		for k, l := range r.byKey {
			if now.Sub(l.lastSeen) > idleTTL {
				delete(r.byKey, k)
			}
		}
		r.lastGC = now
	}
	l, ok := r.byKey[key]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(r.rps, r.burst)}
		r.byKey[key] = l
	}
	l.lastSeen = now
	return l.lim.AllowN(now, 1)
}

// RateLimitByIP ограничивает частоту запросов (handshake /ws, /internal/*) по IP клиента. 429 при превышении.
func RateLimitByIP(rps float64, burst int) func(http.Handler) http.Handler {
	rl := newRateLimiter(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(clientIP(r)) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
