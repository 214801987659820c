package middleware

import (
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiterMiddleware limits requests per value of a route variable, so
// one misbehaving hub cannot flood the queue for every subscription.
type RateLimiterMiddleware struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	// Rate is the number of events per second.
	rate  rate.Limit
	burst int
	key   string
}

// NewRateLimiterMiddleware limits requests sharing the same value of the
// route variable key.
func NewRateLimiterMiddleware(r rate.Limit, b int, key string) *RateLimiterMiddleware {
	return &RateLimiterMiddleware{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
		key:      key,
	}
}

func (rl *RateLimiterMiddleware) limiter(id string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, exists := rl.limiters[id]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[id] = limiter
	}
	return limiter
}

func (rl *RateLimiterMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)[rl.key]
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.limiter(id).Allow() {
			log.WithFields(log.Fields{rl.key: id, "path": r.URL.Path}).Warn("rate limit exceeded")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
