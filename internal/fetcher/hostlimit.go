package fetcher

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter hands out one token bucket per origin host so that many feeds
// on the same site are not hammered in parallel.
type HostLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewHostLimiter returns a limiter allowing r requests per second per host.
// A non-positive rate disables limiting.
func NewHostLimiter(r float64, burst int) *HostLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     limit,
		burst:    burst,
	}
}

func (hl *HostLimiter) get(host string) *rate.Limiter {
	host = strings.ToLower(host)

	hl.mu.Lock()
	defer hl.mu.Unlock()

	limiter, exists := hl.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(hl.rate, hl.burst)
		hl.limiters[host] = limiter
	}
	return limiter
}

// Wait blocks until host may be contacted again or ctx is done.
func (hl *HostLimiter) Wait(ctx context.Context, host string) error {
	return hl.get(host).Wait(ctx)
}
