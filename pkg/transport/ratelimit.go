package transport

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RegionLimiter bounds outbound attempt rate per region, independent of the
// retry budget: a region a caller is hammering with retries still can't
// exceed its own token bucket, regardless of how much retry budget remains.
// Safe for concurrent use across Transport calls and across regions.
type RegionLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRegionLimiter builds a RegionLimiter allowing requestsPerSecond steady
// state per region with the given burst, lazily creating one rate.Limiter
// per region on first use.
func NewRegionLimiter(requestsPerSecond float64, burst int) *RegionLimiter {
	return &RegionLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// Wait blocks until region's bucket has a token available or ctx is done.
func (rl *RegionLimiter) Wait(ctx context.Context, region string) error {
	return rl.limiterFor(region).Wait(ctx)
}

func (rl *RegionLimiter) limiterFor(region string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[region]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[region] = l
	}
	return l
}
