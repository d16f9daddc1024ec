package scoring

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// RateLimiter enforces two independent rules before admitting a request:
// a rolling 60-second window bounded to requestsPerMinute entries, and a
// minimum spacing of 60s/requestsPerMinute between consecutive requests.
// This is deliberately hand-built rather than golang.org/x/time/rate: a
// single token bucket cannot express "rolling window count AND independent
// minimum interval" as two simultaneously-enforced constraints the way the
// original deque-based limiter does.
type RateLimiter struct {
	mu              sync.Mutex
	requestsPerMin  int
	minInterval     time.Duration
	requestTimes    *list.List // front = oldest
	now             func() time.Time
}

// NewRateLimiter builds a RateLimiter admitting at most requestsPerMinute
// requests per rolling 60s window, each spaced at least 60s/rpm apart.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &RateLimiter{
		requestsPerMin: requestsPerMinute,
		minInterval:    time.Minute / time.Duration(requestsPerMinute),
		requestTimes:   list.New(),
		now:            time.Now,
	}
}

// Wait blocks until a request may be admitted, then records it. It returns
// early with ctx.Err() if ctx is canceled while waiting.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ready := r.nextWait()
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *RateLimiter) nextWait() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Minute)
	for r.requestTimes.Len() > 0 {
		front := r.requestTimes.Front()
		if front.Value.(time.Time).Before(cutoff) {
			r.requestTimes.Remove(front)
			continue
		}
		break
	}

	if r.requestTimes.Len() >= r.requestsPerMin {
		oldest := r.requestTimes.Front().Value.(time.Time)
		wait := time.Minute - now.Sub(oldest) + 100*time.Millisecond
		if wait > 0 {
			return wait, false
		}
	}

	if back := r.requestTimes.Back(); back != nil {
		sinceLast := now.Sub(back.Value.(time.Time))
		if sinceLast < r.minInterval {
			return r.minInterval - sinceLast, false
		}
	}

	r.requestTimes.PushBack(now)
	return 0, true
}
