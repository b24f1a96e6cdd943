package nda

import (
	"context"
	"sync"
	"time"
)

// Throttle bounds how often a one-time code may be resent per agreement.
type Throttle interface {
	// Allow records an attempt and reports whether it is within the limit.
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryThrottle is a sliding-window throttle for single-instance
// deployments. Multi-instance deployments share state through RedisThrottle.
type MemoryThrottle struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string][]time.Time
	now     func() time.Time
}

func NewMemoryThrottle(limit int, window time.Duration) *MemoryThrottle {
	return &MemoryThrottle{
		limit:   limit,
		window:  window,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (t *MemoryThrottle) Allow(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.window)

	stamps := t.buckets[key]
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	stamps = stamps[i:]

	if len(stamps) >= t.limit {
		t.buckets[key] = stamps
		return false, nil
	}
	t.buckets[key] = append(stamps, now)
	return true, nil
}
