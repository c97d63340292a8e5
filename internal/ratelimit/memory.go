package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps bucketed counters in process memory. Expired
// buckets are evicted lazily on the next touch of a fingerprint; the
// optional reaper sweeps fingerprints that stopped clicking entirely.
type MemoryLimiter struct {
	windows []Window

	mu       sync.Mutex
	visitors map[string]*visitorState

	// now is swappable for tests.
	now func() time.Time
}

type visitorState struct {
	// one counter per window, valid only for the stored bucket
	buckets []int64
	counts  []int64
	touched time.Time
}

// NewMemoryLimiter creates a limiter over the given windows.
func NewMemoryLimiter(windows []Window) *MemoryLimiter {
	return &MemoryLimiter{
		windows:  windows,
		visitors: make(map[string]*visitorState),
		now:      time.Now,
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(ctx context.Context, fingerprint string) (Result, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.visitors[fingerprint]
	if !ok {
		state = &visitorState{
			buckets: make([]int64, len(l.windows)),
			counts:  make([]int64, len(l.windows)),
		}
		for i, w := range l.windows {
			state.buckets[i] = w.bucket(now)
		}
		l.visitors[fingerprint] = state
	}
	state.touched = now

	// Roll over expired buckets, then check every window before
	// incrementing any: a single violation consumes no quota.
	for i, w := range l.windows {
		b := w.bucket(now)
		if state.buckets[i] != b {
			state.buckets[i] = b
			state.counts[i] = 0
		}
		if state.counts[i] >= w.Count {
			return Result{Violated: w.Label}, nil
		}
	}

	for i := range l.windows {
		state.counts[i]++
	}
	return Result{Allowed: true}, nil
}

// RunReaper periodically drops fingerprints idle for longer than the
// largest configured window. Eviction correctness does not depend on
// it; it only bounds memory for visitors that never return.
func (l *MemoryLimiter) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var maxWindow time.Duration
	for _, w := range l.windows {
		if w.Duration > maxWindow {
			maxWindow = w.Duration
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := l.now().Add(-maxWindow)
			l.mu.Lock()
			for fp, state := range l.visitors {
				if state.touched.Before(cutoff) {
					delete(l.visitors, fp)
				}
			}
			l.mu.Unlock()
		}
	}
}
