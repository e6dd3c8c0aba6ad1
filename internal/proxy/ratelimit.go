package proxy

import (
	"sync"
	"time"
)

// rateLimiter enforces a sliding-window request cap per backend. It is
// purely in-memory and per-process; eviction of stale windows is lazy,
// happening on the next touch for that backend rather than on a ticker.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	hits []time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{windows: make(map[string]*slidingWindow)}
}

// Allow reports whether one more request against backend is permitted
// given a cap of maxRequests within window. If denied, retryAfter is the
// duration until the oldest hit in the window expires.
func (rl *rateLimiter) Allow(backend string, maxRequests int, window time.Duration) (allowed bool, retryAfter time.Duration) {
	if maxRequests <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[backend]
	if !ok {
		w = &slidingWindow{}
		rl.windows[backend] = w
	}

	now := time.Now()
	cutoff := now.Add(-window)
	kept := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.hits = kept

	if len(w.hits) >= maxRequests {
		oldest := w.hits[0]
		return false, window - now.Sub(oldest)
	}

	w.hits = append(w.hits, now)
	return true, 0
}
