package relayer

import (
	"strings"
	"sync"
	"time"
)

// slidingWindow tracks submission timestamps per user and enforces a rolling
// rate limit. Expired timestamps are pruned on every check.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	seen   map[string][]time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &slidingWindow{
		limit:  limit,
		window: window,
		seen:   map[string][]time.Time{},
	}
}

// allow records the attempt and reports whether it fits inside the window.
// A rejected attempt is not recorded.
func (w *slidingWindow) allow(user string, now time.Time) bool {
	key := strings.ToLower(strings.TrimSpace(user))

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	recent := w.seen[key][:0]
	for _, ts := range w.seen[key] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= w.limit {
		w.seen[key] = recent
		return false
	}
	w.seen[key] = append(recent, now)
	return true
}
