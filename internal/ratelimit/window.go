package ratelimit

import (
	"sync"
	"time"
)

// Window throttles terminal commands with a per-user fixed window:
// a counter plus a reset timestamp. When the window expires the counter
// restarts; once it saturates, further commands are rejected until the
// reset.
type Window struct {
	mu      sync.Mutex
	limit   int
	period  time.Duration
	entries map[string]*windowEntry
	now     func() time.Time
}

type windowEntry struct {
	count int
	reset time.Time
}

// NewWindow creates a fixed-window limiter allowing limit events per period
func NewWindow(limit int, period time.Duration) *Window {
	return &Window{
		limit:   limit,
		period:  period,
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// Allow records one event for the user and reports whether it is
// within the window's ceiling.
func (w *Window) Allow(userID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	entry, ok := w.entries[userID]
	if !ok || now.After(entry.reset) {
		w.entries[userID] = &windowEntry{count: 1, reset: now.Add(w.period)}
		return true
	}

	if entry.count >= w.limit {
		return false
	}

	entry.count++
	return true
}
