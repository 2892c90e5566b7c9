// Package ratelimit implements the request throttle hook: a key is checked
// against a {limit, ttlMs} pair. internal/server checks it after principal
// resolution, with one limit shared by every handler. Uses a throttling pattern of a sync.Map
// of last-seen timestamps keyed by token, guarded by a per-key sync.Map
// of mutexes,
// generalized here into a small sliding-window counter so storage can be
// swapped later (in-memory today, Redis in a future backend).
package ratelimit

import (
	"sync"
	"time"
)

// Limit declares a handler's throttle: at most Max requests per Window,
// per key (usually the principal's identity).
type Limit struct {
	Max    int
	Window time.Duration
}

// window tracks one key's request timestamps within the current limit
// window. Old entries are pruned lazily on each Allow call.
type window struct {
	mu   sync.Mutex
	seen []time.Time
}

// Limiter is an in-memory sliding-window rate limiter. One Limiter
// instance is shared across all handlers; each Allow call is scoped by an
// explicit key (e.g. "apikey:<id>" or "jwt:<userId>") and Limit.
type Limiter struct {
	mu   sync.Mutex
	keys map[string]*window
}

func New() *Limiter {
	return &Limiter{keys: make(map[string]*window)}
}

// Allow reports whether a request for key is within limit at now, and as
// a side effect records the request if it is. When it returns false, wait
// is how long until the oldest counted request ages out of the window,
// which becomes the RetryAfter hint for apperr.RateLimited.
func (l *Limiter) Allow(key string, limit Limit, now time.Time) (ok bool, wait time.Duration) {
	l.mu.Lock()
	w, found := l.keys[key]
	if !found {
		w = &window{}
		l.keys[key] = w
	}
	l.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-limit.Window)
	fresh := w.seen[:0]
	for _, t := range w.seen {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	w.seen = fresh

	if len(w.seen) >= limit.Max {
		oldest := w.seen[0]
		return false, oldest.Add(limit.Window).Sub(now)
	}

	w.seen = append(w.seen, now)
	return true, 0
}

// Sweep drops keys with no requests inside window, bounding memory for a
// long-running process. Intended to be called periodically from a
// background goroutine on a fixed interval.
func (l *Limiter) Sweep(window time.Duration) {
	cutoff := time.Now().Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.keys {
		w.mu.Lock()
		empty := len(w.seen) == 0 || w.seen[len(w.seen)-1].Before(cutoff)
		w.mu.Unlock()
		if empty {
			delete(l.keys, key)
		}
	}
}
