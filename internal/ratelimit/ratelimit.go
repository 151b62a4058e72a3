// Package ratelimit enforces fixed-window request limits with counters kept
// in the store, so every process sharing the store shares the limit.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"civicforge/internal/repo"
)

type Limiter struct {
	Repo     repo.Repo
	Requests int
	Window   time.Duration
	Now      func() time.Time
}

func New(r repo.Repo, requests int, window time.Duration) *Limiter {
	return &Limiter{Repo: r, Requests: requests, Window: window, Now: time.Now}
}

// Enabled reports whether the limiter rejects anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.Requests > 0 && l.Window > 0
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Allow records one hit for key and reports whether it fits in the
// current window.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	if key == "" {
		return false, errors.New("rate limit key is required")
	}
	start := l.now().Truncate(l.Window)
	return l.Repo.IncrementWindowCounter(ctx, key, start, l.Requests)
}

// RetryAfter is the time left in the current window.
func (l *Limiter) RetryAfter() time.Duration {
	if !l.Enabled() {
		return 0
	}
	now := l.now()
	return now.Truncate(l.Window).Add(l.Window).Sub(now)
}

// Purge drops counters for windows that have already closed.
func (l *Limiter) Purge(ctx context.Context) (int64, error) {
	if !l.Enabled() {
		return 0, nil
	}
	return l.Repo.PurgeWindowCounters(ctx, l.now().Truncate(l.Window))
}
