package ratelimit

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// cleanupProbability is the 1-in-N chance that a Check call triggers an
// expiry sweep. Cleanup is amortized across request handling instead of
// running on a schedule.
const cleanupProbability = 100

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter is a fixed-window rate limiter over a persistent store. All state
// lives in the store; the Limiter itself holds none.
//
// Storage errors fail open unless failClosed is set.
type Limiter struct {
	store      Store
	failClosed bool
	now        func() time.Time // injectable clock for testing
}

// New creates a Limiter over the given store.
func New(store Store, failClosed bool) *Limiter {
	return &Limiter{
		store:      store,
		failClosed: failClosed,
		now:        time.Now,
	}
}

// Check records one request against key and reports whether it is allowed
// under limit requests per window. A request arriving after the window has
// elapsed resets the counter rather than accumulating. A denied request
// does not increment the counter.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) Result {
	now := l.now()

	entry, err := l.store.Get(ctx, key)
	if err != nil {
		return l.storeFailure(key, "get", err, limit, now, window)
	}

	// First observation, or the previous window has elapsed: start fresh.
	if entry == nil || entry.WindowStart.Before(now.Add(-window)) {
		fresh := &Entry{Key: key, Count: 1, WindowStart: now}
		if err := l.store.Upsert(ctx, fresh); err != nil {
			return l.storeFailure(key, "upsert", err, limit, now, window)
		}
		return Result{Allowed: true, Remaining: limit - 1, ResetAt: now.Add(window)}
	}

	resetAt := entry.WindowStart.Add(window)

	if entry.Count >= limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	if err := l.store.Increment(ctx, key); err != nil {
		return l.storeFailure(key, "increment", err, limit, now, window)
	}
	remaining := limit - entry.Count - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

// storeFailure applies the fail-open/fail-closed policy for a storage error.
func (l *Limiter) storeFailure(key, op string, err error, limit int, now time.Time, window time.Duration) Result {
	slog.Error("rate limit store error", "op", op, "key", key, "fail_closed", l.failClosed, "error", err)
	if l.failClosed {
		return Result{Allowed: false, Remaining: 0, ResetAt: now.Add(window)}
	}
	return Result{Allowed: true, Remaining: limit, ResetAt: now.Add(window)}
}

// Reset deletes the entry for key outright, so the next check behaves like a
// first-ever request. Called after a successful authentication to clear
// attempt history immediately.
func (l *Limiter) Reset(ctx context.Context, key string) {
	if err := l.store.Delete(ctx, key); err != nil {
		slog.Warn("rate limit reset failed", "key", key, "error", err)
	}
}

// CleanupExpired deletes all entries older than maxAge.
func (l *Limiter) CleanupExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	return l.store.DeleteOlderThan(ctx, l.now().Add(-maxAge))
}

// MaybeCleanup fires an expiry sweep with probability 1/cleanupProbability.
// The sweep runs detached from the triggering request; its failure or delay
// never affects the response.
func (l *Limiter) MaybeCleanup(maxAge time.Duration) {
	if rand.IntN(cleanupProbability) != 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := l.CleanupExpired(ctx, maxAge)
		if err != nil {
			slog.Warn("rate limit cleanup failed", "error", err)
			return
		}
		if n > 0 {
			slog.Debug("rate limit cleanup", "removed", n)
		}
	}()
}
