// Package idempotency runs an operation at most once per client key.
//
// Do queries for an existing outcome, marks the key in progress, runs the
// operation and records its outcome. The in-progress marker is removed on
// every exit path that did not record an outcome, including panics.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"civicforge/internal/repo"
)

// ErrInProgress means another attempt with the same key has not finished.
var ErrInProgress = errors.New("idempotent attempt already in progress")

const (
	defaultTTL       = 24 * time.Hour
	defaultCacheSize = 1024
)

type cached struct {
	outcome   string
	expiresAt time.Time
}

type Guard struct {
	Repo   repo.Repo
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger

	cache *lru.Cache[string, cached]
}

// New builds a Guard. cacheSize <= 0 uses the default size.
func New(r repo.Repo, ttl time.Duration, cacheSize int) (*Guard, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	c, err := lru.New[string, cached](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}
	return &Guard{Repo: r, TTL: ttl, Now: time.Now, cache: c}, nil
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Guard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Do runs fn once for key and returns its outcome. replayed is true when
// the outcome comes from an earlier attempt. A failed fn leaves no record,
// so the client may retry with the same key.
func (g *Guard) Do(ctx context.Context, key string, fn func(context.Context) (string, error)) (outcome string, replayed bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		out, err := fn(ctx)
		return out, false, err
	}
	if out, ok := g.lookupCache(key); ok {
		return out, true, nil
	}
	if out, ok, err := g.lookupStore(ctx, key); err != nil || ok {
		return out, ok, err
	}

	began, err := g.Repo.BeginIdempotencyKey(ctx, key, g.now(), g.TTL)
	if err != nil {
		return "", false, err
	}
	if !began {
		// lost the race to a concurrent attempt
		if out, ok, err := g.lookupStore(ctx, key); err != nil || ok {
			return out, ok, err
		}
		return "", false, ErrInProgress
	}

	recorded := false
	defer func() {
		if recorded {
			return
		}
		if _, derr := g.Repo.DeleteIdempotencyKey(context.WithoutCancel(ctx), key); derr != nil {
			g.logger().Warn("clear idempotency marker failed", slog.String("key", key), slog.String("error", derr.Error()))
		}
	}()

	out, err := fn(ctx)
	if err != nil {
		return "", false, err
	}
	expiresAt := g.now().Add(g.TTL)
	ok, err := g.Repo.CompleteIdempotencyKey(ctx, key, out, expiresAt)
	if err != nil {
		return "", false, err
	}
	if ok {
		recorded = true
		g.store(key, out, expiresAt)
	}
	return out, false, nil
}

func (g *Guard) lookupCache(key string) (string, bool) {
	if g.cache == nil {
		return "", false
	}
	c, ok := g.cache.Get(key)
	if !ok {
		return "", false
	}
	if !g.now().Before(c.expiresAt) {
		g.cache.Remove(key)
		return "", false
	}
	return c.outcome, true
}

// lookupStore reports a completed outcome for key. An in-progress record
// is ErrInProgress.
func (g *Guard) lookupStore(ctx context.Context, key string) (string, bool, error) {
	rec, err := g.Repo.GetIdempotencyKey(ctx, key, g.now())
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if rec.Status != repo.IdempotencyCompleted {
		return "", false, ErrInProgress
	}
	g.store(key, rec.Outcome, time.UnixMilli(rec.ExpiresAt))
	return rec.Outcome, true, nil
}

func (g *Guard) store(key, outcome string, expiresAt time.Time) {
	if g.cache != nil {
		g.cache.Add(key, cached{outcome: outcome, expiresAt: expiresAt})
	}
}

// DoJSON is Do for an outcome that round-trips through JSON.
func DoJSON[T any](ctx context.Context, g *Guard, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	out, replayed, err := g.Do(ctx, key, func(ctx context.Context) (string, error) {
		v, err := fn(ctx)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode idempotent outcome: %w", err)
		}
		return string(b), nil
	})
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return zero, false, fmt.Errorf("decode idempotent outcome: %w", err)
	}
	return v, replayed, nil
}
