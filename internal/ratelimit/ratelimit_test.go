package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"civicforge/internal/db"
	"civicforge/internal/migrate"
	"civicforge/internal/ratelimit"
	"civicforge/internal/repo"
)

func newLimiter(t *testing.T, requests int, now *time.Time) *ratelimit.Limiter {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := ratelimit.New(repo.Repo{DB: conn}, requests, time.Minute)
	l.Now = func() time.Time { return *now }
	return l
}

func TestAllowEnforcesWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	l := newLimiter(t, 2, &now)
	ctx := context.Background()
	for i, want := range []bool{true, true, false} {
		ok, err := l.Allow(ctx, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if ok != want {
			t.Fatalf("hit %d = %v, want %v", i, ok, want)
		}
	}
	if ok, _ := l.Allow(ctx, "u2"); !ok {
		t.Fatalf("keys share a counter")
	}
	if got := l.RetryAfter(); got != 50*time.Second {
		t.Fatalf("retry after = %s", got)
	}

	now = now.Add(time.Minute)
	if ok, err := l.Allow(ctx, "u1"); err != nil || !ok {
		t.Fatalf("next window = %v %v", ok, err)
	}
	n, err := l.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge = %d %v", n, err)
	}
}

func TestDisabledLimiterAllows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newLimiter(t, 0, &now)
	for i := 0; i < 5; i++ {
		if ok, err := l.Allow(context.Background(), "u1"); err != nil || !ok {
			t.Fatalf("disabled limiter rejected: %v %v", ok, err)
		}
	}
}
