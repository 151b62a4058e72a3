package migrate_test

import (
	"context"
	"testing"

	"civicforge/internal/db"
	"civicforge/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if v, err := migrate.Version(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh version = %d, %v", v, err)
	}
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatal(err)
	}
	v, err := migrate.Version(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	if v != latest || latest == 0 {
		t.Fatalf("version = %d, latest = %d", v, latest)
	}
	for _, table := range []string{"users", "quests", "failed_rewards", "idempotency_keys", "rate_counters", "boards", "board_roles", "events", "api_keys"} {
		var n int
		if err := conn.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Fatalf("table %s missing (%d, %v)", table, n, err)
		}
	}
}
