package identity_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"civicforge/internal/db"
	"civicforge/internal/identity"
	"civicforge/internal/migrate"
	"civicforge/internal/repo"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTrigger(t *testing.T) (identity.Trigger, *bytes.Buffer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var buf bytes.Buffer
	return identity.Trigger{
		Repo:               repo.Repo{DB: conn},
		InitialQuestPoints: 3,
		Now:                func() time.Time { return fixedNow },
		Logger:             slog.New(slog.NewTextHandler(&buf, nil)),
	}, &buf
}

func TestHandleConfirmationCreatesOnce(t *testing.T) {
	tr, _ := newTrigger(t)
	ctx := context.Background()
	c := identity.Confirmation{UserID: "u1", Username: "ada"}
	if got := tr.HandleConfirmation(ctx, c); got != identity.ResultCreated {
		t.Fatalf("first delivery = %s", got)
	}
	if got := tr.HandleConfirmation(ctx, identity.Confirmation{UserID: "u1", Username: "other"}); got != identity.ResultExists {
		t.Fatalf("second delivery = %s", got)
	}
	u, err := tr.Repo.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Username != "ada" || u.QuestPoints != 3 || u.Experience != 0 || len(u.ProcessedRewards) != 0 {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestHandleConfirmationSwallowsStoreFailure(t *testing.T) {
	tr, buf := newTrigger(t)
	tr.Repo.DB.Close()
	if got := tr.HandleConfirmation(context.Background(), identity.Confirmation{UserID: "u1"}); got != identity.ResultFailed {
		t.Fatalf("result = %s", got)
	}
	if !strings.Contains(buf.String(), "create user on identity confirmation failed") {
		t.Fatalf("failure not logged: %q", buf.String())
	}
}

func TestHandleConfirmationRequiresUserID(t *testing.T) {
	tr, _ := newTrigger(t)
	if got := tr.HandleConfirmation(context.Background(), identity.Confirmation{UserID: "  "}); got != identity.ResultFailed {
		t.Fatalf("result = %s", got)
	}
}
