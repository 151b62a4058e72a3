package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"civicforge/internal/db"
	"civicforge/internal/domain"
	"civicforge/internal/ledger"
	"civicforge/internal/migrate"
	"civicforge/internal/repo"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := ledger.New(repo.Repo{DB: conn})
	l.Now = func() time.Time { return fixedNow }
	return l
}

func addUser(t *testing.T, l ledger.Ledger, id string, questPoints int) {
	t.Helper()
	if _, err := l.Repo.CreateUser(context.Background(), domain.User{ID: id, Username: id, QuestPoints: questPoints, CreatedAt: fixedNow.Format(time.RFC3339)}); err != nil {
		t.Fatal(err)
	}
}

func TestCreditRewardsTwiceEqualsOnce(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	addUser(t, l, "u2", 0)
	for i := 0; i < 3; i++ {
		if err := l.CreditRewards(ctx, "u2", "quest:q1:performer", 100, 10, 0); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}
	u, err := l.Repo.GetUser(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if u.Experience != 100 || u.Reputation != 10 {
		t.Fatalf("balances = %d xp / %d rep", u.Experience, u.Reputation)
	}
	count := 0
	for _, id := range u.ProcessedRewards {
		if id == "quest:q1:performer" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("reward id recorded %d times", count)
	}
}

func TestCreditRewardsErrors(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	addUser(t, l, "u1", 0)
	if err := l.CreditRewards(ctx, "u1", "spend", 0, 0, -1); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("overspend = %v", err)
	}
	if err := l.CreditRewards(ctx, "ghost", "r1", 1, 1, 0); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing user = %v", err)
	}
	if err := l.CreditRewards(ctx, "u1", "", 1, 1, 0); err == nil {
		t.Fatalf("expected error for empty reward id")
	}
}

func TestCreditOrEnqueueQueuesMissingUser(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	queued, err := l.CreditOrEnqueue(ctx, ledger.Posting{RewardID: "r1", UserID: "u9", QuestID: "q1", Experience: 5, Reputation: 1})
	if err != nil || !queued {
		t.Fatalf("credit or enqueue = %v, %v", queued, err)
	}
	fr, err := l.Repo.GetFailedReward(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if fr.Status != domain.RewardPending || fr.UserID != "u9" || fr.Experience != 5 || fr.LastError == "" {
		t.Fatalf("unexpected record %+v", fr)
	}
}

func TestEnqueueGeneratesRewardID(t *testing.T) {
	l := newTestLedger(t)
	id, err := l.Enqueue(context.Background(), "u9", "q1", 10, 1, 0)
	if err != nil || id == "" {
		t.Fatalf("enqueue = %q, %v", id, err)
	}
	if _, err := l.Repo.GetFailedReward(context.Background(), id); err != nil {
		t.Fatalf("get queued: %v", err)
	}
}
