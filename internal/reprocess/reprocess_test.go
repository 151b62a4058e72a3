package reprocess_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"civicforge/internal/db"
	"civicforge/internal/domain"
	"civicforge/internal/ledger"
	"civicforge/internal/migrate"
	"civicforge/internal/repo"
	"civicforge/internal/reprocess"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Ctx    context.Context
	Repo   repo.Repo
	Ledger ledger.Ledger
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	l := ledger.New(r)
	l.Now = func() time.Time { return fixedNow }
	return testEnv{Ctx: ctx, Repo: r, Ledger: l}
}

func (env testEnv) worker(id string, maxAttempts int) *reprocess.Worker {
	w := reprocess.New(env.Repo, env.Ledger, reprocess.Config{
		WorkerID:         id,
		BatchSize:        10,
		Concurrency:      2,
		LeaseDuration:    time.Minute,
		MaxRetryAttempts: maxAttempts,
	})
	w.Now = func() time.Time { return fixedNow }
	return w
}

func (env testEnv) addUser(t *testing.T, id string) {
	t.Helper()
	if _, err := env.Repo.CreateUser(env.Ctx, domain.User{ID: id, Username: id, CreatedAt: fixedNow.Format(time.RFC3339)}); err != nil {
		t.Fatal(err)
	}
}

func (env testEnv) enqueue(t *testing.T, rewardID, userID string) {
	t.Helper()
	if _, err := env.Ledger.EnqueuePosting(env.Ctx, ledger.Posting{
		RewardID: rewardID, UserID: userID, QuestID: "q1", Experience: 100, Reputation: 10,
	}, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestReprocessAppliesPendingReward(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u2")
	env.enqueue(t, "r1", "u2")

	sum, err := env.worker("w1", 5).RunOnce(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum != (reprocess.Summary{Processed: 1, Succeeded: 1}) {
		t.Fatalf("summary = %+v", sum)
	}
	u, _ := env.Repo.GetUser(env.Ctx, "u2")
	if u.Experience != 100 || u.Reputation != 10 {
		t.Fatalf("balances = %d/%d", u.Experience, u.Reputation)
	}
	fr, _ := env.Repo.GetFailedReward(env.Ctx, "r1")
	if fr.Status != domain.RewardResolved || fr.ResolvedAt == nil {
		t.Fatalf("record = %+v", fr)
	}

	sum, err = env.worker("w1", 5).RunOnce(env.Ctx)
	if err != nil || sum.Processed != 0 {
		t.Fatalf("second run = %+v, %v", sum, err)
	}
}

func TestReprocessResolvesOutOfBandCredit(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u9")
	env.enqueue(t, "r1", "u9")
	if err := env.Ledger.CreditRewards(env.Ctx, "u9", "r1", 100, 10, 0); err != nil {
		t.Fatalf("out of band credit: %v", err)
	}

	sum, err := env.worker("w1", 5).RunOnce(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Succeeded != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	u, _ := env.Repo.GetUser(env.Ctx, "u9")
	if u.Experience != 100 || u.Reputation != 10 {
		t.Fatalf("credited twice: %d/%d", u.Experience, u.Reputation)
	}
	fr, _ := env.Repo.GetFailedReward(env.Ctx, "r1")
	if fr.Status != domain.RewardResolved {
		t.Fatalf("status = %s", fr.Status)
	}
}

func TestReprocessLastRetryAbandons(t *testing.T) {
	env := newTestEnv(t)
	// no user: every credit attempt fails
	env.enqueue(t, "r1", "missing")
	const maxAttempts = 3
	for i := 0; i < maxAttempts-1; i++ {
		sum, err := env.worker("w1", maxAttempts).RunOnce(env.Ctx)
		if err != nil {
			t.Fatal(err)
		}
		if sum != (reprocess.Summary{Processed: 1, Failed: 1}) {
			t.Fatalf("run %d summary = %+v", i, sum)
		}
	}
	fr, _ := env.Repo.GetFailedReward(env.Ctx, "r1")
	if fr.RetryCount != maxAttempts-1 || fr.Status != domain.RewardPending {
		t.Fatalf("before last attempt: %+v", fr)
	}

	sum, err := env.worker("w1", maxAttempts).RunOnce(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum != (reprocess.Summary{Processed: 1, Abandoned: 1}) {
		t.Fatalf("last summary = %+v", sum)
	}
	fr, _ = env.Repo.GetFailedReward(env.Ctx, "r1")
	if fr.Status != domain.RewardAbandoned || fr.RetryCount != maxAttempts || fr.LastError == "" {
		t.Fatalf("after last attempt: %+v", fr)
	}
}

func TestReprocessAbandonsOverLimitRecord(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "r1", "missing")
	for i := 0; i < 2; i++ {
		if _, err := env.worker("w1", 10).RunOnce(env.Ctx); err != nil {
			t.Fatal(err)
		}
	}
	// the policy was tightened below the record's retry count
	sum, err := env.worker("w1", 2).RunOnce(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Abandoned != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	fr, _ := env.Repo.GetFailedReward(env.Ctx, "r1")
	if fr.Status != domain.RewardAbandoned || fr.RetryCount != 2 {
		t.Fatalf("record = %+v", fr)
	}
}

func TestReprocessSkipsLeasedRecord(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u2")
	env.enqueue(t, "r1", "u2")
	if ok, err := env.Repo.AcquireFailedRewardLease(env.Ctx, "r1", "other", fixedNow, time.Hour); err != nil || !ok {
		t.Fatalf("pre-lease: %v %v", ok, err)
	}
	sum, err := env.worker("w1", 5).RunOnce(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Processed != 0 || sum.Succeeded != 0 {
		t.Fatalf("processed leased record: %+v", sum)
	}
}

func TestConcurrentWorkersCreditOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u2")
	for _, id := range []string{"r1", "r2", "r3"} {
		env.enqueue(t, id, "u2")
	}
	workers := []*reprocess.Worker{env.worker("w1", 5), env.worker("w2", 5), env.worker("w3", 5)}
	sums := make([]reprocess.Summary, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *reprocess.Worker) {
			defer wg.Done()
			s, err := w.RunOnce(env.Ctx)
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
			}
			sums[i] = s
		}(i, w)
	}
	wg.Wait()
	succeeded := 0
	for _, s := range sums {
		succeeded += s.Succeeded
		if s.Processed != s.Succeeded+s.Failed+s.Abandoned+s.Skipped {
			t.Fatalf("summary does not add up: %+v", s)
		}
	}
	if succeeded != 3 {
		t.Fatalf("succeeded = %d, want 3", succeeded)
	}
	u, _ := env.Repo.GetUser(env.Ctx, "u2")
	if u.Experience != 300 || u.Reputation != 30 {
		t.Fatalf("balances = %d/%d", u.Experience, u.Reputation)
	}
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u2")
	env.enqueue(t, "r1", "u2")
	w := env.worker("w1", 5)
	w.Config.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- w.RunLoop(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		fr, err := env.Repo.GetFailedReward(env.Ctx, "r1")
		if err == nil && fr.Status == domain.RewardResolved {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("record not resolved by loop")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("loop returned %v", err)
	}
}
