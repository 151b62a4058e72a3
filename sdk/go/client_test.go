package civicforgesdk

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"civicforge/internal/config"
	"civicforge/internal/db"
	"civicforge/internal/engine"
	"civicforge/internal/idempotency"
	"civicforge/internal/migrate"
	"civicforge/internal/server"
)

const secret = "sdk-secret"

func newClients(t *testing.T, users ...string) map[string]*Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	guard, err := idempotency.New(e.Repo, time.Hour, 16)
	if err != nil {
		t.Fatalf("idempotency: %v", err)
	}
	e.Idempotency = guard
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: secret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	clients := map[string]*Client{}
	for _, u := range users {
		tok, err := server.SignToken(secret, u, nil, time.Hour, time.Now())
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		c := New(ts.URL)
		c.BearerToken = tok
		if res, err := c.ConfirmIdentity(context.Background(), u); err != nil || res != "created" {
			t.Fatalf("confirm %s: %s %v", u, res, err)
		}
		clients[u] = c
	}
	return clients
}

func TestClientQuestFlow(t *testing.T) {
	ctx := context.Background()
	c := newClients(t, "alice", "bob")
	alice, bob := c["alice"], c["bob"]

	q, err := alice.CreateQuest(ctx, NewQuest{Title: "Fix bench", RewardXP: 30, RewardReputation: 3}, "bench-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := alice.CreateQuest(ctx, NewQuest{Title: "Fix bench", RewardXP: 30, RewardReputation: 3}, "bench-1")
	if err != nil || again.ID != q.ID {
		t.Fatalf("replay = %s, %v", again.ID, err)
	}
	if _, err := bob.Claim(ctx, q.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := bob.Submit(ctx, q.ID, "fixed"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := alice.Attest(ctx, q.ID, "requestor"); err != nil {
		t.Fatalf("attest requestor: %v", err)
	}
	if _, err := bob.Attest(ctx, q.ID, "performer"); err != nil {
		t.Fatalf("attest performer: %v", err)
	}
	done, err := alice.Complete(ctx, q.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != "COMPLETE" {
		t.Fatalf("status = %s", done.Status)
	}

	_, err = alice.Cancel(ctx, q.ID)
	if !IsNotApplied(err) {
		t.Fatalf("cancel after complete err = %v", err)
	}
	me, err := bob.Me(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if me.Experience != 30 || me.Reputation != 3 {
		t.Fatalf("balances = %d/%d", me.Experience, me.Reputation)
	}
	events, err := bob.Events(ctx, 5)
	if err != nil || len(events) == 0 {
		t.Fatalf("events = %d, %v", len(events), err)
	}
	open, err := bob.ListQuests(ctx, "OPEN", 10)
	if err != nil || len(open) != 0 {
		t.Fatalf("open quests = %d, %v", len(open), err)
	}
}

func TestClientErrorEnvelope(t *testing.T) {
	c := newClients(t, "alice")
	_, err := c["alice"].GetQuest(context.Background(), "nope")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("err = %T %v", err, err)
	}
	if apiErr.StatusCode != 404 || apiErr.Code != "not_found" {
		t.Fatalf("api error = %+v", apiErr)
	}
}
