package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"civicforge/internal/config"
	"civicforge/internal/db"
	"civicforge/internal/domain"
	"civicforge/internal/engine"
	"civicforge/internal/idempotency"
	"civicforge/internal/ledger"
	"civicforge/internal/migrate"
	"civicforge/internal/ratelimit"
	"civicforge/internal/reprocess"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// token returns an Authorization header set for userID.
func (s *testServer) token(t *testing.T, userID string, roles ...string) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, userID, roles, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

type serverOption func(*Config)

func withLimiter(requests int) serverOption {
	return func(c *Config) {
		c.Limiter = ratelimit.New(c.Engine.Repo, requests, time.Minute)
	}
}

func newTestServer(t *testing.T, opts ...serverOption) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	guard, err := idempotency.New(e.Repo, cfg.Idempotency.TTL, cfg.Idempotency.CacheSize)
	if err != nil {
		t.Fatalf("idempotency guard: %v", err)
	}
	e.Idempotency = guard
	scfg := Config{
		Engine:   e,
		Worker:   reprocess.New(e.Repo, e.Ledger, reprocess.Config{WorkerID: "test-worker"}),
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevLogin: true},
		TokenTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(&scfg)
	}
	handler, err := New(scfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func confirm(t *testing.T, srv *testServer, userID string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/identity/confirmations", map[string]any{
		"username": userID,
	}, srv.token(t, userID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm %s status %d: %s", userID, res.StatusCode, string(data))
	}
	var out IdentityConfirmationResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal confirmation: %v", err)
	}
	if out.Result != "created" {
		t.Fatalf("confirm %s result %s", userID, out.Result)
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v: %s", err, string(data))
	}
	return env.Error.Code
}

func createQuest(t *testing.T, srv *testServer, creator string) domain.Quest {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/quests", map[string]any{
		"title":             "Clean the park",
		"reward_xp":         100,
		"reward_reputation": 10,
	}, srv.token(t, creator))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create quest status %d: %s", res.StatusCode, string(data))
	}
	var q domain.Quest
	if err := json.Unmarshal(data, &q); err != nil {
		t.Fatalf("unmarshal quest: %v", err)
	}
	return q
}

func TestQuestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	confirm(t, srv, "alice")
	confirm(t, srv, "bob")

	q := createQuest(t, srv, "alice")
	if q.Status != domain.QuestOpen {
		t.Fatalf("status %s", q.Status)
	}
	base := srv.URL + "/v0/quests/" + q.ID
	alice, bob := srv.token(t, "alice"), srv.token(t, "bob")

	steps := []struct {
		path    string
		body    any
		headers map[string]string
		status  string
	}{
		{"/claim", nil, bob, domain.QuestClaimed},
		{"/submit", map[string]any{"submission_text": "done"}, bob, domain.QuestSubmitted},
		{"/attestations", map[string]any{"role": "requestor"}, alice, domain.QuestSubmitted},
		{"/attestations", map[string]any{"role": "performer"}, bob, domain.QuestSubmitted},
		{"/complete", nil, alice, domain.QuestComplete},
	}
	for _, step := range steps {
		res, data := doJSON(t, client, http.MethodPost, base+step.path, step.body, step.headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", step.path, res.StatusCode, string(data))
		}
		var got domain.Quest
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Status != step.status {
			t.Fatalf("%s status %s, want %s", step.path, got.Status, step.status)
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bob)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var u domain.User
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	if u.Experience != 100 || u.Reputation != 10 {
		t.Fatalf("balances %d/%d", u.Experience, u.Reputation)
	}

	// a repeat completion is not applied and does not credit again
	res, data = doJSON(t, client, http.MethodPost, base+"/complete", nil, alice)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "not_applied" {
		t.Fatalf("repeat complete status %d: %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/bob", nil, alice)
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	if u.Experience != 100 {
		t.Fatalf("credited twice: %d", u.Experience)
	}
}

func TestClaimConflictIsNotApplied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	confirm(t, srv, "alice")
	confirm(t, srv, "bob")
	confirm(t, srv, "carol")
	q := createQuest(t, srv, "alice")
	url := srv.URL + "/v0/quests/" + q.ID + "/claim"

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, nil, srv.token(t, "bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first claim status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, url, nil, srv.token(t, "carol"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second claim status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_applied" {
		t.Fatalf("code %s", code)
	}
}

func TestIdempotencyKeyHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	confirm(t, srv, "alice")
	headers := srv.token(t, "alice")
	headers["Idempotency-Key"] = "k-1"
	body := map[string]any{"title": "Plant trees", "reward_xp": 50, "reward_reputation": 5}

	var ids []string
	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/quests", body, headers)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %d status %d: %s", i, res.StatusCode, string(data))
		}
		var q domain.Quest
		if err := json.Unmarshal(data, &q); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		ids = append(ids, q.ID)
	}
	if ids[0] != ids[1] {
		t.Fatalf("replay created a second quest: %v", ids)
	}
	u, err := srv.Engine.Repo.GetUser(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.QuestPoints != 2 {
		t.Fatalf("quest points %d, want 2", u.QuestPoints)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quests", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
	// the actor header is off unless configured
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quests", nil, map[string]string{"X-User-Id": "alice"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("actor header status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestDevLoginToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"user_id": "alice"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/identity/confirmations", map[string]any{"username": "alice"},
		map[string]string{"Authorization": "Bearer " + out.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm with dev token status %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	confirm(t, srv, "alice")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/me/api-keys", map[string]any{"name": "cli"}, srv.token(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if key.Key == "" || key.ID == "" {
		t.Fatalf("key response %+v", key)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/me/api-keys/"+key.ID, nil, srv.token(t, "alice"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status %d", res.StatusCode)
	}
}

func TestOperatorEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	confirm(t, srv, "bob")
	ctx := context.Background()
	if _, err := srv.Engine.Ledger.EnqueuePosting(ctx, ledger.Posting{
		RewardID: "quest:q1:performer", UserID: "bob", QuestID: "q1", Experience: 40, Reputation: 4,
	}, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/rewards/reprocess", nil, srv.token(t, "bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-operator status %d: %s", res.StatusCode, string(data))
	}

	op := srv.token(t, "ops", RoleOperator)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/rewards/failed", nil, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list failed status %d: %s", res.StatusCode, string(data))
	}
	var pending []domain.FailedReward
	if err := json.Unmarshal(data, &pending); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending %d, want 1", len(pending))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/rewards/reprocess", nil, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reprocess status %d: %s", res.StatusCode, string(data))
	}
	var out ReprocessResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.WorkerID != "test-worker" || out.Succeeded != 1 {
		t.Fatalf("reprocess response %+v", out)
	}
	u, err := srv.Engine.Repo.GetUser(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if u.Experience != 40 {
		t.Fatalf("experience %d", u.Experience)
	}
}

func TestRateLimit(t *testing.T) {
	srv, cleanup := newTestServer(t, withLimiter(2))
	defer cleanup()
	headers := srv.token(t, "alice")
	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quests", nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("request %d status %d: %s", i, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/quests", nil, headers)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request status %d: %s", res.StatusCode, string(data))
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if code := errorCode(t, data); code != "rate_limited" {
		t.Fatalf("code %s", code)
	}
}

func TestBoardModeratorCancels(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for _, u := range []string{"alice", "bob", "mod"} {
		confirm(t, srv, u)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards", map[string]any{"id": "garden"}, srv.token(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create board status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/boards/garden/roles/mod", map[string]any{"role": "moderator"}, srv.token(t, "bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-owner assign status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/boards/garden/roles/mod", map[string]any{"role": "moderator"}, srv.token(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/quests", map[string]any{
		"board_id": "garden", "title": "Weed beds", "reward_xp": 10, "reward_reputation": 1,
	}, srv.token(t, "bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create quest status %d: %s", res.StatusCode, string(data))
	}
	var q domain.Quest
	if err := json.Unmarshal(data, &q); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/quests/"+q.ID+"/cancel", nil, srv.token(t, "mod"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("moderator cancel status %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPISpecConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const n = 8
	bodies := make([][]byte, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs <- err
				return
			}
			defer res.Body.Close()
			bodies[i], err = io.ReadAll(res.Body)
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("get spec: %v", err)
	}
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(bodies[0], &doc); err != nil || len(doc.Paths) == 0 {
		t.Fatalf("spec = %s, %v", string(bodies[0]), err)
	}
	for i := 1; i < n; i++ {
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("response %d differs from the first", i)
		}
	}
}
