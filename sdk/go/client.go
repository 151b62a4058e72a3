package civicforgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal CivicForge HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Quest represents the API quest model (partial).
type Quest struct {
	ID               string  `json:"id"`
	BoardID          string  `json:"board_id"`
	CreatorID        string  `json:"creator_id"`
	Title            string  `json:"title"`
	Status           string  `json:"status"`
	PerformerID      *string `json:"performer_id,omitempty"`
	RewardXP         int     `json:"reward_xp"`
	RewardReputation int     `json:"reward_reputation"`
}

// User represents a ledger entry.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Experience  int    `json:"experience"`
	Reputation  int    `json:"reputation"`
	QuestPoints int    `json:"quest_points"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// NewQuest carries the fields accepted by CreateQuest.
type NewQuest struct {
	BoardID          string `json:"board_id,omitempty"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	RewardXP         int    `json:"reward_xp"`
	RewardReputation int    `json:"reward_reputation"`
	TTLSeconds       int    `json:"ttl_seconds,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotApplied reports whether err is a conditional write whose precondition
// did not hold.
func IsNotApplied(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "not_applied"
}

// ConfirmIdentity creates the caller's ledger entry. It returns created,
// exists or failed.
func (c *Client) ConfirmIdentity(ctx context.Context, username string) (string, error) {
	var resp struct {
		Result string `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "identity/confirmations", nil, map[string]any{"username": username}, &resp)
	return resp.Result, err
}

// Me returns the caller's balances.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "me", nil, nil, &resp)
	return resp, err
}

// CreateQuest creates a quest. A non-empty idempotencyKey makes retries
// return the first result.
func (c *Client) CreateQuest(ctx context.Context, q NewQuest, idempotencyKey string) (Quest, error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var resp Quest
	err := c.do(ctx, http.MethodPost, "quests", headers, q, &resp)
	return resp, err
}

// GetQuest fetches a quest by id.
func (c *Client) GetQuest(ctx context.Context, id string) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodGet, questPath(id, ""), nil, nil, &resp)
	return resp, err
}

// ListQuests lists quests, optionally filtered by status.
func (c *Client) ListQuests(ctx context.Context, status string, limit int) ([]Quest, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "quests"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Quest
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

func (c *Client) Claim(ctx context.Context, id string) (Quest, error) {
	return c.transition(ctx, id, "claim", nil)
}

func (c *Client) Submit(ctx context.Context, id, text string) (Quest, error) {
	return c.transition(ctx, id, "submit", map[string]any{"submission_text": text})
}

// Attest records the caller's attestation as requestor or performer.
func (c *Client) Attest(ctx context.Context, id, role string) (Quest, error) {
	return c.transition(ctx, id, "attestations", map[string]any{"role": role})
}

func (c *Client) Complete(ctx context.Context, id string) (Quest, error) {
	return c.transition(ctx, id, "complete", nil)
}

func (c *Client) Dispute(ctx context.Context, id, reason string) (Quest, error) {
	return c.transition(ctx, id, "dispute", map[string]any{"reason": reason})
}

func (c *Client) Cancel(ctx context.Context, id string) (Quest, error) {
	return c.transition(ctx, id, "cancel", nil)
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, id, action string, body any) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodPost, questPath(id, action), nil, body, &resp)
	return resp, err
}

func questPath(id, action string) string {
	p := "quests/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
