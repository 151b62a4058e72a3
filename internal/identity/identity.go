// Package identity creates the ledger entry for a confirmed identity. It
// never reports failure to the confirmation flow.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"civicforge/internal/domain"
	"civicforge/internal/repo"
)

// Result is the outcome of one confirmation delivery.
type Result string

const (
	ResultCreated Result = "created"
	ResultExists  Result = "exists"
	ResultFailed  Result = "failed"
)

// Confirmation is an identity-confirmation event. Deliveries may repeat.
type Confirmation struct {
	UserID        string  `json:"user_id"`
	Username      string  `json:"username"`
	WalletAddress *string `json:"wallet_address,omitempty"`
}

type Trigger struct {
	Repo               repo.Repo
	InitialQuestPoints int
	Now                func() time.Time
	Logger             *slog.Logger
}

func (t Trigger) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t Trigger) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// HandleConfirmation creates the user once. A user that already exists is
// ResultExists; any other failure is logged and reported as ResultFailed.
func (t Trigger) HandleConfirmation(ctx context.Context, c Confirmation) Result {
	userID := strings.TrimSpace(c.UserID)
	log := t.logger().With(slog.String("user_id", userID))
	if userID == "" {
		log.Error("identity confirmation without user id")
		return ResultFailed
	}
	username := strings.TrimSpace(c.Username)
	if username == "" {
		username = userID
	}
	points := t.InitialQuestPoints
	if points < 0 {
		points = 0
	}
	now := t.now().UTC().Format(time.RFC3339)
	created, err := t.Repo.CreateUser(ctx, domain.User{
		ID:            userID,
		Username:      username,
		WalletAddress: c.WalletAddress,
		QuestPoints:   points,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		attrs := []any{slog.String("error", err.Error())}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			attrs = append(attrs, slog.Bool("cancelled", true))
		}
		log.Error("create user on identity confirmation failed", attrs...)
		return ResultFailed
	}
	if !created {
		log.Debug("user already exists")
		return ResultExists
	}
	log.Info("user created", slog.String("username", username), slog.Int("quest_points", points))
	return ResultCreated
}
