// Package ledger applies balance changes keyed by a reward id. Applying the
// same reward id any number of times leaves the same balances as applying
// it once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"civicforge/internal/domain"
	"civicforge/internal/repo"
)

// ErrInsufficientBalance means a negative delta would take a balance below
// zero. It is a caller-facing rejection, never queued for retry.
var ErrInsufficientBalance = errors.New("insufficient balance")

var tracer = otel.Tracer("civicforge/ledger")

// Posting is one reward operation.
type Posting struct {
	RewardID    string
	UserID      string
	QuestID     string
	Source      string
	Experience  int
	Reputation  int
	QuestPoints int
}

type Ledger struct {
	Repo   repo.Repo
	Now    func() time.Time
	Logger *slog.Logger
}

func New(r repo.Repo) Ledger {
	return Ledger{Repo: r, Now: time.Now}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// CreditRewards applies the deltas for rewardID once. A reward id that was
// already processed returns nil. A missing user wraps repo.ErrNotFound;
// store failures are *repo.FatalError.
func (l Ledger) CreditRewards(ctx context.Context, userID, rewardID string, xp, reputation, questPoints int) error {
	ctx, span := tracer.Start(ctx, "ledger.CreditRewards", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("reward.id", rewardID),
	))
	defer span.End()
	err := l.credit(ctx, userID, rewardID, xp, reputation, questPoints)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (l Ledger) credit(ctx context.Context, userID, rewardID string, xp, reputation, questPoints int) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(rewardID) == "" {
		return errors.New("reward id is required")
	}
	applied, err := l.Repo.CreditRewards(ctx, userID, rewardID, xp, reputation, questPoints, l.now())
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	seen, err := l.Repo.HasProcessedReward(ctx, userID, rewardID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("credit %s: user %s: %w", rewardID, userID, repo.ErrNotFound)
		}
		return err
	}
	if seen {
		return nil
	}
	return fmt.Errorf("credit %s for user %s: %w", rewardID, userID, ErrInsufficientBalance)
}

// Credit is CreditRewards for a Posting.
func (l Ledger) Credit(ctx context.Context, p Posting) error {
	return l.CreditRewards(ctx, p.UserID, p.RewardID, p.Experience, p.Reputation, p.QuestPoints)
}

// Enqueue records a reward posting for the reprocessor and returns its
// reward id, generating one.
func (l Ledger) Enqueue(ctx context.Context, userID, questID string, xp, reputation, questPoints int) (string, error) {
	return l.EnqueuePosting(ctx, Posting{
		UserID:      userID,
		QuestID:     questID,
		Experience:  xp,
		Reputation:  reputation,
		QuestPoints: questPoints,
	}, nil)
}

// EnqueuePosting records p as a pending FailedReward. Re-enqueueing the
// same reward id is a no-op.
func (l Ledger) EnqueuePosting(ctx context.Context, p Posting, cause error) (string, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return "", errors.New("user id is required")
	}
	if p.RewardID == "" {
		p.RewardID = uuid.NewString()
	}
	fr := domain.FailedReward{
		ID:          p.RewardID,
		UserID:      p.UserID,
		QuestID:     p.QuestID,
		Experience:  p.Experience,
		Reputation:  p.Reputation,
		QuestPoints: p.QuestPoints,
		Source:      p.Source,
		CreatedAt:   l.now().UTC().Format(time.RFC3339),
	}
	if cause != nil {
		fr.LastError = cause.Error()
	}
	if _, err := l.Repo.InsertFailedReward(ctx, fr); err != nil {
		return "", fmt.Errorf("enqueue reward %s: %w", p.RewardID, err)
	}
	l.logger().Info("reward queued for reprocessing",
		slog.String("reward_id", p.RewardID),
		slog.String("user_id", p.UserID),
		slog.String("quest_id", p.QuestID))
	return p.RewardID, nil
}

// CreditOrEnqueue credits p and, when the credit fails for any reason
// other than an insufficient balance, queues it instead. queued reports
// whether the posting went to the queue. err is non-nil only when the
// posting was rejected or could be neither applied nor queued.
func (l Ledger) CreditOrEnqueue(ctx context.Context, p Posting) (queued bool, err error) {
	cerr := l.Credit(ctx, p)
	if cerr == nil {
		return false, nil
	}
	if errors.Is(cerr, ErrInsufficientBalance) {
		return false, cerr
	}
	if _, qerr := l.EnqueuePosting(ctx, p, cerr); qerr != nil {
		return false, errors.Join(cerr, qerr)
	}
	return true, nil
}
