package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"civicforge/internal/config"
	"civicforge/internal/domain"
	"civicforge/internal/engine/auth"
	"civicforge/internal/events"
	"civicforge/internal/identity"
	"civicforge/internal/idempotency"
	"civicforge/internal/ledger"
	"civicforge/internal/lifecycle"
	"civicforge/internal/repo"
)

// ErrInvalidInput marks requests rejected before touching the store.
var ErrInvalidInput = errors.New("invalid input")

// ErrQuestExists means a quest id is already taken by another creator.
var ErrQuestExists = errors.New("quest already exists")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Ledger      ledger.Ledger
	Events      events.Writer
	Auth        auth.Service
	Idempotency *idempotency.Guard
	Config      *config.Config
	Now         func() time.Time
	Logger      *slog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Ledger: ledger.New(r),
		Events: events.Writer{DB: db},
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

// WithLogger sets the logger on the engine and its collaborators.
func (e Engine) WithLogger(l *slog.Logger) Engine {
	e.Logger = l
	e.Ledger.Logger = l
	e.Events.Logger = l
	if e.Idempotency != nil {
		e.Idempotency.Logger = l
	}
	return e
}

// WithClock sets the clock on the engine and its collaborators.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Ledger.Now = now
	e.Events.Now = now
	if e.Idempotency != nil {
		e.Idempotency.Now = now
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Identity returns the user creation trigger configured for this engine.
func (e Engine) Identity() identity.Trigger {
	return identity.Trigger{
		Repo:               e.Repo,
		InitialQuestPoints: e.Config.Users.InitialQuestPoints,
		Now:                e.Now,
		Logger:             e.Logger,
	}
}

// Reward ids used for quest postings. Create and refund ids carry the spend
// id so a quest id reused after a delete or a failed insert is charged again.
func createRewardID(questID, spendID string) string { return spendRewardID(questID, spendID, "create") }
func refundRewardID(questID, spendID string) string { return spendRewardID(questID, spendID, "refund") }
func performerRewardID(questID string) string       { return "quest:" + questID + ":performer" }

func spendRewardID(questID, spendID, kind string) string {
	if spendID == "" {
		return "quest:" + questID + ":" + kind
	}
	return "quest:" + questID + ":" + spendID + ":" + kind
}

// QuestCreateOptions are parameters for creating a quest.
type QuestCreateOptions struct {
	ID               string
	BoardID          string
	CreatorID        string
	Title            string
	Description      string
	RewardXP         int
	RewardReputation int
	TTL              time.Duration
	IdempotencyKey   string
}

// CreateQuest spends one quest point from the creator and inserts the
// quest. A retried request with the same idempotency key returns the
// quest created by the first attempt.
func (e Engine) CreateQuest(ctx context.Context, opts QuestCreateOptions) (domain.Quest, error) {
	opts.CreatorID = strings.TrimSpace(opts.CreatorID)
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.CreatorID == "" {
		return domain.Quest{}, invalid("creator is required")
	}
	if opts.Title == "" {
		return domain.Quest{}, invalid("title is required")
	}
	if opts.RewardXP <= 0 || opts.RewardXP > e.Config.Quests.MaxExperience {
		return domain.Quest{}, invalid("reward_xp must be between 1 and %d", e.Config.Quests.MaxExperience)
	}
	if opts.RewardReputation <= 0 || opts.RewardReputation > e.Config.Quests.MaxReputation {
		return domain.Quest{}, invalid("reward_reputation must be between 1 and %d", e.Config.Quests.MaxReputation)
	}
	if opts.TTL < 0 {
		return domain.Quest{}, invalid("ttl must not be negative")
	}
	if opts.BoardID == "" {
		opts.BoardID = domain.DefaultBoardID
	}
	if opts.BoardID != domain.DefaultBoardID {
		if _, err := e.Repo.GetBoard(ctx, opts.BoardID); err != nil {
			return domain.Quest{}, fmt.Errorf("board %s: %w", opts.BoardID, err)
		}
	}
	if e.Idempotency == nil || strings.TrimSpace(opts.IdempotencyKey) == "" {
		return e.createQuest(ctx, opts)
	}
	key := "create_quest:" + opts.CreatorID + ":" + opts.IdempotencyKey
	q, _, err := idempotency.DoJSON(ctx, e.Idempotency, key, func(ctx context.Context) (domain.Quest, error) {
		return e.createQuest(ctx, opts)
	})
	return q, err
}

func (e Engine) createQuest(ctx context.Context, opts QuestCreateOptions) (domain.Quest, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	} else {
		existing, err := e.Repo.GetQuest(ctx, id)
		switch {
		case err == nil:
			return e.existingQuest(existing, opts.CreatorID)
		case !errors.Is(err, repo.ErrNotFound):
			return domain.Quest{}, err
		}
	}
	now := e.stamp()
	q := domain.Quest{
		ID:               id,
		BoardID:          opts.BoardID,
		CreatorID:        opts.CreatorID,
		Title:            opts.Title,
		Description:      opts.Description,
		Status:           domain.QuestOpen,
		RewardXP:         opts.RewardXP,
		RewardReputation: opts.RewardReputation,
		Attestations:     []domain.Attestation{},
		CreatedAt:        now,
		UpdatedAt:        now,
		SpendID:          uuid.NewString(),
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = e.Config.Quests.DefaultTTL
	}
	if ttl > 0 {
		exp := e.now().Add(ttl).UTC().Format(time.RFC3339)
		q.ExpiresAt = &exp
	}

	if err := e.Ledger.Credit(ctx, ledger.Posting{
		RewardID:    createRewardID(id, q.SpendID),
		UserID:      opts.CreatorID,
		QuestID:     id,
		Source:      "quest.create",
		QuestPoints: -1,
	}); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return domain.Quest{}, fmt.Errorf("no quest points left: %w", err)
		}
		return domain.Quest{}, err
	}

	inserted, err := e.Repo.InsertQuest(ctx, q)
	if err != nil {
		e.refundCreate(ctx, q, err)
		return domain.Quest{}, err
	}
	if !inserted {
		e.refundCreate(ctx, q, ErrQuestExists)
		existing, gerr := e.Repo.GetQuest(ctx, id)
		if gerr != nil {
			return domain.Quest{}, gerr
		}
		return e.existingQuest(existing, opts.CreatorID)
	}
	e.Events.Record(ctx, "quest.created", "quest", q.ID, q.CreatorID, events.EventPayload{
		"board_id":          q.BoardID,
		"reward_xp":         q.RewardXP,
		"reward_reputation": q.RewardReputation,
	})
	return q, nil
}

// existingQuest resolves a create that collided with a stored quest. The
// creator's retry gets the stored quest back without a second charge.
func (e Engine) existingQuest(existing domain.Quest, creatorID string) (domain.Quest, error) {
	if existing.CreatorID == creatorID {
		return existing, nil
	}
	return domain.Quest{}, fmt.Errorf("quest %s: %w", existing.ID, ErrQuestExists)
}

func (e Engine) refundCreate(ctx context.Context, q domain.Quest, cause error) {
	queued, err := e.Ledger.CreditOrEnqueue(ctx, ledger.Posting{
		RewardID:    refundRewardID(q.ID, q.SpendID),
		UserID:      q.CreatorID,
		QuestID:     q.ID,
		Source:      "quest.create.refund",
		QuestPoints: 1,
	})
	log := e.logger().With(slog.String("quest_id", q.ID), slog.String("cause", cause.Error()))
	switch {
	case err != nil:
		log.Error("quest point refund lost", slog.String("error", err.Error()))
	case queued:
		log.Warn("quest point refund queued")
	default:
		log.Info("quest point refunded")
	}
}

// Claim assigns an OPEN quest to userID. applied is false when another
// performer got there first or the quest is not claimable by userID.
func (e Engine) Claim(ctx context.Context, questID, userID string) (domain.Quest, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Quest{}, false, invalid("user is required")
	}
	q, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return q, false, err
	}
	if !lifecycle.CanUserClaim(q, userID) {
		return q, false, nil
	}
	ok, err := e.Repo.ClaimQuest(ctx, questID, userID, e.now())
	if err != nil {
		return q, false, err
	}
	return e.after(ctx, questID, ok, "quest.claimed", userID, events.EventPayload{"performer_id": userID})
}

// Submit records the performer's submission on a CLAIMED quest.
func (e Engine) Submit(ctx context.Context, questID, userID, text string) (domain.Quest, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Quest{}, false, invalid("user is required")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Quest{}, false, invalid("submission text is required")
	}
	q, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return q, false, err
	}
	if !lifecycle.CanTransition(q.Status, domain.QuestSubmitted) || q.PerformerID == nil || *q.PerformerID != userID {
		return q, false, nil
	}
	ok, err := e.Repo.SubmitQuest(ctx, questID, userID, text, e.now())
	if err != nil {
		return q, false, err
	}
	return e.after(ctx, questID, ok, "quest.submitted", userID, nil)
}

// Attest appends the user's attestation in the given role. Completion is
// a separate step.
func (e Engine) Attest(ctx context.Context, questID, userID, role, signature string) (domain.Quest, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Quest{}, false, invalid("user is required")
	}
	if role != domain.RoleRequestor && role != domain.RolePerformer {
		return domain.Quest{}, false, invalid("role must be %s or %s", domain.RoleRequestor, domain.RolePerformer)
	}
	q, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return q, false, err
	}
	if !lifecycle.CanAttest(q, userID, role) {
		return q, false, nil
	}
	ok, err := e.Repo.AddAttestation(ctx, questID, domain.Attestation{
		UserID:    userID,
		Role:      role,
		Signature: signature,
		CreatedAt: e.stamp(),
	})
	if err != nil {
		return q, false, err
	}
	return e.after(ctx, questID, ok, "quest.attested", userID, events.EventPayload{"role": role})
}

// Complete moves a fully attested quest to COMPLETE and credits the
// performer. Calling it again on a COMPLETE quest re-issues the same
// credit, which the ledger applies at most once.
func (e Engine) Complete(ctx context.Context, questID, actorID string) (domain.Quest, bool, error) {
	q, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return q, false, err
	}
	if err := e.requireParticipant(ctx, q, actorID, "complete quest"); err != nil {
		return q, false, err
	}
	if q.Status == domain.QuestComplete {
		return q, false, e.creditPerformer(ctx, q)
	}
	requireAttestation := e.Config.Quests.RequireAttestation
	if !lifecycle.CanComplete(q, requireAttestation) {
		return q, false, nil
	}
	ok, err := e.Repo.CompleteQuest(ctx, questID, requireAttestation, e.now())
	if err != nil {
		return q, false, err
	}
	q, applied, err := e.after(ctx, questID, ok, "quest.completed", actorID, events.EventPayload{
		"reward_xp":         q.RewardXP,
		"reward_reputation": q.RewardReputation,
	})
	if err != nil || q.Status != domain.QuestComplete {
		return q, applied, err
	}
	return q, applied, e.creditPerformer(ctx, q)
}

func (e Engine) creditPerformer(ctx context.Context, q domain.Quest) error {
	if q.PerformerID == nil {
		return fmt.Errorf("quest %s is complete without a performer", q.ID)
	}
	p := ledger.Posting{
		RewardID:   performerRewardID(q.ID),
		UserID:     *q.PerformerID,
		QuestID:    q.ID,
		Source:     "quest.complete",
		Experience: q.RewardXP,
		Reputation: q.RewardReputation,
	}
	queued, err := e.Ledger.CreditOrEnqueue(ctx, p)
	if err != nil {
		return err
	}
	if queued {
		e.logger().Warn("performer reward queued for reprocessing",
			slog.String("quest_id", q.ID),
			slog.String("user_id", p.UserID))
	}
	return nil
}

// Dispute lets the creator reject a submission.
func (e Engine) Dispute(ctx context.Context, questID, actorID, reason string) (domain.Quest, bool, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Quest{}, false, invalid("dispute reason is required")
	}
	q, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return q, false, err
	}
	if q.CreatorID != actorID {
		return q, false, auth.ForbiddenError{Action: "dispute quest"}
	}
	if !lifecycle.CanTransition(q.Status, domain.QuestDisputed) {
		return q, false, nil
	}
	ok, err := e.Repo.DisputeQuest(ctx, questID, actorID, reason, e.now())
	if err != nil {
		return q, false, err
	}
	return e.after(ctx, questID, ok, "quest.disputed", actorID, events.EventPayload{"reason": reason})
}

// Cancel stops an OPEN or CLAIMED quest. The creator and board owners or
// moderators may cancel.
func (e Engine) Cancel(ctx context.Context, questID, actorID string) (domain.Quest, bool, error) {
	q, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return q, false, err
	}
	if q.CreatorID != actorID {
		if err := e.Auth.RequireRole(ctx, q.BoardID, actorID, "cancel quest", domain.BoardOwner, domain.BoardModerator); err != nil {
			return q, false, err
		}
	}
	if !lifecycle.CanTransition(q.Status, domain.QuestCancelled) {
		return q, false, nil
	}
	ok, err := e.Repo.CancelQuest(ctx, questID, e.now())
	if err != nil {
		return q, false, err
	}
	return e.after(ctx, questID, ok, "quest.cancelled", actorID, events.EventPayload{"previous_status": q.Status})
}

// Delete removes an OPEN, unclaimed quest on behalf of its creator and
// refunds the quest point spent on it.
func (e Engine) Delete(ctx context.Context, questID, actorID string) (bool, error) {
	q, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return false, err
	}
	if q.CreatorID != actorID {
		return false, auth.ForbiddenError{Action: "delete quest"}
	}
	if q.Status != domain.QuestOpen || q.PerformerID != nil {
		return false, nil
	}
	ok, err := e.Repo.DeleteQuest(ctx, questID, actorID)
	if err != nil || !ok {
		return false, err
	}
	e.Events.Record(ctx, "quest.deleted", "quest", questID, actorID, nil)
	e.refundCreate(ctx, q, errors.New("quest deleted"))
	return true, nil
}

// ListQuests lists quests matching f. An unknown status is rejected rather
// than matching nothing.
func (e Engine) ListQuests(ctx context.Context, f repo.QuestFilters) ([]domain.Quest, error) {
	f.Status = strings.TrimSpace(f.Status)
	if f.Status != "" && !lifecycle.ValidStatus(f.Status) {
		return nil, invalid("unknown quest status %q", f.Status)
	}
	return e.Repo.ListQuests(ctx, f)
}

// ExpireDue moves every live quest past its expiry to EXPIRED and returns
// how many it expired.
func (e Engine) ExpireDue(ctx context.Context, limit int) (int, error) {
	now := e.now()
	ids, err := e.Repo.ListExpiredQuestIDs(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := e.Repo.ExpireQuest(ctx, id, now)
		if err != nil {
			return n, err
		}
		if ok {
			n++
			e.Events.Record(ctx, "quest.expired", "quest", id, "system", nil)
		}
	}
	return n, nil
}

func (e Engine) requireParticipant(ctx context.Context, q domain.Quest, actorID, action string) error {
	if actorID == "" {
		return invalid("user is required")
	}
	if actorID == q.CreatorID || (q.PerformerID != nil && *q.PerformerID == actorID) {
		return nil
	}
	return e.Auth.RequireRole(ctx, q.BoardID, actorID, action, domain.BoardOwner, domain.BoardModerator)
}

// after reloads the quest and records the event when the write applied.
func (e Engine) after(ctx context.Context, questID string, applied bool, evtType, actorID string, payload events.EventPayload) (domain.Quest, bool, error) {
	q, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return q, applied, err
	}
	if applied {
		if payload == nil {
			payload = events.EventPayload{}
		}
		payload["status"] = q.Status
		e.Events.Record(ctx, evtType, "quest", questID, actorID, payload)
	}
	return q, applied, nil
}
