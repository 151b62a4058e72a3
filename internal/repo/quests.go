package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"civicforge/internal/domain"
)

const questColumns = `id,board_id,creator_id,title,COALESCE(description,''),status,performer_id,reward_xp,reward_reputation,
COALESCE(submission_text,''),attestations_json,COALESCE(dispute_reason,''),created_at,updated_at,claimed_at,submitted_at,completed_at,expires_at,spend_id`

func scanQuest(row rowScanner) (domain.Quest, error) {
	var q domain.Quest
	var performer, claimed, submitted, completed, expires sql.NullString
	var attJSON string
	err := row.Scan(&q.ID, &q.BoardID, &q.CreatorID, &q.Title, &q.Description, &q.Status, &performer,
		&q.RewardXP, &q.RewardReputation, &q.SubmissionText, &attJSON, &q.DisputeReason,
		&q.CreatedAt, &q.UpdatedAt, &claimed, &submitted, &completed, &expires, &q.SpendID)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	q.PerformerID = stringPtr(performer)
	q.ClaimedAt = stringPtr(claimed)
	q.SubmittedAt = stringPtr(submitted)
	q.CompletedAt = stringPtr(completed)
	q.ExpiresAt = stringPtr(expires)
	if err := json.Unmarshal([]byte(attJSON), &q.Attestations); err != nil {
		return q, fmt.Errorf("decode attestations for quest %s: %w", q.ID, err)
	}
	if q.Attestations == nil {
		q.Attestations = []domain.Attestation{}
	}
	return q, nil
}

// InsertQuest creates q unless a quest with the same id exists.
func (r Repo) InsertQuest(ctx context.Context, q domain.Quest) (bool, error) {
	if q.BoardID == "" {
		q.BoardID = domain.DefaultBoardID
	}
	return r.conditional(ctx, "insert_quest", `INSERT INTO quests(id,board_id,creator_id,title,description,status,reward_xp,reward_reputation,attestations_json,created_at,updated_at,expires_at,spend_id)
VALUES (?,?,?,?,?,?,?,?,'[]',?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		q.ID, q.BoardID, q.CreatorID, q.Title, nullable(q.Description), domain.QuestOpen,
		q.RewardXP, q.RewardReputation, q.CreatedAt, q.CreatedAt, nullableStringPtr(q.ExpiresAt), q.SpendID)
}

func (r Repo) GetQuest(ctx context.Context, id string) (domain.Quest, error) {
	q, err := scanQuest(r.DB.QueryRowContext(ctx, `SELECT `+questColumns+` FROM quests WHERE id=?`, id))
	return q, fatal("get_quest", err)
}

type QuestFilters struct {
	Status    string
	CreatorID string
	BoardID   string
	Limit     int
}

// ListQuests serves the status and creator indexes.
func (r Repo) ListQuests(ctx context.Context, f QuestFilters) ([]domain.Quest, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.CreatorID != "" {
		where = append(where, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.BoardID != "" {
		where = append(where, "board_id=?")
		args = append(args, f.BoardID)
	}
	query := `SELECT ` + questColumns + ` FROM quests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, normalizeLimit(f.Limit, 50, 500))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fatal("list_quests", err)
	}
	defer rows.Close()
	res := []domain.Quest{}
	for rows.Next() {
		q, err := scanQuest(rows)
		if err != nil {
			return nil, fatal("list_quests", err)
		}
		res = append(res, q)
	}
	return res, fatal("list_quests", rows.Err())
}

// ClaimQuest moves OPEN -> CLAIMED for performerID. The creator can never
// be the performer.
func (r Repo) ClaimQuest(ctx context.Context, questID, performerID string, now time.Time) (bool, error) {
	ts := stamp(now)
	return r.conditional(ctx, "claim_quest", `UPDATE quests SET status=?, performer_id=?, claimed_at=?, updated_at=?
WHERE id=? AND status=? AND performer_id IS NULL AND creator_id<>?`,
		domain.QuestClaimed, performerID, ts, ts,
		questID, domain.QuestOpen, performerID)
}

// SubmitQuest moves CLAIMED -> SUBMITTED when performerID holds the quest.
func (r Repo) SubmitQuest(ctx context.Context, questID, performerID, submission string, now time.Time) (bool, error) {
	ts := stamp(now)
	return r.conditional(ctx, "submit_quest", `UPDATE quests SET status=?, submission_text=?, submitted_at=?, updated_at=?
WHERE id=? AND status=? AND performer_id=?`,
		domain.QuestSubmitted, nullable(submission), ts, ts,
		questID, domain.QuestClaimed, performerID)
}

// AddAttestation appends att to a SUBMITTED quest. The role flag columns
// exist only so the guard stays a single expression; readers derive
// completeness from the list itself.
func (r Repo) AddAttestation(ctx context.Context, questID string, att domain.Attestation) (bool, error) {
	if att.Role != domain.RoleRequestor && att.Role != domain.RolePerformer {
		return false, nil
	}
	data, err := json.Marshal(att)
	if err != nil {
		return false, fatal("add_attestation", err)
	}
	return r.conditional(ctx, "add_attestation", `UPDATE quests SET
  attestations_json=json_insert(attestations_json,'$[#]',json(?)),
  has_requestor_attestation=CASE WHEN ?='requestor' THEN 1 ELSE has_requestor_attestation END,
  has_performer_attestation=CASE WHEN ?='performer' THEN 1 ELSE has_performer_attestation END,
  updated_at=?
WHERE id=? AND status=?
  AND json_array_length(attestations_json) < 2
  AND NOT EXISTS (SELECT 1 FROM json_each(quests.attestations_json) WHERE json_extract(value,'$.user_id')=?)
  AND ((?='requestor' AND creator_id=? AND has_requestor_attestation=0)
    OR (?='performer' AND performer_id=? AND has_performer_attestation=0))`,
		string(data), att.Role, att.Role, att.CreatedAt,
		questID, domain.QuestSubmitted,
		att.UserID,
		att.Role, att.UserID,
		att.Role, att.UserID)
}

// CompleteQuest moves SUBMITTED -> COMPLETE. With requireAttestation both
// role flags must be set.
func (r Repo) CompleteQuest(ctx context.Context, questID string, requireAttestation bool, now time.Time) (bool, error) {
	ts := stamp(now)
	required := 0
	if requireAttestation {
		required = 1
	}
	return r.conditional(ctx, "complete_quest", `UPDATE quests SET status=?, completed_at=?, updated_at=?
WHERE id=? AND status=? AND (?=0 OR (has_requestor_attestation=1 AND has_performer_attestation=1))`,
		domain.QuestComplete, ts, ts,
		questID, domain.QuestSubmitted, required)
}

// DisputeQuest moves SUBMITTED -> DISPUTED on behalf of the creator.
func (r Repo) DisputeQuest(ctx context.Context, questID, requestorID, reason string, now time.Time) (bool, error) {
	return r.conditional(ctx, "dispute_quest", `UPDATE quests SET status=?, dispute_reason=?, updated_at=?
WHERE id=? AND status=? AND creator_id=?`,
		domain.QuestDisputed, nullable(reason), stamp(now),
		questID, domain.QuestSubmitted, requestorID)
}

// CancelQuest moves OPEN or CLAIMED -> CANCELLED. Authorization is the
// caller's concern.
func (r Repo) CancelQuest(ctx context.Context, questID string, now time.Time) (bool, error) {
	return r.conditional(ctx, "cancel_quest", `UPDATE quests SET status=?, updated_at=?
WHERE id=? AND status IN (?,?)`,
		domain.QuestCancelled, stamp(now),
		questID, domain.QuestOpen, domain.QuestClaimed)
}

// ExpireQuest moves OPEN or CLAIMED -> EXPIRED once expires_at has passed.
func (r Repo) ExpireQuest(ctx context.Context, questID string, now time.Time) (bool, error) {
	ts := stamp(now)
	return r.conditional(ctx, "expire_quest", `UPDATE quests SET status=?, updated_at=?
WHERE id=? AND status IN (?,?) AND expires_at IS NOT NULL AND expires_at<=?`,
		domain.QuestExpired, ts,
		questID, domain.QuestOpen, domain.QuestClaimed, ts)
}

// ListExpiredQuestIDs returns live quests whose expiry has passed.
func (r Repo) ListExpiredQuestIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM quests WHERE status IN (?,?) AND expires_at IS NOT NULL AND expires_at<=? ORDER BY expires_at, id LIMIT ?`,
		domain.QuestOpen, domain.QuestClaimed, stamp(now), normalizeLimit(limit, 100, 1000))
	if err != nil {
		return nil, fatal("list_expired_quests", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fatal("list_expired_quests", err)
		}
		ids = append(ids, id)
	}
	return ids, fatal("list_expired_quests", rows.Err())
}

// DeleteQuest removes an OPEN, unclaimed quest owned by creatorID.
func (r Repo) DeleteQuest(ctx context.Context, questID, creatorID string) (bool, error) {
	return r.conditional(ctx, "delete_quest", `DELETE FROM quests WHERE id=? AND status=? AND performer_id IS NULL AND creator_id=?`,
		questID, domain.QuestOpen, creatorID)
}
