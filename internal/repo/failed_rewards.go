package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"civicforge/internal/attrvalue"
	"civicforge/internal/domain"
)

const failedRewardColumns = `id,user_id,COALESCE(quest_id,''),payload,status,retry_count,COALESCE(lease_owner,''),COALESCE(lease_expires_at,0),
COALESCE(last_error,''),created_at,last_retried_at,resolved_at`

// leaseFree matches rows with no owner or with an expired lease.
const leaseFree = `(lease_owner IS NULL OR lease_owner='' OR lease_expires_at IS NULL OR lease_expires_at<=?)`

func encodeRewardPayload(fr domain.FailedReward) (string, error) {
	data, err := attrvalue.Serialize(attrvalue.Map{
		"experience":   attrvalue.Int(fr.Experience),
		"reputation":   attrvalue.Int(fr.Reputation),
		"quest_points": attrvalue.Int(fr.QuestPoints),
		"source":       attrvalue.String(fr.Source),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeRewardPayload(raw string, fr *domain.FailedReward) error {
	v, err := attrvalue.Deserialize([]byte(raw))
	if err != nil {
		return err
	}
	m, ok := v.(attrvalue.Map)
	if !ok {
		return fmt.Errorf("reward payload is %T, not a map", v)
	}
	xp, err := m.Int64("experience")
	if err != nil {
		return err
	}
	rep, err := m.Int64("reputation")
	if err != nil {
		return err
	}
	qp, err := m.Int64("quest_points")
	if err != nil {
		return err
	}
	src, err := m.Str("source")
	if err != nil {
		return err
	}
	fr.Experience, fr.Reputation, fr.QuestPoints, fr.Source = int(xp), int(rep), int(qp), src
	return nil
}

func scanFailedReward(row rowScanner) (domain.FailedReward, error) {
	var fr domain.FailedReward
	var payload string
	var retried, resolved sql.NullString
	err := row.Scan(&fr.ID, &fr.UserID, &fr.QuestID, &payload, &fr.Status, &fr.RetryCount, &fr.LeaseOwner, &fr.LeaseExpiresAt,
		&fr.LastError, &fr.CreatedAt, &retried, &resolved)
	if err == sql.ErrNoRows {
		return fr, ErrNotFound
	}
	if err != nil {
		return fr, err
	}
	fr.LastRetriedAt = stringPtr(retried)
	fr.ResolvedAt = stringPtr(resolved)
	if err := decodeRewardPayload(payload, &fr); err != nil {
		return fr, fmt.Errorf("decode failed reward %s: %w", fr.ID, err)
	}
	return fr, nil
}

// InsertFailedReward enqueues fr as pending unless the reward id is
// already queued.
func (r Repo) InsertFailedReward(ctx context.Context, fr domain.FailedReward) (bool, error) {
	payload, err := encodeRewardPayload(fr)
	if err != nil {
		return false, fatal("insert_failed_reward", err)
	}
	return r.conditional(ctx, "insert_failed_reward", `INSERT INTO failed_rewards(id,user_id,quest_id,payload,status,retry_count,last_error,created_at)
VALUES (?,?,?,?,?,0,?,?) ON CONFLICT(id) DO NOTHING`,
		fr.ID, fr.UserID, nullable(fr.QuestID), payload, domain.RewardPending, nullable(fr.LastError), fr.CreatedAt)
}

func (r Repo) GetFailedReward(ctx context.Context, id string) (domain.FailedReward, error) {
	fr, err := scanFailedReward(r.DB.QueryRowContext(ctx, `SELECT `+failedRewardColumns+` FROM failed_rewards WHERE id=?`, id))
	return fr, fatal("get_failed_reward", err)
}

// ListFailedRewards serves the status index. An empty status lists all.
func (r Repo) ListFailedRewards(ctx context.Context, status string, limit int) ([]domain.FailedReward, error) {
	query := `SELECT ` + failedRewardColumns + ` FROM failed_rewards`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, normalizeLimit(limit, 50, 500))
	return r.queryFailedRewards(ctx, "list_failed_rewards", query, args...)
}

// ListLeasableFailedRewards returns pending rows whose lease is free at now.
func (r Repo) ListLeasableFailedRewards(ctx context.Context, now time.Time, limit int) ([]domain.FailedReward, error) {
	return r.queryFailedRewards(ctx, "list_leasable_failed_rewards",
		`SELECT `+failedRewardColumns+` FROM failed_rewards WHERE status=? AND `+leaseFree+` ORDER BY created_at, id LIMIT ?`,
		domain.RewardPending, toMillis(now), normalizeLimit(limit, 25, 500))
}

func (r Repo) queryFailedRewards(ctx context.Context, op, query string, args ...any) ([]domain.FailedReward, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fatal(op, err)
	}
	defer rows.Close()
	res := []domain.FailedReward{}
	for rows.Next() {
		fr, err := scanFailedReward(rows)
		if err != nil {
			return nil, fatal(op, err)
		}
		res = append(res, fr)
	}
	return res, fatal(op, rows.Err())
}

// AcquireFailedRewardLease gives owner an exclusive lease until now+ttl.
// It fails when another owner holds an unexpired lease.
func (r Repo) AcquireFailedRewardLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	return r.conditional(ctx, "acquire_failed_reward_lease", `UPDATE failed_rewards SET lease_owner=?, lease_expires_at=?
WHERE id=? AND status=? AND `+leaseFree,
		owner, toMillis(now.Add(ttl)),
		id, domain.RewardPending, toMillis(now))
}

// ReleaseFailedRewardLease drops owner's lease without touching the retry count.
func (r Repo) ReleaseFailedRewardLease(ctx context.Context, id, owner string) (bool, error) {
	return r.conditional(ctx, "release_failed_reward_lease", `UPDATE failed_rewards SET lease_owner=NULL, lease_expires_at=NULL
WHERE id=? AND status=? AND lease_owner=?`,
		id, domain.RewardPending, owner)
}

// ResolveFailedReward marks the record resolved. Only the lease owner may.
func (r Repo) ResolveFailedReward(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return r.conditional(ctx, "resolve_failed_reward", `UPDATE failed_rewards SET status=?, resolved_at=?, lease_owner=NULL, lease_expires_at=NULL
WHERE id=? AND status=? AND lease_owner=?`,
		domain.RewardResolved, stamp(now),
		id, domain.RewardPending, owner)
}

// AbandonFailedReward marks the record abandoned. Only the lease owner may.
func (r Repo) AbandonFailedReward(ctx context.Context, id, owner, reason string, now time.Time) (bool, error) {
	return r.conditional(ctx, "abandon_failed_reward", `UPDATE failed_rewards SET status=?, last_error=COALESCE(?,last_error), last_retried_at=?, lease_owner=NULL, lease_expires_at=NULL
WHERE id=? AND status=? AND lease_owner=?`,
		domain.RewardAbandoned, nullable(reason), stamp(now),
		id, domain.RewardPending, owner)
}

// RetryFailedReward records one failed attempt and releases the lease.
// The attempt that brings retry_count to maxAttempts abandons the record.
func (r Repo) RetryFailedReward(ctx context.Context, id, owner, lastErr string, now time.Time, maxAttempts int) (bool, error) {
	return r.conditional(ctx, "retry_failed_reward", `UPDATE failed_rewards SET
  retry_count=retry_count+1,
  status=CASE WHEN retry_count+1>=? THEN ? ELSE ? END,
  last_error=?, last_retried_at=?, lease_owner=NULL, lease_expires_at=NULL
WHERE id=? AND status=? AND lease_owner=?`,
		maxAttempts, domain.RewardAbandoned, domain.RewardPending,
		nullable(lastErr), stamp(now),
		id, domain.RewardPending, owner)
}
