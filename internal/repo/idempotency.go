package repo

import (
	"context"
	"database/sql"
	"time"
)

const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
)

type IdempotencyRecord struct {
	Key       string
	Status    string
	Outcome   string
	ExpiresAt int64
}

// GetIdempotencyKey returns the live record for key. Expired records read
// as ErrNotFound.
func (r Repo) GetIdempotencyKey(ctx context.Context, key string, now time.Time) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := r.DB.QueryRowContext(ctx, `SELECT key,status,COALESCE(outcome,''),expires_at FROM idempotency_keys WHERE key=? AND expires_at>?`,
		key, toMillis(now)).Scan(&rec.Key, &rec.Status, &rec.Outcome, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, fatal("get_idempotency_key", err)
}

// BeginIdempotencyKey writes an in-progress marker when key is absent or
// its previous record has expired.
func (r Repo) BeginIdempotencyKey(ctx context.Context, key string, now time.Time, ttl time.Duration) (bool, error) {
	nowMs := toMillis(now)
	return r.conditional(ctx, "begin_idempotency_key", `INSERT INTO idempotency_keys(key,status,outcome,expires_at,created_at) VALUES (?,?,NULL,?,?)
ON CONFLICT(key) DO UPDATE SET status=excluded.status, outcome=NULL, expires_at=excluded.expires_at, created_at=excluded.created_at
WHERE idempotency_keys.expires_at<=?`,
		key, IdempotencyInProgress, toMillis(now.Add(ttl)), stamp(now),
		nowMs)
}

// CompleteIdempotencyKey stores the outcome of an in-progress attempt.
func (r Repo) CompleteIdempotencyKey(ctx context.Context, key, outcome string, expiresAt time.Time) (bool, error) {
	return r.conditional(ctx, "complete_idempotency_key", `UPDATE idempotency_keys SET status=?, outcome=?, expires_at=? WHERE key=? AND status=?`,
		IdempotencyCompleted, outcome, toMillis(expiresAt), key, IdempotencyInProgress)
}

// DeleteIdempotencyKey removes an in-progress marker. Completed records stay.
func (r Repo) DeleteIdempotencyKey(ctx context.Context, key string) (bool, error) {
	return r.conditional(ctx, "delete_idempotency_key", `DELETE FROM idempotency_keys WHERE key=? AND status=?`,
		key, IdempotencyInProgress)
}
