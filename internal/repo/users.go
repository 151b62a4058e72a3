package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"civicforge/internal/domain"
)

const userColumns = `id,username,wallet_address,reputation,experience,quest_points,processed_rewards_json,created_at,updated_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var wallet sql.NullString
	var processed string
	err := row.Scan(&u.ID, &u.Username, &wallet, &u.Reputation, &u.Experience, &u.QuestPoints, &processed, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.WalletAddress = stringPtr(wallet)
	if err := json.Unmarshal([]byte(processed), &u.ProcessedRewards); err != nil {
		return u, fmt.Errorf("decode processed rewards for user %s: %w", u.ID, err)
	}
	if u.ProcessedRewards == nil {
		u.ProcessedRewards = []string{}
	}
	return u, nil
}

// CreateUser inserts u only if no user with that id exists.
func (r Repo) CreateUser(ctx context.Context, u domain.User) (bool, error) {
	return r.conditional(ctx, "create_user", `INSERT INTO users(id,username,wallet_address,reputation,experience,quest_points,processed_rewards_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,'[]',?,?) ON CONFLICT(id) DO NOTHING`,
		u.ID, u.Username, nullableStringPtr(u.WalletAddress), u.Reputation, u.Experience, u.QuestPoints, u.CreatedAt, u.CreatedAt)
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
	return u, fatal("get_user", err)
}

func (r Repo) ListUsers(ctx context.Context, limit int) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id LIMIT ?`, normalizeLimit(limit, 50, 500))
	if err != nil {
		return nil, fatal("list_users", err)
	}
	defer rows.Close()
	res := []domain.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fatal("list_users", err)
		}
		res = append(res, u)
	}
	return res, fatal("list_users", rows.Err())
}

// CreditRewards applies the three deltas and records rewardID in one
// write. It does not apply when rewardID was already processed, when any
// balance would go negative, or when the user is missing.
func (r Repo) CreditRewards(ctx context.Context, userID, rewardID string, xp, reputation, questPoints int, now time.Time) (bool, error) {
	return r.conditional(ctx, "credit_rewards", `UPDATE users SET
  experience=experience+?,
  reputation=reputation+?,
  quest_points=quest_points+?,
  processed_rewards_json=json_insert(processed_rewards_json,'$[#]',?),
  updated_at=?
WHERE id=?
  AND NOT EXISTS (SELECT 1 FROM json_each(users.processed_rewards_json) WHERE value=?)
  AND experience+?>=0 AND reputation+?>=0 AND quest_points+?>=0`,
		xp, reputation, questPoints, rewardID, stamp(now),
		userID,
		rewardID,
		xp, reputation, questPoints)
}

// HasProcessedReward reports whether rewardID is in the user's processed set.
func (r Repo) HasProcessedReward(ctx context.Context, userID, rewardID string) (bool, error) {
	var found bool
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM json_each(users.processed_rewards_json) WHERE value=?) FROM users WHERE id=?`,
		rewardID, userID).Scan(&found)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return found, fatal("has_processed_reward", err)
}
