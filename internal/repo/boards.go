package repo

import (
	"context"
	"database/sql"

	"civicforge/internal/domain"
)

// InsertBoard records b with its owner unless the board already exists.
func (r Repo) InsertBoard(ctx context.Context, b domain.Board) (bool, error) {
	return r.conditional(ctx, "insert_board", `INSERT INTO boards(id,owner_id,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`,
		b.ID, b.OwnerID, b.CreatedAt)
}

func (r Repo) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	var b domain.Board
	err := r.DB.QueryRowContext(ctx, `SELECT id,owner_id,created_at FROM boards WHERE id=?`, id).Scan(&b.ID, &b.OwnerID, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, fatal("get_board", err)
}

// TransferBoardOwner hands the board to toUser if fromUser still owns it.
func (r Repo) TransferBoardOwner(ctx context.Context, boardID, fromUser, toUser string) (bool, error) {
	return r.conditional(ctx, "transfer_board_owner", `UPDATE boards SET owner_id=? WHERE id=? AND owner_id=?`,
		toUser, boardID, fromUser)
}

// UpsertBoardRole sets a non-owner role for a user on a board.
func (r Repo) UpsertBoardRole(ctx context.Context, role domain.BoardRole) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO board_roles(board_id,user_id,role,assigned_by,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(board_id,user_id) DO UPDATE SET role=excluded.role, assigned_by=excluded.assigned_by, created_at=excluded.created_at`,
		role.BoardID, role.UserID, role.Role, role.AssignedBy, role.CreatedAt)
	return fatal("upsert_board_role", err)
}

func (r Repo) DeleteBoardRole(ctx context.Context, boardID, userID string) (bool, error) {
	return r.conditional(ctx, "delete_board_role", `DELETE FROM board_roles WHERE board_id=? AND user_id=?`, boardID, userID)
}

// BoardRoleOf returns the user's role on a board: owner from the board
// record, otherwise any assigned role, otherwise "".
func (r Repo) BoardRoleOf(ctx context.Context, boardID, userID string) (string, error) {
	var role string
	err := r.DB.QueryRowContext(ctx, `
SELECT CASE WHEN b.owner_id=? THEN 'owner' ELSE COALESCE(br.role,'') END
FROM boards b
LEFT JOIN board_roles br ON br.board_id=b.id AND br.user_id=?
WHERE b.id=?`, userID, userID, boardID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, fatal("board_role_of", err)
}

func (r Repo) ListBoardRoles(ctx context.Context, boardID string) ([]domain.BoardRole, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT board_id,user_id,role,assigned_by,created_at FROM board_roles WHERE board_id=? ORDER BY user_id`, boardID)
	if err != nil {
		return nil, fatal("list_board_roles", err)
	}
	defer rows.Close()
	res := []domain.BoardRole{}
	for rows.Next() {
		var br domain.BoardRole
		if err := rows.Scan(&br.BoardID, &br.UserID, &br.Role, &br.AssignedBy, &br.CreatedAt); err != nil {
			return nil, fatal("list_board_roles", err)
		}
		res = append(res, br)
	}
	return res, fatal("list_board_roles", rows.Err())
}
