package engine

import (
	"context"
	"strings"

	"civicforge/internal/domain"
	"civicforge/internal/engine/auth"
	"civicforge/internal/events"
)

// CreateBoard records ownerID as the owner of a new board. applied is
// false when the board already exists.
func (e Engine) CreateBoard(ctx context.Context, boardID, ownerID string) (domain.Board, bool, error) {
	boardID = strings.TrimSpace(boardID)
	if boardID == "" {
		return domain.Board{}, false, invalid("board id is required")
	}
	if strings.TrimSpace(ownerID) == "" {
		return domain.Board{}, false, invalid("owner is required")
	}
	ok, err := e.Repo.InsertBoard(ctx, domain.Board{ID: boardID, OwnerID: ownerID, CreatedAt: e.stamp()})
	if err != nil {
		return domain.Board{}, false, err
	}
	b, err := e.Repo.GetBoard(ctx, boardID)
	if err != nil {
		return b, ok, err
	}
	if ok {
		e.Events.Record(ctx, "board.created", "board", boardID, ownerID, events.EventPayload{"owner_id": ownerID})
	}
	return b, ok, nil
}

// AssignBoardRole grants a moderator or member role. Only the owner may
// assign roles.
func (e Engine) AssignBoardRole(ctx context.Context, boardID, userID, role, actorID string) (domain.BoardRole, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.BoardRole{}, invalid("user is required")
	}
	if !auth.ValidAssignableRole(role) {
		return domain.BoardRole{}, invalid("role must be %s or %s", domain.BoardModerator, domain.BoardMember)
	}
	b, err := e.Repo.GetBoard(ctx, boardID)
	if err != nil {
		return domain.BoardRole{}, err
	}
	if err := e.Auth.RequireRole(ctx, boardID, actorID, "assign board roles", domain.BoardOwner); err != nil {
		return domain.BoardRole{}, err
	}
	if userID == b.OwnerID {
		return domain.BoardRole{}, invalid("the owner's role changes only by transfer")
	}
	br := domain.BoardRole{BoardID: boardID, UserID: userID, Role: role, AssignedBy: actorID, CreatedAt: e.stamp()}
	if err := e.Repo.UpsertBoardRole(ctx, br); err != nil {
		return domain.BoardRole{}, err
	}
	e.Events.Record(ctx, "board.role.assigned", "board", boardID, actorID, events.EventPayload{"user_id": userID, "role": role})
	return br, nil
}

// RevokeBoardRole removes an assigned role. Only the owner may revoke.
func (e Engine) RevokeBoardRole(ctx context.Context, boardID, userID, actorID string) (bool, error) {
	if err := e.Auth.RequireRole(ctx, boardID, actorID, "revoke board roles", domain.BoardOwner); err != nil {
		return false, err
	}
	ok, err := e.Repo.DeleteBoardRole(ctx, boardID, userID)
	if err != nil || !ok {
		return false, err
	}
	e.Events.Record(ctx, "board.role.revoked", "board", boardID, actorID, events.EventPayload{"user_id": userID})
	return true, nil
}

// TransferBoard hands ownership from actorID to toUser. applied is false
// when actorID no longer owns the board.
func (e Engine) TransferBoard(ctx context.Context, boardID, toUser, actorID string) (bool, error) {
	if strings.TrimSpace(toUser) == "" {
		return false, invalid("new owner is required")
	}
	if err := e.Auth.RequireRole(ctx, boardID, actorID, "transfer board", domain.BoardOwner); err != nil {
		return false, err
	}
	ok, err := e.Repo.TransferBoardOwner(ctx, boardID, actorID, toUser)
	if err != nil || !ok {
		return false, err
	}
	// a previously assigned role would shadow nothing now; drop it
	if _, err := e.Repo.DeleteBoardRole(ctx, boardID, toUser); err != nil {
		return true, err
	}
	e.Events.Record(ctx, "board.transferred", "board", boardID, actorID, events.EventPayload{"owner_id": toUser})
	return true, nil
}
