package auth

import (
	"context"
	"errors"
	"fmt"

	"civicforge/internal/domain"
	"civicforge/internal/repo"
)

// ForbiddenError indicates the actor lacks the board role for an action.
type ForbiddenError struct {
	Action string
	Roles  []string
}

func (e ForbiddenError) Error() string {
	if len(e.Roles) == 0 {
		return fmt.Sprintf("not permitted to %s", e.Action)
	}
	return fmt.Sprintf("not permitted to %s: requires board role %v", e.Action, e.Roles)
}

// Service answers board role questions from the store.
type Service struct {
	Repo repo.Repo
}

// RoleOf returns the user's role on a board, or "" when the user holds no
// role or the board does not exist.
func (s Service) RoleOf(ctx context.Context, boardID, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	role, err := s.Repo.BoardRoleOf(ctx, boardID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	return role, err
}

// HasRole reports whether the user holds one of roles on the board.
func (s Service) HasRole(ctx context.Context, boardID, userID string, roles ...string) (bool, error) {
	role, err := s.RoleOf(ctx, boardID, userID)
	if err != nil || role == "" {
		return false, err
	}
	for _, r := range roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

// RequireRole returns ForbiddenError unless the user holds one of roles.
func (s Service) RequireRole(ctx context.Context, boardID, userID, action string, roles ...string) error {
	ok, err := s.HasRole(ctx, boardID, userID, roles...)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Action: action, Roles: roles}
	}
	return nil
}

// ValidAssignableRole reports whether role can be granted by assignment.
// Ownership only moves by transfer.
func ValidAssignableRole(role string) bool {
	return role == domain.BoardModerator || role == domain.BoardMember
}
