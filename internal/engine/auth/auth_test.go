package auth

import (
	"context"
	"errors"
	"testing"

	"civicforge/internal/db"
	"civicforge/internal/domain"
	"civicforge/internal/migrate"
	"civicforge/internal/repo"
)

func TestRequireRole(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	if _, err := r.InsertBoard(ctx, domain.Board{ID: "garden", OwnerID: "alice", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpsertBoardRole(ctx, domain.BoardRole{BoardID: "garden", UserID: "bob", Role: domain.BoardModerator, AssignedBy: "alice", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	s := Service{Repo: r}

	cases := []struct {
		board, user string
		allowed     bool
	}{
		{"garden", "alice", true},
		{"garden", "bob", true},
		{"garden", "carol", false},
		{"missing", "alice", false},
		{"garden", "", false},
	}
	for _, tc := range cases {
		err := s.RequireRole(ctx, tc.board, tc.user, "cancel quest", domain.BoardOwner, domain.BoardModerator)
		if tc.allowed && err != nil {
			t.Fatalf("%s/%s: %v", tc.board, tc.user, err)
		}
		if !tc.allowed {
			var fe ForbiddenError
			if !errors.As(err, &fe) || fe.Action != "cancel quest" {
				t.Fatalf("%s/%s: err = %v", tc.board, tc.user, err)
			}
		}
	}
}

func TestValidAssignableRole(t *testing.T) {
	for role, want := range map[string]bool{
		domain.BoardModerator: true,
		domain.BoardMember:    true,
		domain.BoardOwner:     false,
		"admin":               false,
	} {
		if got := ValidAssignableRole(role); got != want {
			t.Fatalf("%s: got %v", role, got)
		}
	}
}
