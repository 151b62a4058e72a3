package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"civicforge/internal/domain"
	"civicforge/internal/engine/auth"
	"civicforge/internal/events"
	"civicforge/internal/repo"
)

const apiKeyPrefix = "cf_"

// CreateAPIKey issues a key for userID. The raw key is returned once and
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.APIKey{}, "", invalid("user is required")
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := apiKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	e.Events.Record(ctx, "api_key.created", "user", userID, userID, events.EventPayload{"key_id": key.ID, "name": key.Name})
	return key, raw, nil
}

// RevokeAPIKey deletes one of the actor's keys.
func (e Engine) RevokeAPIKey(ctx context.Context, keyID, actorID string) (bool, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k.ID != keyID {
			continue
		}
		ok, err := e.Repo.DeleteAPIKey(ctx, keyID)
		if err != nil || !ok {
			return false, err
		}
		e.Events.Record(ctx, "api_key.revoked", "user", actorID, actorID, events.EventPayload{"key_id": keyID})
		return true, nil
	}
	return false, auth.ForbiddenError{Action: "revoke api key"}
}
