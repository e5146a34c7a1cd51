package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/repo"
)

const apiKeyPrefix = "esk_"

// CreateAPIKey issues a key for actorID. The plaintext is returned once and
// never stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, roles []string, createdBy string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", domain.ValidationError{Field: "actor_id", Message: "is required"}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		Roles:     roles,
		CreatedAt: e.now(),
	}
	if key.Roles == nil {
		key.Roles = []string{}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "api_key.created", "api_key", key.ID, createdBy, events.EventPayload{
		"actor_id": actorID, "roles": key.Roles,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// RevokeAPIKey disables a key; later requests with it are rejected.
func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeAPIKey(ctx, tx, id, e.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.NotFoundError{Entity: "active api key", ID: id}
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, "api_key.revoked", "api_key", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// AuthenticateAPIKey resolves an active key from its plaintext.
func (e Engine) AuthenticateAPIKey(ctx context.Context, plain string) (domain.APIKey, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if err != nil {
		return domain.APIKey{}, err
	}
	if !key.Active() {
		return domain.APIKey{}, errors.New("api key revoked")
	}
	return key, nil
}
