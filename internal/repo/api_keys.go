package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"escrowline/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func joinRoles(roles []string) string {
	return strings.Join(roles, ",")
}

func splitRoles(s string) []string {
	roles := []string{}
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" || key.ActorID == "" || key.KeyHash == "" {
		return errors.New("api key id, actor_id and key_hash are required")
	}
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO api_keys(id,actor_id,name,key_hash,roles,created_at) VALUES (?,?,?,?,?,?)`),
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, joinRoles(key.Roles), formatTime(key.CreatedAt))
	return err
}

const apiKeyColumns = `id,actor_id,COALESCE(name,''),key_hash,roles,created_at,revoked_at`

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var (
		key       domain.APIKey
		roles     string
		createdAt string
		revokedAt sql.NullString
	)
	if err := row.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &roles, &createdAt, &revokedAt); err != nil {
		return key, err
	}
	key.Roles = splitRoles(roles)
	var err error
	if key.CreatedAt, err = parseTime(createdAt); err != nil {
		return key, err
	}
	key.RevokedAt, err = parseNullTime(revokedAt)
	return key, err
}

// GetAPIKeyByHash returns an API key by its hashed value, revoked or not.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx, r.q(`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`), hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// ListAPIKeys returns API keys, optionally filtered by actor ID.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []domain.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked. Revoking twice reports ErrNotFound.
func (r Repo) RevokeAPIKey(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	err := expectOneRow(tx.ExecContext(ctx, r.q(`UPDATE api_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`), formatTime(at), id))
	if errors.Is(err, ErrVersionConflict) {
		return ErrNotFound
	}
	return err
}
