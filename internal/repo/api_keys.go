package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"phaseline/internal/domain"
)

// ErrRevoked is returned when a key matches but has been revoked.
var ErrRevoked = errors.New("api key revoked")

const apiKeyColumns = `id, actor_id, COALESCE(name,''), prefix, key_hash, created_at, revoked_at`

// HashAPIKey returns the SHA-256 hex digest stored for a raw key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var key domain.APIKey
	var revoked sql.NullString
	if err := row.Scan(&key.ID, &key.ActorID, &key.Name, &key.Prefix, &key.KeyHash, &key.CreatedAt, &revoked); err != nil {
		return domain.APIKey{}, err
	}
	key.RevokedAt = stringPtr(revoked)
	return key, nil
}

func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" || key.ActorID == "" || key.KeyHash == "" {
		return errors.New("api key needs id, actor and hash")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, prefix, key_hash, created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.Prefix, key.KeyHash, key.CreatedAt)
	return err
}

// ActiveAPIKey resolves a hash to its key. Revoked keys return ErrRevoked.
func (r Repo) ActiveAPIKey(ctx context.Context, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	if key.RevokedAt != nil {
		return domain.APIKey{}, ErrRevoked
	}
	return key, nil
}

func (r Repo) GetAPIKeyTx(ctx context.Context, tx *sql.Tx, id string) (domain.APIKey, error) {
	key, err := scanAPIKey(tx.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// ListAPIKeys returns the keys of actorID, newest first, revoked ones included.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE actor_id=? ORDER BY created_at DESC, id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey stamps revoked_at once. Revoking twice is a no-op.
func (r Repo) RevokeAPIKey(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE api_keys SET revoked_at=COALESCE(revoked_at, ?) WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
