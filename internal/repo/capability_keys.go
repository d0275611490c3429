package repo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"mdplane/internal/domain"
)

// KeyPrefix marks capability keys issued by this server.
const KeyPrefix = "mdp_"

// HashKey returns a stable SHA-256 hex digest for the provided key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a new random capability key.
func GenerateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// InsertCapabilityKey stores a hashed key. KeyHash must already contain the hashed value.
func (r Repo) InsertCapabilityKey(ctx context.Context, key domain.CapabilityKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.WorkspaceID == "" {
		return errors.New("workspace_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if !domain.IsTier(key.Tier) {
		return errors.New("invalid tier")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = FormatTime(time.Now())
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO capability_keys(id,workspace_id,key_hash,tier,scope_type,scope_path,expires_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		key.ID, key.WorkspaceID, key.KeyHash, key.Tier, key.ScopeType, key.ScopePath, nullableStringPtr(key.ExpiresAt), key.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

const keyColumns = `id,workspace_id,key_hash,tier,scope_type,scope_path,revoked_at,expires_at,created_at`

func scanKey(row interface{ Scan(...any) error }) (domain.CapabilityKey, error) {
	var (
		key     domain.CapabilityKey
		revoked sql.NullString
		expires sql.NullString
	)
	err := row.Scan(&key.ID, &key.WorkspaceID, &key.KeyHash, &key.Tier, &key.ScopeType, &key.ScopePath, &revoked, &expires, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return key, ErrNotFound
	}
	key.RevokedAt = stringPtr(revoked)
	key.ExpiresAt = stringPtr(expires)
	return key, err
}

// GetCapabilityKeyByHash returns a key by its hashed value, revoked or not.
func (r Repo) GetCapabilityKeyByHash(ctx context.Context, hash string) (domain.CapabilityKey, error) {
	return scanKey(r.DB.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM capability_keys WHERE key_hash=? LIMIT 1`, hash))
}

// ListCapabilityKeys returns keys, optionally filtered by workspace.
func (r Repo) ListCapabilityKeys(ctx context.Context, workspaceID string) ([]domain.CapabilityKey, error) {
	query := `SELECT ` + keyColumns + ` FROM capability_keys`
	var args []any
	if workspaceID != "" {
		query += ` WHERE workspace_id=?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.CapabilityKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeCapabilityKey marks a key revoked. Revoking twice keeps the first timestamp.
func (r Repo) RevokeCapabilityKey(ctx context.Context, id string, at time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE capability_keys SET revoked_at=COALESCE(revoked_at, ?) WHERE id=?`, FormatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
