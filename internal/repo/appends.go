package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mdplane/internal/domain"
)

const appendColumns = `file_id,seq,id,author,type,COALESCE(ref,''),COALESCE(content,''),COALESCE(priority,''),COALESCE(labels_json,''),expires_at,created_at`

func scanAppend(row interface{ Scan(...any) error }) (domain.Append, error) {
	var (
		a         domain.Append
		labels    string
		expiresAt sql.NullString
		createdAt string
	)
	err := row.Scan(&a.FileID, &a.Seq, &a.ID, &a.Author, &a.Type, &a.Ref, &a.Content, &a.Priority, &labels, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &a.Labels); err != nil {
			return a, fmt.Errorf("decode labels for %s: %w", a.ID, err)
		}
	}
	if expiresAt.Valid {
		t, err := ParseTime(expiresAt.String)
		if err != nil {
			return a, err
		}
		a.ExpiresAt = &t
	}
	if a.CreatedAt, err = ParseTime(createdAt); err != nil {
		return a, err
	}
	return a, nil
}

func scanAppends(rows *sql.Rows) ([]domain.Append, error) {
	defer rows.Close()
	var res []domain.Append
	for rows.Next() {
		a, err := scanAppend(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// NextAppendSeq bumps and returns the per-file append counter. It must run inside the
// transaction that inserts the append so ids are never reused.
func (r Repo) NextAppendSeq(ctx context.Context, tx *sql.Tx, fileID string) (int64, error) {
	var seq int64
	err := r.q(tx).QueryRowContext(ctx, `UPDATE files SET append_seq=append_seq+1 WHERE id=? RETURNING append_seq`, fileID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return seq, err
}

func (r Repo) InsertAppend(ctx context.Context, tx *sql.Tx, a domain.Append) error {
	var labels any
	if len(a.Labels) > 0 {
		b, err := json.Marshal(a.Labels)
		if err != nil {
			return err
		}
		labels = string(b)
	}
	var expires any
	if a.ExpiresAt != nil {
		expires = FormatTime(*a.ExpiresAt)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO appends(file_id,seq,id,author,type,ref,content,priority,labels_json,expires_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.FileID, a.Seq, a.ID, a.Author, a.Type, nullable(a.Ref), nullable(a.Content), nullable(a.Priority), labels, expires, FormatTime(a.CreatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) GetAppend(ctx context.Context, tx *sql.Tx, fileID, id string) (domain.Append, error) {
	return scanAppend(r.q(tx).QueryRowContext(ctx, `SELECT `+appendColumns+` FROM appends WHERE file_id=? AND id=?`, fileID, id))
}

// TaskChain returns the appends acting on taskID: those referencing it directly and those
// referencing one of its claims, in commit order.
func (r Repo) TaskChain(ctx context.Context, tx *sql.Tx, fileID, taskID string) ([]domain.Append, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+appendColumns+` FROM appends
WHERE file_id=? AND (ref=? OR ref IN (SELECT id FROM appends WHERE file_id=? AND ref=? AND type='claim'))
ORDER BY seq`, fileID, taskID, fileID, taskID)
	if err != nil {
		return nil, err
	}
	return scanAppends(rows)
}

// ListAppends returns a file's appends in commit order, after the given seq.
func (r Repo) ListAppends(ctx context.Context, fileID string, afterSeq int64, limit int) ([]domain.Append, error) {
	query := `SELECT ` + appendColumns + ` FROM appends WHERE file_id=? AND seq>? ORDER BY seq`
	args := []any{fileID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAppends(rows)
}

// ClaimExpiry is a claim (or renewal) whose expiry has not passed at query time.
type ClaimExpiry struct {
	WorkspaceID string
	FileID      string
	Path        string
	ClaimID     string
	ExpiresAt   time.Time
}

// ListPendingExpiries returns claim and renew appends expiring after since. For renewals
// ClaimID is the renewed claim.
func (r Repo) ListPendingExpiries(ctx context.Context, since time.Time) ([]ClaimExpiry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT f.workspace_id, a.file_id, f.path,
CASE WHEN a.type='claim' THEN a.id ELSE a.ref END, a.expires_at
FROM appends a JOIN files f ON f.id=a.file_id
WHERE a.type IN ('claim','renew') AND a.expires_at > ?
ORDER BY a.expires_at`, FormatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ClaimExpiry
	for rows.Next() {
		var (
			c       ClaimExpiry
			expires string
		)
		if err := rows.Scan(&c.WorkspaceID, &c.FileID, &c.Path, &c.ClaimID, &expires); err != nil {
			return nil, err
		}
		if c.ExpiresAt, err = ParseTime(expires); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
