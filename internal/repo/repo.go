package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"mdplane/internal/domain"
)

// Repo persists workspaces, files, appends, keys, webhooks and events in SQLite.
// Methods taking a *sql.Tx run inside it when non-nil.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// TimeLayout is fixed-width UTC so stored timestamps compare lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r Repo) CreateWorkspace(ctx context.Context, ws domain.Workspace) (domain.Workspace, error) {
	if strings.TrimSpace(ws.ID) == "" {
		return domain.Workspace{}, errors.New("workspace id required")
	}
	if ws.Name == "" {
		ws.Name = ws.ID
	}
	if ws.CreatedAt == "" {
		ws.CreatedAt = FormatTime(time.Now())
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workspaces(id,name,created_at) VALUES (?,?,?)`, ws.ID, ws.Name, ws.CreatedAt)
	if isUniqueViolation(err) {
		return domain.Workspace{}, ErrConflict
	}
	return ws, err
}

func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	var ws domain.Workspace
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM workspaces WHERE id=?`, id).Scan(&ws.ID, &ws.Name, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ws, ErrNotFound
	}
	return ws, err
}

func (r Repo) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM workspaces ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workspace
	for rows.Next() {
		var ws domain.Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ws)
	}
	return res, rows.Err()
}
