package repo

import (
	"context"
	"database/sql"
	"errors"

	"mdplane/internal/domain"
)

const fileColumns = `id,workspace_id,path,content,append_seq,created_at,updated_at`

func scanFile(row interface{ Scan(...any) error }) (domain.File, error) {
	var f domain.File
	err := row.Scan(&f.ID, &f.WorkspaceID, &f.Path, &f.Content, &f.AppendSeq, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) InsertFile(ctx context.Context, tx *sql.Tx, f domain.File) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO files(id,workspace_id,path,content,append_seq,created_at,updated_at) VALUES (?,?,?,?,0,?,?)`,
		f.ID, f.WorkspaceID, f.Path, f.Content, f.CreatedAt, f.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) GetFileByPath(ctx context.Context, tx *sql.Tx, workspaceID, path string) (domain.File, error) {
	return scanFile(r.q(tx).QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE workspace_id=? AND path=?`, workspaceID, path))
}

func (r Repo) GetFile(ctx context.Context, tx *sql.Tx, id string) (domain.File, error) {
	return scanFile(r.q(tx).QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id=?`, id))
}

func (r Repo) UpdateFileContent(ctx context.Context, tx *sql.Tx, id, content, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE files SET content=?, updated_at=? WHERE id=?`, content, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFile removes the file and, through the foreign key, its append log.
func (r Repo) DeleteFile(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM files WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListFiles(ctx context.Context, workspaceID string) ([]domain.File, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE workspace_id=? ORDER BY path`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) InsertFolder(ctx context.Context, tx *sql.Tx, f domain.Folder) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO folders(workspace_id,path,created_at) VALUES (?,?,?)`, f.WorkspaceID, f.Path, f.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r Repo) FolderExists(ctx context.Context, tx *sql.Tx, workspaceID, path string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM folders WHERE workspace_id=? AND path=?`, workspaceID, path).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
