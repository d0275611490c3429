package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"mdplane/internal/domain"
	"mdplane/internal/repo"
	"mdplane/internal/scope"
)

func normalize(p string) (string, error) {
	n, err := scope.Normalize(p)
	if err != nil {
		return "", errorf(CodeInvalidRequest, "invalid path %q", p)
	}
	return n, nil
}

func fileMutation(f domain.File, event, actor, ts string) domain.Mutation {
	t, _ := repo.ParseTime(ts)
	return domain.Mutation{
		WorkspaceID: f.WorkspaceID,
		Path:        f.Path,
		Event:       event,
		Actor:       actor,
		Timestamp:   t,
		Data: map[string]any{
			"id":   f.ID,
			"path": f.Path,
			"size": len(f.Content),
		},
	}
}

func (e *Engine) CreateFile(ctx context.Context, workspaceID, path, content, actor string) (domain.File, error) {
	p, err := normalize(path)
	if err != nil {
		return domain.File{}, err
	}
	now := repo.FormatTime(e.now())
	f := domain.File{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Path:        p,
		Content:     content,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = e.withFileLock(workspaceID, p, func() error {
		return e.commit(ctx, func(tx *sql.Tx) ([]domain.Mutation, error) {
			isFolder, err := e.Repo.FolderExists(ctx, tx, workspaceID, p)
			if err != nil {
				return nil, err
			}
			if isFolder {
				return nil, errorf(CodeFileAlreadyExists, "%s is a folder", p)
			}
			if err := e.Repo.InsertFile(ctx, tx, f); err != nil {
				if errors.Is(err, repo.ErrConflict) {
					return nil, errorf(CodeFileAlreadyExists, "file %s already exists", p)
				}
				return nil, err
			}
			return []domain.Mutation{fileMutation(f, domain.EventFileCreated, actor, now)}, nil
		})
	})
	if err != nil {
		return domain.File{}, err
	}
	return f, nil
}

func (e *Engine) GetFile(ctx context.Context, workspaceID, path string) (domain.File, error) {
	p, err := normalize(path)
	if err != nil {
		return domain.File{}, err
	}
	return e.fileByPath(ctx, nil, workspaceID, p)
}

func (e *Engine) UpdateFile(ctx context.Context, workspaceID, path, content, actor string) (domain.File, error) {
	p, err := normalize(path)
	if err != nil {
		return domain.File{}, err
	}
	var f domain.File
	err = e.withFileLock(workspaceID, p, func() error {
		return e.commit(ctx, func(tx *sql.Tx) ([]domain.Mutation, error) {
			var err error
			if f, err = e.fileByPath(ctx, tx, workspaceID, p); err != nil {
				return nil, err
			}
			f.Content = content
			f.UpdatedAt = repo.FormatTime(e.now())
			if err := e.Repo.UpdateFileContent(ctx, tx, f.ID, content, f.UpdatedAt); err != nil {
				return nil, err
			}
			return []domain.Mutation{fileMutation(f, domain.EventFileUpdated, actor, f.UpdatedAt)}, nil
		})
	})
	return f, err
}

// DeleteFile removes the file together with its append log.
func (e *Engine) DeleteFile(ctx context.Context, workspaceID, path, actor string) error {
	p, err := normalize(path)
	if err != nil {
		return err
	}
	return e.withFileLock(workspaceID, p, func() error {
		return e.commit(ctx, func(tx *sql.Tx) ([]domain.Mutation, error) {
			f, err := e.fileByPath(ctx, tx, workspaceID, p)
			if err != nil {
				return nil, err
			}
			if err := e.Repo.DeleteFile(ctx, tx, f.ID); err != nil {
				return nil, err
			}
			return []domain.Mutation{fileMutation(f, domain.EventFileDeleted, actor, repo.FormatTime(e.now()))}, nil
		})
	})
}

func (e *Engine) CreateFolder(ctx context.Context, workspaceID, path, actor string) (domain.Folder, error) {
	p, err := normalize(path)
	if err != nil {
		return domain.Folder{}, err
	}
	if p == "/" {
		return domain.Folder{}, errorf(CodeFolderAlreadyExists, "folder / already exists")
	}
	folder := domain.Folder{WorkspaceID: workspaceID, Path: p, CreatedAt: repo.FormatTime(e.now())}
	err = e.withFileLock(workspaceID, p, func() error {
		return e.commit(ctx, func(tx *sql.Tx) ([]domain.Mutation, error) {
			if err := e.Repo.InsertFolder(ctx, tx, folder); err != nil {
				if errors.Is(err, repo.ErrConflict) {
					return nil, errorf(CodeFolderAlreadyExists, "folder %s already exists", p)
				}
				return nil, err
			}
			t, _ := repo.ParseTime(folder.CreatedAt)
			return []domain.Mutation{{
				WorkspaceID: workspaceID,
				Path:        p,
				Event:       domain.EventFolderCreated,
				Actor:       actor,
				Timestamp:   t,
				Data:        map[string]any{"path": p},
			}}, nil
		})
	})
	if err != nil {
		return domain.Folder{}, err
	}
	return folder, nil
}
