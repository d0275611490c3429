package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mdplane/internal/config"
	"mdplane/internal/domain"
	"mdplane/internal/events"
	"mdplane/internal/repo"
)

// Publisher receives every committed mutation, in commit order per file.
type Publisher interface {
	Publish(ctx context.Context, m domain.Mutation)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Publisher Publisher
	Claims    config.ClaimsConfig
	Now       func() time.Time
	Logger    *slog.Logger

	locks    *keyedMutex
	expiries *expiryIndex
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: db}
	claims := config.ClaimsConfig{DefaultExpiresInSeconds: 300, MaxExpiresInSeconds: 86400, ReaperIntervalMs: 5000}
	if cfg != nil {
		claims = cfg.Claims
	}
	return &Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{Repo: r},
		Claims:   claims,
		Now:      time.Now,
		Logger:   logger,
		locks:    newKeyedMutex(),
		expiries: newExpiryIndex(),
	}
}

// now is truncated to the precision timestamps are stored with.
func (e *Engine) now() time.Time {
	t := time.Now()
	if e.Now != nil {
		t = e.Now()
	}
	return t.UTC().Truncate(time.Microsecond)
}

// publish fans out committed mutations. The caller's cancellation is dropped: once the
// transaction commits, subscribers are notified even if the request has gone away.
func (e *Engine) publish(ctx context.Context, muts []domain.Mutation) {
	if e.Publisher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, m := range muts {
		e.Publisher.Publish(ctx, m)
	}
}

// withFileLock serializes work on one file of a workspace.
func (e *Engine) withFileLock(workspaceID, path string, fn func() error) error {
	unlock := e.locks.Lock(workspaceID + "\x00" + path)
	defer unlock()
	return fn()
}

// commit runs fn in a transaction, records its mutations in the event feed and publishes
// them after the commit succeeds.
func (e *Engine) commit(ctx context.Context, fn func(tx *sql.Tx) ([]domain.Mutation, error)) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	muts, err := fn(tx)
	if err != nil {
		return err
	}
	for _, m := range muts {
		if err := e.Events.Append(ctx, tx, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(ctx, muts)
	return nil
}

func (e *Engine) fileByPath(ctx context.Context, tx *sql.Tx, workspaceID, path string) (domain.File, error) {
	f, err := e.Repo.GetFileByPath(ctx, tx, workspaceID, path)
	if errors.Is(err, repo.ErrNotFound) {
		return f, errorf(CodeFileNotFound, "file %s not found", path)
	}
	if err != nil {
		return f, fmt.Errorf("load file %s: %w", path, err)
	}
	return f, nil
}
