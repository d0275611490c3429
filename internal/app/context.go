package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mdplane/internal/domain"
	"mdplane/internal/repo"
	"mdplane/internal/scope"
)

// KeyRequest describes a capability key to issue.
type KeyRequest struct {
	WorkspaceID string
	Tier        string
	ScopeType   string
	ScopePath   string
	ExpiresIn   time.Duration
}

// EnsureWorkspace creates the workspace when missing and returns it either way.
func EnsureWorkspace(ctx context.Context, r repo.Repo, id, name string) (domain.Workspace, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Workspace{}, errors.New("workspace id is required")
	}
	ws, err := r.GetWorkspace(ctx, id)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return ws, err
	}
	return r.CreateWorkspace(ctx, domain.Workspace{ID: id, Name: name, CreatedAt: repo.FormatTime(time.Now())})
}

// IssueKey stores a new capability key and returns the raw key, which is never persisted.
func IssueKey(ctx context.Context, r repo.Repo, req KeyRequest) (string, domain.CapabilityKey, error) {
	if !domain.IsTier(req.Tier) {
		return "", domain.CapabilityKey{}, fmt.Errorf("tier must be read, append or write")
	}
	if _, err := r.GetWorkspace(ctx, req.WorkspaceID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", domain.CapabilityKey{}, fmt.Errorf("workspace %s not found", req.WorkspaceID)
		}
		return "", domain.CapabilityKey{}, err
	}
	scopeType, scopePath := req.ScopeType, req.ScopePath
	switch scopeType {
	case "", domain.ScopeWorkspace:
		scopeType, scopePath = domain.ScopeWorkspace, "/"
	case domain.ScopeFolder, domain.ScopeFile:
		p, err := scope.Normalize(scopePath)
		if err != nil {
			return "", domain.CapabilityKey{}, fmt.Errorf("invalid scope path %q", scopePath)
		}
		scopePath = p
	default:
		return "", domain.CapabilityKey{}, fmt.Errorf("scope must be workspace, folder or file")
	}

	raw, err := repo.GenerateKey()
	if err != nil {
		return "", domain.CapabilityKey{}, err
	}
	now := time.Now()
	key := domain.CapabilityKey{
		ID:          uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		KeyHash:     repo.HashKey(raw),
		Tier:        req.Tier,
		ScopeType:   scopeType,
		ScopePath:   scopePath,
		CreatedAt:   repo.FormatTime(now),
	}
	if req.ExpiresIn > 0 {
		exp := repo.FormatTime(now.Add(req.ExpiresIn))
		key.ExpiresAt = &exp
	}
	if err := r.InsertCapabilityKey(ctx, key); err != nil {
		return "", domain.CapabilityKey{}, fmt.Errorf("insert key: %w", err)
	}
	return raw, key, nil
}
