package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"mdplane/internal/domain"
	"mdplane/internal/repo"
	"mdplane/internal/scope"
)

// WebhookSpec describes a webhook to register.
type WebhookSpec struct {
	ScopeType string
	ScopePath string
	Recursive bool
	URL       string
	Events    []string
	Filters   domain.WebhookFilters
	Secret    string
}

// WebhookPatch holds the mutable webhook fields; nil leaves a field unchanged.
type WebhookPatch struct {
	URL       *string
	Events    *[]string
	Filters   *domain.WebhookFilters
	Recursive *bool
	Enabled   *bool
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errorf(CodeInvalidRequest, "url must be an absolute http(s) URL")
	}
	return nil
}

func validateEvents(events []string) error {
	for _, evt := range events {
		if !domain.IsEvent(evt) {
			return errorf(CodeInvalidRequest, "unknown event %q", evt)
		}
	}
	return nil
}

func validateFilters(f domain.WebhookFilters) error {
	for _, t := range f.Types {
		if !domain.IsAppendType(t) {
			return errorf(CodeInvalidRequest, "unknown append type %q in filters", t)
		}
	}
	return nil
}

func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

func webhookMutation(w domain.Webhook, event, actor string) domain.Mutation {
	t, _ := repo.ParseTime(w.UpdatedAt)
	return domain.Mutation{
		WorkspaceID: w.WorkspaceID,
		Path:        w.ScopePath,
		Event:       event,
		Actor:       actor,
		Timestamp:   t,
		Data: map[string]any{
			"id":        w.ID,
			"url":       w.URL,
			"scopeType": w.ScopeType,
			"scopePath": w.ScopePath,
			"recursive": w.Recursive,
			"events":    w.Events,
			"enabled":   w.DisabledAt == nil,
		},
	}
}

// record writes a registry mutation to the event feed and publishes it.
func (e *Engine) record(ctx context.Context, m domain.Mutation) error {
	if err := e.Events.Append(ctx, nil, m); err != nil {
		return err
	}
	e.publish(ctx, []domain.Mutation{m})
	return nil
}

// CreateWebhook registers a webhook. A secret is generated when none is given; it is only
// ever returned here.
func (e *Engine) CreateWebhook(ctx context.Context, workspaceID string, spec WebhookSpec, actor string) (domain.Webhook, error) {
	if err := validateURL(spec.URL); err != nil {
		return domain.Webhook{}, err
	}
	if err := validateEvents(spec.Events); err != nil {
		return domain.Webhook{}, err
	}
	if err := validateFilters(spec.Filters); err != nil {
		return domain.Webhook{}, err
	}
	w := domain.Webhook{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		ScopeType:   spec.ScopeType,
		Recursive:   spec.Recursive,
		URL:         strings.TrimSpace(spec.URL),
		Events:      spec.Events,
		Filters:     spec.Filters,
		Secret:      spec.Secret,
	}
	switch spec.ScopeType {
	case domain.ScopeWorkspace:
		w.ScopePath = "/"
	case domain.ScopeFolder, domain.ScopeFile:
		p, err := normalize(spec.ScopePath)
		if err != nil {
			return domain.Webhook{}, err
		}
		w.ScopePath = p
	default:
		return domain.Webhook{}, errorf(CodeInvalidRequest, "scope type must be workspace, folder or file")
	}
	if w.Events == nil {
		w.Events = []string{}
	}
	if w.Secret == "" {
		s, err := newSecret()
		if err != nil {
			return domain.Webhook{}, err
		}
		w.Secret = s
	}
	w.CreatedAt = repo.FormatTime(e.now())
	w.UpdatedAt = w.CreatedAt
	if err := e.Repo.InsertWebhook(ctx, w); err != nil {
		return domain.Webhook{}, err
	}
	if err := e.record(ctx, webhookMutation(w, domain.EventWebhookCreated, actor)); err != nil {
		return w, err
	}
	return w, nil
}

// GetWebhook loads a webhook of the workspace.
func (e *Engine) GetWebhook(ctx context.Context, workspaceID, id string) (domain.Webhook, error) {
	w, err := e.Repo.GetWebhook(ctx, workspaceID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return w, errorf(CodeWebhookNotFound, "webhook %s not found", id)
	}
	return w, err
}

// ListWebhooks returns the workspace webhooks whose scope lies inside the given scope.
func (e *Engine) ListWebhooks(ctx context.Context, workspaceID, scopeType, scopePath string) ([]domain.Webhook, error) {
	all, err := e.Repo.ListWebhooks(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out := []domain.Webhook{}
	for _, w := range all {
		if scope.Within(scopeType, scopePath, w.ScopeType, w.ScopePath) {
			out = append(out, w)
		}
	}
	return out, nil
}

// UpdateWebhook applies patch. Enabling a webhook clears its failure count. Only patched
// columns are written; the returned webhook is re-read after the update.
func (e *Engine) UpdateWebhook(ctx context.Context, workspaceID, id string, patch WebhookPatch, actor string) (domain.Webhook, error) {
	if _, err := e.GetWebhook(ctx, workspaceID, id); err != nil {
		return domain.Webhook{}, err
	}
	changes := repo.WebhookChanges{Recursive: patch.Recursive, Enabled: patch.Enabled}
	if patch.URL != nil {
		if err := validateURL(*patch.URL); err != nil {
			return domain.Webhook{}, err
		}
		u := strings.TrimSpace(*patch.URL)
		changes.URL = &u
	}
	if patch.Events != nil {
		if err := validateEvents(*patch.Events); err != nil {
			return domain.Webhook{}, err
		}
		evts := append([]string{}, *patch.Events...)
		changes.Events = &evts
	}
	if patch.Filters != nil {
		if err := validateFilters(*patch.Filters); err != nil {
			return domain.Webhook{}, err
		}
		changes.Filters = patch.Filters
	}
	if err := e.Repo.UpdateWebhook(ctx, workspaceID, id, changes, repo.FormatTime(e.now())); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Webhook{}, errorf(CodeWebhookNotFound, "webhook %s not found", id)
		}
		return domain.Webhook{}, err
	}
	w, err := e.GetWebhook(ctx, workspaceID, id)
	if err != nil {
		return w, err
	}
	if err := e.record(ctx, webhookMutation(w, domain.EventWebhookUpdated, actor)); err != nil {
		return w, err
	}
	return w, nil
}

func (e *Engine) DeleteWebhook(ctx context.Context, workspaceID, id, actor string) error {
	w, err := e.GetWebhook(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteWebhook(ctx, workspaceID, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return errorf(CodeWebhookNotFound, "webhook %s not found", id)
		}
		return err
	}
	w.UpdatedAt = repo.FormatTime(e.now())
	return e.record(ctx, webhookMutation(w, domain.EventWebhookDeleted, actor))
}
