package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"mdplane/internal/domain"
	"mdplane/internal/engine"
	"mdplane/internal/engine/auth"
	"mdplane/internal/scope"
)

// webhookScope derives the scope of a new webhook: the key's own scope unless a narrower
// path is requested.
func webhookScope(c domain.Capability, req CreateWebhookRequest) (string, string, error) {
	if req.Path == "" {
		if req.ScopeType != "" && req.ScopeType != c.ScopeType {
			return "", "", engine.NewError(engine.CodeInvalidRequest, "path is required for scope type "+req.ScopeType)
		}
		return c.ScopeType, c.ScopePath, nil
	}
	if req.ScopeType == domain.ScopeWorkspace {
		return "", "", engine.NewError(engine.CodeInvalidRequest, "workspace scope takes no path")
	}
	p, err := auth.CheckPath(c, req.Path)
	if err != nil {
		return "", "", err
	}
	scopeType := req.ScopeType
	if scopeType == "" {
		scopeType = domain.ScopeFolder
	}
	if !scope.Within(c.ScopeType, c.ScopePath, scopeType, p) {
		return "", "", engine.NewError(engine.CodeFileNotFound, "file not found")
	}
	return scopeType, p, nil
}

// visibleWebhook loads a webhook and hides it when it lies outside the key's scope.
func (s *service) visibleWebhook(ctx context.Context, c domain.Capability, id string) (domain.Webhook, error) {
	w, err := s.engine.GetWebhook(ctx, c.WorkspaceID, id)
	if err != nil {
		return w, err
	}
	if !scope.Within(c.ScopeType, c.ScopePath, w.ScopeType, w.ScopePath) {
		return w, engine.NewError(engine.CodeWebhookNotFound, "webhook "+id+" not found")
	}
	return w, nil
}

func registerWebhooks(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-webhook",
		Method:        http.MethodPost,
		Path:          "/k/{key}/webhooks",
		Summary:       "Register webhook",
		Description:   "The signing secret is returned only in this response.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Body CreateWebhookRequest
	}) (*okOutput[WebhookData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		scopeType, scopePath, err := webhookScope(c, input.Body)
		if err != nil {
			return nil, s.handleError(err)
		}
		spec := engine.WebhookSpec{
			ScopeType: scopeType,
			ScopePath: scopePath,
			Recursive: true,
			URL:       input.Body.URL,
			Events:    input.Body.Events,
			Secret:    input.Body.Secret,
		}
		if input.Body.Recursive != nil {
			spec.Recursive = *input.Body.Recursive
		}
		if input.Body.Filters != nil {
			spec.Filters = *input.Body.Filters
		}
		w, err := s.engine.CreateWebhook(ctx, c.WorkspaceID, spec, actor(c))
		if err != nil {
			return nil, s.handleError(err)
		}
		out := webhookData(w)
		out.Secret = w.Secret
		return ok(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-webhooks",
		Method:      http.MethodGet,
		Path:        "/k/{key}/webhooks",
		Summary:     "List webhooks inside the key's scope",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*okOutput[WebhookListData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		items, err := s.engine.ListWebhooks(ctx, c.WorkspaceID, c.ScopeType, c.ScopePath)
		if err != nil {
			return nil, s.handleError(err)
		}
		out := WebhookListData{Webhooks: make([]WebhookData, 0, len(items))}
		for _, w := range items {
			out.Webhooks = append(out.Webhooks, webhookData(w))
		}
		return ok(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-webhook",
		Method:      http.MethodPatch,
		Path:        "/k/{key}/webhooks/{id}",
		Summary:     "Update or enable/disable webhook",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		ID   string `path:"id"`
		Body UpdateWebhookRequest
	}) (*okOutput[WebhookData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		if _, err := s.visibleWebhook(ctx, c, input.ID); err != nil {
			return nil, s.handleError(err)
		}
		w, err := s.engine.UpdateWebhook(ctx, c.WorkspaceID, input.ID, engine.WebhookPatch{
			URL:       input.Body.URL,
			Events:    input.Body.Events,
			Filters:   input.Body.Filters,
			Recursive: input.Body.Recursive,
			Enabled:   input.Body.Enabled,
		}, actor(c))
		if err != nil {
			return nil, s.handleError(err)
		}
		return ok(webhookData(w)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-webhook",
		Method:      http.MethodDelete,
		Path:        "/k/{key}/webhooks/{id}",
		Summary:     "Delete webhook",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
		ID  string `path:"id"`
	}) (*okOutput[DeletedData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		if _, err := s.visibleWebhook(ctx, c, input.ID); err != nil {
			return nil, s.handleError(err)
		}
		if err := s.engine.DeleteWebhook(ctx, c.WorkspaceID, input.ID, actor(c)); err != nil {
			return nil, s.handleError(err)
		}
		return ok(DeletedData{ID: input.ID, Deleted: true}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-webhook-deliveries",
		Method:      http.MethodGet,
		Path:        "/k/{key}/webhooks/{id}/deliveries",
		Summary:     "Delivery log, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key    string `path:"key"`
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*okOutput[DeliveryListData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		if _, err := s.visibleWebhook(ctx, c, input.ID); err != nil {
			return nil, s.handleError(err)
		}
		var cursor int64
		if input.Cursor != "" {
			cursor, err = strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || cursor < 0 {
				return nil, s.handleError(engine.NewError(engine.CodeInvalidRequest, "invalid cursor"))
			}
		}
		items, next, err := s.engine.Repo.ListDeliveries(ctx, input.ID, normalizeLimit(input.Limit), cursor)
		if err != nil {
			return nil, s.handleError(err)
		}
		out := DeliveryListData{Deliveries: make([]DeliveryData, 0, len(items))}
		for _, d := range items {
			out.Deliveries = append(out.Deliveries, DeliveryData{
				ID:           d.ID,
				EventID:      d.EventID,
				Event:        d.Event,
				Attempt:      d.Attempt,
				ResponseCode: d.ResponseCode,
				Status:       d.Status,
				DurationMs:   d.DurationMs,
				Error:        d.Error,
				Timestamp:    d.Timestamp,
			})
		}
		if next > 0 {
			out.NextCursor = strconv.FormatInt(next, 10)
		}
		return ok(out), nil
	})
}
