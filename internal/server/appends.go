package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"mdplane/internal/domain"
	"mdplane/internal/engine"
	"mdplane/internal/engine/auth"
	"mdplane/internal/scope"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func normalizeLimit(in int) int {
	switch {
	case in <= 0:
		return defaultListLimit
	case in > maxListLimit:
		return maxListLimit
	}
	return in
}

// appendSeq parses an append id ("a12") into its sequence number.
func appendSeq(id string) (int64, error) {
	if !strings.HasPrefix(id, "a") {
		return 0, engine.NewError(engine.CodeInvalidRequest, "invalid append cursor")
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(id, "a"), 10, 64)
	if err != nil || seq < 0 {
		return 0, engine.NewError(engine.CodeInvalidRequest, "invalid append cursor")
	}
	return seq, nil
}

func registerAppends(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-append",
		Method:        http.MethodPost,
		Path:          "/k/{key}/appends",
		Summary:       "Append to a file log",
		Description:   "Task, claim, renew, cancel, response, blocked, answer, vote and comment entries. Concurrent claims on one task resolve to a single winner; the rest get 409 ALREADY_CLAIMED.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Path string `query:"path"`
		Body AppendRequest
	}) (*okOutput[AppendData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierAppend)
		if err != nil {
			return nil, s.handleError(err)
		}
		p, err := filePath(c, input.Path)
		if err != nil {
			return nil, s.handleError(err)
		}
		res, err := s.engine.Append(ctx, c.WorkspaceID, p, input.Body.spec())
		if err != nil {
			return nil, s.handleError(err)
		}
		return ok(AppendData(engine.AppendData(res))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-appends-batch",
		Method:        http.MethodPost,
		Path:          "/k/{key}/appends/batch",
		Summary:       "Append several entries atomically",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Path string `query:"path"`
		Body BatchAppendRequest
	}) (*okOutput[BatchData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierAppend)
		if err != nil {
			return nil, s.handleError(err)
		}
		p, err := filePath(c, input.Path)
		if err != nil {
			return nil, s.handleError(err)
		}
		specs := make([]engine.AppendSpec, 0, len(input.Body.Appends))
		for _, a := range input.Body.Appends {
			specs = append(specs, a.spec())
		}
		results, err := s.engine.AppendBatch(ctx, c.WorkspaceID, p, specs)
		if err != nil {
			return nil, s.handleError(err)
		}
		out := BatchData{Appends: make([]AppendData, 0, len(results))}
		for _, res := range results {
			out.Appends = append(out.Appends, AppendData(engine.AppendData(res)))
		}
		return ok(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-appends",
		Method:      http.MethodGet,
		Path:        "/k/{key}/appends",
		Summary:     "List a file's appends in order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key   string `path:"key"`
		Path  string `query:"path"`
		After string `query:"after" doc:"return appends after this append id"`
		Limit int    `query:"limit" default:"100"`
	}) (*okOutput[AppendListData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierRead)
		if err != nil {
			return nil, s.handleError(err)
		}
		p, err := filePath(c, input.Path)
		if err != nil {
			return nil, s.handleError(err)
		}
		var after int64
		if input.After != "" {
			if after, err = appendSeq(input.After); err != nil {
				return nil, s.handleError(err)
			}
		}
		limit := normalizeLimit(input.Limit)
		items, err := s.engine.ListAppends(ctx, c.WorkspaceID, p, after, limit)
		if err != nil {
			return nil, s.handleError(err)
		}
		out := AppendListData{Appends: items}
		if len(items) == limit {
			out.NextCursor = items[len(items)-1].ID
		}
		return ok(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-append",
		Method:      http.MethodGet,
		Path:        "/k/{key}/appends/{id}",
		Summary:     "Get an append and its task state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		ID   string `path:"id"`
		Path string `query:"path"`
	}) (*okOutput[AppendDetailData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierRead)
		if err != nil {
			return nil, s.handleError(err)
		}
		p, err := filePath(c, input.Path)
		if err != nil {
			return nil, s.handleError(err)
		}
		a, view, err := s.engine.GetAppend(ctx, c.WorkspaceID, p, input.ID)
		if err != nil {
			return nil, s.handleError(err)
		}
		out := AppendDetailData{Append: a, Task: view}
		if view != nil {
			out.TaskStatus = view.Status
		}
		return ok(out), nil
	})
}

func registerTasks(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/k/{key}/tasks",
		Summary:     "List derived task state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key    string `path:"key"`
		Path   string `query:"path" doc:"file or folder to narrow the listing to"`
		Status string `query:"status" doc:"open, claimed, done or cancelled"`
	}) (*okOutput[TaskListData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierRead)
		if err != nil {
			return nil, s.handleError(err)
		}
		switch input.Status {
		case "", domain.TaskOpen, domain.TaskClaimed, domain.TaskDone, domain.TaskCancelled:
		default:
			return nil, s.handleError(engine.NewError(engine.CodeInvalidRequest, "status must be open, claimed, done or cancelled"))
		}
		prefix := ""
		if input.Path != "" {
			if prefix, err = auth.CheckPath(c, input.Path); err != nil {
				return nil, s.handleError(err)
			}
		}
		include := func(p string) bool {
			if !scope.Contains(c.ScopeType, c.ScopePath, p) {
				return false
			}
			return prefix == "" || p == prefix || scope.IsDescendant(prefix, p)
		}
		items, err := s.engine.ListTasks(ctx, c.WorkspaceID, include, input.Status)
		if err != nil {
			return nil, s.handleError(err)
		}
		return ok(TaskListData{Tasks: items}), nil
	})
}
