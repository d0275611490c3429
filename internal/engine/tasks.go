package engine

import (
	"context"
	"errors"
	"time"

	"mdplane/internal/domain"
	"mdplane/internal/repo"
)

// DeriveAll replays a whole file log and returns every task it contains, in log order.
func DeriveAll(log []domain.Append, now time.Time) []domain.TaskView {
	var order []string
	tasks := map[string]domain.Append{}
	chains := map[string][]domain.Append{}
	claimTask := map[string]string{}
	for _, a := range log {
		if a.Type == domain.AppendTask {
			order = append(order, a.ID)
			tasks[a.ID] = a
			continue
		}
		if a.Ref == "" {
			continue
		}
		taskID := a.Ref
		if _, ok := tasks[taskID]; !ok {
			if taskID = claimTask[a.Ref]; taskID == "" {
				continue
			}
		}
		if a.Type == domain.AppendClaim && taskID == a.Ref {
			claimTask[a.ID] = taskID
		}
		chains[taskID] = append(chains[taskID], a)
	}
	views := make([]domain.TaskView, 0, len(order))
	for _, id := range order {
		views = append(views, DeriveTask(tasks[id], chains[id], now))
	}
	return views
}

// TaskListItem is a task view with the file it lives in.
type TaskListItem struct {
	Path string `json:"path"`
	domain.TaskView
}

// ListTasks returns derived tasks from files accepted by include, optionally filtered by status.
func (e *Engine) ListTasks(ctx context.Context, workspaceID string, include func(path string) bool, status string) ([]TaskListItem, error) {
	files, err := e.Repo.ListFiles(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	items := []TaskListItem{}
	for _, f := range files {
		if include != nil && !include(f.Path) {
			continue
		}
		log, err := e.Repo.ListAppends(ctx, f.ID, 0, 0)
		if err != nil {
			return nil, err
		}
		for _, v := range DeriveAll(log, now) {
			if status != "" && v.Status != status {
				continue
			}
			items = append(items, TaskListItem{Path: f.Path, TaskView: v})
		}
	}
	return items, nil
}

// ListAppends returns the file's log after the given append sequence.
func (e *Engine) ListAppends(ctx context.Context, workspaceID, path string, afterSeq int64, limit int) ([]domain.Append, error) {
	p, err := normalize(path)
	if err != nil {
		return nil, err
	}
	f, err := e.fileByPath(ctx, nil, workspaceID, p)
	if err != nil {
		return nil, err
	}
	log, err := e.Repo.ListAppends(ctx, f.ID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = []domain.Append{}
	}
	return log, nil
}

// GetAppend returns an append and, when it is a task or claim, the task's derived state.
func (e *Engine) GetAppend(ctx context.Context, workspaceID, path, id string) (domain.Append, *domain.TaskView, error) {
	p, err := normalize(path)
	if err != nil {
		return domain.Append{}, nil, err
	}
	f, err := e.fileByPath(ctx, nil, workspaceID, p)
	if err != nil {
		return domain.Append{}, nil, err
	}
	a, err := e.Repo.GetAppend(ctx, nil, f.ID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return a, nil, errorf(CodeAppendNotFound, "append %s not found", id)
	}
	if err != nil {
		return a, nil, err
	}
	taskID := ""
	switch a.Type {
	case domain.AppendTask:
		taskID = a.ID
	case domain.AppendClaim:
		taskID = a.Ref
	default:
		return a, nil, nil
	}
	task, err := e.Repo.GetAppend(ctx, nil, f.ID, taskID)
	if err != nil {
		return a, nil, err
	}
	chain, err := e.Repo.TaskChain(ctx, nil, f.ID, taskID)
	if err != nil {
		return a, nil, err
	}
	view := DeriveTask(task, chain, e.now())
	return a, &view, nil
}
