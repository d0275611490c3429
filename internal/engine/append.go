package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mdplane/internal/domain"
	"mdplane/internal/repo"
	"mdplane/internal/scope"
)

// AppendSpec is one requested append.
type AppendSpec struct {
	Author           string
	Type             string
	Ref              string
	Content          string
	Priority         string
	Labels           []string
	ExpiresInSeconds int
}

// AppendResult is a committed append with the state it produced.
type AppendResult struct {
	Append           domain.Append
	ExpiresInSeconds int
	Status           string
	TaskStatus       string
}

// Claim states reported on claim, renew and cancel results.
const (
	ClaimActive    = "active"
	ClaimCancelled = "cancelled"
)

// Append commits a single append to the file at path.
func (e *Engine) Append(ctx context.Context, workspaceID, path string, spec AppendSpec) (AppendResult, error) {
	res, err := e.AppendBatch(ctx, workspaceID, path, []AppendSpec{spec})
	if err != nil {
		return AppendResult{}, err
	}
	return res[0], nil
}

// AppendBatch commits specs as one unit with consecutive ids. Later entries may reference
// earlier ones. Any failing entry aborts the batch.
func (e *Engine) AppendBatch(ctx context.Context, workspaceID, path string, specs []AppendSpec) ([]AppendResult, error) {
	if len(specs) == 0 {
		return nil, errorf(CodeInvalidRequest, "at least one append is required")
	}
	p, err := scope.Normalize(path)
	if err != nil {
		return nil, errorf(CodeInvalidRequest, "invalid path %q", path)
	}
	for i := range specs {
		if err := e.validateSpec(&specs[i]); err != nil {
			return nil, batchError(len(specs), i, err)
		}
	}

	var (
		results []AppendResult
		tracked []repo.ClaimExpiry
	)
	err = e.withFileLock(workspaceID, p, func() error {
		results, tracked = nil, nil
		return e.commit(ctx, func(tx *sql.Tx) ([]domain.Mutation, error) {
			f, err := e.fileByPath(ctx, tx, workspaceID, p)
			if err != nil {
				return nil, err
			}
			now := e.now()
			muts := make([]domain.Mutation, 0, len(specs))
			for i, spec := range specs {
				res, mut, err := e.applyAppend(ctx, tx, f, spec, now)
				if err != nil {
					return nil, batchError(len(specs), i, err)
				}
				results = append(results, res)
				muts = append(muts, mut)
				if res.Append.ExpiresAt != nil {
					claimID := res.Append.ID
					if res.Append.Type == domain.AppendRenew {
						claimID = res.Append.Ref
					}
					tracked = append(tracked, repo.ClaimExpiry{
						WorkspaceID: workspaceID, FileID: f.ID, Path: f.Path,
						ClaimID: claimID, ExpiresAt: *res.Append.ExpiresAt,
					})
				}
			}
			return muts, nil
		})
	})
	if err != nil {
		return nil, err
	}
	for _, c := range tracked {
		e.expiries.push(c)
	}
	return results, nil
}

func batchError(n, i int, err error) error {
	var ce *Error
	if n > 1 && errors.As(err, &ce) {
		return &Error{Code: ce.Code, Message: fmt.Sprintf("appends[%d]: %s", i, ce.Message)}
	}
	return err
}

func (e *Engine) validateSpec(spec *AppendSpec) error {
	spec.Type = strings.TrimSpace(spec.Type)
	spec.Author = strings.TrimSpace(spec.Author)
	spec.Ref = strings.TrimSpace(spec.Ref)
	if spec.Type == "" {
		return errorf(CodeInvalidRequest, "type is required")
	}
	if !domain.IsAppendType(spec.Type) {
		return errorf(CodeInvalidRequest, "unknown append type %q", spec.Type)
	}
	if spec.Author == "" {
		return errorf(CodeInvalidRequest, "author is required")
	}
	if domain.RequiresRef(spec.Type) && spec.Ref == "" {
		return errorf(CodeInvalidRequest, "ref is required for %s", spec.Type)
	}
	if (spec.Type == domain.AppendTask || spec.Type == domain.AppendComment) && strings.TrimSpace(spec.Content) == "" {
		return errorf(CodeInvalidRequest, "content is required for %s", spec.Type)
	}
	if spec.ExpiresInSeconds < 0 {
		return errorf(CodeInvalidRequest, "expiresInSeconds must be positive")
	}
	labels := spec.Labels[:0:0]
	for _, l := range spec.Labels {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	spec.Labels = labels
	return nil
}

func (e *Engine) expiresIn(requested int) (int, error) {
	if requested == 0 {
		return e.Claims.DefaultExpiresInSeconds, nil
	}
	if requested > e.Claims.MaxExpiresInSeconds {
		return 0, errorf(CodeInvalidRequest, "expiresInSeconds must not exceed %d", e.Claims.MaxExpiresInSeconds)
	}
	return requested, nil
}

func (e *Engine) loadRef(ctx context.Context, tx *sql.Tx, fileID, ref string) (domain.Append, error) {
	a, err := e.Repo.GetAppend(ctx, tx, fileID, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return a, errorf(CodeAppendNotFound, "append %s not found", ref)
	}
	return a, err
}

// loadTask resolves ref to a task append and replays its chain at now.
func (e *Engine) loadTask(ctx context.Context, tx *sql.Tx, fileID, ref string, now time.Time) (domain.Append, domain.TaskView, error) {
	task, err := e.loadRef(ctx, tx, fileID, ref)
	if err != nil {
		return task, domain.TaskView{}, err
	}
	if task.Type != domain.AppendTask {
		return task, domain.TaskView{}, errorf(CodeInvalidRequest, "append %s is not a task", ref)
	}
	chain, err := e.Repo.TaskChain(ctx, tx, fileID, task.ID)
	if err != nil {
		return task, domain.TaskView{}, err
	}
	return task, DeriveTask(task, chain, now), nil
}

// taskOf resolves ref to the task it acts on, directly or through a claim.
func (e *Engine) taskOf(ctx context.Context, tx *sql.Tx, fileID string, ref domain.Append, now time.Time) (*domain.Append, domain.TaskView, error) {
	switch ref.Type {
	case domain.AppendTask:
		task, view, err := e.loadTask(ctx, tx, fileID, ref.ID, now)
		return &task, view, err
	case domain.AppendClaim:
		task, view, err := e.loadTask(ctx, tx, fileID, ref.Ref, now)
		return &task, view, err
	}
	return nil, domain.TaskView{}, nil
}

func terminal(view domain.TaskView) error {
	switch view.Status {
	case domain.TaskDone:
		return errorf(CodeTaskAlreadyComplete, "task %s is already complete", view.Task.ID)
	case domain.TaskCancelled:
		return errorf(CodeTaskCancelled, "task %s was cancelled", view.Task.ID)
	}
	return nil
}

// applyAppend arbitrates spec against the file's log and inserts it. The caller holds the
// file lock, so the replayed state cannot change before the insert commits.
func (e *Engine) applyAppend(ctx context.Context, tx *sql.Tx, f domain.File, spec AppendSpec, now time.Time) (AppendResult, domain.Mutation, error) {
	a := domain.Append{
		FileID:    f.ID,
		Author:    spec.Author,
		Type:      spec.Type,
		Ref:       spec.Ref,
		Content:   spec.Content,
		Priority:  spec.Priority,
		Labels:    spec.Labels,
		CreatedAt: now,
	}
	var (
		res         AppendResult
		task        *domain.Append
		cancelsTask bool
	)

	switch spec.Type {
	case domain.AppendClaim:
		t, view, err := e.loadTask(ctx, tx, f.ID, spec.Ref, now)
		if err != nil {
			return res, domain.Mutation{}, err
		}
		if err := terminal(view); err != nil {
			return res, domain.Mutation{}, err
		}
		if view.ActiveClaim != nil {
			return res, domain.Mutation{}, errorf(CodeAlreadyClaimed, "task %s is claimed by %s until %s",
				t.ID, view.ActiveClaim.Author, repo.FormatTime(view.ActiveClaim.ExpiresAt))
		}
		secs, err := e.expiresIn(spec.ExpiresInSeconds)
		if err != nil {
			return res, domain.Mutation{}, err
		}
		exp := now.Add(time.Duration(secs) * time.Second)
		a.ExpiresAt = &exp
		res.ExpiresInSeconds = secs
		res.Status = ClaimActive
		task = &t

	case domain.AppendRenew:
		claim, err := e.loadRef(ctx, tx, f.ID, spec.Ref)
		if err != nil {
			return res, domain.Mutation{}, err
		}
		if claim.Type != domain.AppendClaim {
			return res, domain.Mutation{}, errorf(CodeInvalidRequest, "append %s is not a claim", claim.ID)
		}
		if claim.Author != spec.Author {
			return res, domain.Mutation{}, errorf(CodeCannotRenewOthersClaim, "claim %s belongs to %s", claim.ID, claim.Author)
		}
		t, view, err := e.loadTask(ctx, tx, f.ID, claim.Ref, now)
		if err != nil {
			return res, domain.Mutation{}, err
		}
		if err := terminal(view); err != nil {
			return res, domain.Mutation{}, err
		}
		if !claimLive(view, claim.ID) {
			return res, domain.Mutation{}, errorf(CodeClaimExpired, "claim %s is no longer active", claim.ID)
		}
		secs, err := e.expiresIn(spec.ExpiresInSeconds)
		if err != nil {
			return res, domain.Mutation{}, err
		}
		exp := now.Add(time.Duration(secs) * time.Second)
		if !exp.After(view.ActiveClaim.ExpiresAt) {
			return res, domain.Mutation{}, errorf(CodeInvalidRequest, "renewal must extend expiresAt beyond %s",
				repo.FormatTime(view.ActiveClaim.ExpiresAt))
		}
		a.ExpiresAt = &exp
		res.ExpiresInSeconds = secs
		res.Status = ClaimActive
		task = &t

	case domain.AppendCancel:
		target, err := e.loadRef(ctx, tx, f.ID, spec.Ref)
		if err != nil {
			return res, domain.Mutation{}, err
		}
		switch target.Type {
		case domain.AppendTask:
			if target.Author != spec.Author {
				return res, domain.Mutation{}, errorf(CodeCannotCancelOthersTask, "task %s belongs to %s", target.ID, target.Author)
			}
			_, view, err := e.loadTask(ctx, tx, f.ID, target.ID, now)
			if err != nil {
				return res, domain.Mutation{}, err
			}
			if err := terminal(view); err != nil {
				return res, domain.Mutation{}, err
			}
			cancelsTask = true
			task = &target
		case domain.AppendClaim:
			if target.Author != spec.Author {
				return res, domain.Mutation{}, errorf(CodeCannotCancelOthers, "claim %s belongs to %s", target.ID, target.Author)
			}
			t, view, err := e.loadTask(ctx, tx, f.ID, target.Ref, now)
			if err != nil {
				return res, domain.Mutation{}, err
			}
			if err := terminal(view); err != nil {
				return res, domain.Mutation{}, err
			}
			if !claimLive(view, target.ID) {
				return res, domain.Mutation{}, errorf(CodeClaimExpired, "claim %s is no longer active", target.ID)
			}
			res.Status = ClaimCancelled
			task = &t
		default:
			return res, domain.Mutation{}, errorf(CodeInvalidRequest, "cancel must reference a task or claim")
		}

	case domain.AppendResponse:
		target, err := e.loadRef(ctx, tx, f.ID, spec.Ref)
		if err != nil {
			return res, domain.Mutation{}, err
		}
		t, view, err := e.taskOf(ctx, tx, f.ID, target, now)
		if err != nil {
			return res, domain.Mutation{}, err
		}
		if t == nil {
			return res, domain.Mutation{}, errorf(CodeInvalidRequest, "response must reference a task or claim")
		}
		if err := terminal(view); err != nil {
			return res, domain.Mutation{}, err
		}
		task = t

	case domain.AppendBlocked, domain.AppendAnswer, domain.AppendVote:
		target, err := e.loadRef(ctx, tx, f.ID, spec.Ref)
		if err != nil {
			return res, domain.Mutation{}, err
		}
		if task, _, err = e.taskOf(ctx, tx, f.ID, target, now); err != nil {
			return res, domain.Mutation{}, err
		}

	case domain.AppendComment:
		if spec.Ref != "" {
			if _, err := e.loadRef(ctx, tx, f.ID, spec.Ref); err != nil {
				return res, domain.Mutation{}, err
			}
		}
	}

	seq, err := e.Repo.NextAppendSeq(ctx, tx, f.ID)
	if err != nil {
		return res, domain.Mutation{}, fmt.Errorf("allocate append id: %w", err)
	}
	a.Seq = seq
	a.ID = fmt.Sprintf("a%d", seq)
	if err := e.Repo.InsertAppend(ctx, tx, a); err != nil {
		return res, domain.Mutation{}, fmt.Errorf("insert append: %w", err)
	}
	res.Append = a

	switch {
	case a.Type == domain.AppendTask:
		res.TaskStatus = domain.TaskOpen
	case task != nil:
		chain, err := e.Repo.TaskChain(ctx, tx, f.ID, task.ID)
		if err != nil {
			return res, domain.Mutation{}, err
		}
		res.TaskStatus = DeriveTask(*task, chain, now).Status
	}
	return res, appendMutation(f, res, task, cancelsTask), nil
}

func appendMutation(f domain.File, res AppendResult, task *domain.Append, cancelsTask bool) domain.Mutation {
	a := res.Append
	data := AppendData(res)
	labels := a.Labels
	if len(labels) == 0 && task != nil {
		labels = task.Labels
	}
	if task != nil && task.ID != a.ID {
		data["taskId"] = task.ID
	}
	return domain.Mutation{
		WorkspaceID: f.WorkspaceID,
		Path:        f.Path,
		Event:       domain.AppendEvent(a.Type, cancelsTask),
		Actor:       a.Author,
		AppendType:  a.Type,
		Labels:      labels,
		Timestamp:   a.CreatedAt,
		Data:        data,
	}
}

// AppendData renders a result as the append payload shared by responses and events.
func AppendData(res AppendResult) map[string]any {
	a := res.Append
	data := map[string]any{
		"id":     a.ID,
		"type":   a.Type,
		"author": a.Author,
		"ts":     repo.FormatTime(a.CreatedAt),
	}
	if a.Ref != "" {
		data["ref"] = a.Ref
	}
	if a.Content != "" {
		data["content"] = a.Content
	}
	if a.Priority != "" {
		data["priority"] = a.Priority
	}
	if len(a.Labels) > 0 {
		data["labels"] = a.Labels
	}
	if a.ExpiresAt != nil {
		data["expiresAt"] = repo.FormatTime(*a.ExpiresAt)
		data["expiresInSeconds"] = res.ExpiresInSeconds
	}
	if res.Status != "" {
		data["status"] = res.Status
	}
	if res.TaskStatus != "" {
		data["taskStatus"] = res.TaskStatus
	}
	return data
}
