package engine

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mdplane/internal/domain"
	"mdplane/internal/repo"
)

type expiryHeap []repo.ClaimExpiry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].ExpiresAt.Before(h[j].ExpiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(repo.ClaimExpiry)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// expiryIndex orders upcoming claim expirations. An entry is kept once per claim and
// expiry instant.
type expiryIndex struct {
	mu   sync.Mutex
	h    expiryHeap
	seen map[string]struct{}
}

func newExpiryIndex() *expiryIndex {
	return &expiryIndex{seen: map[string]struct{}{}}
}

func expiryKey(c repo.ClaimExpiry) string {
	return c.FileID + "\x00" + c.ClaimID + "\x00" + repo.FormatTime(c.ExpiresAt)
}

func (x *expiryIndex) push(c repo.ClaimExpiry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	k := expiryKey(c)
	if _, ok := x.seen[k]; ok {
		return
	}
	x.seen[k] = struct{}{}
	heap.Push(&x.h, c)
}

// popDue removes and returns entries expiring at or before now.
func (x *expiryIndex) popDue(now time.Time) []repo.ClaimExpiry {
	x.mu.Lock()
	defer x.mu.Unlock()
	var due []repo.ClaimExpiry
	for x.h.Len() > 0 && !x.h[0].ExpiresAt.After(now) {
		c := heap.Pop(&x.h).(repo.ClaimExpiry)
		delete(x.seen, expiryKey(c))
		due = append(due, c)
	}
	return due
}

func (x *expiryIndex) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.h.Len()
}

// Reaper announces claims whose expiry passed without a cancel or response. Liveness is
// always re-checked by arbitration, so a late sweep only delays the claim.expired event.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

func NewReaper(e *Engine, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = e.Logger
	}
	return &Reaper{engine: e, interval: interval, logger: logger.With("component", "reaper")}
}

// Load indexes every claim that has not expired yet.
func (r *Reaper) Load(ctx context.Context) (int, error) {
	pending, err := r.engine.Repo.ListPendingExpiries(ctx, r.engine.now())
	if err != nil {
		return 0, err
	}
	for _, c := range pending {
		r.engine.expiries.push(c)
	}
	return len(pending), nil
}

// Pending returns the number of indexed expirations.
func (r *Reaper) Pending() int { return r.engine.expiries.len() }

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	loaded := false
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if !loaded {
			n, err := r.Load(ctx)
			if err != nil {
				r.logger.Warn("load pending claims", "err", err)
			} else {
				loaded = true
				r.logger.Debug("indexed pending claims", "count", n)
			}
		}
		if loaded {
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("sweep failed, retrying next interval", "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep handles every due expiration and reports how many claims expired. Entries that
// fail are put back for the next sweep.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	due := r.engine.expiries.popDue(r.engine.now())
	var (
		expired  int
		firstErr error
	)
	for i, c := range due {
		ok, err := r.engine.expireClaim(ctx, c)
		if err != nil {
			for _, rest := range due[i:] {
				r.engine.expiries.push(rest)
			}
			firstErr = err
			break
		}
		if ok {
			expired++
			r.logger.Info("claim expired", "workspace", c.WorkspaceID, "path", c.Path, "claim", c.ClaimID)
		}
	}
	return expired, firstErr
}

// expireClaim emits claim.expired when c still describes the claim's final expiry. The chain
// is cut at the expiry instant so appends committed afterwards cannot hide it.
func (e *Engine) expireClaim(ctx context.Context, c repo.ClaimExpiry) (bool, error) {
	expired := false
	err := e.withFileLock(c.WorkspaceID, c.Path, func() error {
		return e.commit(ctx, func(tx *sql.Tx) ([]domain.Mutation, error) {
			claim, err := e.Repo.GetAppend(ctx, tx, c.FileID, c.ClaimID)
			if errors.Is(err, repo.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			task, err := e.Repo.GetAppend(ctx, tx, c.FileID, claim.Ref)
			if errors.Is(err, repo.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			chain, err := e.Repo.TaskChain(ctx, tx, c.FileID, task.ID)
			if err != nil {
				return nil, err
			}
			var before []domain.Append
			for _, a := range chain {
				if a.CreatedAt.Before(c.ExpiresAt) {
					before = append(before, a)
				}
			}
			view := DeriveTask(task, before, c.ExpiresAt.Add(-time.Microsecond))
			if !claimLive(view, claim.ID) || !view.ActiveClaim.ExpiresAt.Equal(c.ExpiresAt) {
				return nil, nil
			}
			expired = true
			current := DeriveTask(task, chain, e.now())
			return []domain.Mutation{{
				WorkspaceID: c.WorkspaceID,
				Path:        c.Path,
				Event:       domain.EventClaimExpired,
				Actor:       claim.Author,
				Labels:      task.Labels,
				Timestamp:   c.ExpiresAt,
				Data: map[string]any{
					"claimId":    claim.ID,
					"taskId":     task.ID,
					"author":     claim.Author,
					"expiresAt":  repo.FormatTime(c.ExpiresAt),
					"taskStatus": current.Status,
				},
			}}, nil
		})
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}
