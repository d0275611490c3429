package engine

import (
	"time"

	"mdplane/internal/domain"
)

// DeriveTask replays the chain of appends acting on task and returns its state at now.
// The chain must be in commit order; appends that the arbitration rules would have refused
// are ignored, so a log replays the same way at read time and inside arbitration.
func DeriveTask(task domain.Append, chain []domain.Append, now time.Time) domain.TaskView {
	view := domain.TaskView{Task: task, Status: domain.TaskOpen, Chain: chain}
	if view.Chain == nil {
		view.Chain = []domain.Append{}
	}
	claimAuthors := map[string]string{}
	var active *domain.ClaimState

	for _, a := range chain {
		if view.Status == domain.TaskDone || view.Status == domain.TaskCancelled {
			break
		}
		switch a.Type {
		case domain.AppendClaim:
			if a.Ref != task.ID || a.ExpiresAt == nil {
				continue
			}
			claimAuthors[a.ID] = a.Author
			if active != nil && a.CreatedAt.Before(active.ExpiresAt) {
				continue
			}
			active = &domain.ClaimState{ID: a.ID, Author: a.Author, ExpiresAt: *a.ExpiresAt}
		case domain.AppendRenew:
			if active == nil || a.Ref != active.ID || a.Author != active.Author || a.ExpiresAt == nil {
				continue
			}
			if !a.CreatedAt.Before(active.ExpiresAt) || !a.ExpiresAt.After(active.ExpiresAt) {
				continue
			}
			active.ExpiresAt = *a.ExpiresAt
		case domain.AppendCancel:
			if a.Ref == task.ID {
				if a.Author == task.Author {
					view.Status = domain.TaskCancelled
					active = nil
				}
				continue
			}
			if active != nil && a.Ref == active.ID && a.Author == active.Author {
				active = nil
			}
		case domain.AppendResponse:
			if a.Ref == task.ID || claimAuthors[a.Ref] != "" {
				view.Status = domain.TaskDone
				view.CompletedBy = a.Author
				active = nil
			}
		}
	}

	if active != nil && now.Before(active.ExpiresAt) {
		view.ActiveClaim = active
		view.Status = domain.TaskClaimed
	}
	return view
}

// claimLive reports whether claimID is the live claim in view.
func claimLive(view domain.TaskView, claimID string) bool {
	return view.ActiveClaim != nil && view.ActiveClaim.ID == claimID
}
