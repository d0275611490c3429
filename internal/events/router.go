package events

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"mdplane/internal/domain"
	"mdplane/internal/repo"
	"mdplane/internal/scope"
)

// Enqueuer accepts webhook deliveries without blocking the caller.
type Enqueuer interface {
	Enqueue(w domain.Webhook, env domain.Envelope)
}

// Broadcaster pushes an event to every live connection accepted by match. It stamps the
// per-connection eventId and sequence.
type Broadcaster interface {
	Broadcast(match func(domain.Subscription) bool, env domain.Envelope) int
}

// WebhookFinder is the webhook registry the router reads.
type WebhookFinder interface {
	FindMatchingWebhooks(ctx context.Context, workspaceID, path, eventType string) ([]domain.Webhook, error)
	NextWebhookSequence(ctx context.Context, id string) (int64, error)
}

// Router computes the fan-out set of a committed mutation and hands one envelope per
// subscriber to the webhook dispatcher and the WebSocket hub.
type Router struct {
	Webhooks WebhookFinder
	Enqueuer Enqueuer
	Hub      Broadcaster
	Logger   *slog.Logger
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Publish implements engine.Publisher. Webhook lookup failures are logged and never
// prevent WebSocket delivery.
func (r *Router) Publish(ctx context.Context, m domain.Mutation) {
	base := domain.Envelope{
		Event:     m.Event,
		Timestamp: repo.FormatTime(m.Timestamp),
		File:      domain.EnvelopeFile{Path: m.Path},
		Data:      m.Data,
	}
	if base.Data == nil {
		base.Data = map[string]any{}
	}

	if r.Webhooks != nil && r.Enqueuer != nil {
		hooks, err := r.Webhooks.FindMatchingWebhooks(ctx, m.WorkspaceID, m.Path, m.Event)
		if err != nil {
			r.logger().Error("find webhooks", "workspace", m.WorkspaceID, "event", m.Event, "err", err)
		}
		for _, w := range hooks {
			if !FiltersMatch(w.Filters, m) {
				continue
			}
			seq, err := r.Webhooks.NextWebhookSequence(ctx, w.ID)
			if err != nil {
				r.logger().Error("webhook sequence", "webhook_id", w.ID, "err", err)
				continue
			}
			env := base
			env.EventID = uuid.NewString()
			env.Sequence = seq
			r.Enqueuer.Enqueue(w, env)
		}
	}

	if r.Hub != nil {
		r.Hub.Broadcast(func(s domain.Subscription) bool { return SubscriptionMatches(s, m) }, base)
	}
}

// FiltersMatch applies a webhook's optional filters. Filters only constrain append-shaped
// mutations; every provided dimension must match and labels match on any overlap.
func FiltersMatch(f domain.WebhookFilters, m domain.Mutation) bool {
	if !m.IsAppendShaped() {
		return true
	}
	if len(f.Types) > 0 && !contains(f.Types, m.AppendType) {
		return false
	}
	if len(f.Labels) > 0 {
		hit := false
		for _, l := range m.Labels {
			if contains(f.Labels, l) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// SubscriptionMatches reports whether a live subscription should see m.
func SubscriptionMatches(s domain.Subscription, m domain.Mutation) bool {
	if s.WorkspaceID != m.WorkspaceID {
		return false
	}
	if !domain.TierSees(s.Tier, m.Event) {
		return false
	}
	if len(s.Events) > 0 && !contains(s.Events, m.Event) {
		return false
	}
	if domain.IsRegistryEvent(m.Event) {
		return scope.Contains(s.ScopeType, s.ScopePath, m.Path)
	}
	return scope.Matches(s.ScopeType, s.ScopePath, s.Recursive, m.Path)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
