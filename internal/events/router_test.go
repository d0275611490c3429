package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdplane/internal/domain"
	"mdplane/internal/events"
	"mdplane/internal/scope"
)

type fakeRegistry struct {
	hooks []domain.Webhook
	seq   map[string]int64
	err   error
}

func (f *fakeRegistry) FindMatchingWebhooks(_ context.Context, ws, path, evt string) ([]domain.Webhook, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Webhook
	for _, w := range f.hooks {
		if w.WorkspaceID == ws && scope.Matches(w.ScopeType, w.ScopePath, w.Recursive, path) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeRegistry) NextWebhookSequence(_ context.Context, id string) (int64, error) {
	if f.seq == nil {
		f.seq = map[string]int64{}
	}
	f.seq[id]++
	return f.seq[id], nil
}

type delivery struct {
	hook string
	env  domain.Envelope
}

type fakeQueue struct {
	mu   sync.Mutex
	sent []delivery
}

func (q *fakeQueue) Enqueue(w domain.Webhook, env domain.Envelope) {
	q.mu.Lock()
	q.sent = append(q.sent, delivery{hook: w.ID, env: env})
	q.mu.Unlock()
}

type fakeHub struct {
	subs []domain.Subscription
	got  map[int][]domain.Envelope
}

func (h *fakeHub) Broadcast(match func(domain.Subscription) bool, env domain.Envelope) int {
	if h.got == nil {
		h.got = map[int][]domain.Envelope{}
	}
	n := 0
	for i, s := range h.subs {
		if match(s) {
			h.got[i] = append(h.got[i], env)
			n++
		}
	}
	return n
}

func mutation(path, evt, appendType string, labels ...string) domain.Mutation {
	return domain.Mutation{
		WorkspaceID: "ws",
		Path:        path,
		Event:       evt,
		AppendType:  appendType,
		Labels:      labels,
		Timestamp:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Data:        map[string]any{"id": "a1"},
	}
}

func TestRouterWebhookScopes(t *testing.T) {
	reg := &fakeRegistry{hooks: []domain.Webhook{
		{ID: "rec", WorkspaceID: "ws", ScopeType: domain.ScopeFolder, ScopePath: "/docs", Recursive: true},
		{ID: "flat", WorkspaceID: "ws", ScopeType: domain.ScopeFolder, ScopePath: "/docs"},
	}}
	q := &fakeQueue{}
	r := &events.Router{Webhooks: reg, Enqueuer: q}

	r.Publish(context.Background(), mutation("/docs/guides/x.md", domain.EventFileCreated, ""))
	require.Len(t, q.sent, 1)
	assert.Equal(t, "rec", q.sent[0].hook)

	r.Publish(context.Background(), mutation("/docs/x.md", domain.EventFileCreated, ""))
	require.Len(t, q.sent, 3)
	assert.ElementsMatch(t, []string{"rec", "flat"}, []string{q.sent[1].hook, q.sent[2].hook})
	assert.NotEqual(t, q.sent[1].env.EventID, q.sent[2].env.EventID)
	assert.Equal(t, "/docs/x.md", q.sent[1].env.File.Path)
	assert.Equal(t, "2024-01-01T00:00:00.000000Z", q.sent[1].env.Timestamp)

	r.Publish(context.Background(), mutation("/other.md", domain.EventFileCreated, ""))
	assert.Len(t, q.sent, 3)

	var recSeq []int64
	for _, d := range q.sent {
		if d.hook == "rec" {
			recSeq = append(recSeq, d.env.Sequence)
		}
	}
	assert.Equal(t, []int64{1, 2}, recSeq)

	r.Publish(context.Background(), mutation("/docs", domain.EventFolderCreated, ""))
	require.Len(t, q.sent, 4)
	assert.Equal(t, "rec", q.sent[3].hook)
}

func TestFiltersMatch(t *testing.T) {
	f := domain.WebhookFilters{Types: []string{domain.AppendTask}, Labels: []string{"urgent", "backend"}}
	assert.True(t, events.FiltersMatch(f, mutation("/a.md", domain.EventTaskCreated, domain.AppendTask, "backend")))
	assert.False(t, events.FiltersMatch(f, mutation("/a.md", domain.EventTaskCreated, domain.AppendTask, "frontend")))
	assert.False(t, events.FiltersMatch(f, mutation("/a.md", domain.EventTaskClaimed, domain.AppendClaim, "backend")))
	assert.True(t, events.FiltersMatch(f, mutation("/a.md", domain.EventFileCreated, "")))
	assert.True(t, events.FiltersMatch(domain.WebhookFilters{}, mutation("/a.md", domain.EventTaskClaimed, domain.AppendClaim)))
}

func TestRouterBroadcastsByTierAndScope(t *testing.T) {
	hub := &fakeHub{subs: []domain.Subscription{
		{WorkspaceID: "ws", Tier: domain.TierRead, ScopeType: domain.ScopeFolder, ScopePath: "/", Recursive: true},
		{WorkspaceID: "ws", Tier: domain.TierAppend, ScopeType: domain.ScopeFolder, ScopePath: "/", Recursive: true},
		{WorkspaceID: "ws", Tier: domain.TierWrite, ScopeType: domain.ScopeFolder, ScopePath: "/docs"},
		{WorkspaceID: "other", Tier: domain.TierWrite, ScopeType: domain.ScopeFolder, ScopePath: "/", Recursive: true},
		{WorkspaceID: "ws", Tier: domain.TierWrite, ScopeType: domain.ScopeFile, ScopePath: "/docs/a.md", Events: []string{domain.EventFileUpdated}},
	}}
	r := &events.Router{Hub: hub}

	r.Publish(context.Background(), mutation("/docs/a.md", domain.EventTaskCreated, domain.AppendTask))
	r.Publish(context.Background(), mutation("/docs/deep/b.md", domain.EventFileCreated, ""))
	r.Publish(context.Background(), mutation("/docs/a.md", domain.EventFileUpdated, ""))

	assert.Len(t, hub.got[0], 2, "read tier sees file events only")
	assert.Len(t, hub.got[1], 3)
	assert.Len(t, hub.got[2], 2, "non-recursive subscription skips nested paths")
	assert.Empty(t, hub.got[3])
	require.Len(t, hub.got[4], 1)
	assert.Equal(t, domain.EventFileUpdated, hub.got[4][0].Event)
}

func TestRouterLookupFailureStillBroadcasts(t *testing.T) {
	hub := &fakeHub{subs: []domain.Subscription{
		{WorkspaceID: "ws", Tier: domain.TierRead, ScopeType: domain.ScopeFolder, ScopePath: "/", Recursive: true},
	}}
	q := &fakeQueue{}
	r := &events.Router{Webhooks: &fakeRegistry{err: errors.New("db down")}, Enqueuer: q, Hub: hub}
	r.Publish(context.Background(), mutation("/a.md", domain.EventFileCreated, ""))
	assert.Empty(t, q.sent)
	assert.Len(t, hub.got[0], 1)
}
