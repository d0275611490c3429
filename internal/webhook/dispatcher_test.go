package webhook_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdplane/internal/db"
	"mdplane/internal/domain"
	"mdplane/internal/migrate"
	"mdplane/internal/repo"
	"mdplane/internal/webhook"
)

type receiver struct {
	mu       sync.Mutex
	statuses []int
	calls    int32
	bodies   [][]byte
	headers  []http.Header
	srv      *httptest.Server
}

// newReceiver answers with statuses in order, repeating the last one.
func newReceiver(t *testing.T, statuses ...int) *receiver {
	t.Helper()
	rc := &receiver{statuses: statuses}
	rc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		n := int(atomic.AddInt32(&rc.calls, 1))
		rc.mu.Lock()
		rc.bodies = append(rc.bodies, body)
		rc.headers = append(rc.headers, r.Header.Clone())
		status := rc.statuses[len(rc.statuses)-1]
		if n-1 < len(rc.statuses) {
			status = rc.statuses[n-1]
		}
		rc.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(rc.srv.Close)
	return rc
}

func (rc *receiver) count() int { return int(atomic.LoadInt32(&rc.calls)) }

func newStore(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn, nil)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	_, err = r.CreateWorkspace(ctx, domain.Workspace{ID: "ws"})
	require.NoError(t, err)
	return r, ctx
}

func addHook(t *testing.T, r repo.Repo, ctx context.Context, id, url string) domain.Webhook {
	t.Helper()
	now := repo.FormatTime(time.Now())
	w := domain.Webhook{
		ID: id, WorkspaceID: "ws", ScopeType: domain.ScopeWorkspace, ScopePath: "/",
		URL: url, Secret: "s3cret", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, r.InsertWebhook(ctx, w))
	return w
}

func fastOptions() webhook.Options {
	return webhook.Options{
		Workers: 2, QueueSize: 16, MaxAttempts: 3,
		BackoffMin: time.Millisecond, BackoffMax: 5 * time.Millisecond,
		Timeout: 2 * time.Second, MaxElapsed: 5 * time.Second,
	}
}

func envelope(id string) domain.Envelope {
	return domain.Envelope{
		EventID: id, Sequence: 1, Event: domain.EventFileCreated,
		Timestamp: "2024-01-01T00:00:00.000000Z", File: domain.EnvelopeFile{Path: "/a.md"},
		Data: map[string]any{"path": "/a.md"},
	}
}

func TestDeliverSignsAndLogs(t *testing.T) {
	r, ctx := newStore(t)
	rc := newReceiver(t, http.StatusOK)
	w := addHook(t, r, ctx, "w1", rc.srv.URL)
	d := webhook.New(r, fastOptions(), nil)

	logs := d.Deliver(ctx, w, envelope("e1"))
	require.Len(t, logs, 1)
	assert.Equal(t, domain.DeliveryOK, logs[0].Status)
	assert.Equal(t, http.StatusOK, logs[0].ResponseCode)

	require.Equal(t, 1, rc.count())
	h := rc.headers[0]
	assert.Equal(t, domain.EventFileCreated, h.Get(webhook.HeaderEvent))
	assert.Equal(t, "e1", h.Get(webhook.HeaderDelivery))
	assert.True(t, webhook.Verify("s3cret", rc.bodies[0], h.Get(webhook.HeaderSignature)))
	assert.False(t, webhook.Verify("wrong", rc.bodies[0], h.Get(webhook.HeaderSignature)))
	assert.Contains(t, string(rc.bodies[0]), `"eventId":"e1"`)

	stored, _, err := r.ListDeliveries(ctx, "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.DeliveryOK, stored[0].Status)
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	r, ctx := newStore(t)
	rc := newReceiver(t, http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK)
	w := addHook(t, r, ctx, "w1", rc.srv.URL)
	d := webhook.New(r, fastOptions(), nil)

	logs := d.Deliver(ctx, w, envelope("e1"))
	require.Len(t, logs, 3)
	assert.Equal(t, []string{domain.DeliveryFailed, domain.DeliveryFailed, domain.DeliveryOK},
		[]string{logs[0].Status, logs[1].Status, logs[2].Status})
	assert.Equal(t, []int{1, 2, 3}, []int{logs[0].Attempt, logs[1].Attempt, logs[2].Attempt})

	got, err := r.GetWebhook(ctx, "ws", "w1")
	require.NoError(t, err)
	assert.Zero(t, got.FailureCount)
}

func TestDeliverStopsAfterMaxAttempts(t *testing.T) {
	r, ctx := newStore(t)
	rc := newReceiver(t, http.StatusInternalServerError)
	w := addHook(t, r, ctx, "w1", rc.srv.URL)
	opts := fastOptions()
	opts.MaxAttempts = 2
	d := webhook.New(r, opts, nil)

	logs := d.Deliver(ctx, w, envelope("e1"))
	require.Len(t, logs, 2)
	assert.Equal(t, 2, rc.count())
	for _, l := range logs {
		assert.Equal(t, domain.DeliveryFailed, l.Status)
		assert.Equal(t, http.StatusInternalServerError, l.ResponseCode)
	}
	got, err := r.GetWebhook(ctx, "ws", "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailureCount)
	assert.Nil(t, got.DisabledAt)
}

func TestNetworkFailureIsLogged(t *testing.T) {
	r, ctx := newStore(t)
	rc := newReceiver(t, http.StatusOK)
	url := rc.srv.URL
	rc.srv.Close()
	w := addHook(t, r, ctx, "w1", url)
	opts := fastOptions()
	opts.MaxAttempts = 1
	d := webhook.New(r, opts, nil)

	logs := d.Deliver(ctx, w, envelope("e1"))
	require.Len(t, logs, 1)
	assert.Equal(t, domain.DeliveryFailed, logs[0].Status)
	assert.Zero(t, logs[0].ResponseCode)
	assert.NotEmpty(t, logs[0].Error)
}

func TestDisabledWebhookIsSkipped(t *testing.T) {
	r, ctx := newStore(t)
	rc := newReceiver(t, http.StatusOK)
	w := addHook(t, r, ctx, "w1", rc.srv.URL)
	now := repo.FormatTime(time.Now())
	off := false
	require.NoError(t, r.UpdateWebhook(ctx, w.WorkspaceID, w.ID, repo.WebhookChanges{Enabled: &off}, now))
	w.DisabledAt = &now
	d := webhook.New(r, fastOptions(), nil)

	logs := d.Deliver(ctx, w, envelope("e1"))
	assert.Empty(t, logs)
	assert.Zero(t, rc.count())
	stored, _, err := r.ListDeliveries(ctx, "w1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestAutoDisableAfterFailures(t *testing.T) {
	r, ctx := newStore(t)
	rc := newReceiver(t, http.StatusInternalServerError)
	w := addHook(t, r, ctx, "w1", rc.srv.URL)
	opts := fastOptions()
	opts.DisableAfter = 2
	opts.MaxAttempts = 5
	d := webhook.New(r, opts, nil)

	logs := d.Deliver(ctx, w, envelope("e1"))
	assert.Len(t, logs, 2)
	got, err := r.GetWebhook(ctx, "ws", "w1")
	require.NoError(t, err)
	assert.NotNil(t, got.DisabledAt)

	assert.Empty(t, d.Deliver(ctx, w, envelope("e2")))
	assert.Equal(t, 2, rc.count())
}

func TestWorkersDeliverQueuedEvents(t *testing.T) {
	r, ctx := newStore(t)
	ok := newReceiver(t, http.StatusOK)
	failing := newReceiver(t, http.StatusInternalServerError)
	good := addHook(t, r, ctx, "good", ok.srv.URL)
	bad := addHook(t, r, ctx, "bad", failing.srv.URL)
	d := webhook.New(r, fastOptions(), nil)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.Start(runCtx)

	for i := 0; i < 5; i++ {
		d.Enqueue(bad, envelope("bad"))
		d.Enqueue(good, envelope("good"))
	}
	require.Eventually(t, func() bool { return ok.count() == 5 }, 5*time.Second, 10*time.Millisecond)
	d.Close()
	assert.Equal(t, 15, failing.count())
}

func TestEnqueueOverflowRecordsFailure(t *testing.T) {
	r, ctx := newStore(t)
	rc := newReceiver(t, http.StatusOK)
	w := addHook(t, r, ctx, "w1", rc.srv.URL)
	opts := fastOptions()
	opts.QueueSize = 1
	d := webhook.New(r, opts, nil)

	d.Enqueue(w, envelope("e1"))
	d.Enqueue(w, envelope("e2"))

	stored, _, err := r.ListDeliveries(ctx, "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "e2", stored[0].EventID)
	assert.Equal(t, domain.DeliveryFailed, stored[0].Status)

	d.Start(ctx)
	d.Close()
	assert.Equal(t, 1, rc.count())
}
