package mdplanesdk_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdplane/internal/app"
	"mdplane/internal/config"
	"mdplane/internal/domain"
	mdplanesdk "mdplane/sdk/go"
)

type fixture struct {
	URL  string
	App  *app.App
	keys map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Server.DataDir = t.TempDir()
	cfg.Server.PublicURL = ""
	cfg.Webhooks.BackoffMinMs = 1
	cfg.Webhooks.BackoffMaxMs = 5

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := app.Open(ctx, cfg, nil)
	require.NoError(t, err)
	a, err := app.New(cfg, conn, nil)
	require.NoError(t, err)
	a.Start(ctx)
	srv := httptest.NewServer(a.Handler)
	t.Cleanup(func() {
		a.Hub.Close()
		srv.Close()
		cancel()
		a.Webhooks.Close()
		_ = a.Close()
	})

	_, err = app.EnsureWorkspace(ctx, a.Engine.Repo, "sdk", "SDK")
	require.NoError(t, err)
	f := &fixture{URL: srv.URL, App: a, keys: map[string]string{}}
	for _, tier := range []string{domain.TierRead, domain.TierAppend, domain.TierWrite} {
		raw, _, err := app.IssueKey(ctx, a.Engine.Repo, app.KeyRequest{WorkspaceID: "sdk", Tier: tier})
		require.NoError(t, err)
		f.keys[tier] = raw
	}
	return f
}

func (f *fixture) client(tier string) *mdplanesdk.Client {
	return mdplanesdk.New(f.URL, f.keys[tier])
}

func TestFileRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.client(domain.TierWrite)

	created, err := w.CreateFile(ctx, "/docs/plan.md", "# Plan")
	require.NoError(t, err)
	assert.Equal(t, "/docs/plan.md", created.Path)

	_, err = w.CreateFile(ctx, "/docs/plan.md", "again")
	assert.True(t, mdplanesdk.IsCode(err, "FILE_ALREADY_EXISTS"))

	updated, err := w.UpdateFile(ctx, "/docs/plan.md", "# Plan v2")
	require.NoError(t, err)
	assert.Equal(t, "# Plan v2", updated.Content)

	got, err := f.client(domain.TierRead).GetFile(ctx, "/docs/plan.md")
	require.NoError(t, err)
	assert.Equal(t, "# Plan v2", got.Content)

	require.NoError(t, w.DeleteFile(ctx, "/docs/plan.md"))
	_, err = w.GetFile(ctx, "/docs/plan.md")
	assert.True(t, mdplanesdk.IsCode(err, mdplanesdk.CodeFileNotFound))
}

func TestBadKeyIsAPIError(t *testing.T) {
	f := newFixture(t)
	_, err := mdplanesdk.New(f.URL, "nope").GetFile(context.Background(), "/x.md")
	var apiErr *mdplanesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, mdplanesdk.CodeInvalidKey, apiErr.Code)
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client(domain.TierWrite).CreateFile(ctx, "/tasks.md", "")
	require.NoError(t, err)
	c := f.client(domain.TierAppend)

	task, err := c.CreateTask(ctx, "/tasks.md", "alice", "write docs")
	require.NoError(t, err)
	assert.Equal(t, "open", task.TaskStatus)

	claim, err := c.Claim(ctx, "/tasks.md", "bob", task.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "active", claim.Status)
	assert.Equal(t, 60, claim.ExpiresInSeconds)

	_, err = c.Claim(ctx, "/tasks.md", "carol", task.ID, 0)
	assert.True(t, mdplanesdk.IsCode(err, mdplanesdk.CodeAlreadyClaimed))

	_, err = c.Renew(ctx, "/tasks.md", "carol", claim.ID, time.Minute)
	assert.True(t, mdplanesdk.IsCode(err, "CANNOT_RENEW_OTHERS_CLAIM"))
	_, err = c.Renew(ctx, "/tasks.md", "bob", claim.ID, 2*time.Minute)
	require.NoError(t, err)

	open, err := c.ListTasks(ctx, "", "claimed")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NotNil(t, open[0].ActiveClaim)
	assert.Equal(t, "bob", open[0].ActiveClaim.Author)

	done, err := c.Complete(ctx, "/tasks.md", "bob", task.ID, "shipped")
	require.NoError(t, err)
	assert.Equal(t, "done", done.TaskStatus)

	detail, err := c.GetAppend(ctx, "/tasks.md", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", detail.TaskStatus)
	require.NotNil(t, detail.Task)
	assert.Equal(t, "bob", detail.Task.CompletedBy)

	page, err := c.ListAppends(ctx, "/tasks.md", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Appends, 2)
	require.NotEmpty(t, page.NextCursor)
	rest, err := c.ListAppends(ctx, "/tasks.md", page.NextCursor, 10)
	require.NoError(t, err)
	assert.Len(t, rest.Appends, 2)
	assert.Empty(t, rest.NextCursor)
}

func TestBatchIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client(domain.TierWrite).CreateFile(ctx, "/b.md", "")
	require.NoError(t, err)
	c := f.client(domain.TierAppend)

	_, err = c.AppendBatch(ctx, "/b.md", []mdplanesdk.AppendInput{
		{Author: "a", Type: "comment", Content: "one"},
		{Author: "a", Type: "claim", Ref: "a99"},
	})
	require.Error(t, err)
	page, err := c.ListAppends(ctx, "/b.md", "", 0)
	require.NoError(t, err)
	assert.Empty(t, page.Appends)

	res, err := c.AppendBatch(ctx, "/b.md", []mdplanesdk.AppendInput{
		{Author: "a", Type: "task", Content: "t"},
		{Author: "b", Type: "claim", Ref: "a1"},
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a2", res[1].ID)
}

func TestWebhookManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	received := make(chan *http.Request, 8)
	bodies := make(chan []byte, 8)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- b
	}))
	defer receiver.Close()

	w := f.client(domain.TierWrite)
	hook, err := w.CreateWebhook(ctx, mdplanesdk.WebhookInput{
		URL:    receiver.URL,
		Events: []string{"file.created"},
		Path:   "/docs",
	})
	require.NoError(t, err)
	require.NotEmpty(t, hook.Secret)
	assert.Equal(t, "/docs", hook.ScopePath)
	assert.True(t, hook.Recursive)

	_, err = w.CreateFile(ctx, "/docs/a/b.md", "")
	require.NoError(t, err)
	select {
	case r := <-received:
		body := <-bodies
		assert.Equal(t, "file.created", r.Header.Get("X-Mdplane-Event"))
		assert.True(t, mdplanesdk.VerifySignature(hook.Secret, body, r.Header.Get("X-Mdplane-Signature")))
		assert.False(t, mdplanesdk.VerifySignature("wrong", body, r.Header.Get("X-Mdplane-Signature")))
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}

	require.Eventually(t, func() bool {
		page, err := w.Deliveries(ctx, hook.ID, "", 10)
		return err == nil && len(page.Deliveries) == 1 && page.Deliveries[0].Status == "ok"
	}, 5*time.Second, 10*time.Millisecond)

	disabled, err := w.SetWebhookEnabled(ctx, hook.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
	assert.Empty(t, disabled.Secret)

	hooks, err := w.ListWebhooks(ctx)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.False(t, hooks[0].Enabled)

	require.NoError(t, w.DeleteWebhook(ctx, hook.ID))
	err = w.DeleteWebhook(ctx, hook.ID)
	assert.True(t, mdplanesdk.IsCode(err, mdplanesdk.CodeWebhookNotFound))
}

func TestStreamReceivesEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := f.client(domain.TierAppend)

	sub, err := c.Subscribe(ctx, mdplanesdk.SubscribeInput{Events: []string{"task.created"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"task.created"}, sub.Events)

	stream, err := mdplanesdk.Dial(ctx, sub)
	require.NoError(t, err)
	defer stream.Close()
	assert.NotEmpty(t, stream.ConnectionID)
	require.Eventually(t, func() bool { return f.App.Hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	_, err = f.client(domain.TierWrite).CreateFile(ctx, "/live.md", "")
	require.NoError(t, err)
	_, err = c.CreateTask(ctx, "/live.md", "alice", "watch me")
	require.NoError(t, err)

	evt, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task.created", evt.Event)
	assert.Equal(t, "/live.md", evt.File.Path)
	assert.NotEmpty(t, evt.EventID)

	feed, err := f.client(domain.TierRead).Events(ctx, 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, feed.Events)
	assert.Equal(t, "file.created", feed.Events[0].Event)
}
