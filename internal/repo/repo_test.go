package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdplane/internal/db"
	"mdplane/internal/domain"
	"mdplane/internal/migrate"
	"mdplane/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn, nil)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	_, err = r.CreateWorkspace(ctx, domain.Workspace{ID: "ws1"})
	require.NoError(t, err)
	return r, ctx
}

func newFile(t *testing.T, r repo.Repo, ctx context.Context, path string) domain.File {
	t.Helper()
	now := repo.FormatTime(time.Now())
	f := domain.File{ID: "f-" + path, WorkspaceID: "ws1", Path: path, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, r.InsertFile(ctx, nil, f))
	return f
}

func TestWorkspaceConflict(t *testing.T) {
	r, ctx := newTestRepo(t)
	_, err := r.CreateWorkspace(ctx, domain.Workspace{ID: "ws1"})
	assert.ErrorIs(t, err, repo.ErrConflict)
	_, err = r.GetWorkspace(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestFilesAndFolders(t *testing.T) {
	r, ctx := newTestRepo(t)
	f := newFile(t, r, ctx, "/docs/a.md")
	err := r.InsertFile(ctx, nil, domain.File{ID: "other", WorkspaceID: "ws1", Path: "/docs/a.md", CreatedAt: f.CreatedAt, UpdatedAt: f.UpdatedAt})
	assert.ErrorIs(t, err, repo.ErrConflict)

	require.NoError(t, r.UpdateFileContent(ctx, nil, f.ID, "# hi", repo.FormatTime(time.Now())))
	got, err := r.GetFileByPath(ctx, nil, "ws1", "/docs/a.md")
	require.NoError(t, err)
	assert.Equal(t, "# hi", got.Content)

	folder := domain.Folder{WorkspaceID: "ws1", Path: "/docs", CreatedAt: f.CreatedAt}
	require.NoError(t, r.InsertFolder(ctx, nil, folder))
	assert.ErrorIs(t, r.InsertFolder(ctx, nil, folder), repo.ErrConflict)
	ok, err := r.FolderExists(ctx, nil, "ws1", "/docs")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.DeleteFile(ctx, nil, f.ID))
	_, err = r.GetFile(ctx, nil, f.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAppendSequenceAndChain(t *testing.T) {
	r, ctx := newTestRepo(t)
	f := newFile(t, r, ctx, "/tasks.md")
	now := time.Now().UTC()
	expires := now.Add(time.Minute)

	insert := func(typ, author, ref string, exp *time.Time) domain.Append {
		seq, err := r.NextAppendSeq(ctx, nil, f.ID)
		require.NoError(t, err)
		a := domain.Append{ID: "a" + itoa(seq), Seq: seq, FileID: f.ID, Author: author, Type: typ, Ref: ref, ExpiresAt: exp, CreatedAt: now, Labels: []string{"x"}}
		require.NoError(t, r.InsertAppend(ctx, nil, a))
		return a
	}
	task := insert(domain.AppendTask, "alice", "", nil)
	claim := insert(domain.AppendClaim, "bob", task.ID, &expires)
	insert(domain.AppendComment, "carol", "", nil)
	renewed := expires.Add(time.Minute)
	insert(domain.AppendRenew, "bob", claim.ID, &renewed)

	assert.Equal(t, "a1", task.ID)
	assert.Equal(t, "a2", claim.ID)

	chain, err := r.TaskChain(ctx, nil, f.ID, task.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, domain.AppendClaim, chain[0].Type)
	assert.Equal(t, domain.AppendRenew, chain[1].Type)
	assert.Equal(t, []string{"x"}, chain[0].Labels)
	require.NotNil(t, chain[1].ExpiresAt)
	assert.WithinDuration(t, renewed, *chain[1].ExpiresAt, time.Millisecond)

	all, err := r.ListAppends(ctx, f.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	pending, err := r.ListPendingExpiries(ctx, now)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, p := range pending {
		assert.Equal(t, claim.ID, p.ClaimID)
		assert.Equal(t, "/tasks.md", p.Path)
	}
}

func TestCapabilityKeys(t *testing.T) {
	r, ctx := newTestRepo(t)
	raw, err := repo.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, r.InsertCapabilityKey(ctx, domain.CapabilityKey{
		ID: "k1", WorkspaceID: "ws1", KeyHash: repo.HashKey(raw), Tier: domain.TierAppend,
		ScopeType: domain.ScopeFolder, ScopePath: "/docs",
	}))
	got, err := r.GetCapabilityKeyByHash(ctx, repo.HashKey(" "+raw+" "))
	require.NoError(t, err)
	assert.Equal(t, "k1", got.ID)
	assert.Nil(t, got.RevokedAt)

	require.NoError(t, r.RevokeCapabilityKey(ctx, "k1", time.Now()))
	got, err = r.GetCapabilityKeyByHash(ctx, repo.HashKey(raw))
	require.NoError(t, err)
	assert.NotNil(t, got.RevokedAt)
	assert.ErrorIs(t, r.RevokeCapabilityKey(ctx, "nope", time.Now()), repo.ErrNotFound)
}

func TestWebhooksAndDeliveries(t *testing.T) {
	r, ctx := newTestRepo(t)
	now := repo.FormatTime(time.Now())
	hooks := []domain.Webhook{
		{ID: "w-rec", WorkspaceID: "ws1", ScopeType: domain.ScopeFolder, ScopePath: "/docs", Recursive: true, URL: "http://x", Secret: "s", CreatedAt: now, UpdatedAt: now},
		{ID: "w-flat", WorkspaceID: "ws1", ScopeType: domain.ScopeFolder, ScopePath: "/docs", URL: "http://x", Events: []string{domain.EventFileCreated}, Secret: "s", CreatedAt: now, UpdatedAt: now},
	}
	for _, h := range hooks {
		require.NoError(t, r.InsertWebhook(ctx, h))
	}

	match, err := r.FindMatchingWebhooks(ctx, "ws1", "/docs/guides/x.md", domain.EventFileCreated)
	require.NoError(t, err)
	require.Len(t, match, 1)
	assert.Equal(t, "w-rec", match[0].ID)

	match, err = r.FindMatchingWebhooks(ctx, "ws1", "/docs/x.md", domain.EventFileCreated)
	require.NoError(t, err)
	assert.Len(t, match, 2)

	match, err = r.FindMatchingWebhooks(ctx, "ws1", "/docs/x.md", domain.EventFileUpdated)
	require.NoError(t, err)
	assert.Len(t, match, 1)

	s1, err := r.NextWebhookSequence(ctx, "w-rec")
	require.NoError(t, err)
	s2, err := r.NextWebhookSequence(ctx, "w-rec")
	require.NoError(t, err)
	assert.Equal(t, s1+1, s2)

	disabled, err := r.RecordDeliveryOutcome(ctx, "w-flat", false, 2, time.Now())
	require.NoError(t, err)
	assert.False(t, disabled)
	disabled, err = r.RecordDeliveryOutcome(ctx, "w-flat", false, 2, time.Now())
	require.NoError(t, err)
	assert.True(t, disabled)
	flat, err := r.GetWebhook(ctx, "ws1", "w-flat")
	require.NoError(t, err)
	assert.NotNil(t, flat.DisabledAt)
	assert.Equal(t, 2, flat.FailureCount)

	match, err = r.FindMatchingWebhooks(ctx, "ws1", "/docs/x.md", domain.EventFileCreated)
	require.NoError(t, err)
	assert.Len(t, match, 1)

	for i := 1; i <= 5; i++ {
		_, err := r.InsertDelivery(ctx, domain.DeliveryLog{WebhookID: "w-rec", EventID: "e" + itoa(int64(i)), Event: domain.EventFileCreated, Attempt: 1, Status: domain.DeliveryOK, ResponseCode: 200, Timestamp: now})
		require.NoError(t, err)
	}
	page, next, err := r.ListDeliveries(ctx, "w-rec", 3, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "e5", page[0].EventID)
	require.NotZero(t, next)
	page, next, err = r.ListDeliveries(ctx, "w-rec", 3, next)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Zero(t, next)
	assert.Equal(t, "e1", page[1].EventID)
}

func itoa(n int64) string {
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return string(buf)
}
