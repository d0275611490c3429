package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdplane/internal/domain"
	"mdplane/internal/engine"
)

func TestWebhookLifecycle(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWebhook(env.Ctx, ws, engine.WebhookSpec{
		ScopeType: domain.ScopeFolder,
		ScopePath: "docs/",
		Recursive: true,
		URL:       "https://hooks.example.com/in",
		Events:    []string{domain.EventTaskCreated},
	}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "/docs", w.ScopePath)
	assert.NotEmpty(t, w.Secret)

	disabled := false
	w, err = env.Engine.UpdateWebhook(env.Ctx, ws, w.ID, engine.WebhookPatch{Enabled: &disabled}, "key-1")
	require.NoError(t, err)
	require.NotNil(t, w.DisabledAt)

	enabled := true
	w, err = env.Engine.UpdateWebhook(env.Ctx, ws, w.ID, engine.WebhookPatch{Enabled: &enabled}, "key-1")
	require.NoError(t, err)
	assert.Nil(t, w.DisabledAt)
	assert.Zero(t, w.FailureCount)

	list, err := env.Engine.ListWebhooks(env.Ctx, ws, domain.ScopeFolder, "/docs")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = env.Engine.ListWebhooks(env.Ctx, ws, domain.ScopeFolder, "/other")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, env.Engine.DeleteWebhook(env.Ctx, ws, w.ID, "key-1"))
	_, err = env.Engine.GetWebhook(env.Ctx, ws, w.ID)
	requireCode(t, err, engine.CodeWebhookNotFound)
	requireCode(t, env.Engine.DeleteWebhook(env.Ctx, ws, w.ID, "key-1"), engine.CodeWebhookNotFound)

	assert.Equal(t, []string{
		domain.EventFileCreated,
		domain.EventWebhookCreated, domain.EventWebhookUpdated, domain.EventWebhookUpdated, domain.EventWebhookDeleted,
	}, env.Pub.events())
}

func TestWebhookValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]engine.WebhookSpec{
		"relative url":  {ScopeType: domain.ScopeWorkspace, URL: "/hook"},
		"ftp url":       {ScopeType: domain.ScopeWorkspace, URL: "ftp://example.com"},
		"unknown event": {ScopeType: domain.ScopeWorkspace, URL: "http://x.test", Events: []string{"file.exploded"}},
		"bad filter":    {ScopeType: domain.ScopeWorkspace, URL: "http://x.test", Filters: domain.WebhookFilters{Types: []string{"poke"}}},
		"bad scope":     {ScopeType: "galaxy", URL: "http://x.test"},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreateWebhook(env.Ctx, ws, spec, "key-1")
			requireCode(t, err, engine.CodeInvalidRequest)
		})
	}
}

func TestUpdateKeepsAutoDisable(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWebhook(env.Ctx, ws, engine.WebhookSpec{
		ScopeType: domain.ScopeWorkspace,
		URL:       "https://hooks.example.com/in",
	}, "key-1")
	require.NoError(t, err)

	// the dispatcher disables the webhook after a stale read of it
	stale, err := env.Engine.GetWebhook(env.Ctx, ws, w.ID)
	require.NoError(t, err)
	require.Nil(t, stale.DisabledAt)
	disabled, err := env.Engine.Repo.RecordDeliveryOutcome(env.Ctx, w.ID, false, 1, time.Now())
	require.NoError(t, err)
	require.True(t, disabled)

	url := "https://hooks.example.com/moved"
	w, err = env.Engine.UpdateWebhook(env.Ctx, ws, w.ID, engine.WebhookPatch{URL: &url}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, url, w.URL)
	assert.NotNil(t, w.DisabledAt)
	assert.Equal(t, 1, w.FailureCount)

	enabled := true
	w, err = env.Engine.UpdateWebhook(env.Ctx, ws, w.ID, engine.WebhookPatch{Enabled: &enabled}, "key-1")
	require.NoError(t, err)
	assert.Nil(t, w.DisabledAt)
	assert.Zero(t, w.FailureCount)
	assert.Equal(t, url, w.URL)
}
