package wshub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdplane/internal/domain"
	"mdplane/internal/wshub"
)

func newTestHub(t *testing.T, opts wshub.Options) (*wshub.Hub, string) {
	t.Helper()
	hub := wshub.New(opts, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, domain.Subscription{
			WorkspaceID: "ws",
			Tier:        r.URL.Query().Get("tier"),
			ScopeType:   domain.ScopeFolder,
			ScopePath:   "/",
			Recursive:   true,
			Events:      domain.TierEvents(r.URL.Query().Get("tier")),
		})
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, ctx context.Context, url string) (*websocket.Conn, wshub.ConnectedFrame) {
	t.Helper()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	_, msg, err := c.Read(ctx)
	require.NoError(t, err)
	var hello wshub.ConnectedFrame
	require.NoError(t, json.Unmarshal(msg, &hello))
	return c, hello
}

func readEnvelope(t *testing.T, ctx context.Context, c *websocket.Conn) domain.Envelope {
	t.Helper()
	_, msg, err := c.Read(ctx)
	require.NoError(t, err)
	var env domain.Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func event(path string) domain.Envelope {
	return domain.Envelope{Event: domain.EventFileCreated, Timestamp: "2024-01-01T00:00:00.000000Z", File: domain.EnvelopeFile{Path: path}}
}

func TestConnectedFrameComesFirst(t *testing.T) {
	hub, url := newTestHub(t, wshub.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, hello := dial(t, ctx, url+"?tier=read")
	assert.Equal(t, "connected", hello.Type)
	assert.NotEmpty(t, hello.ConnectionID)
	assert.Equal(t, domain.TierEvents(domain.TierRead), hello.Events)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBroadcastToManyConnections(t *testing.T) {
	hub, url := newTestHub(t, wshub.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 3
	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i], _ = dial(t, ctx, url+"?tier=read")
	}
	require.Eventually(t, func() bool { return hub.Count() == n }, time.Second, 5*time.Millisecond)

	assert.Equal(t, n, hub.Broadcast(nil, event("/docs/a.md")))
	ids := map[string]bool{}
	for _, c := range conns {
		env := readEnvelope(t, ctx, c)
		assert.Equal(t, "/docs/a.md", env.File.Path)
		assert.Equal(t, int64(1), env.Sequence)
		ids[env.EventID] = true
	}
	assert.Len(t, ids, n, "every connection gets its own eventId")

	require.NoError(t, conns[0].Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return hub.Count() == n-1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, n-1, hub.Broadcast(nil, event("/docs/b.md")))
	for _, c := range conns[1:] {
		env := readEnvelope(t, ctx, c)
		assert.Equal(t, "/docs/b.md", env.File.Path)
		assert.Equal(t, int64(2), env.Sequence)
	}
}

func TestSequenceStrictlyIncreases(t *testing.T) {
	hub, url := newTestHub(t, wshub.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _ := dial(t, ctx, url+"?tier=append")
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		hub.Broadcast(nil, event("/a.md"))
	}
	var last int64
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, ctx, c)
		assert.Greater(t, env.Sequence, last)
		last = env.Sequence
	}
	assert.Equal(t, int64(10), last)
}

func TestBroadcastHonorsMatch(t *testing.T) {
	hub, url := newTestHub(t, wshub.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reader, _ := dial(t, ctx, url+"?tier=read")
	writer, _ := dial(t, ctx, url+"?tier=write")
	require.Eventually(t, func() bool { return hub.Count() == 2 }, time.Second, 5*time.Millisecond)

	onlyWrite := func(s domain.Subscription) bool { return s.Tier == domain.TierWrite }
	assert.Equal(t, 1, hub.Broadcast(onlyWrite, event("/w.md")))
	assert.Equal(t, 2, hub.Broadcast(nil, event("/all.md")))

	assert.Equal(t, "/w.md", readEnvelope(t, ctx, writer).File.Path)
	assert.Equal(t, "/all.md", readEnvelope(t, ctx, writer).File.Path)
	env := readEnvelope(t, ctx, reader)
	assert.Equal(t, "/all.md", env.File.Path)
	assert.Equal(t, int64(1), env.Sequence)
}

func TestSlowConnectionIsDropped(t *testing.T) {
	hub, url := newTestHub(t, wshub.Options{SendBuffer: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dial(t, ctx, url+"?tier=read")
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	big := event("/flood.md")
	big.Data = map[string]any{"content": strings.Repeat("x", 64<<10)}
	for i := 0; i < 1000 && hub.Count() > 0; i++ {
		hub.Broadcast(nil, big)
	}
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}
