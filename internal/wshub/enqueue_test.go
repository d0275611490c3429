package wshub

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mdplane/internal/domain"
)

func testConn(id string, buffer int) *conn {
	return &conn{id: id, send: make(chan []byte, buffer), cancel: func() {}}
}

func TestClosedConnectionIsNotCounted(t *testing.T) {
	h := New(Options{}, nil)
	live := testConn("live", 4)
	gone := testConn("gone", 4)
	gone.closed = true
	h.conns[live.id] = live
	h.conns[gone.id] = gone

	env := domain.Envelope{Event: domain.EventFileCreated, File: domain.EnvelopeFile{Path: "/a.md"}}
	assert.Equal(t, 1, h.Broadcast(nil, env))
	assert.Len(t, live.send, 1)
	assert.Empty(t, gone.send)
	assert.Zero(t, gone.seq)
	assert.Empty(t, gone.reason, "closed connection is skipped, not dropped")
}

func TestEnqueueResults(t *testing.T) {
	c := testConn("c", 1)
	env := domain.Envelope{Event: domain.EventFileCreated}
	assert.Equal(t, queued, c.enqueue(env))
	assert.Equal(t, bufferFull, c.enqueue(env))
	assert.Equal(t, int64(1), c.seq)

	c.closed = true
	assert.Equal(t, skipped, c.enqueue(env))
}
