package mdplanesdk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"mdplane/internal/webhook"
)

// Event is one pushed mutation, as sent to WebSocket clients and webhook receivers.
type Event struct {
	EventID   string `json:"eventId"`
	Sequence  int64  `json:"sequence"`
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	File      struct {
		Path string `json:"path"`
	} `json:"file"`
	Data map[string]any `json:"data"`
}

// Stream is a live subscription. Events are not replayed after a reconnect.
type Stream struct {
	ConnectionID string
	Events       []string

	conn *websocket.Conn
}

// Dial opens the WebSocket for sub and waits for the connected frame.
func Dial(ctx context.Context, sub Subscription) (*Stream, error) {
	conn, _, err := websocket.Dial(ctx, sub.WSURL, nil)
	if err != nil {
		return nil, err
	}
	var hello struct {
		Type         string   `json:"type"`
		ConnectionID string   `json:"connectionId"`
		Events       []string `json:"events"`
	}
	if err := readJSON(ctx, conn, &hello); err != nil {
		conn.Close(websocket.StatusProtocolError, "no hello")
		return nil, err
	}
	if hello.Type != "connected" {
		conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return nil, fmt.Errorf("mdplane: expected connected frame, got %q", hello.Type)
	}
	return &Stream{ConnectionID: hello.ConnectionID, Events: hello.Events, conn: conn}, nil
}

// Next blocks until the next event arrives or ctx ends.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	var evt Event
	err := readJSON(ctx, s.conn, &evt)
	return evt, err
}

func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func readJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// VerifySignature checks the X-Mdplane-Signature header of a webhook delivery against
// the webhook's secret.
func VerifySignature(secret string, body []byte, header string) bool {
	return webhook.Verify(secret, body, header)
}
