package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"mdplane/internal/domain"
	"mdplane/internal/repo"
)

// Writer records committed mutations in the workspace event feed.
type Writer struct {
	Repo repo.Repo
}

type EventPayload map[string]any

// Append writes m to the events table inside tx so the feed commits with the mutation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, m domain.Mutation) error {
	payload := EventPayload(m.Data)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.Repo.InsertEvent(ctx, tx, domain.Event{
		WorkspaceID: m.WorkspaceID,
		TS:          repo.FormatTime(m.Timestamp),
		Type:        m.Event,
		Path:        m.Path,
		ActorID:     m.Actor,
		Payload:     string(data),
	})
	return err
}
