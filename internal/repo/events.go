package repo

import (
	"context"
	"database/sql"

	"mdplane/internal/domain"
)

func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO events(workspace_id,ts,type,path,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		e.WorkspaceID, e.TS, e.Type, e.Path, nullable(e.ActorID), e.Payload)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EventsAfter returns workspace events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, workspaceID string, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,ts,type,path,COALESCE(actor_id,''),payload_json FROM events
WHERE workspace_id=? AND id>? ORDER BY id ASC LIMIT ?`, workspaceID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.TS, &e.Type, &e.Path, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
