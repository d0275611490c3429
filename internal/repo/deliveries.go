package repo

import (
	"context"

	"mdplane/internal/domain"
)

func (r Repo) InsertDelivery(ctx context.Context, d domain.DeliveryLog) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_deliveries(webhook_id,event_id,event,attempt,response_code,status,duration_ms,error,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.WebhookID, d.EventID, d.Event, d.Attempt, d.ResponseCode, d.Status, d.DurationMs, nullable(d.Error), d.Timestamp)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListDeliveries returns the newest deliveries first. cursor is the id of the last row of
// the previous page (0 for the first page); the returned cursor is 0 when no page follows.
func (r Repo) ListDeliveries(ctx context.Context, webhookID string, limit int, cursor int64) ([]domain.DeliveryLog, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,webhook_id,event_id,event,attempt,response_code,status,duration_ms,COALESCE(error,''),created_at FROM webhook_deliveries WHERE webhook_id=?`
	args := []any{webhookID}
	if cursor > 0 {
		query += ` AND id<?`
		args = append(args, cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.DeliveryLog
	for rows.Next() {
		var d domain.DeliveryLog
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.Event, &d.Attempt, &d.ResponseCode, &d.Status, &d.DurationMs, &d.Error, &d.Timestamp); err != nil {
			return nil, 0, err
		}
		res = append(res, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	var next int64
	if len(res) > limit {
		res = res[:limit]
		next = res[len(res)-1].ID
	}
	return res, next, nil
}
