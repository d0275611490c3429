package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mdplane/internal/domain"
	"mdplane/internal/scope"
)

const webhookColumns = `id,workspace_id,scope_type,scope_path,recursive,url,events_json,filters_json,secret,disabled_at,failure_count,sequence,created_at,updated_at`

func scanWebhook(row interface{ Scan(...any) error }) (domain.Webhook, error) {
	var (
		w          domain.Webhook
		recursive  int
		eventsJSON string
		filterJSON string
		disabledAt sql.NullString
	)
	err := row.Scan(&w.ID, &w.WorkspaceID, &w.ScopeType, &w.ScopePath, &recursive, &w.URL, &eventsJSON, &filterJSON,
		&w.Secret, &disabledAt, &w.FailureCount, &w.Sequence, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Recursive = recursive != 0
	w.DisabledAt = stringPtr(disabledAt)
	if err := json.Unmarshal([]byte(eventsJSON), &w.Events); err != nil {
		return w, fmt.Errorf("decode webhook events: %w", err)
	}
	if err := json.Unmarshal([]byte(filterJSON), &w.Filters); err != nil {
		return w, fmt.Errorf("decode webhook filters: %w", err)
	}
	if w.Events == nil {
		w.Events = []string{}
	}
	return w, nil
}

func scanWebhooks(rows *sql.Rows) ([]domain.Webhook, error) {
	defer rows.Close()
	var res []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r Repo) InsertWebhook(ctx context.Context, w domain.Webhook) error {
	if w.Events == nil {
		w.Events = []string{}
	}
	events, err := json.Marshal(w.Events)
	if err != nil {
		return err
	}
	filters, err := json.Marshal(w.Filters)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO webhooks(id,workspace_id,scope_type,scope_path,recursive,url,events_json,filters_json,secret,disabled_at,failure_count,sequence,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,0,0,?,?)`,
		w.ID, w.WorkspaceID, w.ScopeType, w.ScopePath, boolInt(w.Recursive), w.URL, string(events), string(filters), w.Secret,
		nullableStringPtr(w.DisabledAt), w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// WebhookChanges names the columns a patch writes; nil fields keep their stored value.
// Enabled=true clears disabled_at and failure_count; Enabled=false sets disabled_at if unset.
type WebhookChanges struct {
	URL       *string
	Events    *[]string
	Filters   *domain.WebhookFilters
	Recursive *bool
	Enabled   *bool
}

// UpdateWebhook writes only the changed columns so concurrent delivery bookkeeping
// (failure_count, disabled_at) is never overwritten with a stale read.
func (r Repo) UpdateWebhook(ctx context.Context, workspaceID, id string, c WebhookChanges, at string) error {
	sets := []string{"updated_at=?"}
	args := []any{at}
	if c.URL != nil {
		sets = append(sets, "url=?")
		args = append(args, *c.URL)
	}
	if c.Events != nil {
		evts := *c.Events
		if evts == nil {
			evts = []string{}
		}
		b, err := json.Marshal(evts)
		if err != nil {
			return err
		}
		sets = append(sets, "events_json=?")
		args = append(args, string(b))
	}
	if c.Filters != nil {
		b, err := json.Marshal(*c.Filters)
		if err != nil {
			return err
		}
		sets = append(sets, "filters_json=?")
		args = append(args, string(b))
	}
	if c.Recursive != nil {
		sets = append(sets, "recursive=?")
		args = append(args, boolInt(*c.Recursive))
	}
	if c.Enabled != nil {
		if *c.Enabled {
			sets = append(sets, "disabled_at=NULL", "failure_count=0")
		} else {
			sets = append(sets, "disabled_at=COALESCE(disabled_at, ?)")
			args = append(args, at)
		}
	}
	args = append(args, id, workspaceID)
	res, err := r.DB.ExecContext(ctx, `UPDATE webhooks SET `+strings.Join(sets, ", ")+` WHERE id=? AND workspace_id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWebhook(ctx context.Context, workspaceID, id string) (domain.Webhook, error) {
	return scanWebhook(r.DB.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE workspace_id=? AND id=?`, workspaceID, id))
}

// GetWebhookByID looks a webhook up without a workspace constraint (dispatcher use).
func (r Repo) GetWebhookByID(ctx context.Context, id string) (domain.Webhook, error) {
	return scanWebhook(r.DB.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id=?`, id))
}

func (r Repo) ListWebhooks(ctx context.Context, workspaceID string) ([]domain.Webhook, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE workspace_id=? ORDER BY created_at, id`, workspaceID)
	if err != nil {
		return nil, err
	}
	return scanWebhooks(rows)
}

func (r Repo) DeleteWebhook(ctx context.Context, workspaceID, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM webhooks WHERE workspace_id=? AND id=?`, workspaceID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindMatchingWebhooks returns enabled webhooks whose scope and event set match a mutation
// at path. Append filters are left to the caller.
func (r Repo) FindMatchingWebhooks(ctx context.Context, workspaceID, path, eventType string) ([]domain.Webhook, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE workspace_id=? AND disabled_at IS NULL ORDER BY created_at, id`, workspaceID)
	if err != nil {
		return nil, err
	}
	all, err := scanWebhooks(rows)
	if err != nil {
		return nil, err
	}
	var res []domain.Webhook
	for _, w := range all {
		if !subscribesTo(w.Events, eventType) {
			continue
		}
		if domain.IsRegistryEvent(eventType) {
			if !scope.Contains(w.ScopeType, w.ScopePath, path) {
				continue
			}
		} else if !scope.Matches(w.ScopeType, w.ScopePath, w.Recursive, path) {
			continue
		}
		res = append(res, w)
	}
	return res, nil
}

func subscribesTo(events []string, evt string) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if strings.TrimSpace(e) == evt {
			return true
		}
	}
	return false
}

// NextWebhookSequence bumps and returns the webhook's delivery sequence.
func (r Repo) NextWebhookSequence(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `UPDATE webhooks SET sequence=sequence+1 WHERE id=? RETURNING sequence`, id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return seq, err
}

// RecordDeliveryOutcome resets the failure count on success, or increments it on failure
// and disables the webhook once disableAfter consecutive failures accumulate (0 = never).
// It reports whether this call disabled the webhook.
func (r Repo) RecordDeliveryOutcome(ctx context.Context, id string, ok bool, disableAfter int, at time.Time) (bool, error) {
	if ok {
		_, err := r.DB.ExecContext(ctx, `UPDATE webhooks SET failure_count=0 WHERE id=?`, id)
		return false, err
	}
	var (
		count      int
		disabledAt sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `UPDATE webhooks SET failure_count=failure_count+1 WHERE id=? RETURNING failure_count, disabled_at`, id).Scan(&count, &disabledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if disableAfter <= 0 || count < disableAfter || disabledAt.Valid {
		return false, nil
	}
	ts := FormatTime(at)
	if _, err := r.DB.ExecContext(ctx, `UPDATE webhooks SET disabled_at=?, updated_at=? WHERE id=? AND disabled_at IS NULL`, ts, ts, id); err != nil {
		return false, err
	}
	return true, nil
}
