package server

import (
	"time"

	"mdplane/internal/domain"
	"mdplane/internal/engine"
	"mdplane/internal/repo"
)

// Request payloads

type CreateFileRequest struct {
	Path    string `json:"path" minLength:"1"`
	Content string `json:"content,omitempty"`
}

type UpdateFileRequest struct {
	Content string `json:"content"`
}

type CreateFolderRequest struct {
	Path string `json:"path" minLength:"1"`
}

type AppendRequest struct {
	Author           string   `json:"author" minLength:"1"`
	Type             string   `json:"type" minLength:"1"`
	Ref              string   `json:"ref,omitempty"`
	Content          string   `json:"content,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	Labels           []string `json:"labels,omitempty"`
	ExpiresInSeconds int      `json:"expiresInSeconds,omitempty"`
}

func (r AppendRequest) spec() engine.AppendSpec {
	return engine.AppendSpec{
		Author:           r.Author,
		Type:             r.Type,
		Ref:              r.Ref,
		Content:          r.Content,
		Priority:         r.Priority,
		Labels:           r.Labels,
		ExpiresInSeconds: r.ExpiresInSeconds,
	}
}

type BatchAppendRequest struct {
	Appends []AppendRequest `json:"appends" minItems:"1"`
}

type SubscribeRequest struct {
	Events    []string `json:"events,omitempty"`
	ScopeType string   `json:"scopeType,omitempty" enum:"folder,file"`
	Path      string   `json:"path,omitempty"`
	Recursive *bool    `json:"recursive,omitempty"`
}

type CreateWebhookRequest struct {
	URL       string                 `json:"url" minLength:"1"`
	Events    []string               `json:"events,omitempty"`
	ScopeType string                 `json:"scopeType,omitempty" enum:"workspace,folder,file"`
	Path      string                 `json:"path,omitempty"`
	Recursive *bool                  `json:"recursive,omitempty"`
	Filters   *domain.WebhookFilters `json:"filters,omitempty"`
	Secret    string                 `json:"secret,omitempty"`
}

type UpdateWebhookRequest struct {
	URL       *string                `json:"url,omitempty"`
	Events    *[]string              `json:"events,omitempty"`
	Recursive *bool                  `json:"recursive,omitempty"`
	Filters   *domain.WebhookFilters `json:"filters,omitempty"`
	Enabled   *bool                  `json:"enabled,omitempty"`
}

// Response payloads

// okBody is the success envelope shared by every operation.
type okBody[T any] struct {
	OK         bool   `json:"ok"`
	ServerTime string `json:"serverTime" format:"date-time"`
	Data       T      `json:"data"`
}

type okOutput[T any] struct {
	Body okBody[T]
}

func ok[T any](data T) *okOutput[T] {
	return &okOutput[T]{Body: okBody[T]{OK: true, ServerTime: repo.FormatTime(time.Now()), Data: data}}
}

type HealthData struct {
	Status string `json:"status"`
}

type FileData struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func fileData(f domain.File) FileData {
	return FileData{ID: f.ID, Path: f.Path, Content: f.Content, CreatedAt: f.CreatedAt, UpdatedAt: f.UpdatedAt}
}

type FolderData struct {
	Path      string `json:"path"`
	CreatedAt string `json:"createdAt"`
}

type DeletedData struct {
	ID      string `json:"id,omitempty"`
	Path    string `json:"path,omitempty"`
	Deleted bool   `json:"deleted"`
}

// AppendData is the append payload: id, type, author, ts and whichever of ref, content,
// expiresAt, expiresInSeconds, status and taskStatus apply.
type AppendData map[string]any

type BatchData struct {
	Appends []AppendData `json:"appends"`
}

type AppendListData struct {
	Appends    []domain.Append `json:"appends"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

type AppendDetailData struct {
	Append     domain.Append    `json:"append"`
	TaskStatus string           `json:"taskStatus,omitempty"`
	Task       *domain.TaskView `json:"task,omitempty"`
}

type TaskListData struct {
	Tasks []engine.TaskListItem `json:"tasks"`
}

type FeedEvent struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Path      string         `json:"path"`
	Actor     string         `json:"actor,omitempty"`
	Data      map[string]any `json:"data"`
}

type FeedData struct {
	Events     []FeedEvent `json:"events"`
	NextCursor int64       `json:"nextCursor"`
}

type SubscribeData struct {
	Token     string   `json:"token"`
	WSURL     string   `json:"wsUrl"`
	ExpiresAt string   `json:"expiresAt" format:"date-time"`
	Events    []string `json:"events"`
	KeyTier   string   `json:"keyTier"`
}

type WebhookData struct {
	ID           string                `json:"id"`
	URL          string                `json:"url"`
	ScopeType    string                `json:"scopeType"`
	ScopePath    string                `json:"scopePath"`
	Recursive    bool                  `json:"recursive"`
	Events       []string              `json:"events"`
	Filters      domain.WebhookFilters `json:"filters"`
	Enabled      bool                  `json:"enabled"`
	DisabledAt   *string               `json:"disabledAt,omitempty"`
	FailureCount int                   `json:"failureCount"`
	Secret       string                `json:"secret,omitempty"`
	CreatedAt    string                `json:"createdAt"`
	UpdatedAt    string                `json:"updatedAt"`
}

func webhookData(w domain.Webhook) WebhookData {
	events := w.Events
	if events == nil {
		events = []string{}
	}
	return WebhookData{
		ID:           w.ID,
		URL:          w.URL,
		ScopeType:    w.ScopeType,
		ScopePath:    w.ScopePath,
		Recursive:    w.Recursive,
		Events:       events,
		Filters:      w.Filters,
		Enabled:      w.DisabledAt == nil,
		DisabledAt:   w.DisabledAt,
		FailureCount: w.FailureCount,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
}

type WebhookListData struct {
	Webhooks []WebhookData `json:"webhooks"`
}

type DeliveryData struct {
	ID           int64  `json:"id"`
	EventID      string `json:"eventId"`
	Event        string `json:"event"`
	Attempt      int    `json:"attempt"`
	ResponseCode int    `json:"responseCode"`
	Status       string `json:"status"`
	DurationMs   int64  `json:"durationMs"`
	Error        string `json:"error,omitempty"`
	Timestamp    string `json:"timestamp"`
}

type DeliveryListData struct {
	Deliveries []DeliveryData `json:"deliveries"`
	NextCursor string         `json:"nextCursor,omitempty"`
}
