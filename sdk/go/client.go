// Package mdplanesdk is a typed client for the mdplane HTTP API.
package mdplanesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to one mdplane server with one capability key.
type Client struct {
	BaseURL    string
	Key        string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, key string) *Client {
	return &Client{
		BaseURL: baseURL,
		Key:     key,
		Timeout: 10 * time.Second,
	}
}

// Error codes returned by the server.
const (
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeInvalidKey      = "INVALID_KEY"
	CodeKeyRevoked      = "KEY_REVOKED"
	CodeFileNotFound    = "FILE_NOT_FOUND"
	CodeAppendNotFound  = "APPEND_NOT_FOUND"
	CodeWebhookNotFound = "WEBHOOK_NOT_FOUND"
	CodeAlreadyClaimed  = "ALREADY_CLAIMED"
	CodeClaimExpired    = "CLAIM_EXPIRED"
	CodeTaskComplete    = "TASK_ALREADY_COMPLETE"
	CodeTaskCancelled   = "TASK_CANCELLED"
)

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mdplane: %s (status=%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type File struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type Folder struct {
	Path      string `json:"path"`
	CreatedAt string `json:"createdAt"`
}

// AppendInput is one append to submit.
type AppendInput struct {
	Author           string   `json:"author"`
	Type             string   `json:"type"`
	Ref              string   `json:"ref,omitempty"`
	Content          string   `json:"content,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	Labels           []string `json:"labels,omitempty"`
	ExpiresInSeconds int      `json:"expiresInSeconds,omitempty"`
}

// AppendResult is the server's view of a committed append.
type AppendResult struct {
	ID               string   `json:"id"`
	Type             string   `json:"type"`
	Author           string   `json:"author"`
	TS               string   `json:"ts"`
	Ref              string   `json:"ref,omitempty"`
	Content          string   `json:"content,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	Labels           []string `json:"labels,omitempty"`
	ExpiresAt        string   `json:"expiresAt,omitempty"`
	ExpiresInSeconds int      `json:"expiresInSeconds,omitempty"`
	Status           string   `json:"status,omitempty"`
	TaskStatus       string   `json:"taskStatus,omitempty"`
}

// Append is a stored log entry.
type Append struct {
	ID        string     `json:"id"`
	FileID    string     `json:"fileId"`
	Author    string     `json:"author"`
	Type      string     `json:"type"`
	Ref       string     `json:"ref,omitempty"`
	Content   string     `json:"content,omitempty"`
	Priority  string     `json:"priority,omitempty"`
	Labels    []string   `json:"labels,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

type Claim struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Task is a task append with its replayed state.
type Task struct {
	Path        string   `json:"path,omitempty"`
	Task        Append   `json:"task"`
	Status      string   `json:"status"`
	ActiveClaim *Claim   `json:"activeClaim,omitempty"`
	CompletedBy string   `json:"completedBy,omitempty"`
	Chain       []Append `json:"chain"`
}

type AppendDetail struct {
	Append     Append `json:"append"`
	TaskStatus string `json:"taskStatus,omitempty"`
	Task       *Task  `json:"task,omitempty"`
}

type AppendPage struct {
	Appends    []Append `json:"appends"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

type FeedEvent struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Path      string         `json:"path"`
	Actor     string         `json:"actor,omitempty"`
	Data      map[string]any `json:"data"`
}

type FeedPage struct {
	Events     []FeedEvent `json:"events"`
	NextCursor int64       `json:"nextCursor"`
}

// WebhookFilters restrict append-shaped events by append type and label.
type WebhookFilters struct {
	Types  []string `json:"types,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// WebhookInput registers a webhook. Path narrows it below the key's scope.
type WebhookInput struct {
	URL       string          `json:"url"`
	Events    []string        `json:"events,omitempty"`
	ScopeType string          `json:"scopeType,omitempty"`
	Path      string          `json:"path,omitempty"`
	Recursive *bool           `json:"recursive,omitempty"`
	Filters   *WebhookFilters `json:"filters,omitempty"`
	Secret    string          `json:"secret,omitempty"`
}

// WebhookPatch changes only the fields that are set.
type WebhookPatch struct {
	URL       *string         `json:"url,omitempty"`
	Events    *[]string       `json:"events,omitempty"`
	Recursive *bool           `json:"recursive,omitempty"`
	Filters   *WebhookFilters `json:"filters,omitempty"`
	Enabled   *bool           `json:"enabled,omitempty"`
}

type Webhook struct {
	ID           string         `json:"id"`
	URL          string         `json:"url"`
	ScopeType    string         `json:"scopeType"`
	ScopePath    string         `json:"scopePath"`
	Recursive    bool           `json:"recursive"`
	Events       []string       `json:"events"`
	Filters      WebhookFilters `json:"filters"`
	Enabled      bool           `json:"enabled"`
	DisabledAt   *string        `json:"disabledAt,omitempty"`
	FailureCount int            `json:"failureCount"`
	Secret       string         `json:"secret,omitempty"`
	CreatedAt    string         `json:"createdAt"`
	UpdatedAt    string         `json:"updatedAt"`
}

type Delivery struct {
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

type DeliveryPage struct {
	Deliveries []Delivery `json:"deliveries"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// SubscribeInput narrows a WebSocket subscription. The zero value follows the key's scope.
type SubscribeInput struct {
	Events    []string `json:"events,omitempty"`
	ScopeType string   `json:"scopeType,omitempty"`
	Path      string   `json:"path,omitempty"`
	Recursive *bool    `json:"recursive,omitempty"`
}

type Subscription struct {
	Token     string   `json:"token"`
	WSURL     string   `json:"wsUrl"`
	ExpiresAt string   `json:"expiresAt"`
	Events    []string `json:"events"`
	KeyTier   string   `json:"keyTier"`
}

// Files

func (c *Client) CreateFile(ctx context.Context, path, content string) (File, error) {
	var out File
	err := c.do(ctx, http.MethodPost, "files", nil, map[string]any{"path": path, "content": content}, &out)
	return out, err
}

// GetFile reads a file. File-scoped keys may pass an empty path.
func (c *Client) GetFile(ctx context.Context, path string) (File, error) {
	var out File
	err := c.do(ctx, http.MethodGet, "files", pathQuery(path), nil, &out)
	return out, err
}

func (c *Client) UpdateFile(ctx context.Context, path, content string) (File, error) {
	var out File
	err := c.do(ctx, http.MethodPut, "files", pathQuery(path), map[string]any{"content": content}, &out)
	return out, err
}

func (c *Client) DeleteFile(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, "files", pathQuery(path), nil, nil)
}

func (c *Client) CreateFolder(ctx context.Context, path string) (Folder, error) {
	var out Folder
	err := c.do(ctx, http.MethodPost, "folders", nil, map[string]any{"path": path}, &out)
	return out, err
}

// Appends

// Append commits one append to the file at path.
func (c *Client) Append(ctx context.Context, path string, in AppendInput) (AppendResult, error) {
	var out AppendResult
	err := c.do(ctx, http.MethodPost, "appends", pathQuery(path), in, &out)
	return out, err
}

// AppendBatch commits every append or none of them.
func (c *Client) AppendBatch(ctx context.Context, path string, in []AppendInput) ([]AppendResult, error) {
	var out struct {
		Appends []AppendResult `json:"appends"`
	}
	err := c.do(ctx, http.MethodPost, "appends/batch", pathQuery(path), map[string]any{"appends": in}, &out)
	return out.Appends, err
}

// ListAppends pages through a file's log; after is an append id from a previous page.
func (c *Client) ListAppends(ctx context.Context, path, after string, limit int) (AppendPage, error) {
	q := pathQuery(path)
	if after != "" {
		q.Set("after", after)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out AppendPage
	err := c.do(ctx, http.MethodGet, "appends", q, nil, &out)
	return out, err
}

func (c *Client) GetAppend(ctx context.Context, path, id string) (AppendDetail, error) {
	var out AppendDetail
	err := c.do(ctx, http.MethodGet, "appends/"+url.PathEscape(id), pathQuery(path), nil, &out)
	return out, err
}

// Tasks and claims

func (c *Client) CreateTask(ctx context.Context, path, author, content string) (AppendResult, error) {
	return c.Append(ctx, path, AppendInput{Author: author, Type: "task", Content: content})
}

// Claim takes a task. A lost race returns an APIError with CodeAlreadyClaimed.
func (c *Client) Claim(ctx context.Context, path, author, taskID string, expiresIn time.Duration) (AppendResult, error) {
	return c.Append(ctx, path, AppendInput{Author: author, Type: "claim", Ref: taskID, ExpiresInSeconds: int(expiresIn / time.Second)})
}

// Renew extends the claim identified by claimID.
func (c *Client) Renew(ctx context.Context, path, author, claimID string, expiresIn time.Duration) (AppendResult, error) {
	return c.Append(ctx, path, AppendInput{Author: author, Type: "renew", Ref: claimID, ExpiresInSeconds: int(expiresIn / time.Second)})
}

// Cancel releases a claim or, when ref is a task id, cancels the task.
func (c *Client) Cancel(ctx context.Context, path, author, ref string) (AppendResult, error) {
	return c.Append(ctx, path, AppendInput{Author: author, Type: "cancel", Ref: ref})
}

// Complete posts a response to a task, which completes it.
func (c *Client) Complete(ctx context.Context, path, author, taskID, content string) (AppendResult, error) {
	return c.Append(ctx, path, AppendInput{Author: author, Type: "response", Ref: taskID, Content: content})
}

// ListTasks returns derived tasks under path, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, path, status string) ([]Task, error) {
	q := pathQuery(path)
	if status != "" {
		q.Set("status", status)
	}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, "tasks", q, nil, &out)
	return out.Tasks, err
}

// Events returns feed entries after cursor.
func (c *Client) Events(ctx context.Context, cursor int64, limit int) (FeedPage, error) {
	q := url.Values{}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out FeedPage
	err := c.do(ctx, http.MethodGet, "events", q, nil, &out)
	return out, err
}

// Webhooks

// CreateWebhook registers a webhook. The returned Secret is shown only once.
func (c *Client) CreateWebhook(ctx context.Context, in WebhookInput) (Webhook, error) {
	var out Webhook
	err := c.do(ctx, http.MethodPost, "webhooks", nil, in, &out)
	return out, err
}

func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var out struct {
		Webhooks []Webhook `json:"webhooks"`
	}
	err := c.do(ctx, http.MethodGet, "webhooks", nil, nil, &out)
	return out.Webhooks, err
}

func (c *Client) UpdateWebhook(ctx context.Context, id string, patch WebhookPatch) (Webhook, error) {
	var out Webhook
	err := c.do(ctx, http.MethodPatch, "webhooks/"+url.PathEscape(id), nil, patch, &out)
	return out, err
}

// SetWebhookEnabled enables or disables a webhook. Enabling resets its failure count.
func (c *Client) SetWebhookEnabled(ctx context.Context, id string, enabled bool) (Webhook, error) {
	return c.UpdateWebhook(ctx, id, WebhookPatch{Enabled: &enabled})
}

func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "webhooks/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) Deliveries(ctx context.Context, id, cursor string, limit int) (DeliveryPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out DeliveryPage
	err := c.do(ctx, http.MethodGet, "webhooks/"+url.PathEscape(id)+"/deliveries", q, nil, &out)
	return out, err
}

// Subscribe issues a WebSocket token. Pass the result to Dial.
func (c *Client) Subscribe(ctx context.Context, in SubscribeInput) (Subscription, error) {
	var out Subscription
	err := c.do(ctx, http.MethodPost, "subscribe", nil, in, &out)
	return out, err
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/k/" + url.PathEscape(c.Key) + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: string(raw)}
		}
		return fmt.Errorf("mdplane: decode response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.OK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func pathQuery(p string) url.Values {
	q := url.Values{}
	if p != "" {
		q.Set("path", p)
	}
	return q
}
