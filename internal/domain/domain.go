package domain

import "time"

type Workspace struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type File struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Path        string `json:"path"`
	Content     string `json:"content"`
	AppendSeq   int64  `json:"-"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Folder struct {
	WorkspaceID string `json:"workspace_id"`
	Path        string `json:"path"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Append types.
const (
	AppendTask     = "task"
	AppendClaim    = "claim"
	AppendRenew    = "renew"
	AppendCancel   = "cancel"
	AppendResponse = "response"
	AppendBlocked  = "blocked"
	AppendAnswer   = "answer"
	AppendVote     = "vote"
	AppendComment  = "comment"
)

var appendTypes = map[string]bool{
	AppendTask: true, AppendClaim: true, AppendRenew: true, AppendCancel: true,
	AppendResponse: true, AppendBlocked: true, AppendAnswer: true, AppendVote: true,
	AppendComment: true,
}

// IsAppendType reports whether t is a recognized append type.
func IsAppendType(t string) bool { return appendTypes[t] }

// RequiresRef reports whether appends of type t must reference another append.
func RequiresRef(t string) bool {
	switch t {
	case AppendClaim, AppendRenew, AppendCancel, AppendResponse, AppendBlocked, AppendAnswer, AppendVote:
		return true
	}
	return false
}

// Append is an immutable record in a file's log. Seq orders appends within a file; ID is "a<Seq>".
type Append struct {
	ID        string     `json:"id"`
	Seq       int64      `json:"-"`
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

// Task statuses, derived by replay.
const (
	TaskOpen      = "open"
	TaskClaimed   = "claimed"
	TaskDone      = "done"
	TaskCancelled = "cancelled"
)

type ClaimState struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TaskView is the replayed state of a task append and its chain.
type TaskView struct {
	Task        Append      `json:"task"`
	Status      string      `json:"status"`
	ActiveClaim *ClaimState `json:"activeClaim,omitempty"`
	CompletedBy string      `json:"completedBy,omitempty"`
	Chain       []Append    `json:"chain"`
}

// Permission tiers, ordered.
const (
	TierRead   = "read"
	TierAppend = "append"
	TierWrite  = "write"
)

var tierRank = map[string]int{TierRead: 1, TierAppend: 2, TierWrite: 3}

// TierAllows reports whether have is at least want.
func TierAllows(have, want string) bool {
	return tierRank[have] > 0 && tierRank[have] >= tierRank[want]
}

func IsTier(t string) bool { return tierRank[t] > 0 }

// Scope types.
const (
	ScopeWorkspace = "workspace"
	ScopeFolder    = "folder"
	ScopeFile      = "file"
)

type CapabilityKey struct {
	ID          string  `json:"id"`
	WorkspaceID string  `json:"workspace_id"`
	KeyHash     string  `json:"-"`
	Tier        string  `json:"tier"`
	ScopeType   string  `json:"scope_type"`
	ScopePath   string  `json:"scope_path"`
	RevokedAt   *string `json:"revoked_at,omitempty"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// Capability is a resolved, valid capability key.
type Capability struct {
	KeyID       string
	WorkspaceID string
	Tier        string
	ScopeType   string
	ScopePath   string
}

type WebhookFilters struct {
	Types  []string `json:"types,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

type Webhook struct {
	ID           string         `json:"id"`
	WorkspaceID  string         `json:"workspace_id"`
	ScopeType    string         `json:"scope_type"`
	ScopePath    string         `json:"scope_path"`
	Recursive    bool           `json:"recursive"`
	URL          string         `json:"url"`
	Events       []string       `json:"events"`
	Filters      WebhookFilters `json:"filters"`
	Secret       string         `json:"-"`
	DisabledAt   *string        `json:"disabled_at,omitempty"`
	FailureCount int            `json:"failure_count"`
	Sequence     int64          `json:"-"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

const (
	DeliveryOK     = "ok"
	DeliveryFailed = "failed"
)

type DeliveryLog struct {
	ID           int64  `json:"id"`
	WebhookID    string `json:"webhook_id"`
	EventID      string `json:"event_id"`
	Event        string `json:"event"`
	Attempt      int    `json:"attempt"`
	ResponseCode int    `json:"response_code"`
	Status       string `json:"status"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Event is a persisted mutation in the workspace event feed.
type Event struct {
	ID          int64  `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	Path        string `json:"path"`
	ActorID     string `json:"actor_id,omitempty"`
	Payload     string `json:"payload_json"`
}

// Mutation is a committed change handed to the event router.
type Mutation struct {
	WorkspaceID string
	Path        string
	Event       string
	Actor       string
	AppendType  string
	Labels      []string
	Timestamp   time.Time
	Data        map[string]any
}

// IsAppendShaped reports whether the mutation carries an append payload.
func (m Mutation) IsAppendShaped() bool { return m.AppendType != "" }

type EnvelopeFile struct {
	Path string `json:"path"`
}

// Envelope is the wire shape of a delivered event.
type Envelope struct {
	EventID   string         `json:"eventId"`
	Sequence  int64          `json:"sequence"`
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	File      EnvelopeFile   `json:"file"`
	Data      map[string]any `json:"data"`
}

// Subscription binds a live connection to a scope and event set.
type Subscription struct {
	WorkspaceID string
	Tier        string
	ScopeType   string
	ScopePath   string
	Recursive   bool
	Events      []string
}
