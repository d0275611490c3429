package domain

// Event names delivered to webhooks and WebSocket subscribers.
const (
	EventFileCreated    = "file.created"
	EventFileUpdated    = "file.updated"
	EventFileDeleted    = "file.deleted"
	EventFolderCreated  = "folder.created"
	EventAppendCreated  = "append.created"
	EventTaskCreated    = "task.created"
	EventTaskClaimed    = "task.claimed"
	EventTaskCompleted  = "task.completed"
	EventTaskCancelled  = "task.cancelled"
	EventTaskBlocked    = "task.blocked"
	EventTaskAnswered   = "task.answered"
	EventClaimRenewed   = "claim.renewed"
	EventClaimCancelled = "claim.cancelled"
	EventClaimExpired   = "claim.expired"
	EventWebhookCreated = "webhook.created"
	EventWebhookUpdated = "webhook.updated"
	EventWebhookDeleted = "webhook.deleted"
)

var readEvents = []string{
	EventFileCreated, EventFileUpdated, EventFileDeleted, EventFolderCreated, EventAppendCreated,
}

var appendEvents = []string{
	EventTaskCreated, EventTaskClaimed, EventTaskCompleted, EventTaskCancelled, EventTaskBlocked,
	EventTaskAnswered, EventClaimRenewed, EventClaimCancelled, EventClaimExpired,
}

var writeEvents = []string{
	EventWebhookCreated, EventWebhookUpdated, EventWebhookDeleted,
}

// TierEvents returns the events visible to a permission tier.
func TierEvents(tier string) []string {
	out := append([]string{}, readEvents...)
	if TierAllows(tier, TierAppend) {
		out = append(out, appendEvents...)
	}
	if TierAllows(tier, TierWrite) {
		out = append(out, writeEvents...)
	}
	if !IsTier(tier) {
		return nil
	}
	return out
}

// TierSees reports whether evt is visible to tier.
func TierSees(tier, evt string) bool {
	for _, e := range TierEvents(tier) {
		if e == evt {
			return true
		}
	}
	return false
}

// IsEvent reports whether evt is a known event name.
func IsEvent(evt string) bool {
	return TierSees(TierWrite, evt)
}

// IsRegistryEvent reports whether evt describes the webhook registry rather than a path.
// Such events carry the webhook's scope path and reach every subscriber whose scope
// contains it.
func IsRegistryEvent(evt string) bool {
	switch evt {
	case EventWebhookCreated, EventWebhookUpdated, EventWebhookDeleted:
		return true
	}
	return false
}

// AppendEvent maps an append to the event it produces. cancelsTask is true when a cancel
// references the task itself rather than a claim.
func AppendEvent(appendType string, cancelsTask bool) string {
	switch appendType {
	case AppendTask:
		return EventTaskCreated
	case AppendClaim:
		return EventTaskClaimed
	case AppendRenew:
		return EventClaimRenewed
	case AppendCancel:
		if cancelsTask {
			return EventTaskCancelled
		}
		return EventClaimCancelled
	case AppendResponse:
		return EventTaskCompleted
	case AppendBlocked:
		return EventTaskBlocked
	case AppendAnswer:
		return EventTaskAnswered
	default:
		return EventAppendCreated
	}
}
