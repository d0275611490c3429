package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"mdplane/internal/domain"
	"mdplane/internal/scope"
)

// maxFeedScans bounds how many raw pages one feed request reads while skipping events the
// key cannot see.
const maxFeedScans = 10

func registerEvents(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/k/{key}/events",
		Summary:     "Poll the event feed",
		Description: "Events visible to the key's tier and scope, oldest first. Pass the returned nextCursor to continue.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key    string `path:"key"`
		Cursor int64  `query:"cursor" minimum:"0"`
		Limit  int    `query:"limit" default:"100"`
	}) (*okOutput[FeedData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierRead)
		if err != nil {
			return nil, s.handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		out := FeedData{Events: []FeedEvent{}, NextCursor: input.Cursor}
		for scan := 0; scan < maxFeedScans && len(out.Events) < limit; scan++ {
			page, err := s.engine.Repo.EventsAfter(ctx, c.WorkspaceID, out.NextCursor, limit)
			if err != nil {
				return nil, s.handleError(err)
			}
			for _, evt := range page {
				if len(out.Events) == limit {
					break
				}
				out.NextCursor = evt.ID
				if !domain.TierSees(c.Tier, evt.Type) || !scope.Contains(c.ScopeType, c.ScopePath, evt.Path) {
					continue
				}
				out.Events = append(out.Events, feedEvent(evt))
			}
			if len(page) < limit {
				break
			}
		}
		return ok(out), nil
	})
}

func feedEvent(evt domain.Event) FeedEvent {
	data := map[string]any{}
	_ = json.Unmarshal([]byte(evt.Payload), &data)
	return FeedEvent{
		ID:        evt.ID,
		Event:     evt.Type,
		Timestamp: evt.TS,
		Path:      evt.Path,
		Actor:     evt.ActorID,
		Data:      data,
	}
}
