package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"mdplane/internal/domain"
	"mdplane/internal/engine"
	"mdplane/internal/engine/auth"
	"mdplane/internal/repo"
)

// capability resolves key and requires tier. Every failure surfaces as a 404 code.
func (s *service) capability(ctx context.Context, key, tier string) (domain.Capability, error) {
	c, err := s.resolver.Resolve(ctx, key)
	if err != nil {
		return c, err
	}
	return c, auth.Require(c, tier)
}

// filePath resolves the target path of a file operation. File-scoped keys may omit it.
func filePath(c domain.Capability, raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		if c.ScopeType != domain.ScopeFile {
			return "", engine.NewError(engine.CodeInvalidRequest, "path is required")
		}
		raw = c.ScopePath
	}
	return auth.CheckPath(c, raw)
}

func actor(c domain.Capability) string {
	return "key:" + c.KeyID
}

func registerSubscribe(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "subscribe",
		Method:      http.MethodPost,
		Path:        "/k/{key}/subscribe",
		Summary:     "Issue a WebSocket subscribe token",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key  string            `path:"key"`
		Body *SubscribeRequest `required:"false"`
	}) (*okOutput[SubscribeData], error) {
		c, err := s.capability(ctx, input.Key, domain.TierRead)
		if err != nil {
			return nil, s.handleError(err)
		}
		req := SubscribeRequest{}
		if input.Body != nil {
			req = *input.Body
		}
		sub, err := auth.Subscription(c, req.Events, req.ScopeType, req.Path, req.Recursive)
		if err != nil {
			return nil, s.handleError(err)
		}
		token, exp, err := s.tokens.Issue(c.KeyID, sub)
		if err != nil {
			return nil, s.handleError(err)
		}
		return ok(SubscribeData{
			Token:     token,
			WSURL:     s.wsURL(ctx, token),
			ExpiresAt: repo.FormatTime(exp),
			Events:    sub.Events,
			KeyTier:   c.Tier,
		}), nil
	})
}

// wsURL points at the /ws endpoint of the public URL, or of the request host.
func (s *service) wsURL(ctx context.Context, token string) string {
	base := s.publicURL
	if base == "" {
		scheme, host := "http", "localhost"
		if r := requestFromContext(ctx); r != nil {
			host = r.Host
			if r.TLS != nil {
				scheme = "https"
			}
		}
		base = scheme + "://" + host
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws?token=" + token
}

// wsHandler upgrades /ws?token= requests once the token verifies.
func wsHandler(tokens auth.TokenIssuer, hub Streamer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := tokens.Verify(r.URL.Query().Get("token"))
		if err != nil {
			logger.Debug("websocket token rejected", "err", err)
			writeError(w, newAPIError(http.StatusNotFound, engine.CodeInvalidKey, "invalid or expired subscribe token"))
			return
		}
		hub.Serve(w, r, sub)
	}
}
