// Package auth resolves capability keys and issues the short-lived tokens that bind a
// WebSocket connection to a key's tier and scope.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mdplane/internal/domain"
	"mdplane/internal/engine"
	"mdplane/internal/repo"
	"mdplane/internal/scope"
)

// Resolver turns raw capability keys into capabilities. Every failure is reported as a
// not-found code so callers cannot probe which keys exist.
type Resolver struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (r Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Resolve looks key up by hash and rejects revoked or expired keys.
func (r Resolver) Resolve(ctx context.Context, key string) (domain.Capability, error) {
	if strings.TrimSpace(key) == "" {
		return domain.Capability{}, engine.NewError(engine.CodeInvalidKey, "invalid key")
	}
	k, err := r.Repo.GetCapabilityKeyByHash(ctx, repo.HashKey(key))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Capability{}, engine.NewError(engine.CodeInvalidKey, "invalid key")
	}
	if err != nil {
		return domain.Capability{}, err
	}
	if k.RevokedAt != nil {
		return domain.Capability{}, engine.NewError(engine.CodeKeyRevoked, "key revoked")
	}
	if k.ExpiresAt != nil {
		exp, err := repo.ParseTime(*k.ExpiresAt)
		if err == nil && !r.now().Before(exp) {
			return domain.Capability{}, engine.NewError(engine.CodeKeyRevoked, "key expired")
		}
	}
	return domain.Capability{
		KeyID:       k.ID,
		WorkspaceID: k.WorkspaceID,
		Tier:        k.Tier,
		ScopeType:   k.ScopeType,
		ScopePath:   k.ScopePath,
	}, nil
}

// Require fails with INVALID_KEY when c is below tier.
func Require(c domain.Capability, tier string) error {
	if !domain.TierAllows(c.Tier, tier) {
		return engine.NewError(engine.CodeInvalidKey, "invalid key")
	}
	return nil
}

// CheckPath normalizes p and fails with FILE_NOT_FOUND when it lies outside c's scope.
func CheckPath(c domain.Capability, p string) (string, error) {
	n, err := scope.Normalize(p)
	if err != nil {
		return "", engine.NewError(engine.CodeInvalidRequest, "invalid path")
	}
	if !scope.Contains(c.ScopeType, c.ScopePath, n) {
		return "", engine.NewError(engine.CodeFileNotFound, "file not found")
	}
	return n, nil
}

// TokenIssuer signs and verifies subscribe tokens (HS256).
type TokenIssuer struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

type subscribeClaims struct {
	jwt.RegisteredClaims
	Workspace string   `json:"ws"`
	Tier      string   `json:"tier"`
	ScopeType string   `json:"scope_type"`
	ScopePath string   `json:"scope_path"`
	Recursive bool     `json:"recursive,omitempty"`
	Events    []string `json:"events"`
}

var ErrInvalidToken = errors.New("invalid subscribe token")

func (i TokenIssuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue signs a token for sub and returns it with its expiry.
func (i TokenIssuer) Issue(keyID string, sub domain.Subscription) (string, time.Time, error) {
	if strings.TrimSpace(i.Secret) == "" {
		return "", time.Time{}, errors.New("token secret not configured")
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	now := i.now()
	exp := now.Add(ttl).Truncate(time.Second)
	claims := subscribeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   keyID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Workspace: sub.WorkspaceID,
		Tier:      sub.Tier,
		ScopeType: sub.ScopeType,
		ScopePath: sub.ScopePath,
		Recursive: sub.Recursive,
		Events:    sub.Events,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Verify checks the signature and expiry of token and returns the bound subscription.
func (i TokenIssuer) Verify(token string) (domain.Subscription, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	claims := &subscribeClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(i.Secret), nil
	})
	if err != nil || !parsed.Valid {
		return domain.Subscription{}, ErrInvalidToken
	}
	if claims.Workspace == "" || !domain.IsTier(claims.Tier) {
		return domain.Subscription{}, ErrInvalidToken
	}
	return domain.Subscription{
		WorkspaceID: claims.Workspace,
		Tier:        claims.Tier,
		ScopeType:   claims.ScopeType,
		ScopePath:   claims.ScopePath,
		Recursive:   claims.Recursive,
		Events:      claims.Events,
	}, nil
}

// Subscription derives the subscription a capability may open. Requested events are
// intersected with the tier's visible set; none requested means all of them. A narrower
// folder or file scope may be requested as long as it stays inside the key's scope.
func Subscription(c domain.Capability, events []string, scopeType, scopePath string, recursive *bool) (domain.Subscription, error) {
	sub := domain.Subscription{
		WorkspaceID: c.WorkspaceID,
		Tier:        c.Tier,
		ScopeType:   c.ScopeType,
		ScopePath:   c.ScopePath,
		Recursive:   true,
	}
	if c.ScopeType == domain.ScopeWorkspace {
		sub.ScopeType, sub.ScopePath = domain.ScopeFolder, "/"
	}
	if scopePath != "" {
		p, err := CheckPath(c, scopePath)
		if err != nil {
			return sub, err
		}
		if scopeType == "" {
			scopeType = domain.ScopeFolder
		}
		if scopeType != domain.ScopeFolder && scopeType != domain.ScopeFile {
			return sub, engine.NewError(engine.CodeInvalidRequest, "scope type must be folder or file")
		}
		sub.ScopeType, sub.ScopePath = scopeType, p
	}
	if recursive != nil {
		sub.Recursive = *recursive
	}

	visible := domain.TierEvents(c.Tier)
	if len(events) == 0 {
		sub.Events = visible
		return sub, nil
	}
	allowed := map[string]bool{}
	for _, e := range visible {
		allowed[e] = true
	}
	for _, e := range events {
		if !domain.IsEvent(e) {
			return sub, engine.NewError(engine.CodeInvalidRequest, "unknown event "+e)
		}
		if allowed[e] {
			sub.Events = append(sub.Events, e)
		}
	}
	if len(sub.Events) == 0 {
		return sub, engine.NewError(engine.CodeInvalidRequest, "none of the requested events are visible to this key")
	}
	return sub, nil
}
