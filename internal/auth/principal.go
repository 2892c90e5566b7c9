// Package auth implements GateKit's authorization core: extracting a
// uniform Principal from either an API-key or a JWT credential, enforcing
// the closed scope vocabulary, and guarding project access. Uses an
// authResult shape: a struct holding the resolved caller plus predicate
// helpers over its scope set.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rakunlabs/gatekit/internal/apperr"
	gkcrypto "github.com/rakunlabs/gatekit/internal/crypto"
	"github.com/rakunlabs/gatekit/internal/service"
)

// Kind distinguishes the two credential types a Principal can be built
// from.
type Kind string

const (
	KindAPIKey Kind = "api-key"
	KindJWT    Kind = "jwt"
)

// Principal is the uniform resolved caller, regardless of credential
// kind. Never serialize Principal directly into an error body.
type Principal struct {
	Kind Kind

	// API-key fields.
	ProjectID string
	KeyID     string
	KeyName   string

	// JWT fields.
	UserID      string
	Email       string
	Permissions []string

	Scopes []service.Scope
}

// HasScopes reports whether every required scope is held by the
// principal. Scopes are independent tokens; none implies another.
func (p *Principal) HasScopes(required ...service.Scope) bool {
	return service.ScopesSubset(required, p.Scopes)
}

// RequireScopes returns an apperr.Authorization error listing every
// required scope when the principal lacks any of required, or nil.
func (p *Principal) RequireScopes(required ...service.Scope) error {
	if p.HasScopes(required...) {
		return nil
	}
	return apperr.Authorization("insufficient scope: requires %v", required)
}

// headerAPIKey is the header carrying the plaintext API key.
const headerAPIKey = "X-API-Key"

// Resolver extracts a Principal from an incoming request, trying the
// API-key header first and falling back to a Bearer JWT. Either
// dependency may be nil: a nil jwtVerifier disables the JWT path (missing
// Auth0 config keeps the API-key path functional).
type Resolver struct {
	Keys        service.ApiKeyStorer
	JWTVerifier *JWTVerifier // nil disables JWT auth
}

// ErrNoCredential describes the case where neither header is present.
// FromRequest does not return it; it reports that case as an
// apperr.Authentication error.
var ErrNoCredential = errors.New("no credential presented")

// FromRequest resolves the Principal for r, or an *apperr.Error
// classified as KindAuthentication.
func (res *Resolver) FromRequest(r *http.Request) (*Principal, error) {
	if key := r.Header.Get(headerAPIKey); key != "" {
		return res.fromAPIKey(r.Context(), key)
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != auth && token != "" {
			return res.fromJWT(r.Context(), token)
		}
	}

	return nil, apperr.Authentication("missing credential: provide X-API-Key or Authorization: Bearer")
}

func (res *Resolver) fromAPIKey(ctx context.Context, plaintext string) (*Principal, error) {
	if res.Keys == nil {
		return nil, apperr.Authentication("api-key auth not configured")
	}

	hash := gkcrypto.HashAPIKey(plaintext)

	key, err := res.Keys.GetApiKeyByHash(ctx, hash)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if key == nil {
		return nil, apperr.Authentication("invalid api key")
	}

	now := time.Now().UTC()
	if !key.ValidAt(now) {
		return nil, apperr.Authentication("api key expired or revoked")
	}

	// Best-effort: a failure here must never fail the request.
	go func() {
		_ = res.Keys.UpdateLastUsed(context.Background(), key.ID, now)
	}()

	return &Principal{
		Kind:      KindAPIKey,
		ProjectID: key.ProjectID,
		KeyID:     key.ID,
		KeyName:   key.Name,
		Scopes:    key.Scopes,
	}, nil
}

func (res *Resolver) fromJWT(ctx context.Context, token string) (*Principal, error) {
	if res.JWTVerifier == nil {
		return nil, apperr.Authentication("jwt auth not configured")
	}

	claims, err := res.JWTVerifier.Verify(ctx, token)
	if err != nil {
		return nil, apperr.Authentication("invalid jwt: %v", err)
	}

	scopes := make([]service.Scope, 0, len(claims.Permissions)+4)
	seen := make(map[service.Scope]bool)
	add := func(s string) {
		if s == "" {
			return
		}
		sc := service.Scope(s)
		if !seen[sc] {
			seen[sc] = true
			scopes = append(scopes, sc)
		}
	}
	for _, p := range claims.Permissions {
		add(p)
	}
	for _, s := range strings.Fields(claims.Scope) {
		add(s)
	}

	return &Principal{
		Kind:        KindJWT,
		UserID:      claims.Subject,
		Email:       claims.Email,
		Permissions: claims.Permissions,
		Scopes:      scopes,
	}, nil
}
