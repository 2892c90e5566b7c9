package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rakunlabs/gatekit/internal/apperr"
	"github.com/rakunlabs/gatekit/internal/auth"
	"github.com/rakunlabs/gatekit/internal/service"
)

type ctxPrincipalKey struct{}

// principalFrom returns the Principal previously stashed in ctx by
// authenticate, or nil.
func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(ctxPrincipalKey{}).(*auth.Principal)
	return p
}

// authenticate resolves the caller's Principal, applies the default
// sliding-window rate limit keyed by credential identity, and checks
// required scopes. On success it returns a context carrying the
// Principal; on failure it writes the error response itself and returns
// ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, required ...service.Scope) (context.Context, *auth.Principal, bool) {
	p, err := s.resolver.FromRequest(r)
	if err != nil {
		writeErr(w, err)
		return nil, nil, false
	}

	rlKey := string(p.Kind) + ":" + p.ProjectID + p.KeyID + p.UserID
	if ok, wait := s.limiter.Allow(rlKey, s.rateDef, time.Now()); !ok {
		writeErr(w, apperr.RateLimited(int(wait.Seconds())))
		return nil, nil, false
	}

	if err := p.RequireScopes(required...); err != nil {
		writeErr(w, err)
		return nil, nil, false
	}

	ctx := context.WithValue(r.Context(), ctxPrincipalKey{}, p)
	return ctx, p, true
}

// loadProjectByParam resolves the {project} path segment (a slug) and
// guards access for the current Principal.
func (s *Server) loadProjectByParam(ctx context.Context, w http.ResponseWriter, r *http.Request, p *auth.Principal, write bool) (*service.Project, bool) {
	slug := r.PathValue("project")
	project, err := s.store.GetProjectBySlug(ctx, slug)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return nil, false
	}
	if err := auth.GuardProject(ctx, p, project, s.store, write); err != nil {
		writeErr(w, err)
		return nil, false
	}
	return project, true
}

// decodeJSON reads and decodes r.Body into v, writing a validation error
// response on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, apperr.Validation("body", "invalid json body: %v", err))
		return false
	}
	return true
}

// writeErr maps err to GateKit's error response envelope: an
// apperr.Error resolves via its own Kind; anything else is treated as an
// opaque internal error, never echoing the raw cause to the caller.
func writeErr(w http.ResponseWriter, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Internal(err)
	}

	body := map[string]any{
		"error": map[string]any{
			"code":    e.Code,
			"message": e.Message,
		},
	}
	if e.Field != "" {
		body["error"].(map[string]any)["field"] = e.Field
	}
	if e.Kind == apperr.KindRateLimited && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}

	httpResponseJSON(w, body, e.HTTPStatus())
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "1" || v == "true"
}
