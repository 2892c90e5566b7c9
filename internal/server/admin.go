// Admin surface: adapter health aggregation and master encryption
// key rotation. Uses a static-bearer adminAuthMiddleware/RotateKeyAPI
// pair, generalized from the single-node
// case to propagate the new key to cluster peers via internal/cluster
// when clustering is configured.
package server

import (
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"
	gkcrypto "github.com/rakunlabs/gatekit/internal/crypto"
)

func (s *Server) registerAdminRoutes(g *ada.Mux) {
	ag := g.Group("/admin")
	ag.Use(s.adminAuthMiddleware())
	ag.GET("/health", s.AdminHealth)
	ag.POST("/rotate-key", s.RotateKey)
}

// adminAuthMiddleware protects /api/v1/admin/* with a static bearer
// token. If no admin_token is configured, every admin request is
// rejected with 403 (fail-closed default).
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if auth == "" || token == auth || token != s.cfg.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AdminHealth handles GET /api/v1/admin/health: per-adapter health from
// the Platform Registry.
func (s *Server) AdminHealth(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{
		"adapters": s.registry.Health(),
	}, http.StatusOK)
}

type rotateKeyRequest struct {
	NewKey string `json:"newKey"`
}

// RotateKey handles POST /api/v1/admin/rotate-key: it re-encrypts every
// PlatformConfig's credentials under newKey, then (if clustering is
// configured) broadcasts the new key to peers under the distributed
// rotation lock so no peer briefly holds stale ciphertext it can't
// decrypt.
func (s *Server) RotateKey(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NewKey == "" {
		httpResponse(w, "newKey is required", http.StatusBadRequest)
		return
	}

	newKey, err := gkcrypto.DeriveKey(req.NewKey)
	if err != nil {
		httpResponse(w, "invalid key", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if s.cluster != nil {
		if err := s.cluster.Lock(ctx); err != nil {
			httpResponse(w, "failed to acquire rotation lock", http.StatusInternalServerError)
			return
		}
		defer s.cluster.Unlock()
	}

	if err := s.store.RotateEncryptionKey(ctx, newKey); err != nil {
		httpResponse(w, "rotation failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.store.SetEncryptionKey(newKey)

	if s.cluster != nil {
		if err := s.cluster.BroadcastNewKey(ctx, newKey); err != nil {
			httpResponse(w, "rotated locally but broadcast failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	httpResponse(w, "encryption key rotated", http.StatusOK)
}
