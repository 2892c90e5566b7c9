// Package server wires GateKit's HTTP API: the route table, the
// auth and scope enforcement layer, and every handler group backing the
// service-layer components. Uses ada.New(), a chain of
// recover/server-id/cors/requestid/log/telemetry middleware, grouped
// routes under a configurable base path, and a background sweep
// goroutine for in-memory caches (here: the rate limiter).
package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/gatekit/internal/auth"
	"github.com/rakunlabs/gatekit/internal/cluster"
	"github.com/rakunlabs/gatekit/internal/config"
	"github.com/rakunlabs/gatekit/internal/identity"
	"github.com/rakunlabs/gatekit/internal/outbound"
	"github.com/rakunlabs/gatekit/internal/platformlogs"
	"github.com/rakunlabs/gatekit/internal/ratelimit"
	"github.com/rakunlabs/gatekit/internal/registry"
	"github.com/rakunlabs/gatekit/internal/store"
	"github.com/rakunlabs/gatekit/internal/webhooks"
)

// Server is GateKit's HTTP edge. It holds no business logic of its own;
// every handler delegates to a service-layer component constructed in
// New and carried on this struct.
type Server struct {
	cfg config.Server

	server *ada.Server

	store    store.StorerClose
	resolver *auth.Resolver
	registry *registry.Registry
	identity *identity.Resolver
	outbound *outbound.Pipeline
	webhooks *webhooks.Service
	logs     *platformlogs.Logger
	limiter  *ratelimit.Limiter
	rateDef  ratelimit.Limit

	cluster *cluster.Cluster
}

// New builds the Server and registers every route of the API surface.
func New(
	ctx context.Context,
	cfg config.Server,
	authCfg config.Auth,
	st store.StorerClose,
	reg *registry.Registry,
	idResolver *identity.Resolver,
	pipeline *outbound.Pipeline,
	hooks *webhooks.Service,
	logs *platformlogs.Logger,
	cl *cluster.Cluster,
) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:      cfg,
		server:   mux,
		store:    st,
		registry: reg,
		identity: idResolver,
		outbound: pipeline,
		webhooks: hooks,
		logs:     logs,
		limiter:  ratelimit.New(),
		rateDef: ratelimit.Limit{
			Max:    authCfg.RateLimit.Limit,
			Window: authCfg.RateLimit.TTL,
		},
		cluster: cl,
	}

	s.resolver = &auth.Resolver{
		Keys:        st,
		JWTVerifier: buildJWTVerifier(authCfg),
	}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiter.Sweep(30 * time.Minute)
			}
		}
	}()

	if cfg.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", cfg.BasePath)
	}

	baseGroup := mux.Group(cfg.BasePath)

	if cfg.ForwardAuth != nil {
		slog.Info("forward auth enabled", "url", cfg.ForwardAuth.Address)
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}

	apiGroup := baseGroup.Group("/api/v1")

	s.registerAuthRoutes(apiGroup)
	s.registerProjectRoutes(apiGroup)
	s.registerKeyRoutes(apiGroup)
	s.registerPlatformRoutes(apiGroup)
	s.registerMessageRoutes(apiGroup)
	s.registerIdentityRoutes(apiGroup)
	s.registerWebhookSubscriberRoutes(apiGroup)
	s.registerLogRoutes(apiGroup)
	s.registerAdminRoutes(apiGroup)
	s.registerWebhookDispatchRoutes(apiGroup)

	return s, nil
}

func buildJWTVerifier(authCfg config.Auth) *auth.JWTVerifier {
	if authCfg.Auth0 == nil {
		return nil
	}
	return auth.NewJWTVerifier(authCfg.Auth0.Domain, authCfg.Auth0.Audience)
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}

// Shutdown stops the outbound and webhook-delivery pipelines and tears
// down every platform adapter's live connections. Workers finish the
// job they are on, then exit; the outbound pipeline is waited for (until
// ctx is done), webhook delivery is not, and jobs still queued are not run.
func (s *Server) Shutdown(ctx context.Context) {
	s.outbound.Shutdown(ctx)
	s.webhooks.Shutdown()
	s.registry.Shutdown(ctx)
}
