// Package registry holds every registered platform adapter: a
// concurrency-safe name-to-adapter map, webhook routing, lifecycle-event
// propagation, and health aggregation. Auto-connect on demand is
// implemented with golang.org/x/sync/singleflight so concurrent callers
// for the same connection key share one CreateAdapter call instead of
// racing.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/rakunlabs/gatekit/internal/envelope"
	"github.com/rakunlabs/gatekit/internal/service"
)

// Registry holds every registered platform adapter and mediates lifecycle
// events and webhook dispatch between the HTTP edge and the adapters.
type Registry struct {
	platforms service.PlatformConfigStorer

	mu       sync.RWMutex
	adapters map[string]service.Adapter // platform name -> adapter

	connect singleflight.Group // keyed by connectionKey, single-flights CreateAdapter
}

func New(platforms service.PlatformConfigStorer) *Registry {
	return &Registry{
		platforms: platforms,
		adapters:  make(map[string]service.Adapter),
	}
}

// Register adds an adapter under its declared Name(). A duplicate
// registration overwrites the previous one with a warning, using
// reloadProvider hot-swap semantics.
func (r *Registry) Register(ctx context.Context, a service.Adapter) error {
	if err := a.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize adapter %q: %w", a.Name(), err)
	}

	r.mu.Lock()
	if _, exists := r.adapters[a.Name()]; exists {
		slog.Warn("platform adapter re-registered, overwriting", "platform", a.Name())
	}
	r.adapters[a.Name()] = a
	r.mu.Unlock()

	return nil
}

// Get returns the registered adapter for a platform name, or false.
func (r *Registry) Get(platform string) (service.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	return a, ok
}

// Names returns every registered platform name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// EnsureConnected returns a live connection for (platform, connectionKey),
// creating it on demand if absent, the auto-connect path shared by
// webhook dispatch and outbound send. Concurrent callers for the
// same connectionKey single-flight into one CreateAdapter call.
func (r *Registry) EnsureConnected(ctx context.Context, platform, connectionKey string, credentials map[string]any) (service.Adapter, error) {
	a, ok := r.Get(platform)
	if !ok {
		return nil, fmt.Errorf("platform %q not registered", platform)
	}

	if a.GetAdapter(connectionKey) {
		return a, nil
	}

	_, err, _ := r.connect.Do(connectionKey, func() (any, error) {
		if a.GetAdapter(connectionKey) {
			return nil, nil
		}
		return nil, a.CreateAdapter(ctx, connectionKey, credentials)
	})
	if err != nil {
		return nil, fmt.Errorf("connect adapter %q (%s): %w", platform, connectionKey, err)
	}

	return a, nil
}

// Disconnect tears down a single connection, e.g. after a PlatformConfig
// is deactivated or deleted.
func (r *Registry) Disconnect(ctx context.Context, platform, connectionKey string) error {
	a, ok := r.Get(platform)
	if !ok {
		return nil
	}
	return a.RemoveAdapter(ctx, connectionKey)
}

// Propagate dispatches a PlatformConfig lifecycle transition to the owning
// adapter's OnPlatformEvent hook, called by the HTTP layer on config
// create/activate/update/deactivate/delete and on app boot for every
// active config.
func (r *Registry) Propagate(ctx context.Context, platform string, evt service.LifecycleEvent) error {
	a, ok := r.Get(platform)
	if !ok {
		return fmt.Errorf("platform %q not registered", platform)
	}
	return a.OnPlatformEvent(ctx, evt)
}

// Health reports, per registered adapter, the adapter-level result of
// IsHealthy(""). Individual connection keys are not inspected and no
// connections list is returned; a provider with zero connections reads
// healthy (idle).
func (r *Registry) Health() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.adapters))
	for name, a := range r.adapters {
		out[name] = a.IsHealthy("")
	}
	return out
}

// Shutdown tears down every adapter's connections for graceful process
// exit.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	adapters := make([]service.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	for _, a := range adapters {
		if err := a.Shutdown(ctx); err != nil {
			slog.Error("adapter shutdown failed", "platform", a.Name(), "error", err)
		}
	}
}

// WebhookTokenPattern is the path segment every webhook-class adapter's
// route is mounted under: /api/v1/webhooks/{platform}/{webhookToken}.
const WebhookTokenPattern = "webhookToken"

// DispatchByToken implements the generic webhook dispatcher: it
// validates the token is a UUID v4, resolves the owning PlatformConfig,
// rejects on platform mismatch or inactivity, auto-connects the adapter if
// needed, and returns it for the HTTP layer to hand off to
// adapter.GetWebhookConfig().Handler.
func (r *Registry) DispatchByToken(ctx context.Context, platform, webhookToken string) (*service.Adapter, *service.PlatformConfig, int, error) {
	if _, err := uuid.Parse(webhookToken); err != nil {
		return nil, nil, 404, nil
	}

	cfg, err := r.platforms.GetPlatformConfigByWebhookToken(ctx, webhookToken)
	if err != nil {
		return nil, nil, 500, err
	}
	if cfg == nil {
		return nil, nil, 404, nil
	}
	if cfg.Platform != platform {
		return nil, nil, 404, nil
	}
	if !cfg.IsActive {
		return nil, nil, 404, nil
	}

	creds, err := r.platforms.DecryptCredentials(ctx, *cfg)
	if err != nil {
		return nil, nil, 500, fmt.Errorf("decrypt credentials: %w", err)
	}

	connKey := envelope.ConnectionKey(cfg.ProjectID, cfg.ID)
	a, err := r.EnsureConnected(ctx, platform, connKey, creds)
	if err != nil {
		return nil, nil, 500, err
	}

	return &a, cfg, 200, nil
}
