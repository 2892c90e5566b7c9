// Package webhookctx carries the PlatformConfig identity the generic
// webhook dispatcher (registry.DispatchByToken) already resolved down
// into a webhook-class adapter's Handler, so the adapter can build and
// publish an Envelope without reaching back into the store itself.
package webhookctx

import "context"

type key struct{}

// Config is the PlatformConfig identity attached to a dispatched webhook
// request.
type Config struct {
	ProjectID        string
	PlatformConfigID string
}

// With returns a context carrying cfg, for the server layer to attach
// before invoking adapter.GetWebhookConfig().Handler.
func With(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, key{}, cfg)
}

// From retrieves the Config attached by With, if any.
func From(ctx context.Context) (Config, bool) {
	cfg, ok := ctx.Value(key{}).(Config)
	return cfg, ok
}
