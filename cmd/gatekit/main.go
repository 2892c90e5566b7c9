package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/gatekit/internal/adapters/discord"
	"github.com/rakunlabs/gatekit/internal/adapters/telegram"
	"github.com/rakunlabs/gatekit/internal/adapters/whatsappevo"
	"github.com/rakunlabs/gatekit/internal/cluster"
	"github.com/rakunlabs/gatekit/internal/config"
	"github.com/rakunlabs/gatekit/internal/envelope"
	"github.com/rakunlabs/gatekit/internal/eventbus"
	"github.com/rakunlabs/gatekit/internal/identity"
	"github.com/rakunlabs/gatekit/internal/inbound"
	"github.com/rakunlabs/gatekit/internal/outbound"
	"github.com/rakunlabs/gatekit/internal/platformlogs"
	"github.com/rakunlabs/gatekit/internal/registry"
	"github.com/rakunlabs/gatekit/internal/server"
	"github.com/rakunlabs/gatekit/internal/service"
	"github.com/rakunlabs/gatekit/internal/store"
	"github.com/rakunlabs/gatekit/internal/webhooks"
)

var (
	name    = "gatekit"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	bus := eventbus.New()
	reg := registry.New(st)

	adapters := []service.Adapter{
		telegram.New(cfg.Server.BaseURL, bus.Publish),
		discord.New(bus.Publish),
		whatsappevo.New(cfg.Server.BaseURL, bus.Publish),
	}
	for _, a := range adapters {
		if err := reg.Register(ctx, a); err != nil {
			return fmt.Errorf("failed to register adapter %s: %w", a.Name(), err)
		}
	}

	idResolver := identity.New(st)
	logsLogger := platformlogs.New(st)
	hooks, err := webhooks.New(st, cfg.Server.WebhookWorkers)
	if err != nil {
		return fmt.Errorf("failed to build webhook delivery service: %w", err)
	}
	pipeline := outbound.New(st, st, reg, hooks, logsLogger, cfg.Server.OutboundWorkers)
	pipeline.Start()

	proc := inbound.New(bus, st, idResolver, hooks, logsLogger)
	proc.Start()
	defer proc.Stop()

	cl, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	if cl != nil {
		go func() {
			if err := cl.Start(ctx, st.SetEncryptionKey); err != nil {
				slog.Error("cluster coordination stopped", "error", err)
			}
		}()
		defer cl.Stop()
	}

	srv, err := server.New(ctx, cfg.Server, cfg.Auth, st, reg, idResolver, pipeline, hooks, logsLogger, cl)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	propagateActiveConfigs(ctx, st, reg)

	slog.Info("starting gatekit", "addr", net.JoinHostPort(cfg.Server.Host, cfg.Server.Port))
	startErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	return startErr
}

// propagateActiveConfigs replays a LifecycleActivated event for every
// currently active PlatformConfig across every project, so a webhook-class
// adapter re-registers its inbound URL and a websocket-class adapter
// reconnects after a process restart, per the Platform Registry's
// Propagate doc comment.
func propagateActiveConfigs(ctx context.Context, st store.StorerClose, reg *registry.Registry) {
	projects, err := st.ListProjects(ctx, "")
	if err != nil {
		slog.Error("boot propagation: list projects failed", "error", err)
		return
	}

	for _, proj := range projects {
		configs, err := st.ListPlatformConfigs(ctx, proj.ID)
		if err != nil {
			slog.Error("boot propagation: list platform configs failed", "project", proj.Slug, "error", err)
			continue
		}

		for _, cfg := range configs {
			if !cfg.IsActive {
				continue
			}

			creds, err := st.DecryptCredentials(ctx, cfg)
			if err != nil {
				slog.Error("boot propagation: decrypt credentials failed", "platform", cfg.Platform, "error", err)
				continue
			}

			err = reg.Propagate(ctx, cfg.Platform, service.LifecycleEvent{
				Type:             service.LifecycleActivated,
				ConnectionKey:    envelope.ConnectionKey(cfg.ProjectID, cfg.ID),
				PlatformConfigID: cfg.ID,
				Credentials:      creds,
			})
			if err != nil {
				slog.Warn("boot propagation failed", "platform", cfg.Platform, "platformConfigId", cfg.ID, "error", err)
			}
		}
	}
}
