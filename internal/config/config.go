// Package config loads GateKit's process configuration: the gateway HTTP
// server, the persistent store, scope/rate-limit defaults, and the optional
// Auth0 JWT integration.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

// Service identifies this process in logs and telemetry; set by main from
// the build-time name/version.
var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Server Server `cfg:"server"`
	Store  Store  `cfg:"store"`
	Auth   Auth   `cfg:"auth"`

	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// BaseURL is this instance's externally-reachable URL, used to build
	// inbound webhook URLs registered with providers (e.g. Telegram
	// setWebHook, Evolution API webhook config).
	BaseURL string `cfg:"base_url"`

	// ForwardAuth, if set, delegates authentication of JWT-mode requests to
	// an external auth service before the request reaches the auth layer.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken protects /api/v1/admin/* endpoints (master-key rotation,
	// cluster status). If empty, admin endpoints reject every request.
	AdminToken string `cfg:"admin_token" log:"-"`

	// Alan, if set, enables distributed coordination (master-key rotation
	// broadcast) across multiple GateKit instances via UDP peer discovery.
	Alan *alan.Config `cfg:"alan"`

	// OutboundWorkers is the number of concurrent outbound-delivery
	// workers. Default 4.
	OutboundWorkers int `cfg:"outbound_workers" default:"4"`

	// WebhookWorkers is the number of concurrent webhook-subscriber
	// delivery workers. Default 4.
	WebhookWorkers int `cfg:"webhook_workers" default:"4"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey derives the AES-256 master key used to encrypt
	// PlatformConfig.credentialsEncrypted at rest. Required in production;
	// any non-empty string works (it is SHA-256 hashed to 32 bytes).
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// Auth configures the two authentication modes and
// the scope/rate-limit defaults applied in front of them.
type Auth struct {
	// Auth0 configures the optional JWT principal path. Missing config
	// disables JWT auth but leaves the API-key path functional.
	Auth0 *Auth0Config `cfg:"auth0"`

	// RateLimit is the default rate-limit applied to handlers that don't
	// declare their own.
	RateLimit RateLimitConfig `cfg:"rate_limit"`
}

type Auth0Config struct {
	Domain   string `cfg:"domain"`
	Audience string `cfg:"audience"`
}

type RateLimitConfig struct {
	Limit int           `cfg:"limit" default:"120"`
	TTL   time.Duration `cfg:"ttl" default:"1m"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("GATEKIT_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
