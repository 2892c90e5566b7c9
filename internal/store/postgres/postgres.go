// Package postgres is the PostgreSQL-backed implementation of GateKit's
// persistence interfaces (internal/service's *Storer interfaces): a goqu
// query builder over database/sql, pgx as the driver, ULID primary keys,
// and an encKey-guarded encrypt/decrypt-around-CRUD pattern for sensitive
// columns (here PlatformConfig.credentialsEncrypted).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/gatekit/internal/config"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "gatekit_"
)

// Postgres implements every *Storer interface declared in internal/service
// against a single PostgreSQL schema.
type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableProjects         exp.IdentifierExpression
	tableMembers          exp.IdentifierExpression
	tableAPIKeys          exp.IdentifierExpression
	tablePlatformConfigs  exp.IdentifierExpression
	tableIdentities       exp.IdentifierExpression
	tableAliases          exp.IdentifierExpression
	tableReceivedMessages exp.IdentifierExpression
	tableReceivedReacts   exp.IdentifierExpression
	tableSentMessages     exp.IdentifierExpression
	tableWebhooks         exp.IdentifierExpression
	tableDeliveries       exp.IdentifierExpression
	tablePlatformLogs     exp.IdentifierExpression

	// encKey is the AES-256 key used to encrypt/decrypt PlatformConfig
	// credentials. nil means encryption is disabled. Protected by encKeyMu.
	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg *config.StorePostgres, encKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                    db,
		goqu:                  dbGoqu,
		tableProjects:         goqu.T(tablePrefix + "projects"),
		tableMembers:          goqu.T(tablePrefix + "project_members"),
		tableAPIKeys:          goqu.T(tablePrefix + "api_keys"),
		tablePlatformConfigs:  goqu.T(tablePrefix + "platform_configs"),
		tableIdentities:       goqu.T(tablePrefix + "identities"),
		tableAliases:          goqu.T(tablePrefix + "identity_aliases"),
		tableReceivedMessages: goqu.T(tablePrefix + "received_messages"),
		tableReceivedReacts:   goqu.T(tablePrefix + "received_reactions"),
		tableSentMessages:     goqu.T(tablePrefix + "sent_messages"),
		tableWebhooks:         goqu.T(tablePrefix + "webhooks"),
		tableDeliveries:       goqu.T(tablePrefix + "webhook_deliveries"),
		tablePlatformLogs:     goqu.T(tablePrefix + "platform_logs"),
		encKey:                encKey,
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

// clampPage normalizes limit/offset per the store's pagination contract:
// limit clamped to [1,100], offset >= 0.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), independent of whether pgx's typed error is available
// (it always is via the blank stdlib import, but we match by substring to
// stay driver-agnostic at this call site, using a string-matching
// approach to classifying driver errors).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key value")
}
