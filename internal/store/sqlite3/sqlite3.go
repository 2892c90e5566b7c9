// Package sqlite3 is the SQLite-backed implementation of GateKit's
// persistence interfaces: goqu over database/sql with the sqlite3
// dialect, WAL mode,
// single-writer connection pooling, and timestamps stored as RFC3339Nano
// strings (SQLite has no native timestamp type).
package sqlite3

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

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "gatekit_"

// SQLite implements every *Storer interface declared in internal/service
// against a single SQLite database file.
type SQLite struct {
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

	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg *config.StoreSQLite, encKey []byte) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
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

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

// clampPage mirrors the postgres store's pagination contract.
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

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// violation. modernc.org/sqlite exposes a typed error, but matching by
// substring keeps this call site independent of that package's internals.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := mustParseTime(s.String)
	return &t
}
