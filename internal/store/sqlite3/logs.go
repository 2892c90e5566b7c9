package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/gatekit/internal/service"
)

var platformLogCols = []any{
	"id", "project_id", "platform_config_id", "platform", "level", "category",
	"message", "metadata", "error", "timestamp",
}

func scanPlatformLog(scan func(dest ...any) error) (*service.PlatformLog, error) {
	var (
		l                service.PlatformLog
		platformConfigID sql.NullString
		level            string
		category         string
		metadata         sql.NullString
		errMsg           sql.NullString
		timestamp        string
	)
	if err := scan(&l.ID, &l.ProjectID, &platformConfigID, &l.Platform, &level, &category,
		&l.Message, &metadata, &errMsg, &timestamp); err != nil {
		return nil, err
	}

	l.PlatformConfigID = platformConfigID.String
	l.Level = service.LogLevel(level)
	l.Category = service.LogCategory(category)
	l.Error = errMsg.String
	l.Timestamp = mustParseTime(timestamp)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &l.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal log metadata for %q: %w", l.ID, err)
		}
	}
	return &l, nil
}

func (s *SQLite) CreateLog(ctx context.Context, l service.PlatformLog) error {
	id := ulid.Make().String()
	now := time.Now().UTC()

	metadata, err := json.Marshal(l.Metadata)
	if err != nil {
		return fmt.Errorf("marshal log metadata: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tablePlatformLogs).Rows(goqu.Record{
		"id":                 id,
		"project_id":         l.ProjectID,
		"platform_config_id": l.PlatformConfigID,
		"platform":           l.Platform,
		"level":              string(l.Level),
		"category":           string(l.Category),
		"message":            l.Message,
		"metadata":           string(metadata),
		"error":              l.Error,
		"timestamp":          formatTime(now),
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build create log query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create platform log: %w", err)
	}
	return nil
}

func (s *SQLite) ListLogs(ctx context.Context, projectID string, filter service.LogFilter) ([]service.PlatformLog, error) {
	limit, offset := clampPage(filter.Limit, filter.Offset)

	ds := s.goqu.From(s.tablePlatformLogs).
		Select(platformLogCols...).
		Where(goqu.I("project_id").Eq(projectID))
	if filter.Platform != "" {
		ds = ds.Where(goqu.I("platform").Eq(filter.Platform))
	}
	if filter.PlatformConfigID != "" {
		ds = ds.Where(goqu.I("platform_config_id").Eq(filter.PlatformConfigID))
	}
	if filter.Level != "" {
		ds = ds.Where(goqu.I("level").Eq(string(filter.Level)))
	}
	if filter.Category != "" {
		ds = ds.Where(goqu.I("category").Eq(string(filter.Category)))
	}
	// timestamp is stored as an RFC3339Nano string; lexicographic comparison
	// on that format matches chronological order.
	if filter.StartDate != nil {
		ds = ds.Where(goqu.I("timestamp").Gte(formatTime(*filter.StartDate)))
	}
	if filter.EndDate != nil {
		ds = ds.Where(goqu.I("timestamp").Lte(formatTime(*filter.EndDate)))
	}
	ds = ds.Order(goqu.I("timestamp").Desc()).Limit(uint(limit)).Offset(uint(offset))

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list logs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var result []service.PlatformLog
	for rows.Next() {
		l, err := scanPlatformLog(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		result = append(result, *l)
	}
	return result, rows.Err()
}

func (s *SQLite) LogStats(ctx context.Context, projectID string) (*service.LogStats, error) {
	groupQuery, _, err := s.goqu.From(s.tablePlatformLogs).
		Select("level", "category", goqu.COUNT("*").As("count")).
		Where(goqu.I("project_id").Eq(projectID)).
		GroupBy("level", "category").
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build log stats group query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, groupQuery)
	if err != nil {
		return nil, fmt.Errorf("query log stats groups: %w", err)
	}
	defer rows.Close()

	var stats service.LogStats
	for rows.Next() {
		var (
			level, category string
			count           int64
		)
		if err := rows.Scan(&level, &category, &count); err != nil {
			return nil, fmt.Errorf("scan log stats group row: %w", err)
		}
		stats.Groups = append(stats.Groups, service.LogStatsGroup{
			Level:    service.LogLevel(level),
			Category: service.LogCategory(category),
			Count:    count,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recentQuery, _, err := s.goqu.From(s.tablePlatformLogs).
		Select(platformLogCols...).
		Where(goqu.I("project_id").Eq(projectID), goqu.I("level").Eq(string(service.LogError))).
		Order(goqu.I("timestamp").Desc()).
		Limit(20).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build recent errors query: %w", err)
	}

	errRows, err := s.db.QueryContext(ctx, recentQuery)
	if err != nil {
		return nil, fmt.Errorf("query recent errors: %w", err)
	}
	defer errRows.Close()

	for errRows.Next() {
		l, err := scanPlatformLog(errRows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan recent error row: %w", err)
		}
		stats.RecentErrors = append(stats.RecentErrors, *l)
	}
	return &stats, errRows.Err()
}
