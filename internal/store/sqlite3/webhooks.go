package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/gatekit/internal/service"
)

func splitEvents(csv string) []service.Event {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	events := make([]service.Event, len(parts))
	for i, p := range parts {
		events[i] = service.Event(p)
	}
	return events
}

func joinEvents(events []service.Event) string {
	parts := make([]string, len(events))
	for i, e := range events {
		parts[i] = string(e)
	}
	return strings.Join(parts, ",")
}

var webhookCols = []any{"id", "project_id", "name", "url", "events", "secret", "is_active", "created_at"}

func scanWebhook(scan func(dest ...any) error) (*service.Webhook, error) {
	var (
		w         service.Webhook
		eventsCSV string
		createdAt string
	)
	err := scan(&w.ID, &w.ProjectID, &w.Name, &w.URL, &eventsCSV, &w.Secret, &w.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.Events = splitEvents(eventsCSV)
	w.CreatedAt = mustParseTime(createdAt)
	return &w, nil
}

func (s *SQLite) ListWebhooks(ctx context.Context, projectID string) ([]service.Webhook, error) {
	query, _, err := s.goqu.From(s.tableWebhooks).
		Select(webhookCols...).
		Where(goqu.I("project_id").Eq(projectID)).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list webhooks query: %w", err)
	}
	return s.queryWebhooks(ctx, query)
}

func (s *SQLite) ListActiveWebhooksForEvent(ctx context.Context, projectID string, evt service.Event) ([]service.Webhook, error) {
	query, _, err := s.goqu.From(s.tableWebhooks).
		Select(webhookCols...).
		Where(
			goqu.I("project_id").Eq(projectID),
			goqu.I("is_active").Eq(true),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list active webhooks for event query: %w", err)
	}

	all, err := s.queryWebhooks(ctx, query)
	if err != nil {
		return nil, err
	}

	// events is a comma-joined string column; exact membership is checked
	// in Go rather than with a LIKE prefilter to avoid matching substrings
	// of other event names.
	var result []service.Webhook
	for _, w := range all {
		for _, e := range w.Events {
			if e == evt {
				result = append(result, w)
				break
			}
		}
	}
	return result, nil
}

func (s *SQLite) queryWebhooks(ctx context.Context, query string) ([]service.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var result []service.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan webhook row: %w", err)
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

func (s *SQLite) GetWebhook(ctx context.Context, id string) (*service.Webhook, error) {
	query, _, err := s.goqu.From(s.tableWebhooks).Select(webhookCols...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get webhook query: %w", err)
	}
	return scanWebhook(s.db.QueryRowContext(ctx, query).Scan)
}

func (s *SQLite) CreateWebhook(ctx context.Context, w service.Webhook) (*service.Webhook, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableWebhooks).Rows(goqu.Record{
		"id":         id,
		"project_id": w.ProjectID,
		"name":       w.Name,
		"url":        w.URL,
		"events":     joinEvents(w.Events),
		"secret":     w.Secret,
		"is_active":  w.IsActive,
		"created_at": formatTime(now),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create webhook query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}

	w.ID, w.CreatedAt = id, now
	return &w, nil
}

func (s *SQLite) UpdateWebhook(ctx context.Context, id string, w service.Webhook) (*service.Webhook, error) {
	query, _, err := s.goqu.Update(s.tableWebhooks).Set(goqu.Record{
		"name":      w.Name,
		"url":       w.URL,
		"events":    joinEvents(w.Events),
		"is_active": w.IsActive,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update webhook query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update webhook %q: %w", id, err)
	}

	return s.GetWebhook(ctx, id)
}

func (s *SQLite) DeleteWebhook(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableWebhooks).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete webhook query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete webhook %q: %w", id, err)
	}
	return nil
}

// ─── Webhook Deliveries ───

var deliveryCols = []any{
	"id", "webhook_id", "event", "payload", "status", "attempt_count",
	"last_attempt_at", "response_code", "response_body", "created_at",
}

func scanDelivery(scan func(dest ...any) error) (*service.WebhookDelivery, error) {
	var (
		d             service.WebhookDelivery
		event         string
		payload       sql.NullString
		status        string
		lastAttemptAt sql.NullString
		responseCode  sql.NullInt64
		responseBody  sql.NullString
		createdAt     string
	)
	err := scan(&d.ID, &d.WebhookID, &event, &payload, &status, &d.AttemptCount,
		&lastAttemptAt, &responseCode, &responseBody, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	d.Event = service.Event(event)
	d.Payload = []byte(payload.String)
	d.Status = service.DeliveryStatus(status)
	d.LastAttemptAt = parseNullTime(lastAttemptAt)
	d.ResponseCode = int(responseCode.Int64)
	d.ResponseBody = responseBody.String
	d.CreatedAt = mustParseTime(createdAt)
	return &d, nil
}

func (s *SQLite) CreateDelivery(ctx context.Context, d service.WebhookDelivery) (*service.WebhookDelivery, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableDeliveries).Rows(goqu.Record{
		"id":            id,
		"webhook_id":    d.WebhookID,
		"event":         string(d.Event),
		"payload":       string(d.Payload),
		"status":        string(service.DeliveryPending),
		"attempt_count": 0,
		"created_at":    formatTime(now),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create delivery query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}

	d.ID, d.Status, d.AttemptCount, d.CreatedAt = id, service.DeliveryPending, 0, now
	return &d, nil
}

func (s *SQLite) UpdateDelivery(ctx context.Context, id string, status service.DeliveryStatus, attemptCount int, responseCode int, responseBody string, at time.Time) error {
	query, _, err := s.goqu.Update(s.tableDeliveries).Set(goqu.Record{
		"status":          string(status),
		"attempt_count":   attemptCount,
		"last_attempt_at": formatTime(at),
		"response_code":   responseCode,
		"response_body":   responseBody,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update delivery query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update delivery %q: %w", id, err)
	}
	return nil
}

func (s *SQLite) ListDeliveries(ctx context.Context, webhookID string, filter service.DeliveryFilter) ([]service.WebhookDelivery, error) {
	limit, offset := clampPage(filter.Limit, filter.Offset)

	ds := s.goqu.From(s.tableDeliveries).
		Select(deliveryCols...).
		Where(goqu.I("webhook_id").Eq(webhookID))
	if filter.Event != "" {
		ds = ds.Where(goqu.I("event").Eq(string(filter.Event)))
	}
	if filter.Status != "" {
		ds = ds.Where(goqu.I("status").Eq(string(filter.Status)))
	}
	ds = ds.Order(goqu.I("created_at").Desc()).Limit(uint(limit)).Offset(uint(offset))

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list deliveries query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var result []service.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan delivery row: %w", err)
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

func (s *SQLite) DeliveryStats(ctx context.Context, webhookID string) (map[service.DeliveryStatus]int64, error) {
	query, _, err := s.goqu.From(s.tableDeliveries).
		Select("status", goqu.COUNT("*").As("count")).
		Where(goqu.I("webhook_id").Eq(webhookID)).
		GroupBy("status").
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build delivery stats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query delivery stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[service.DeliveryStatus]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan delivery stats row: %w", err)
		}
		stats[service.DeliveryStatus(status)] = count
	}
	return stats, rows.Err()
}
