package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/gatekit/internal/service"
)

var receivedMessageCols = []any{
	"id", "project_id", "platform_config_id", "platform", "provider_message_id",
	"provider_chat_id", "provider_user_id", "user_display", "message_text",
	"message_type", "raw_data", "received_at",
}

func scanReceivedMessage(scan func(dest ...any) error) (*service.ReceivedMessage, error) {
	var (
		m           service.ReceivedMessage
		messageType string
		rawData     sql.NullString
	)
	err := scan(&m.ID, &m.ProjectID, &m.PlatformConfigID, &m.Platform, &m.ProviderMessageID,
		&m.ProviderChatID, &m.ProviderUserID, &m.UserDisplay, &m.MessageText,
		&messageType, &rawData, &m.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.MessageType = service.MessageType(messageType)
	m.RawData = []byte(rawData.String)
	return &m, nil
}

func (p *Postgres) CreateReceivedMessage(ctx context.Context, m service.ReceivedMessage) (*service.ReceivedMessage, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableReceivedMessages).Rows(goqu.Record{
		"id":                  id,
		"project_id":          m.ProjectID,
		"platform_config_id":  m.PlatformConfigID,
		"platform":            m.Platform,
		"provider_message_id": m.ProviderMessageID,
		"provider_chat_id":    m.ProviderChatID,
		"provider_user_id":    m.ProviderUserID,
		"user_display":        m.UserDisplay,
		"message_text":        m.MessageText,
		"message_type":        string(m.MessageType),
		"raw_data":            string(m.RawData),
		"received_at":         now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create received message query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("received message (%q,%q) already stored: %w", m.PlatformConfigID, m.ProviderMessageID, service.ErrDuplicateKey)
		}
		return nil, fmt.Errorf("create received message: %w", err)
	}

	m.ID, m.ReceivedAt = id, now
	return &m, nil
}

func (p *Postgres) ListReceivedMessages(ctx context.Context, projectID string, filter service.MessageFilter) ([]service.ReceivedMessage, error) {
	limit, offset := clampPage(filter.Limit, filter.Offset)

	ds := p.goqu.From(p.tableReceivedMessages).
		Select(receivedMessageCols...).
		Where(goqu.I("project_id").Eq(projectID))
	if filter.Platform != "" {
		ds = ds.Where(goqu.I("platform").Eq(filter.Platform))
	}
	if filter.PlatformConfigID != "" {
		ds = ds.Where(goqu.I("platform_config_id").Eq(filter.PlatformConfigID))
	}
	ds = ds.Order(goqu.I("received_at").Desc()).Limit(uint(limit)).Offset(uint(offset))

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list received messages query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list received messages: %w", err)
	}
	defer rows.Close()

	var result []service.ReceivedMessage
	for rows.Next() {
		m, err := scanReceivedMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan received message row: %w", err)
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// ─── Reactions ───

var reactionCols = []any{
	"id", "project_id", "platform_config_id", "provider_message_id",
	"provider_user_id", "user_display", "emoji", "reaction_type", "received_at",
}

func scanReaction(scan func(dest ...any) error) (*service.ReceivedReaction, error) {
	var (
		r            service.ReceivedReaction
		reactionType string
	)
	err := scan(&r.ID, &r.ProjectID, &r.PlatformConfigID, &r.ProviderMessageID,
		&r.ProviderUserID, &r.UserDisplay, &r.Emoji, &reactionType, &r.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ReactionType = service.ReactionType(reactionType)
	return &r, nil
}

func (p *Postgres) CreateReceivedReaction(ctx context.Context, r service.ReceivedReaction) (*service.ReceivedReaction, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableReceivedReacts).Rows(goqu.Record{
		"id":                  id,
		"project_id":          r.ProjectID,
		"platform_config_id":  r.PlatformConfigID,
		"provider_message_id": r.ProviderMessageID,
		"provider_user_id":    r.ProviderUserID,
		"user_display":        r.UserDisplay,
		"emoji":               r.Emoji,
		"reaction_type":       string(r.ReactionType),
		"received_at":         now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create reaction query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create reaction: %w", err)
	}

	r.ID, r.ReceivedAt = id, now
	return &r, nil
}

// CurrentReactions returns one row per (providerUserId, emoji) whose latest
// event by received_at is "added"; a DISTINCT ON query over the append-only
// reaction log, using a goqu-over-database/sql style for window-like
// reads (no ORM abstraction, raw SQL via goqu where needed).
func (p *Postgres) CurrentReactions(ctx context.Context, projectID, providerMessageID string) ([]service.ReceivedReaction, error) {
	query, _, err := p.goqu.From(p.tableReceivedReacts).
		Select(goqu.L("DISTINCT ON (provider_user_id, emoji) *")).
		Where(
			goqu.I("project_id").Eq(projectID),
			goqu.I("provider_message_id").Eq(providerMessageID),
		).
		Order(goqu.I("provider_user_id").Asc(), goqu.I("emoji").Asc(), goqu.I("received_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build current reactions query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list current reactions: %w", err)
	}
	defer rows.Close()

	var result []service.ReceivedReaction
	for rows.Next() {
		r, err := scanReaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reaction row: %w", err)
		}
		if r.ReactionType == service.ReactionAdded {
			result = append(result, *r)
		}
	}
	return result, rows.Err()
}

// ─── Sent Messages ───

var sentMessageCols = []any{
	"id", "project_id", "platform_config_id", "platform", "job_id", "provider_message_id",
	"target_type", "target_chat_id", "target_user_id", "message_text", "message_content",
	"status", "error_message", "sent_at", "created_at",
}

func scanSentMessage(scan func(dest ...any) error) (*service.SentMessage, error) {
	var (
		m                 service.SentMessage
		targetType        string
		status            string
		providerMessageID sql.NullString
		targetUserID      sql.NullString
		messageContent    sql.NullString
		errorMessage      sql.NullString
		sentAt            sql.NullTime
	)
	err := scan(&m.ID, &m.ProjectID, &m.PlatformConfigID, &m.Platform, &m.JobID, &providerMessageID,
		&targetType, &m.TargetChatID, &targetUserID, &m.MessageText, &messageContent,
		&status, &errorMessage, &sentAt, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.ProviderMessageID = providerMessageID.String
	m.TargetType = service.TargetType(targetType)
	m.TargetUserID = targetUserID.String
	m.MessageContent = []byte(messageContent.String)
	m.Status = service.SentStatus(status)
	m.ErrorMessage = errorMessage.String
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	return &m, nil
}

func (p *Postgres) CreateSentMessage(ctx context.Context, m service.SentMessage) (*service.SentMessage, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableSentMessages).Rows(goqu.Record{
		"id":                  id,
		"project_id":          m.ProjectID,
		"platform_config_id":  m.PlatformConfigID,
		"platform":            m.Platform,
		"job_id":              m.JobID,
		"provider_message_id": m.ProviderMessageID,
		"target_type":         string(m.TargetType),
		"target_chat_id":      m.TargetChatID,
		"target_user_id":      m.TargetUserID,
		"message_text":        m.MessageText,
		"message_content":     string(m.MessageContent),
		"status":              string(service.SentPending),
		"created_at":          now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create sent message query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create sent message: %w", err)
	}

	m.ID, m.Status, m.CreatedAt = id, service.SentPending, now
	return &m, nil
}

func (p *Postgres) UpdateSentMessageStatus(ctx context.Context, id string, status service.SentStatus, providerMessageID, errorMessage string, sentAt *time.Time) error {
	set := goqu.Record{"status": string(status)}
	if providerMessageID != "" {
		set["provider_message_id"] = providerMessageID
	}
	if errorMessage != "" {
		set["error_message"] = errorMessage
	}
	if sentAt != nil {
		set["sent_at"] = *sentAt
	}

	query, _, err := p.goqu.Update(p.tableSentMessages).Set(set).
		Where(goqu.I("id").Eq(id), goqu.I("status").Eq(string(service.SentPending))).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update sent message status query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update sent message %q status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("sent message %q: %w (already terminal or missing)", id, service.ErrNotFound)
	}
	return nil
}

func (p *Postgres) ListSentMessagesByJob(ctx context.Context, jobID string) ([]service.SentMessage, error) {
	query, _, err := p.goqu.From(p.tableSentMessages).
		Select(sentMessageCols...).
		Where(goqu.I("job_id").Eq(jobID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list sent messages by job query: %w", err)
	}
	return p.querySentMessages(ctx, query)
}

func (p *Postgres) ListSentMessages(ctx context.Context, projectID string, filter service.MessageFilter) ([]service.SentMessage, error) {
	limit, offset := clampPage(filter.Limit, filter.Offset)

	ds := p.goqu.From(p.tableSentMessages).
		Select(sentMessageCols...).
		Where(goqu.I("project_id").Eq(projectID))
	if filter.Platform != "" {
		ds = ds.Where(goqu.I("platform").Eq(filter.Platform))
	}
	if filter.PlatformConfigID != "" {
		ds = ds.Where(goqu.I("platform_config_id").Eq(filter.PlatformConfigID))
	}
	ds = ds.Order(goqu.I("created_at").Desc()).Limit(uint(limit)).Offset(uint(offset))

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list sent messages query: %w", err)
	}
	return p.querySentMessages(ctx, query)
}

func (p *Postgres) querySentMessages(ctx context.Context, query string) ([]service.SentMessage, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sent messages: %w", err)
	}
	defer rows.Close()

	var result []service.SentMessage
	for rows.Next() {
		m, err := scanSentMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan sent message row: %w", err)
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

func (p *Postgres) MessageStats(ctx context.Context, projectID string) (*service.MessageStats, error) {
	var stats service.MessageStats

	receivedQuery, _, err := p.goqu.From(p.tableReceivedMessages).
		Select(goqu.COUNT("*")).Where(goqu.I("project_id").Eq(projectID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build received count query: %w", err)
	}
	if err := p.db.QueryRowContext(ctx, receivedQuery).Scan(&stats.ReceivedCount); err != nil {
		return nil, fmt.Errorf("count received messages: %w", err)
	}

	sentQuery, _, err := p.goqu.From(p.tableSentMessages).
		Select(goqu.COUNT("*")).
		Where(goqu.I("project_id").Eq(projectID), goqu.I("status").Eq(string(service.SentSent))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build sent count query: %w", err)
	}
	if err := p.db.QueryRowContext(ctx, sentQuery).Scan(&stats.SentCount); err != nil {
		return nil, fmt.Errorf("count sent messages: %w", err)
	}

	failedQuery, _, err := p.goqu.From(p.tableSentMessages).
		Select(goqu.COUNT("*")).
		Where(goqu.I("project_id").Eq(projectID), goqu.I("status").Eq(string(service.SentFailed))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build failed count query: %w", err)
	}
	if err := p.db.QueryRowContext(ctx, failedQuery).Scan(&stats.FailedCount); err != nil {
		return nil, fmt.Errorf("count failed messages: %w", err)
	}

	return &stats, nil
}
