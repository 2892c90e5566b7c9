package sqlite3

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
		receivedAt  string
	)
	err := scan(&m.ID, &m.ProjectID, &m.PlatformConfigID, &m.Platform, &m.ProviderMessageID,
		&m.ProviderChatID, &m.ProviderUserID, &m.UserDisplay, &m.MessageText,
		&messageType, &rawData, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.MessageType = service.MessageType(messageType)
	m.RawData = []byte(rawData.String)
	m.ReceivedAt = mustParseTime(receivedAt)
	return &m, nil
}

func (s *SQLite) CreateReceivedMessage(ctx context.Context, m service.ReceivedMessage) (*service.ReceivedMessage, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableReceivedMessages).Rows(goqu.Record{
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
		"received_at":         formatTime(now),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create received message query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("received message (%q,%q) already stored: %w", m.PlatformConfigID, m.ProviderMessageID, service.ErrDuplicateKey)
		}
		return nil, fmt.Errorf("create received message: %w", err)
	}

	m.ID, m.ReceivedAt = id, now
	return &m, nil
}

func (s *SQLite) ListReceivedMessages(ctx context.Context, projectID string, filter service.MessageFilter) ([]service.ReceivedMessage, error) {
	limit, offset := clampPage(filter.Limit, filter.Offset)

	ds := s.goqu.From(s.tableReceivedMessages).
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

	rows, err := s.db.QueryContext(ctx, query)
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
		receivedAt   string
	)
	err := scan(&r.ID, &r.ProjectID, &r.PlatformConfigID, &r.ProviderMessageID,
		&r.ProviderUserID, &r.UserDisplay, &r.Emoji, &reactionType, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ReactionType = service.ReactionType(reactionType)
	r.ReceivedAt = mustParseTime(receivedAt)
	return &r, nil
}

func (s *SQLite) CreateReceivedReaction(ctx context.Context, r service.ReceivedReaction) (*service.ReceivedReaction, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableReceivedReacts).Rows(goqu.Record{
		"id":                  id,
		"project_id":          r.ProjectID,
		"platform_config_id":  r.PlatformConfigID,
		"provider_message_id": r.ProviderMessageID,
		"provider_user_id":    r.ProviderUserID,
		"user_display":        r.UserDisplay,
		"emoji":               r.Emoji,
		"reaction_type":       string(r.ReactionType),
		"received_at":         formatTime(now),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create reaction query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create reaction: %w", err)
	}

	r.ID, r.ReceivedAt = id, now
	return &r, nil
}

// CurrentReactions fetches the full reaction log for a message and reduces
// it to the latest event per (providerUserId, emoji) in Go, since SQLite's
// goqu dialect has no DISTINCT ON equivalent for this shape of query.
func (s *SQLite) CurrentReactions(ctx context.Context, projectID, providerMessageID string) ([]service.ReceivedReaction, error) {
	query, _, err := s.goqu.From(s.tableReceivedReacts).
		Select(reactionCols...).
		Where(
			goqu.I("project_id").Eq(projectID),
			goqu.I("provider_message_id").Eq(providerMessageID),
		).
		Order(goqu.I("received_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build current reactions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list current reactions: %w", err)
	}
	defer rows.Close()

	type key struct{ userID, emoji string }
	latest := make(map[key]service.ReceivedReaction)
	for rows.Next() {
		r, err := scanReaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reaction row: %w", err)
		}
		latest[key{r.ProviderUserID, r.Emoji}] = *r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var result []service.ReceivedReaction
	for _, r := range latest {
		if r.ReactionType == service.ReactionAdded {
			result = append(result, r)
		}
	}
	return result, nil
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
		sentAt            sql.NullString
		createdAt         string
	)
	err := scan(&m.ID, &m.ProjectID, &m.PlatformConfigID, &m.Platform, &m.JobID, &providerMessageID,
		&targetType, &m.TargetChatID, &targetUserID, &m.MessageText, &messageContent,
		&status, &errorMessage, &sentAt, &createdAt)
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
	m.SentAt = parseNullTime(sentAt)
	m.CreatedAt = mustParseTime(createdAt)
	return &m, nil
}

func (s *SQLite) CreateSentMessage(ctx context.Context, m service.SentMessage) (*service.SentMessage, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableSentMessages).Rows(goqu.Record{
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
		"created_at":          formatTime(now),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create sent message query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create sent message: %w", err)
	}

	m.ID, m.Status, m.CreatedAt = id, service.SentPending, now
	return &m, nil
}

func (s *SQLite) UpdateSentMessageStatus(ctx context.Context, id string, status service.SentStatus, providerMessageID, errorMessage string, sentAt *time.Time) error {
	set := goqu.Record{"status": string(status)}
	if providerMessageID != "" {
		set["provider_message_id"] = providerMessageID
	}
	if errorMessage != "" {
		set["error_message"] = errorMessage
	}
	if sentAt != nil {
		set["sent_at"] = formatTimePtr(sentAt)
	}

	query, _, err := s.goqu.Update(s.tableSentMessages).Set(set).
		Where(goqu.I("id").Eq(id), goqu.I("status").Eq(string(service.SentPending))).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update sent message status query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
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

func (s *SQLite) ListSentMessagesByJob(ctx context.Context, jobID string) ([]service.SentMessage, error) {
	query, _, err := s.goqu.From(s.tableSentMessages).
		Select(sentMessageCols...).
		Where(goqu.I("job_id").Eq(jobID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list sent messages by job query: %w", err)
	}
	return s.querySentMessages(ctx, query)
}

func (s *SQLite) ListSentMessages(ctx context.Context, projectID string, filter service.MessageFilter) ([]service.SentMessage, error) {
	limit, offset := clampPage(filter.Limit, filter.Offset)

	ds := s.goqu.From(s.tableSentMessages).
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
	return s.querySentMessages(ctx, query)
}

func (s *SQLite) querySentMessages(ctx context.Context, query string) ([]service.SentMessage, error) {
	rows, err := s.db.QueryContext(ctx, query)
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

func (s *SQLite) MessageStats(ctx context.Context, projectID string) (*service.MessageStats, error) {
	var stats service.MessageStats

	receivedQuery, _, err := s.goqu.From(s.tableReceivedMessages).
		Select(goqu.COUNT("*")).Where(goqu.I("project_id").Eq(projectID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build received count query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, receivedQuery).Scan(&stats.ReceivedCount); err != nil {
		return nil, fmt.Errorf("count received messages: %w", err)
	}

	sentQuery, _, err := s.goqu.From(s.tableSentMessages).
		Select(goqu.COUNT("*")).
		Where(goqu.I("project_id").Eq(projectID), goqu.I("status").Eq(string(service.SentSent))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build sent count query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sentQuery).Scan(&stats.SentCount); err != nil {
		return nil, fmt.Errorf("count sent messages: %w", err)
	}

	failedQuery, _, err := s.goqu.From(s.tableSentMessages).
		Select(goqu.COUNT("*")).
		Where(goqu.I("project_id").Eq(projectID), goqu.I("status").Eq(string(service.SentFailed))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build failed count query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, failedQuery).Scan(&stats.FailedCount); err != nil {
		return nil, fmt.Errorf("count failed messages: %w", err)
	}

	return &stats, nil
}
