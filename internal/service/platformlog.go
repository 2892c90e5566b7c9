package service

import (
	"context"
	"time"
)

// LogLevel is one of the four severities a PlatformLog row carries.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogCategory authoritatively classifies a PlatformLog row, set by the
// thin per-category helper methods (LogConnection, LogWebhook, ...) so
// adapters never have to pick a category ad hoc.
type LogCategory string

const (
	LogCategoryConnection LogCategory = "connection"
	LogCategoryWebhook    LogCategory = "webhook"
	LogCategoryMessage    LogCategory = "message"
	LogCategoryError      LogCategory = "error"
	LogCategoryAuth       LogCategory = "auth"
	LogCategoryGeneral    LogCategory = "general"
)

// PlatformLog is one append-only structured log entry for a platform
// connection or webhook interaction.
type PlatformLog struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"projectId"`
	PlatformConfigID string         `json:"platformConfigId,omitempty"`
	Platform         string         `json:"platform"`
	Level            LogLevel       `json:"level"`
	Category         LogCategory    `json:"category"`
	Message          string         `json:"message"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Error            string         `json:"error,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// PlatformLogStorer persists PlatformLog rows and serves the stats view.
type PlatformLogStorer interface {
	CreateLog(ctx context.Context, l PlatformLog) error
	ListLogs(ctx context.Context, projectID string, filter LogFilter) ([]PlatformLog, error)
	LogStats(ctx context.Context, projectID string) (*LogStats, error)
}

// LogFilter is the filter/pagination shape for ListLogs.
type LogFilter struct {
	Platform         string
	PlatformConfigID string
	Level            LogLevel
	Category         LogCategory
	StartDate        *time.Time
	EndDate          *time.Time
	Limit            int
	Offset           int
}

// LogStatsGroup is one (level, category) bucket's count.
type LogStatsGroup struct {
	Level    LogLevel    `json:"level"`
	Category LogCategory `json:"category"`
	Count    int64       `json:"count"`
}

// LogStats is the stats view: counts grouped by (level, category) plus the
// N most-recent errors.
type LogStats struct {
	Groups       []LogStatsGroup `json:"groups"`
	RecentErrors []PlatformLog   `json:"recentErrors"`
}
