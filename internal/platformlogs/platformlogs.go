// Package platformlogs is the thin per-category helper over
// service.PlatformLogStorer; adapters and pipelines never pick a log
// category ad hoc, the method name is authoritative. Uses structured log/slog usage throughout
// internal/server (every handler logs with named fields), here
// persisted as rows instead of only emitted to the process log.
package platformlogs

import (
	"context"
	"log/slog"
	"time"

	"github.com/rakunlabs/gatekit/internal/service"
)

type Logger struct {
	store service.PlatformLogStorer
}

func New(store service.PlatformLogStorer) *Logger {
	return &Logger{store: store}
}

func (l *Logger) write(ctx context.Context, level service.LogLevel, category service.LogCategory, projectID, platformConfigID, platform, message, errMsg string, metadata map[string]any) {
	row := service.PlatformLog{
		ProjectID:        projectID,
		PlatformConfigID: platformConfigID,
		Platform:         platform,
		Level:            level,
		Category:         category,
		Message:          message,
		Metadata:         metadata,
		Error:            errMsg,
		Timestamp:        time.Now().UTC(),
	}
	if err := l.store.CreateLog(ctx, row); err != nil {
		slog.Error("platform log write failed", "platform", platform, "category", category, "error", err)
	}
}

// LogConnection records a connection lifecycle event (connect, disconnect,
// reconnect) at info level.
func (l *Logger) LogConnection(ctx context.Context, projectID, platformConfigID, platform, message string, metadata map[string]any) {
	l.write(ctx, service.LogInfo, service.LogCategoryConnection, projectID, platformConfigID, platform, message, "", metadata)
}

// LogWebhook records a webhook-dispatch event at info level.
func (l *Logger) LogWebhook(ctx context.Context, projectID, platformConfigID, platform, message string, metadata map[string]any) {
	l.write(ctx, service.LogInfo, service.LogCategoryWebhook, projectID, platformConfigID, platform, message, "", metadata)
}

// LogMessage records a send/receive event at info level.
func (l *Logger) LogMessage(ctx context.Context, projectID, platformConfigID, platform, message string, metadata map[string]any) {
	l.write(ctx, service.LogInfo, service.LogCategoryMessage, projectID, platformConfigID, platform, message, "", metadata)
}

// LogAuth records an authentication-related event at info level.
func (l *Logger) LogAuth(ctx context.Context, projectID, platform, message string, metadata map[string]any) {
	l.write(ctx, service.LogInfo, service.LogCategoryAuth, projectID, "", platform, message, "", metadata)
}

// ErrorConnection records a connection failure at error level.
func (l *Logger) ErrorConnection(ctx context.Context, projectID, platformConfigID, platform, message string, err error, metadata map[string]any) {
	l.write(ctx, service.LogError, service.LogCategoryConnection, projectID, platformConfigID, platform, message, errString(err), metadata)
}

// ErrorWebhook records a webhook-dispatch failure at error level.
func (l *Logger) ErrorWebhook(ctx context.Context, projectID, platformConfigID, platform, message string, err error, metadata map[string]any) {
	l.write(ctx, service.LogError, service.LogCategoryWebhook, projectID, platformConfigID, platform, message, errString(err), metadata)
}

// ErrorMessage records a send/receive failure at error level.
func (l *Logger) ErrorMessage(ctx context.Context, projectID, platformConfigID, platform, message string, err error, metadata map[string]any) {
	l.write(ctx, service.LogError, service.LogCategoryMessage, projectID, platformConfigID, platform, message, errString(err), metadata)
}

// ErrorGeneral records an uncategorized failure at error level.
func (l *Logger) ErrorGeneral(ctx context.Context, projectID, platform, message string, err error, metadata map[string]any) {
	l.write(ctx, service.LogError, service.LogCategoryGeneral, projectID, "", platform, message, errString(err), metadata)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
