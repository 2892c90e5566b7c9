// Package outbound implements the outbound delivery pipeline: accept,
// enqueue, then a worker pool running per-target adapter.SendMessage and
// status updates, with permanent/transient failure classification and a
// 3-attempt exponential backoff.
package outbound

import (
	"encoding/json"
	"time"

	"github.com/rakunlabs/gatekit/internal/envelope"
	"github.com/rakunlabs/gatekit/internal/service"
)

// MaxAttempts is the outbound job retry ceiling.
const MaxAttempts = 3

// BackoffBase is the exponential backoff base for outbound job retries:
// 2000ms * 2^(attempt-1).
const BackoffBase = 2000 * time.Millisecond

// Content is the outbound payload shape accepted by Accept.
type Content struct {
	Text        string               `json:"text,omitempty"`
	Attachments []service.Attachment `json:"attachments,omitempty"`
	Buttons     []service.Button     `json:"buttons,omitempty"`
	Embeds      []service.Embed      `json:"embeds,omitempty"`
	Platform    map[string]any       `json:"platformOptions,omitempty"`
}

// Options carries the send-time reply behavior flags.
type Options struct {
	ReplyTo   string     `json:"replyTo,omitempty"`
	Silent    bool       `json:"silent,omitempty"`
	Scheduled *time.Time `json:"scheduled,omitempty"`
}

// Metadata is free-form tracking data attached to a send request.
type Metadata struct {
	TrackingID string   `json:"trackingId,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Priority   string   `json:"priority,omitempty"`
}

// SendRequest is the full decoded body of POST /messages/send.
type SendRequest struct {
	Targets  []envelope.Target `json:"targets"`
	Content  Content           `json:"content"`
	Options  Options           `json:"options,omitempty"`
	Metadata Metadata          `json:"metadata,omitempty"`
}

// job is the queued unit of work: one SendRequest against one project.
// sentMessageIDs maps each target's compact string form to the
// SentMessage row id Accept already created for it, so the worker can
// update the right row without a second lookup.
type job struct {
	ID             string
	ProjectSlug    string
	ProjectID      string
	Request        SendRequest
	Attempt        int
	sentMessageIDs map[string]string
}

// State is the current disposition of a queued job, returned by
// Pipeline.GetStatus.
type State string

const (
	StateQueued   State = "queued"
	StateActive   State = "active"
	StateFailed   State = "failed"
	StateComplete State = "completed"
)

// Status is the result object returned by Pipeline.GetStatus / the
// GET .../messages/status/:jobId endpoint.
type Status struct {
	ID           string     `json:"id"`
	State        State      `json:"state"`
	AttemptsMade int        `json:"attemptsMade"`
	ProcessedOn  *time.Time `json:"processedOn,omitempty"`
	FinishedOn   *time.Time `json:"finishedOn,omitempty"`
	Data         StatusData `json:"data"`
}

// StatusData is the job-status result's data envelope.
type StatusData struct {
	ProjectSlug string          `json:"projectSlug"`
	ProjectID   string          `json:"projectId"`
	Message     json.RawMessage `json:"message"`
	Error       string          `json:"error,omitempty"`
}
