package service

import (
	"context"
	"encoding/json"
	"time"
)

// MessageType classifies an inbound ReceivedMessage.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageCallback MessageType = "callback"
	MessageOther    MessageType = "other"
)

// ReceivedMessage is an immutable inbound message row. The tuple
// (PlatformConfigID, ProviderMessageID) is unique; a duplicate insert is
// reported to the caller as ErrDuplicateKey and swallowed at debug level
// by the inbound pipeline.
type ReceivedMessage struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"projectId"`
	PlatformConfigID  string          `json:"platformConfigId"`
	Platform          string          `json:"platform"`
	ProviderMessageID string          `json:"providerMessageId"`
	ProviderChatID    string          `json:"providerChatId"`
	ProviderUserID    string          `json:"providerUserId"`
	UserDisplay       string          `json:"userDisplay,omitempty"`
	MessageText       string          `json:"messageText,omitempty"`
	MessageType       MessageType     `json:"messageType"`
	RawData           json.RawMessage `json:"-"`
	ReceivedAt        time.Time       `json:"receivedAt"`
}

// ReactionType is one of the two reaction lifecycle events.
type ReactionType string

const (
	ReactionAdded   ReactionType = "added"
	ReactionRemoved ReactionType = "removed"
)

// ReceivedReaction is one reaction lifecycle event. The visible "current"
// reaction state for (ProviderMessageID, ProviderUserID, Emoji) is the
// latest row by ReceivedAt; it is visible iff that latest row is Added.
type ReceivedReaction struct {
	ID                string       `json:"id"`
	ProjectID         string       `json:"projectId"`
	PlatformConfigID  string       `json:"platformConfigId"`
	ProviderMessageID string       `json:"providerMessageId"`
	ProviderUserID    string       `json:"providerUserId"`
	UserDisplay       string       `json:"userDisplay,omitempty"`
	Emoji             string       `json:"emoji"`
	ReactionType      ReactionType `json:"reactionType"`
	ReceivedAt        time.Time    `json:"receivedAt"`
}

// TargetType is one of the three addressable destination kinds for a
// SentMessage (mirrors envelope.TargetType; duplicated here to keep
// service free of a dependency on envelope's JSON codec).
type TargetType string

const (
	TargetUser    TargetType = "user"
	TargetChannel TargetType = "channel"
	TargetGroup   TargetType = "group"
)

// SentStatus is the terminal-or-pending state of an outbound send.
type SentStatus string

const (
	SentPending SentStatus = "pending"
	SentSent    SentStatus = "sent"
	SentFailed  SentStatus = "failed"
)

// SentMessage is one per-target row for an outbound send job. Status
// transitions only pending -> {sent, failed}; no other transition is
// permitted.
type SentMessage struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"projectId"`
	PlatformConfigID  string          `json:"platformConfigId"`
	Platform          string          `json:"platform"`
	JobID             string          `json:"jobId"`
	ProviderMessageID string          `json:"providerMessageId,omitempty"`
	TargetType        TargetType      `json:"targetType"`
	TargetChatID      string          `json:"targetChatId"`
	TargetUserID      string          `json:"targetUserId,omitempty"`
	MessageText       string          `json:"messageText,omitempty"`
	MessageContent    json.RawMessage `json:"messageContent,omitempty"`
	Status            SentStatus      `json:"status"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	SentAt            *time.Time      `json:"sentAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// MessageStorer persists ReceivedMessage, ReceivedReaction and SentMessage
// rows, and serves the paginated message read queries.
type MessageStorer interface {
	// CreateReceivedMessage returns ErrDuplicateKey (wrapped) when
	// (PlatformConfigID, ProviderMessageID) already exists.
	CreateReceivedMessage(ctx context.Context, m ReceivedMessage) (*ReceivedMessage, error)
	ListReceivedMessages(ctx context.Context, projectID string, filter MessageFilter) ([]ReceivedMessage, error)

	CreateReceivedReaction(ctx context.Context, r ReceivedReaction) (*ReceivedReaction, error)
	// CurrentReactions returns the visible reaction set for a message: one
	// entry per (providerUserId, emoji) whose latest event is Added.
	CurrentReactions(ctx context.Context, projectID, providerMessageID string) ([]ReceivedReaction, error)

	CreateSentMessage(ctx context.Context, m SentMessage) (*SentMessage, error)
	// UpdateSentMessageStatus enforces the pending->{sent,failed} transition.
	UpdateSentMessageStatus(ctx context.Context, id string, status SentStatus, providerMessageID, errorMessage string, sentAt *time.Time) error
	ListSentMessagesByJob(ctx context.Context, jobID string) ([]SentMessage, error)
	ListSentMessages(ctx context.Context, projectID string, filter MessageFilter) ([]SentMessage, error)

	MessageStats(ctx context.Context, projectID string) (*MessageStats, error)
}

// MessageFilter is the common pagination/filter shape for message queries.
type MessageFilter struct {
	Platform         string
	PlatformConfigID string
	Limit            int
	Offset           int
}

// MessageStats summarizes received/sent counts for a project.
type MessageStats struct {
	ReceivedCount int64 `json:"receivedCount"`
	SentCount     int64 `json:"sentCount"`
	FailedCount   int64 `json:"failedCount"`
}
