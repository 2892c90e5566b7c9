// Package envelope defines the canonical message object exchanged between
// platform adapters and the inbound/outbound pipelines, plus the compact
// Target addressing syntax accepted by the outbound send API. Neither side
// of the adapter boundary sees the other's native platform types; every
// adapter translates to and from Envelope at its edge.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Version is the only Envelope schema version GateKit currently emits.
const Version = "1"

// Envelope is the sole type exchanged between adapters and the pipelines.
type Envelope struct {
	Version   string    `json:"version"`
	ID        string    `json:"id"`
	Ts        time.Time `json:"ts"`
	Channel   string    `json:"channel"` // platform name
	ProjectID string    `json:"projectId"`

	// PlatformConfigID disambiguates which configured instance of Channel
	// produced this envelope; a project may run several configs of the
	// same platform (two Telegram bots), so the platform name alone isn't
	// enough to route persistence or replies. Not part of the wire
	// payload any adapter parses; set by the adapter from its own
	// connectionKey when it builds the envelope.
	PlatformConfigID string `json:"platformConfigId"`

	ThreadID string `json:"threadId,omitempty"` // platform chat/channel id

	User User `json:"user"`

	Message  *Message  `json:"message,omitempty"`
	Action   *Action   `json:"action,omitempty"` // button clicks
	Reaction *Reaction `json:"reaction,omitempty"`

	Provider Provider `json:"provider"`
}

// User identifies the sender of an inbound event, or the system principal
// for synthetic envelopes built by the outbound worker.
type User struct {
	ProviderUserID string `json:"providerUserId"`
	Display        string `json:"display,omitempty"`
}

// Message carries the text payload of a message envelope.
type Message struct {
	Text string `json:"text,omitempty"`
}

// Action carries a button-click / callback payload.
type Action struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ReactionType is one of the two reaction lifecycle events.
type ReactionType string

const (
	ReactionAdded   ReactionType = "added"
	ReactionRemoved ReactionType = "removed"
)

// Reaction carries a reaction add/remove payload.
type Reaction struct {
	ProviderMessageID string       `json:"providerMessageId"`
	Emoji             string       `json:"emoji"`
	Type              ReactionType `json:"type"`
}

// Provider carries the platform-native identifiers and raw payload.
// Adapters downcast Raw locally; the pipelines never interpret it.
type Provider struct {
	EventID string          `json:"eventId"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// New builds an Envelope with a freshly generated ULID id and the current
// timestamp, for adapters constructing an envelope from an inbound event.
func New(channel, projectID, platformConfigID string) *Envelope {
	return &Envelope{
		Version:          Version,
		ID:               ulid.Make().String(),
		Ts:               time.Now().UTC(),
		Channel:          channel,
		ProjectID:        projectID,
		PlatformConfigID: platformConfigID,
	}
}

// IsReaction reports whether this envelope carries a reaction event rather
// than a message or action.
func (e *Envelope) IsReaction() bool {
	return e.Reaction != nil
}

// TargetType is one of the three addressable destination kinds.
type TargetType string

const (
	TargetUser    TargetType = "user"
	TargetChannel TargetType = "channel"
	TargetGroup   TargetType = "group"
)

func (t TargetType) valid() bool {
	switch t {
	case TargetUser, TargetChannel, TargetGroup:
		return true
	default:
		return false
	}
}

// Target is one addressable destination: a platform config, a target
// kind, and an opaque platform-specific id.
type Target struct {
	PlatformConfigID string     `json:"platformId"`
	Type             TargetType `json:"type"`
	ID               string     `json:"id"`
}

// String renders the compact "{platformConfigId}:{type}:{id}" form.
func (t Target) String() string {
	return fmt.Sprintf("%s:%s:%s", t.PlatformConfigID, t.Type, t.ID)
}

// ParseTarget parses the compact target string form. It splits on ":"
// into exactly three parts, rejects an unknown type, and leaves id opaque
// (platform ids may themselves be arbitrary strings, but never contain a
// colon in any platform GateKit supports).
func ParseTarget(s string) (Target, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Target{}, fmt.Errorf("target %q: expected exactly 3 colon-separated parts, got %d", s, len(parts))
	}

	platformConfigID, typ, id := parts[0], TargetType(parts[1]), parts[2]

	if platformConfigID == "" {
		return Target{}, fmt.Errorf("target %q: platform config id must not be empty", s)
	}
	if !typ.valid() {
		return Target{}, fmt.Errorf("target %q: unknown target type %q", s, parts[1])
	}
	if id == "" {
		return Target{}, fmt.Errorf("target %q: id must not be empty", s)
	}

	return Target{PlatformConfigID: platformConfigID, Type: typ, ID: id}, nil
}

// UnmarshalJSON accepts a Target either as a compact string or as a
// structured {platformId, type, id} object.
func (t *Target) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseTarget(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}

	type alias Target
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("target: not a string or object: %w", err)
	}
	if !a.Type.valid() {
		return fmt.Errorf("target: unknown type %q", a.Type)
	}
	*t = Target(a)
	return nil
}

// MarshalJSON always renders the compact string form, even when the
// Target was decoded from a structured object.
func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// ConnectionKey derives the adapter lifecycle / connection-pool key for a
// project+platform-config pair. Never persisted.
func ConnectionKey(projectID, platformConfigID string) string {
	return projectID + ":" + platformConfigID
}

// SplitConnectionKey reverses ConnectionKey, for adapters whose inbound
// path only carries the connectionKey (no separate PlatformConfig
// lookup) and need to stamp an Envelope's ProjectID/PlatformConfigID.
func SplitConnectionKey(connectionKey string) (projectID, platformConfigID string, ok bool) {
	i := strings.IndexByte(connectionKey, ':')
	if i < 0 {
		return "", "", false
	}
	return connectionKey[:i], connectionKey[i+1:], true
}
