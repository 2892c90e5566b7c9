package telegram

import (
	"testing"

	"github.com/rakunlabs/gatekit/internal/envelope"
)

func TestToEnvelopeMessage(t *testing.T) {
	a := New("https://gatekit.example.com", nil)

	body := []byte(`{"update_id":9001,"message":{"message_id":42,"chat":{"id":100},"from":{"id":7,"username":"alice","is_bot":false},"text":"hi"}}`)

	env, err := a.ToEnvelope(body, "proj-1")
	if err != nil {
		t.Fatalf("ToEnvelope: %v", err)
	}

	if env.Channel != "telegram" || env.ProjectID != "proj-1" {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Provider.EventID != "42" {
		t.Fatalf("EventID = %q, want the message_id", env.Provider.EventID)
	}
	if env.ThreadID != "100" {
		t.Fatalf("ThreadID = %q, want the chat id", env.ThreadID)
	}
	if env.User.ProviderUserID != "7" || env.User.Display != "alice" {
		t.Fatalf("User = %+v", env.User)
	}
	if env.Message == nil || env.Message.Text != "hi" {
		t.Fatalf("Message = %+v", env.Message)
	}
	if env.Action != nil {
		t.Fatal("a plain message must not carry an Action")
	}
	if len(env.Provider.Raw) == 0 {
		t.Fatal("raw payload must be preserved opaquely")
	}
}

func TestToEnvelopeCallbackQuery(t *testing.T) {
	a := New("https://gatekit.example.com", nil)

	body := []byte(`{"update_id":9002,"callback_query":{"id":"cbq-1","from":{"id":7,"username":"alice"},"message":{"message_id":42,"chat":{"id":100}},"data":"confirm"}}`)

	env, err := a.ToEnvelope(body, "proj-1")
	if err != nil {
		t.Fatalf("ToEnvelope: %v", err)
	}

	if env.Provider.EventID != "cbq-1" {
		t.Fatalf("EventID = %q, want the callback query id", env.Provider.EventID)
	}
	if env.Action == nil || env.Action.Type != "button" || env.Action.Value != "confirm" {
		t.Fatalf("Action = %+v", env.Action)
	}
	if env.ThreadID != "100" {
		t.Fatalf("ThreadID = %q", env.ThreadID)
	}
}

func TestToEnvelopeUnsupportedUpdate(t *testing.T) {
	a := New("", nil)

	if _, err := a.ToEnvelope([]byte(`{"update_id":1}`), "proj-1"); err == nil {
		t.Fatal("expected error for an update with no message or callback")
	}
}

func TestToEnvelopeMalformedJSON(t *testing.T) {
	a := New("", nil)

	if _, err := a.ToEnvelope([]byte(`{`), "proj-1"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestEnvelopeRequiredFields(t *testing.T) {
	a := New("", nil)

	body := []byte(`{"message":{"message_id":1,"chat":{"id":5},"from":{"id":2,"username":"u"},"text":"x"}}`)
	env, err := a.ToEnvelope(body, "proj-1")
	if err != nil {
		t.Fatalf("ToEnvelope: %v", err)
	}

	// Every adapter-produced envelope carries these non-empty.
	if env.ProjectID == "" || env.Channel == "" || env.User.ProviderUserID == "" || env.Provider.EventID == "" {
		t.Fatalf("missing required envelope fields: %+v", env)
	}
	if env.ID == "" || env.Version != envelope.Version {
		t.Fatalf("envelope id/version not set: %+v", env)
	}
}
