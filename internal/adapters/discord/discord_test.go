package discord

import "testing"

func TestToEnvelopeMessageCreate(t *testing.T) {
	a := New(nil)

	body := []byte(`{"kind":"messageCreate","channelId":"chan-1","authorId":"user-1","author":"alice","content":"hi","messageId":"msg-1"}`)

	env, err := a.ToEnvelope(body, "proj-1")
	if err != nil {
		t.Fatalf("ToEnvelope: %v", err)
	}

	if env.Channel != "discord" || env.ProjectID != "proj-1" {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Provider.EventID != "msg-1" {
		t.Fatalf("EventID = %q", env.Provider.EventID)
	}
	if env.ThreadID != "chan-1" {
		t.Fatalf("ThreadID = %q", env.ThreadID)
	}
	if env.User.ProviderUserID != "user-1" || env.User.Display != "alice" {
		t.Fatalf("User = %+v", env.User)
	}
	if env.Message == nil || env.Message.Text != "hi" {
		t.Fatalf("Message = %+v", env.Message)
	}
}

func TestToEnvelopeInteractionCreate(t *testing.T) {
	a := New(nil)

	body := []byte(`{"kind":"interactionCreate","channelId":"chan-1","authorId":"user-1","author":"alice","messageId":"int-1","value":"confirm"}`)

	env, err := a.ToEnvelope(body, "proj-1")
	if err != nil {
		t.Fatalf("ToEnvelope: %v", err)
	}

	if env.Provider.EventID != "int-1" {
		t.Fatalf("EventID = %q", env.Provider.EventID)
	}
	if env.Action == nil || env.Action.Type != "button" || env.Action.Value != "confirm" {
		t.Fatalf("Action = %+v", env.Action)
	}
	if env.Message != nil {
		t.Fatal("an interaction must not carry a Message")
	}
}

func TestToEnvelopeUnknownKind(t *testing.T) {
	a := New(nil)

	if _, err := a.ToEnvelope([]byte(`{"kind":"presenceUpdate"}`), "proj-1"); err == nil {
		t.Fatal("expected error for unsupported event kind")
	}
}

func TestConnectionCapRejectsExcess(t *testing.T) {
	a := New(nil)

	// Fill the pool with placeholders; CreateAdapter checks the cap before
	// touching credentials.
	for i := 0; i < MaxConnections; i++ {
		a.conns.Put(string(rune('a'+i%26))+string(rune('0'+i/26)), "", &conn{})
	}

	err := a.CreateAdapter(t.Context(), "one-too-many", map[string]any{"token": "t"})
	if err == nil {
		t.Fatal("expected MAX_CONNECTIONS rejection")
	}
	if a.conns.Has("one-too-many") {
		t.Fatal("rejected connection must not be stored")
	}
}

func TestGetWebhookConfigNilForWebSocketAdapter(t *testing.T) {
	if New(nil).GetWebhookConfig() != nil {
		t.Fatal("discord is websocket-class; no webhook route")
	}
}

func TestRemoveAdapterUnknownKeyIsNoOp(t *testing.T) {
	a := New(nil)
	if err := a.RemoveAdapter(t.Context(), "missing"); err != nil {
		t.Fatalf("RemoveAdapter on unknown key: %v", err)
	}
}
