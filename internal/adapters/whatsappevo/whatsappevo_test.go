package whatsappevo

import (
	"encoding/json"
	"testing"
)

func TestToEnvelopeMessageUpsert(t *testing.T) {
	a := New("https://gatekit.example.com", nil)

	body := []byte(`{"event":"MESSAGES_UPSERT","instance":"gatekit","data":{"key":{"remoteJid":"5511999999999@s.whatsapp.net","id":"BAE5F4A0","fromMe":false},"pushName":"Alice","message":{"conversation":"hello"}}}`)

	env, err := a.ToEnvelope(body, "proj-1")
	if err != nil {
		t.Fatalf("ToEnvelope: %v", err)
	}

	if env.Channel != "whatsapp-evo" {
		t.Fatalf("Channel = %q", env.Channel)
	}
	if env.Provider.EventID != "BAE5F4A0" {
		t.Fatalf("EventID = %q", env.Provider.EventID)
	}
	if env.ThreadID != "5511999999999@s.whatsapp.net" {
		t.Fatalf("ThreadID = %q", env.ThreadID)
	}
	if env.User.Display != "Alice" {
		t.Fatalf("Display = %q", env.User.Display)
	}
	if env.Message == nil || env.Message.Text != "hello" {
		t.Fatalf("Message = %+v", env.Message)
	}
}

func TestToEnvelopeSkipsOwnEcho(t *testing.T) {
	a := New("", nil)

	body := []byte(`{"event":"MESSAGES_UPSERT","data":{"key":{"remoteJid":"x@s.whatsapp.net","id":"1","fromMe":true},"message":{"conversation":"echo"}}}`)
	if _, err := a.ToEnvelope(body, "proj-1"); err == nil {
		t.Fatal("fromMe messages must not produce envelopes")
	}
}

func TestToEnvelopeNonMessageEvent(t *testing.T) {
	a := New("", nil)

	body := []byte(`{"event":"CONNECTION_UPDATE","data":{"state":"open"}}`)
	if _, err := a.ToEnvelope(body, "proj-1"); err == nil {
		t.Fatal("connection events carry no envelope")
	}
}

func TestMediaTypeFromMIME(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"image/png", "image"},
		{"image/jpeg", "image"},
		{"video/mp4", "video"},
		{"audio/ogg", "audio"},
		{"application/pdf", "document"},
		{"", "document"},
	}

	for _, tt := range tests {
		if got := mediaTypeFromMIME(tt.mime); got != tt.want {
			t.Errorf("mediaTypeFromMIME(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

func TestConnectionStateMachine(t *testing.T) {
	a := New("", nil)
	c := &conn{state: stateClose}

	steps := []struct {
		body []byte
		want connState
	}{
		{[]byte(`{"event":"CONNECTION_UPDATE","data":{"state":"connecting"}}`), stateConnecting},
		{[]byte(`{"event":"CONNECTION_UPDATE","data":{"state":"open"}}`), stateOpen},
		{[]byte(`{"event":"CONNECTION_UPDATE","data":{"state":"close"}}`), stateClose},
	}

	for _, step := range steps {
		var evt evoEvent
		if err := json.Unmarshal(step.body, &evt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		a.applyConnectionState(c, evt)
		if c.state != step.want {
			t.Fatalf("state = %q, want %q", c.state, step.want)
		}
	}
}

func TestQRCodeCached(t *testing.T) {
	a := New("", nil)
	c := &conn{state: stateConnecting}

	var evt evoEvent
	if err := json.Unmarshal([]byte(`{"event":"QRCODE_UPDATED","data":{"qrcode":{"code":"QR123"}}}`), &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	a.applyConnectionState(c, evt)

	if c.qr != "QR123" {
		t.Fatalf("qr = %q, want QR123", c.qr)
	}
}
