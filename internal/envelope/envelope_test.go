package envelope

import (
	"encoding/json"
	"testing"
)

func TestParseTargetAccepts(t *testing.T) {
	target, err := ParseTarget("cfg1:user:abc123")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}

	if target.PlatformConfigID != "cfg1" || target.Type != TargetUser || target.ID != "abc123" {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestParseTargetRejectsBoundaryCases(t *testing.T) {
	tests := []string{
		"a:b",       // only 2 parts
		"a:user:",   // empty id
		"a:foo:bar", // unknown type
	}

	for _, tt := range tests {
		if _, err := ParseTarget(tt); err == nil {
			t.Errorf("ParseTarget(%q): expected error, got none", tt)
		}
	}
}

func TestParseTargetAcceptsAllTypes(t *testing.T) {
	for _, typ := range []TargetType{TargetUser, TargetChannel, TargetGroup} {
		s := "cfg:" + string(typ) + ":id1"
		target, err := ParseTarget(s)
		if err != nil {
			t.Errorf("ParseTarget(%q): %v", s, err)
			continue
		}
		if target.Type != typ {
			t.Errorf("ParseTarget(%q).Type = %q, want %q", s, target.Type, typ)
		}
	}
}

func TestTargetStringRoundTrip(t *testing.T) {
	target, err := ParseTarget("cfg1:channel:general")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}

	if got, want := target.String(), "cfg1:channel:general"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestTargetUnmarshalJSONFromString(t *testing.T) {
	var target Target
	if err := json.Unmarshal([]byte(`"cfg1:user:u1"`), &target); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if target.PlatformConfigID != "cfg1" || target.Type != TargetUser || target.ID != "u1" {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestTargetUnmarshalJSONFromObject(t *testing.T) {
	var target Target
	body := `{"platformId":"cfg1","type":"group","id":"g1"}`
	if err := json.Unmarshal([]byte(body), &target); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if target.PlatformConfigID != "cfg1" || target.Type != TargetGroup || target.ID != "g1" {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestTargetUnmarshalJSONRejectsUnknownType(t *testing.T) {
	var target Target
	body := `{"platformId":"cfg1","type":"broadcast","id":"g1"}`
	if err := json.Unmarshal([]byte(body), &target); err == nil {
		t.Fatal("expected error for unknown target type in object form")
	}
}

func TestTargetMarshalJSONAlwaysCompact(t *testing.T) {
	target := Target{PlatformConfigID: "cfg1", Type: TargetUser, ID: "u1"}

	out, err := json.Marshal(target)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if got, want := string(out), `"cfg1:user:u1"`; got != want {
		t.Fatalf("Marshal = %s, want %s", got, want)
	}
}

func TestNewEnvelopeFieldsNonEmpty(t *testing.T) {
	e := New("telegram", "proj1", "cfg1")
	e.User = User{ProviderUserID: "u1"}
	e.Provider = Provider{EventID: "evt1"}

	if e.ProjectID == "" || e.Channel == "" || e.User.ProviderUserID == "" || e.Provider.EventID == "" {
		t.Fatalf("expected non-empty required fields, got %+v", e)
	}
	if e.ID == "" {
		t.Fatal("expected a generated ULID id")
	}
	if e.Version != Version {
		t.Fatalf("Version = %q, want %q", e.Version, Version)
	}
}

func TestConnectionKey(t *testing.T) {
	if got, want := ConnectionKey("proj1", "cfg1"), "proj1:cfg1"; got != want {
		t.Fatalf("ConnectionKey = %q, want %q", got, want)
	}
}
