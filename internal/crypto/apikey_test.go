package crypto

import (
	"strings"
	"testing"
)

func TestEnvFromProjectEnvironment(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"development", EnvDev, false},
		{"staging", EnvStg, false},
		{"production", EnvLive, false},
		{"prod", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := EnvFromProjectEnvironment(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("EnvFromProjectEnvironment(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("EnvFromProjectEnvironment(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("EnvFromProjectEnvironment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGenerateAPIKeyShape(t *testing.T) {
	key, err := GenerateAPIKey(EnvDev)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if !strings.HasPrefix(key, "gk_dev_") {
		t.Fatalf("expected key to start with gk_dev_, got %q", key)
	}

	rest := strings.TrimPrefix(key, "gk_dev_")
	if len(rest) == 0 {
		t.Fatal("expected non-empty random segment")
	}
}

func TestGenerateAPIKeyUnique(t *testing.T) {
	k1, err := GenerateAPIKey(EnvLive)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	k2, err := GenerateAPIKey(EnvLive)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if k1 == k2 {
		t.Fatal("two generated keys should not collide")
	}
}

func TestHashAPIKeyStable(t *testing.T) {
	key, err := GenerateAPIKey(EnvStg)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	h1 := HashAPIKey(key)
	h2 := HashAPIKey(key)

	if h1 != h2 {
		t.Fatalf("hash of the same key should be stable: got %q and %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars (sha256), got %d", len(h1))
	}
}

func TestKeyPrefixSuffixDeterministic(t *testing.T) {
	key, err := GenerateAPIKey(EnvDev)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if got, want := KeyPrefix(key), key[:8]; got != want {
		t.Fatalf("KeyPrefix = %q, want %q", got, want)
	}
	if got, want := KeySuffix(key), key[len(key)-4:]; got != want {
		t.Fatalf("KeySuffix = %q, want %q", got, want)
	}

	// Deterministic across repeated calls.
	if KeyPrefix(key) != KeyPrefix(key) || KeySuffix(key) != KeySuffix(key) {
		t.Fatal("KeyPrefix/KeySuffix must be deterministic")
	}
}

func TestMaskKey(t *testing.T) {
	got := MaskKey("gk_dev_A", "9f3c")
	want := "gk_dev_A…9f3c"
	if got != want {
		t.Fatalf("MaskKey = %q, want %q", got, want)
	}
}
