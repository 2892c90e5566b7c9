package connset

import "testing"

type conn struct{ id string }

func TestPutGetRemove(t *testing.T) {
	s := New[*conn]()

	if _, ok := s.Get("proj:cfg"); ok {
		t.Fatal("empty set must miss")
	}

	c := &conn{id: "a"}
	s.Put("proj:cfg", "", c)

	got, ok := s.Get("proj:cfg")
	if !ok || got != c {
		t.Fatal("Get must return the stored connection")
	}
	if !s.Has("proj:cfg") {
		t.Fatal("Has must report the stored key")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}

	removed, ok := s.Remove("proj:cfg")
	if !ok || removed != c {
		t.Fatal("Remove must hand the connection back for teardown")
	}
	if s.Has("proj:cfg") {
		t.Fatal("key must be gone after Remove")
	}
}

func TestRemoveAbsentKeyIsNoOp(t *testing.T) {
	s := New[*conn]()
	if _, ok := s.Remove("missing"); ok {
		t.Fatal("Remove on an unknown key must report absence")
	}
}

func TestTokenIndex(t *testing.T) {
	s := New[*conn]()
	s.Put("proj:cfg", "token-1", &conn{id: "a"})

	key, ok := s.KeyForToken("token-1")
	if !ok || key != "proj:cfg" {
		t.Fatalf("KeyForToken = %q, %v", key, ok)
	}

	if _, ok := s.KeyForToken("other"); ok {
		t.Fatal("unknown token must miss")
	}

	// Removing the connection drops its token mapping too.
	s.Remove("proj:cfg")
	if _, ok := s.KeyForToken("token-1"); ok {
		t.Fatal("token index must be cleaned up on Remove")
	}
}

func TestPutWithoutTokenSkipsIndex(t *testing.T) {
	s := New[*conn]()
	s.Put("proj:cfg", "", &conn{id: "a"})
	if _, ok := s.KeyForToken(""); ok {
		t.Fatal("empty token must not be indexed")
	}
}

func TestKeys(t *testing.T) {
	s := New[*conn]()
	s.Put("a", "", &conn{})
	s.Put("b", "", &conn{})

	keys := s.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys = %v, want 2 entries", keys)
	}
}
