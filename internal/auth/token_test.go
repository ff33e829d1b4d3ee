package auth

import (
	"strings"
	"testing"
)

func TestHashTokenDeterministic(t *testing.T) {
	a := HashToken("abc")
	b := HashToken("abc")
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha-256, got %q", a)
	}
}

func TestConstantTimeHashEquals(t *testing.T) {
	if !ConstantTimeHashEquals("abc", "abc") {
		t.Fatalf("expected equal hashes")
	}
	if ConstantTimeHashEquals("abc", "abd") {
		t.Fatalf("expected non-equal hashes")
	}
	if ConstantTimeHashEquals("abc", "abcd") {
		t.Fatalf("expected length mismatch to fail")
	}
}

func TestGenerateTokenIsPathSafe(t *testing.T) {
	for i := 0; i < 32; i++ {
		tok, err := GenerateToken()
		if err != nil {
			t.Fatal(err)
		}
		if strings.ContainsAny(tok, "/+=") {
			t.Fatalf("token %q is not path safe", tok)
		}
		if !TokenMatches(tok, HashToken(tok)) {
			t.Fatalf("expected token to match its own hash")
		}
	}
}
