package crypto

import (
	"strings"
	"testing"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	aad := []byte("http://up.example.com/v1|/api/echo|GET")
	plain := `{"key":"secret-value","header":"X-API-Key"}`

	sealed, err := Encrypt(testKey, aad, plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if sealed == plain {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := Decrypt(testKey, aad, sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plain {
		t.Fatalf("round trip = %q, want %q", got, plain)
	}
}

func TestDecrypt_WrongAAD(t *testing.T) {
	sealed, err := Encrypt(testKey, []byte("url-a|/path|GET"), "payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(testKey, []byte("url-b|/path|GET"), sealed); err == nil {
		t.Fatal("expected authentication failure with mismatched AAD")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	sealed, err := Encrypt(testKey, nil, "payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	otherKey := []byte("ffffffffffffffffffffffffffffffff")
	if _, err := Decrypt(otherKey, nil, sealed); err == nil {
		t.Fatal("expected failure with wrong key")
	}
}

func TestEncrypt_RejectsShortKey(t *testing.T) {
	if _, err := Encrypt([]byte("short"), nil, "x"); err == nil {
		t.Fatal("expected error for non-32-byte key")
	}
}

func TestIsEncrypted(t *testing.T) {
	sealed, err := Encrypt(testKey, nil, "x")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !IsEncrypted(sealed) {
		t.Error("IsEncrypted rejected a sealed payload")
	}

	plains := []string{
		"",
		`{"key":"plain-json-config"}`,
		"not base64 at all!!",
		strings.Repeat("a", 4), // valid base64, too short
	}
	for _, p := range plains {
		if IsEncrypted(p) {
			t.Errorf("IsEncrypted(%q) = true, want false", p)
		}
	}
}
