package sign

import (
	"strings"
	"testing"
)

func TestCanonical_Layout(t *testing.T) {
	got := Canonical("get", "/api/echo", "abc", "1700000000", "n0nce")
	want := "GET\n/api/echo\nabc\n1700000000\nn0nce"
	if got != want {
		t.Fatalf("Canonical = %q, want %q", got, want)
	}
}

func TestCanonical_MethodCaseInsensitive(t *testing.T) {
	lower := Canonical("post", "/p", "", "1", "n")
	upper := Canonical("POST", "/p", "", "1", "n")
	if lower != upper {
		t.Fatalf("Canonical(post) = %q, Canonical(POST) = %q", lower, upper)
	}
}

func TestCanonical_EmptyFields(t *testing.T) {
	got := Canonical("GET", "/p", "", "", "")
	if strings.Count(got, "\n") != 4 {
		t.Fatalf("expected 4 separators regardless of empty fields, got %q", got)
	}
}

func TestHmacSHA256Hex_KnownVector(t *testing.T) {
	// RFC 4231 test case 2: key "Jefe", data "what do ya want for nothing?"
	got := HmacSHA256Hex("what do ya want for nothing?", "Jefe")
	want := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if got != want {
		t.Fatalf("HmacSHA256Hex = %q, want %q", got, want)
	}
}

func TestSHA256Hex_EmptyBody(t *testing.T) {
	got := SHA256Hex(nil)
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Fatalf("SHA256Hex(nil) = %q, want %q", got, want)
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	secret := "sk_test"
	canonical := Canonical("GET", "/api/echo", SHA256Hex(nil), "1700000000", "abcd1234efgh5678")
	sig := HmacSHA256Hex(canonical, secret)

	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64", len(sig))
	}
	if sig != strings.ToLower(sig) {
		t.Fatal("signature must be lowercase hex")
	}
	if !Verify(sig, HmacSHA256Hex(canonical, secret)) {
		t.Fatal("Verify rejected a valid signature")
	}
}

func TestVerify_SingleCharPerturbation(t *testing.T) {
	secret := "sk_test"
	fields := []struct {
		method, path, digest, ts, nonce string
	}{
		{"GET", "/api/echo", "d", "1700000000", "abcd1234efgh5678"},
	}
	base := fields[0]
	sig := HmacSHA256Hex(Canonical(base.method, base.path, base.digest, base.ts, base.nonce), secret)

	perturbed := []string{
		HmacSHA256Hex(Canonical("PUT", base.path, base.digest, base.ts, base.nonce), secret),
		HmacSHA256Hex(Canonical(base.method, "/api/echo2", base.digest, base.ts, base.nonce), secret),
		HmacSHA256Hex(Canonical(base.method, base.path, "e", base.ts, base.nonce), secret),
		HmacSHA256Hex(Canonical(base.method, base.path, base.digest, "1700000001", base.nonce), secret),
		HmacSHA256Hex(Canonical(base.method, base.path, base.digest, base.ts, "abcd1234efgh5679"), secret),
		HmacSHA256Hex(Canonical(base.method, base.path, base.digest, base.ts, base.nonce), "sk_test2"),
	}
	for i, p := range perturbed {
		if Verify(p, sig) {
			t.Errorf("perturbation %d: expected mismatch, got match", i)
		}
	}
}

func TestVerify_LengthMismatch(t *testing.T) {
	if Verify("abc", "abcd") {
		t.Fatal("Verify accepted signatures of different length")
	}
}
