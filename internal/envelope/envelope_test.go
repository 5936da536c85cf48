package envelope

import (
	"encoding/json"
	"net/http"
	"testing"
)

func decode(t *testing.T, e Envelope) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(e.Bytes(), &m); err != nil {
		t.Fatalf("envelope does not serialize: %v", err)
	}
	for _, field := range []string{"code", "message", "data", "timestamp"} {
		if _, ok := m[field]; !ok {
			t.Fatalf("envelope missing field %q: %v", field, m)
		}
	}
	return m
}

func TestSuccess_EmbedsJSON(t *testing.T) {
	m := decode(t, Success([]byte(`{"a":1}`)))
	if m["code"].(float64) != 200 || m["message"] != "ok" {
		t.Fatalf("unexpected envelope: %v", m)
	}
	data := m["data"].(map[string]any)
	if data["a"].(float64) != 1 {
		t.Fatalf("data = %v", m["data"])
	}
}

func TestSuccess_QuotesNonJSON(t *testing.T) {
	m := decode(t, Success([]byte("hello")))
	if m["data"] != "hello" {
		t.Fatalf("data = %v, want quoted string", m["data"])
	}
}

func TestSuccess_EmptyBodyIsNull(t *testing.T) {
	m := decode(t, Success(nil))
	if m["data"] != nil {
		t.Fatalf("data = %v, want null", m["data"])
	}
}

func TestUpstreamError(t *testing.T) {
	m := decode(t, UpstreamError("boom"))
	if m["code"].(float64) != 500 || m["message"] != "upstream error: boom" {
		t.Fatalf("unexpected envelope: %v", m)
	}
}

func TestRateLimited(t *testing.T) {
	m := decode(t, RateLimited())
	if m["code"].(float64) != 429 || m["message"] != "rate-limited, retry later" {
		t.Fatalf("unexpected envelope: %v", m)
	}
}

func TestQuotaExhausted(t *testing.T) {
	m := decode(t, QuotaExhausted())
	if m["code"].(float64) != 429 || m["message"] != "quota exhausted or not provisioned" {
		t.Fatalf("unexpected envelope: %v", m)
	}
}

func TestCircuitOpen(t *testing.T) {
	m := decode(t, CircuitOpen("echo"))
	if m["code"].(float64) != 503 {
		t.Fatalf("code = %v", m["code"])
	}
	data := m["data"].(map[string]any)
	if data["service"] != "echo" || data["reason"] != "circuit open" {
		t.Fatalf("data = %v", data)
	}
	if data["suggestion"] == "" {
		t.Fatal("suggestion must be populated")
	}
}

func TestStampHeaders(t *testing.T) {
	h := http.Header{}
	StampHeaders(h, "rid")

	if h.Get("Content-Type") != "application/json;charset=UTF-8" {
		t.Errorf("Content-Type = %q", h.Get("Content-Type"))
	}
	if h.Get("Access-Control-Allow-Headers") != corsAllowHeaders {
		t.Errorf("allow headers = %q", h.Get("Access-Control-Allow-Headers"))
	}
	if h.Get("X-Request-ID") != "rid" {
		t.Errorf("X-Request-ID = %q", h.Get("X-Request-ID"))
	}

	h2 := http.Header{}
	StampHeaders(h2, "")
	if _, ok := h2["X-Request-Id"]; ok {
		t.Error("empty request id must not set the header")
	}
}
