package filter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xiaoxin/api-gateway/internal/pipeline"
)

func finish(t *testing.T, ctx *pipeline.Context, term *pipeline.Action) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	w := &ResponseWrapper{Enabled: true, Logger: slog.Default()}
	w.Finish(ctx, rec, httptest.NewRequest("GET", "/x", nil), term)
	return rec
}

func decodeEnvelope(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("response is not a JSON envelope: %v (%s)", err, body)
	}
	return m
}

func TestResponseWrapper_SuccessWrapsJSON(t *testing.T) {
	ctx := pipeline.NewContext()
	ctx.RequestID = "rid-1"
	ctx.ProxyRan = true
	ctx.ProxyOK = true
	ctx.ProxyBody = []byte(`{"echo":true}`)

	rec := finish(t, ctx, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body.Bytes())
	if env["code"].(float64) != 200 || env["message"] != "ok" {
		t.Fatalf("unexpected envelope: %v", env)
	}
	data, ok := env["data"].(map[string]any)
	if !ok || data["echo"] != true {
		t.Fatalf("upstream JSON not embedded verbatim: %v", env["data"])
	}
}

func TestResponseWrapper_SuccessWrapsNonJSONAsString(t *testing.T) {
	ctx := pipeline.NewContext()
	ctx.ProxyRan = true
	ctx.ProxyOK = true
	ctx.ProxyBody = []byte("plain text body")

	rec := finish(t, ctx, nil)
	env := decodeEnvelope(t, rec.Body.Bytes())
	if env["data"] != "plain text body" {
		t.Fatalf("non-JSON body should be carried as string, got %v", env["data"])
	}
}

func TestResponseWrapper_UpstreamError(t *testing.T) {
	ctx := pipeline.NewContext()
	ctx.ProxyRan = true
	ctx.ProxyErr = "upstream returned 500"

	rec := finish(t, ctx, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body.Bytes())
	if env["message"] != "upstream error: upstream returned 500" {
		t.Fatalf("unexpected message %v", env["message"])
	}
	if env["data"] != nil {
		t.Fatalf("data should be null, got %v", env["data"])
	}
}

func TestResponseWrapper_TerminalRejection(t *testing.T) {
	ctx := pipeline.NewContext()
	term := pipeline.Forbidden()

	rec := finish(t, ctx, &term)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("403 body should be empty, got %q", rec.Body.String())
	}
}

func TestResponseWrapper_DefaultSuccessWhenProxyDisabled(t *testing.T) {
	ctx := pipeline.NewContext()

	rec := finish(t, ctx, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body.Bytes())
	if env["message"] != "ok" || env["data"] != nil {
		t.Fatalf("unexpected default envelope: %v", env)
	}
}

func TestResponseWrapper_StampsHeaders(t *testing.T) {
	ctx := pipeline.NewContext()
	ctx.RequestID = "rid-9"
	ctx.ProxyRan = true
	ctx.ProxyOK = true
	ctx.ProxyBody = []byte(`{}`)

	rec := finish(t, ctx, nil)
	h := rec.Header()

	expectations := map[string]string{
		"Content-Type":                 "application/json;charset=UTF-8",
		"Cache-Control":                "no-cache, no-store, must-revalidate",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET,POST,PUT,DELETE,OPTIONS",
		"Access-Control-Max-Age":       "3600",
		"X-Content-Type-Options":       "nosniff",
		"X-Frame-Options":              "DENY",
		"X-XSS-Protection":             "1; mode=block",
		"X-Powered-By":                 "XiaoXin-API-Gateway",
		"X-Request-ID":                 "rid-9",
	}
	for key, want := range expectations {
		if got := h.Get(key); got != want {
			t.Errorf("header %s = %q, want %q", key, got, want)
		}
	}
}

func TestResponseWrapper_DisabledStillWritesBody(t *testing.T) {
	ctx := pipeline.NewContext()
	ctx.RequestID = "rid-2"
	ctx.ProxyRan = true
	ctx.ProxyOK = true
	ctx.ProxyBody = []byte(`{}`)

	rec := httptest.NewRecorder()
	w := &ResponseWrapper{Enabled: false, Logger: slog.Default()}
	w.Finish(ctx, rec, httptest.NewRequest("GET", "/x", nil), nil)

	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Fatal("disabled wrapper must still write the response")
	}
	if rec.Header().Get("X-Powered-By") != "" {
		t.Fatal("disabled wrapper must not stamp the header set")
	}
	if rec.Header().Get("X-Request-ID") != "rid-2" {
		t.Fatal("request id echo is always on")
	}
}
