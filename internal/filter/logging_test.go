package filter

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/xiaoxin/api-gateway/internal/pipeline"
)

func TestRequestLogger_ClientIPPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"xff single", "203.0.113.7", "198.51.100.1", "192.0.2.1:1234", "203.0.113.7"},
		{"xff first of many", "203.0.113.7, 198.51.100.1, 192.0.2.1", "", "192.0.2.1:1234", "203.0.113.7"},
		{"xff trimmed", "  203.0.113.7  ", "", "192.0.2.1:1234", "203.0.113.7"},
		{"real ip fallback", "", "198.51.100.1", "192.0.2.1:1234", "198.51.100.1"},
		{"peer fallback", "", "", "192.0.2.1:1234", "192.0.2.1"},
		{"peer without port", "", "", "192.0.2.1", "192.0.2.1"},
		{"nothing", "", "", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/echo", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}

			f := &RequestLogger{Enabled: true, Logger: slog.Default()}
			ctx := pipeline.NewContext()
			act := f.Run(ctx, r)

			if act.IsTerminal() {
				t.Fatal("request logger must never terminate")
			}
			if ctx.ClientIP != tt.want {
				t.Errorf("ClientIP = %q, want %q", ctx.ClientIP, tt.want)
			}
		})
	}
}

func TestRequestLogger_StampsContext(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/echo?x=1", nil)
	r.RemoteAddr = "192.0.2.1:1234"

	f := &RequestLogger{Enabled: false, Logger: slog.Default()}
	ctx := pipeline.NewContext()
	f.Run(ctx, r)

	if ctx.RequestID == "" {
		t.Error("RequestID not stamped")
	}
	if ctx.PlatformPath != "/api/echo" {
		t.Errorf("PlatformPath = %q, want /api/echo", ctx.PlatformPath)
	}
	if ctx.Method != "POST" {
		t.Errorf("Method = %q, want POST", ctx.Method)
	}
	if ctx.StartTime.IsZero() {
		t.Error("StartTime not stamped")
	}
}

func TestRequestLogger_UniqueRequestIDs(t *testing.T) {
	f := &RequestLogger{Enabled: false, Logger: slog.Default()}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		r := httptest.NewRequest("GET", "/x", nil)
		ctx := pipeline.NewContext()
		f.Run(ctx, r)
		if seen[ctx.RequestID] {
			t.Fatalf("duplicate request id %q", ctx.RequestID)
		}
		seen[ctx.RequestID] = true
	}
}
