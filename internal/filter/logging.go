// Package filter contains the light pipeline stages: the request logger,
// the IP guard, the interface resolver, and the response wrapper. The
// heavier stages (authentication, rate limiting, quota, proxy) live in
// their own packages.
package filter

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxin/api-gateway/internal/pipeline"
)

// RequestLogger stamps request identity into the shared context and emits
// the access log line. It never terminates a request.
type RequestLogger struct {
	Enabled bool
	Logger  *slog.Logger
}

// Name implements pipeline.Filter.
func (f *RequestLogger) Name() string { return "logging" }

// Run implements pipeline.Filter. The context attributes are stamped even
// when the filter is disabled — every later stage depends on them.
func (f *RequestLogger) Run(ctx *pipeline.Context, r *http.Request) pipeline.Action {
	ctx.RequestID = uuid.NewString()
	ctx.PlatformPath = r.URL.Path
	ctx.Method = r.Method
	ctx.ClientIP = clientIP(r)
	ctx.StartTime = time.Now()

	if f.Enabled {
		f.Logger.Info("request received",
			"request_id", ctx.RequestID,
			"path", ctx.PlatformPath,
			"method", ctx.Method,
			"query", r.URL.RawQuery,
			"client_ip", ctx.ClientIP,
		)
	}
	return pipeline.Continue()
}

// clientIP extracts the client address with the precedence: first
// X-Forwarded-For entry, then X-Real-IP, then the TCP peer, then "unknown".
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); strings.TrimSpace(xff) != "" {
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}

	return "unknown"
}
