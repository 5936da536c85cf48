package filter

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/xiaoxin/api-gateway/internal/envelope"
	"github.com/xiaoxin/api-gateway/internal/metrics"
	"github.com/xiaoxin/api-gateway/internal/pipeline"
)

// ResponseWrapper is the terminal pipeline step. It always runs: it stamps
// the shared response headers, writes either the terminal rejection or the
// wrapped proxy outcome, and records the end-to-end metrics.
type ResponseWrapper struct {
	Enabled bool
	Logger  *slog.Logger
}

// Finish implements pipeline.Finisher.
func (f *ResponseWrapper) Finish(ctx *pipeline.Context, w http.ResponseWriter, r *http.Request, term *pipeline.Action) {
	status := http.StatusOK
	var body []byte

	switch {
	case term != nil:
		status = term.Status
		body = term.Body
	case !ctx.ProxyRan:
		body = envelope.DefaultSuccess().Bytes()
	case ctx.ProxyOK:
		body = envelope.Success(ctx.ProxyBody).Bytes()
	default:
		// An upstream error leaves only ProxyErr set and is wrapped here as
		// a 500 envelope; a circuit fallback leaves its envelope in
		// ProxyBody and is sent as 503.
		if ctx.ProxyErr != "" {
			status = http.StatusInternalServerError
			body = envelope.UpstreamError(ctx.ProxyErr).Bytes()
		} else {
			status = http.StatusServiceUnavailable
			body = ctx.ProxyBody
		}
	}

	if f.Enabled {
		envelope.StampHeaders(w.Header(), ctx.RequestID)
	} else if ctx.RequestID != "" {
		w.Header().Set("X-Request-ID", ctx.RequestID)
	}

	w.WriteHeader(status)
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			f.Logger.Warn("response write failed",
				"request_id", ctx.RequestID,
				"error", err,
			)
		}
	}

	total := time.Since(ctx.StartTime)
	metrics.RequestsTotal.WithLabelValues(ctx.PlatformPath, ctx.Method, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(ctx.PlatformPath, ctx.Method).Observe(total.Seconds())

	f.Logger.Info("request completed",
		"request_id", ctx.RequestID,
		"path", ctx.PlatformPath,
		"method", ctx.Method,
		"client_ip", ctx.ClientIP,
		"status", status,
		"total_ms", total.Milliseconds(),
		"response_bytes", len(body),
	)
}
