// Package middleware provides the HTTP middleware wrapped around the
// filter pipeline: panic recovery, request body size limiting, and the
// global request deadline.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/xiaoxin/api-gateway/internal/envelope"
)

// Recovery returns middleware that recovers from panics, logs the stack
// trace, and returns the 500 system-error envelope.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
					)
					envelope.StampHeaders(w.Header(), "")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write(envelope.SystemError().Bytes())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// BodyLimit returns middleware that limits the size of request bodies.
// Content-Length is checked upfront for an early reject; MaxBytesReader
// covers chunked/streaming requests.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeBodyLimitError(w)
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeBodyLimitError(w http.ResponseWriter) {
	envelope.StampHeaders(w.Header(), "")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	w.Write(envelope.Envelope{
		Code:      http.StatusRequestEntityTooLarge,
		Message:   "request body exceeds maximum allowed size",
		Data:      []byte("null"),
		Timestamp: time.Now().UnixMilli(),
	}.Bytes())
}

// Deadline returns middleware that applies a global request deadline to the
// whole pipeline. If the deadline fires before the handler completes, a 504
// envelope is returned. Pass 0 to disable.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next // disabled
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			dw := &deadlineWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(dw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
				// Handler completed before the deadline.
			case <-ctx.Done():
				// Only write the 504 if the handler has not started
				// writing yet.
				if dw.tryClaimWrite() {
					envelope.StampHeaders(w.Header(), "")
					w.WriteHeader(http.StatusGatewayTimeout)
					w.Write(envelope.Envelope{
						Code:      http.StatusGatewayTimeout,
						Message:   "request deadline exceeded",
						Data:      []byte("null"),
						Timestamp: time.Now().UnixMilli(),
					}.Bytes())
				}
				// Wait for the handler goroutine to finish to avoid leaks.
				<-done
			}
		})
	}
}

// deadlineWriter tracks whether any bytes have been written so the deadline
// handler never stomps on a response that already started streaming.
type deadlineWriter struct {
	http.ResponseWriter
	mu      sync.Mutex
	claimed bool
}

// tryClaimWrite claims the right to write the timeout response. Returns
// false once the wrapped handler has started writing.
func (dw *deadlineWriter) tryClaimWrite() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.claimed {
		return false
	}
	dw.claimed = true
	return true
}

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.mu.Lock()
	dw.claimed = true
	dw.mu.Unlock()
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.mu.Lock()
	dw.claimed = true
	dw.mu.Unlock()
	return dw.ResponseWriter.Write(b)
}
