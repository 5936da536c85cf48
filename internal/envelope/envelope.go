// Package envelope builds the uniform JSON response body
// {code, message, data, timestamp} that every gateway response is wrapped
// in, and stamps the response headers (content type, cache control, CORS,
// security headers). The envelope shape is a public API contract — clients
// program against these codes and messages.
package envelope

import (
	"encoding/json"
	"net/http"
	"time"
)

// Envelope is the uniform gateway response body.
type Envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

var nullData = json.RawMessage("null")

// Success wraps an upstream response body. If the body parses as JSON it is
// embedded verbatim; otherwise it is carried as a JSON string.
func Success(body []byte) Envelope {
	data := nullData
	if len(body) > 0 {
		if json.Valid(body) {
			data = json.RawMessage(body)
		} else {
			quoted, err := json.Marshal(string(body))
			if err == nil {
				data = quoted
			}
		}
	}
	return Envelope{
		Code:      http.StatusOK,
		Message:   "ok",
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// UpstreamError builds the 500 envelope for a failed upstream call.
func UpstreamError(errMsg string) Envelope {
	return Envelope{
		Code:      http.StatusInternalServerError,
		Message:   "upstream error: " + errMsg,
		Data:      nullData,
		Timestamp: time.Now().UnixMilli(),
	}
}

// RateLimited builds the 429 envelope for sliding-window rejections.
func RateLimited() Envelope {
	return Envelope{
		Code:      http.StatusTooManyRequests,
		Message:   "rate-limited, retry later",
		Data:      nullData,
		Timestamp: time.Now().UnixMilli(),
	}
}

// QuotaExhausted builds the 429 envelope for quota rejections.
func QuotaExhausted() Envelope {
	return Envelope{
		Code:      http.StatusTooManyRequests,
		Message:   "quota exhausted or not provisioned",
		Data:      nullData,
		Timestamp: time.Now().UnixMilli(),
	}
}

// QuotaUnavailable builds the 503 envelope used when the quota backend
// itself fails under the strict policy.
func QuotaUnavailable() Envelope {
	return Envelope{
		Code:      http.StatusServiceUnavailable,
		Message:   "quota service unavailable, retry later",
		Data:      nullData,
		Timestamp: time.Now().UnixMilli(),
	}
}

// circuitFallbackData is the data payload of the circuit-open envelope.
type circuitFallbackData struct {
	Service    string `json:"service"`
	Reason     string `json:"reason"`
	Suggestion string `json:"suggestion"`
}

// CircuitOpen builds the 503 fallback envelope returned when the breaker
// rejects a call without reaching the upstream.
func CircuitOpen(service string) Envelope {
	data, _ := json.Marshal(circuitFallbackData{
		Service:    service,
		Reason:     "circuit open",
		Suggestion: "the upstream service is failing and has been isolated, retry later",
	})
	return Envelope{
		Code:      http.StatusServiceUnavailable,
		Message:   "service temporarily unavailable, retry later",
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// SystemError builds the 500 envelope for internal gateway failures.
// The message is generic: internal detail stays in the logs.
func SystemError() Envelope {
	return Envelope{
		Code:      http.StatusInternalServerError,
		Message:   "internal error, retry later",
		Data:      nullData,
		Timestamp: time.Now().UnixMilli(),
	}
}

// DefaultSuccess builds the envelope emitted when the proxy filter is
// disabled and no upstream body exists.
func DefaultSuccess() Envelope {
	return Envelope{
		Code:      http.StatusOK,
		Message:   "ok",
		Data:      nullData,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Bytes serializes the envelope. Marshalling a struct of primitives cannot
// fail, so errors degrade to a minimal hand-built body.
func (e Envelope) Bytes() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"code":500,"message":"internal error, retry later","data":null,"timestamp":0}`)
	}
	return b
}

// corsAllowHeaders lists the request headers browsers may send cross-origin,
// including the gateway's signature header set.
const corsAllowHeaders = "Content-Type,Authorization,accessKey,sign,nonce,timestamp,x-content-sha256"

// StampHeaders sets the response headers shared by every wrapped response.
func StampHeaders(h http.Header, requestID string) {
	h.Set("Content-Type", "application/json;charset=UTF-8")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	h.Set("Access-Control-Max-Age", "3600")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("X-Powered-By", "XiaoXin-API-Gateway")
	if requestID != "" {
		h.Set("X-Request-ID", requestID)
	}
}
