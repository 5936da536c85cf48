// Package auth implements the authenticator filter: header shape checks,
// timestamp freshness, consumer resolution, HMAC signature verification,
// and nonce replay protection backed by the shared store.
//
// The checks run cheapest-first: header shape and timestamp before the
// backend lookup, the lookup before the HMAC, the HMAC before the replay
// round trip. Every rejection is a bare 403 so probing clients learn
// nothing about which check failed.
package auth

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xiaoxin/api-gateway/internal/config"
	"github.com/xiaoxin/api-gateway/internal/metrics"
	"github.com/xiaoxin/api-gateway/internal/pipeline"
	"github.com/xiaoxin/api-gateway/internal/platform"
	"github.com/xiaoxin/api-gateway/internal/sign"
)

// Gateway auth headers. The optional x-sign-version header is informational
// and plays no part in verification.
const (
	HeaderAccessKey     = "accessKey"
	HeaderNonce         = "nonce"
	HeaderTimestamp     = "timestamp"
	HeaderSign          = "sign"
	HeaderContentSHA256 = "x-content-sha256"
)

// Authenticator verifies request signatures and resolves the consumer.
type Authenticator struct {
	Enabled  bool
	Security config.SecurityConfig
	Users    platform.UserService
	Redis    *redis.Client
	Logger   *slog.Logger

	// now is the clock, swappable in tests.
	now func() time.Time
}

// New creates an Authenticator.
func New(enabled bool, sec config.SecurityConfig, users platform.UserService, rdb *redis.Client, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		Enabled:  enabled,
		Security: sec,
		Users:    users,
		Redis:    rdb,
		Logger:   logger,
		now:      time.Now,
	}
}

// Name implements pipeline.Filter.
func (f *Authenticator) Name() string { return "authentication" }

// Run implements pipeline.Filter.
func (f *Authenticator) Run(ctx *pipeline.Context, r *http.Request) pipeline.Action {
	if !f.Enabled {
		return pipeline.Continue()
	}

	accessKey := r.Header.Get(HeaderAccessKey)
	nonce := r.Header.Get(HeaderNonce)
	timestamp := r.Header.Get(HeaderTimestamp)
	signature := r.Header.Get(HeaderSign)
	contentSHA256 := r.Header.Get(HeaderContentSHA256)

	if isBlank(accessKey) || isBlank(nonce) || isBlank(timestamp) || isBlank(signature) {
		return f.reject(ctx, "missing_header")
	}

	if !validNonce(nonce, f.Security.NonceLength) {
		return f.reject(ctx, "bad_nonce")
	}

	if f.Security.TimestampValidationEnabled() {
		requestTime, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return f.reject(ctx, "bad_timestamp")
		}
		nowSec := f.now().Unix()
		if absInt64(nowSec-requestTime) > f.Security.SignatureTimeoutSeconds {
			return f.reject(ctx, "stale_timestamp")
		}
	}

	user, err := f.Users.GetInvokeUser(r.Context(), accessKey)
	if err != nil {
		// Backend lookups fail closed.
		f.Logger.Error("consumer lookup failed",
			"request_id", ctx.RequestID,
			"error", err,
		)
		return f.reject(ctx, "lookup_failed")
	}
	if user == nil {
		return f.reject(ctx, "unknown_access_key")
	}

	canonical := sign.Canonical(ctx.Method, ctx.PlatformPath, contentSHA256, timestamp, nonce)
	expected := sign.HmacSHA256Hex(canonical, user.SecretKey)
	if !sign.Verify(signature, expected) {
		f.Logger.Warn("signature mismatch",
			"access_key", accessKey,
			"request_id", ctx.RequestID,
		)
		return f.reject(ctx, "bad_signature")
	}

	if f.Security.ReplayProtectionEnabled() {
		if !f.checkReplay(ctx, r, accessKey, nonce) {
			f.Logger.Warn("replay detected",
				"access_key", accessKey,
				"nonce", nonce,
				"request_id", ctx.RequestID,
			)
			return f.reject(ctx, "replay")
		}
	}

	ctx.Consumer = user
	return pipeline.Continue()
}

// checkReplay atomically claims the (accessKey, nonce) pair for the
// signature validity window. A store failure degrades permissively: replay
// defense protects strictness, not availability.
func (f *Authenticator) checkReplay(ctx *pipeline.Context, r *http.Request, accessKey, nonce string) bool {
	key := "replay:" + accessKey + ":" + nonce
	ttl := time.Duration(f.Security.SignatureTimeoutSeconds) * time.Second

	ok, err := f.Redis.SetNX(r.Context(), key, "1", ttl).Result()
	if err != nil {
		f.Logger.Error("replay check failed, allowing request",
			"access_key", accessKey,
			"request_id", ctx.RequestID,
			"error", err,
		)
		return true
	}
	return ok
}

func (f *Authenticator) reject(ctx *pipeline.Context, reason string) pipeline.Action {
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	f.Logger.Warn("authentication rejected",
		"reason", reason,
		"request_id", ctx.RequestID,
		"path", ctx.PlatformPath,
		"client_ip", ctx.ClientIP,
	)
	return pipeline.Forbidden()
}

// validNonce checks length and the [A-Za-z0-9] charset.
func validNonce(nonce string, wantLen int) bool {
	if len(nonce) != wantLen {
		return false
	}
	for i := 0; i < len(nonce); i++ {
		c := nonce[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func absInt64(v int64) int64 {
	if v == math.MinInt64 {
		return math.MaxInt64
	}
	if v < 0 {
		return -v
	}
	return v
}
