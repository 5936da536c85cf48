// Package ratelimit provides the per-(consumer, interface) sliding-window
// rate limiter backed by the shared store, and a process-local per-client-IP
// token bucket applied at the edge, ahead of authentication.
package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xiaoxin/api-gateway/internal/config"
	"github.com/xiaoxin/api-gateway/internal/envelope"
	"github.com/xiaoxin/api-gateway/internal/metrics"
	"github.com/xiaoxin/api-gateway/internal/pipeline"
	"github.com/xiaoxin/api-gateway/internal/platform"
)

// SlidingWindow is the rate limiter filter. Each admitted request is
// recorded as a uniquely-tagged member in an ordered set scored by its
// millisecond timestamp; the window count includes the current request, so
// a request landing exactly on the limit is still admitted (count <= limit
// passes). The store's per-key serialization provides the only coordination
// between gateway hosts.
type SlidingWindow struct {
	Enabled bool
	Config  config.RateLimitConfig
	Redis   *redis.Client
	Logger  *slog.Logger

	// now is the clock, swappable in tests.
	now func() time.Time
}

// New creates the sliding-window filter.
func New(enabled bool, cfg config.RateLimitConfig, rdb *redis.Client, logger *slog.Logger) *SlidingWindow {
	return &SlidingWindow{
		Enabled: enabled,
		Config:  cfg,
		Redis:   rdb,
		Logger:  logger,
		now:     time.Now,
	}
}

// Name implements pipeline.Filter.
func (f *SlidingWindow) Name() string { return "rate_limit" }

// Run implements pipeline.Filter.
func (f *SlidingWindow) Run(ctx *pipeline.Context, r *http.Request) pipeline.Action {
	if !f.Enabled || !f.Config.Enabled {
		return pipeline.Continue()
	}

	// The authenticator and resolver run first; if either was disabled by
	// configuration there is nothing to key the window on.
	if ctx.Consumer == nil || ctx.Interface == nil {
		return pipeline.Continue()
	}

	limit := f.limitFor(ctx.Interface)
	if limit <= 0 {
		return pipeline.Continue()
	}

	allowed := f.check(ctx, r, limit)
	if !allowed {
		metrics.RateLimitHits.WithLabelValues(ctx.Interface.Name).Inc()
		f.Logger.Warn("rate limited",
			"consumer_id", ctx.Consumer.ID,
			"interface_id", ctx.Interface.ID,
			"limit", limit,
			"window_seconds", f.Config.WindowSeconds,
			"request_id", ctx.RequestID,
		)
		return pipeline.Terminal(http.StatusTooManyRequests, envelope.RateLimited().Bytes())
	}
	return pipeline.Continue()
}

// limitFor prefers the interface's own limit, then the configured default.
// Zero or negative means the interface is not rate limited.
func (f *SlidingWindow) limitFor(info *platform.InterfaceInfo) int {
	if info.RateLimit > 0 {
		return info.RateLimit
	}
	return f.Config.DefaultLimit
}

// check runs the window algorithm: evict, insert, refresh TTL, count.
// Store failures degrade permissively.
func (f *SlidingWindow) check(ctx *pipeline.Context, r *http.Request, limit int) bool {
	key := f.key(ctx.Consumer.ID, ctx.Interface.ID)
	now := f.now().UnixMilli()
	windowStart := now - f.Config.Window().Milliseconds()
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()

	rctx := r.Context()
	pipe := f.Redis.TxPipeline()
	pipe.ZRemRangeByScore(rctx, key, "-inf", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(rctx, key, redis.Z{Score: float64(now), Member: member})
	pipe.Expire(rctx, key, f.Config.KeyExpire())
	count := pipe.ZCount(rctx, key, strconv.FormatInt(windowStart, 10), strconv.FormatInt(now, 10))

	if _, err := pipe.Exec(rctx); err != nil {
		f.Logger.Error("rate limit check failed, allowing request",
			"key", key,
			"request_id", ctx.RequestID,
			"error", err,
		)
		return true
	}
	return count.Val() <= int64(limit)
}

func (f *SlidingWindow) key(consumerID, interfaceID int64) string {
	return f.Config.RedisKeyPrefix + ":" + strconv.FormatInt(consumerID, 10) + ":" + strconv.FormatInt(interfaceID, 10)
}
