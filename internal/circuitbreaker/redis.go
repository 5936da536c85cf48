package circuitbreaker

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xiaoxin/api-gateway/internal/config"
	"github.com/xiaoxin/api-gateway/internal/metrics"
)

// RedisBreaker is the shared-store circuit breaker. Every read degrades to
// CLOSED on store failure: the breaker protects the upstream, not the
// gateway's availability.
type RedisBreaker struct {
	rdb    *redis.Client
	cfg    config.CircuitBreakerConfig
	logger *slog.Logger

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewRedisBreaker creates a breaker over the shared store.
func NewRedisBreaker(rdb *redis.Client, cfg config.CircuitBreakerConfig, logger *slog.Logger) *RedisBreaker {
	return &RedisBreaker{rdb: rdb, cfg: cfg, logger: logger, now: time.Now}
}

func (b *RedisBreaker) failuresKey(serviceKey string) string {
	return b.cfg.RedisKeyPrefix + ":failures:" + serviceKey
}

func (b *RedisBreaker) stateKey(serviceKey string) string {
	return b.cfg.RedisKeyPrefix + ":state:" + serviceKey
}

func (b *RedisBreaker) openTimeKey(serviceKey string) string {
	return b.cfg.RedisKeyPrefix + ":open_time:" + serviceKey
}

func (b *RedisBreaker) probeTokenKey(serviceKey string) string {
	return b.cfg.RedisKeyPrefix + ":probe_token:" + serviceKey
}

// GetState returns the observable breaker state. HALF_OPEN after an elapsed
// open timeout is computed, never written: the state scalar stays OPEN
// until a probe outcome rewrites it.
func (b *RedisBreaker) GetState(ctx context.Context, serviceKey string) State {
	if !b.cfg.IsEnabled() {
		return StateClosed
	}

	stateVal, err := b.rdb.Get(ctx, b.stateKey(serviceKey)).Result()
	if err == redis.Nil {
		return StateClosed
	}
	if err != nil {
		b.logger.Error("breaker state read failed, treating as closed",
			"service", serviceKey, "error", err)
		return StateClosed
	}

	switch stateVal {
	case StateOpen.stateValue():
		openTimeStr, err := b.rdb.Get(ctx, b.openTimeKey(serviceKey)).Result()
		if err != nil {
			if err != redis.Nil {
				b.logger.Error("breaker open-time read failed, treating as closed",
					"service", serviceKey, "error", err)
			}
			return StateClosed
		}
		openTime, err := strconv.ParseInt(openTimeStr, 10, 64)
		if err != nil {
			b.logger.Warn("breaker open-time malformed, treating as closed",
				"service", serviceKey, "value", openTimeStr)
			return StateClosed
		}
		if b.now().UnixMilli()-openTime >= b.cfg.OpenTimeout().Milliseconds() {
			return StateHalfOpen
		}
		return StateOpen
	case StateHalfOpen.stateValue():
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// RecordFailure appends a failure timestamp to the service's window and
// evicts entries older than the statistics window.
func (b *RedisBreaker) RecordFailure(ctx context.Context, serviceKey string) {
	if !b.cfg.IsEnabled() {
		return
	}

	key := b.failuresKey(serviceKey)
	now := b.now().UnixMilli()
	windowStart := now - b.cfg.Window().Milliseconds()

	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
	pipe.Expire(ctx, key, b.cfg.KeyExpire())
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Error("breaker failure record failed",
			"service", serviceKey, "error", err)
	}
}

// RecordSuccess returns a HALF_OPEN breaker to CLOSED by deleting the state
// scalars. In any other state it is a no-op: failures accumulated while
// CLOSED stay in the window statistic.
func (b *RedisBreaker) RecordSuccess(ctx context.Context, serviceKey string) {
	if !b.cfg.IsEnabled() {
		return
	}

	if b.GetState(ctx, serviceKey) != StateHalfOpen {
		return
	}

	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, b.stateKey(serviceKey))
	pipe.Del(ctx, b.openTimeKey(serviceKey))
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Error("breaker recovery failed",
			"service", serviceKey, "error", err)
		return
	}

	metrics.CircuitBreakerState.WithLabelValues(serviceKey).Set(float64(StateClosed))
	metrics.CircuitBreakerTransitions.WithLabelValues(serviceKey, StateHalfOpen.String(), StateClosed.String()).Inc()
	b.logger.Info("circuit breaker recovered", "service", serviceKey)
}

// ShouldTrip reports whether the failure count inside the window has
// reached the threshold. Store failures report false: an unreachable store
// must not trip breakers.
func (b *RedisBreaker) ShouldTrip(ctx context.Context, serviceKey string) bool {
	if !b.cfg.IsEnabled() {
		return false
	}

	now := b.now().UnixMilli()
	windowStart := now - b.cfg.Window().Milliseconds()

	count, err := b.rdb.ZCount(ctx, b.failuresKey(serviceKey),
		strconv.FormatInt(windowStart, 10), strconv.FormatInt(now, 10)).Result()
	if err != nil {
		b.logger.Error("breaker trip check failed",
			"service", serviceKey, "error", err)
		return false
	}
	return count >= b.cfg.FailureThreshold
}

// Trip transitions the breaker to OPEN, recording the open time. TTLs on
// both scalars bound the worst case if no probe ever runs.
func (b *RedisBreaker) Trip(ctx context.Context, serviceKey string) {
	if !b.cfg.IsEnabled() {
		return
	}

	now := b.now().UnixMilli()
	expire := b.cfg.KeyExpire()

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, b.stateKey(serviceKey), StateOpen.stateValue(), expire)
	pipe.Set(ctx, b.openTimeKey(serviceKey), strconv.FormatInt(now, 10), expire)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Error("breaker trip failed",
			"service", serviceKey, "error", err)
		return
	}

	metrics.CircuitBreakerState.WithLabelValues(serviceKey).Set(float64(StateOpen))
	metrics.CircuitBreakerTransitions.WithLabelValues(serviceKey, StateClosed.String(), StateOpen.String()).Inc()
	b.logger.Warn("circuit breaker tripped", "service", serviceKey)
}

// AcquireProbeToken attempts the single-flight probe election. Exactly one
// caller per token TTL wins; the TTL guarantees liveness if the winner
// crashes before releasing. A store failure loses the election.
func (b *RedisBreaker) AcquireProbeToken(ctx context.Context, serviceKey string) bool {
	ok, err := b.rdb.SetNX(ctx, b.probeTokenKey(serviceKey), "1", b.cfg.ProbeTokenTTL()).Result()
	if err != nil {
		b.logger.Error("probe token acquire failed",
			"service", serviceKey, "error", err)
		return false
	}
	return ok
}

// ReleaseProbeToken deletes the probe token after the probe outcome is
// recorded. Failure to release is tolerable: the TTL reclaims it.
func (b *RedisBreaker) ReleaseProbeToken(ctx context.Context, serviceKey string) {
	if err := b.rdb.Del(ctx, b.probeTokenKey(serviceKey)).Err(); err != nil {
		b.logger.Warn("probe token release failed",
			"service", serviceKey, "error", err)
	}
}

// FailureCount returns the number of failures currently inside the window.
// Used by the admin API.
func (b *RedisBreaker) FailureCount(ctx context.Context, serviceKey string) int64 {
	now := b.now().UnixMilli()
	windowStart := now - b.cfg.Window().Milliseconds()
	count, err := b.rdb.ZCount(ctx, b.failuresKey(serviceKey),
		strconv.FormatInt(windowStart, 10), strconv.FormatInt(now, 10)).Result()
	if err != nil {
		return 0
	}
	return count
}
