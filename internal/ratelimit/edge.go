package ratelimit

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xiaoxin/api-gateway/internal/config"
	"github.com/xiaoxin/api-gateway/internal/envelope"
	"github.com/xiaoxin/api-gateway/internal/pipeline"
)

type edgeClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// EdgeLimiter is a process-local per-client-IP token bucket that runs
// before authentication. It sheds abusive traffic cheaply, before any
// backend or store round trip. Disabled when the configured rate is zero.
type EdgeLimiter struct {
	mu      sync.RWMutex
	clients map[string]*edgeClient
	rate    rate.Limit
	burst   int
	logger  *slog.Logger
	stopCh  chan struct{}
}

// NewEdge creates an EdgeLimiter and starts a background goroutine that
// cleans up stale client entries every minute. Returns nil when the edge
// limiter is disabled by configuration.
func NewEdge(cfg config.EdgeLimitConfig, logger *slog.Logger) *EdgeLimiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	l := &EdgeLimiter{
		clients: make(map[string]*edgeClient),
		rate:    rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.BurstSize,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Stop terminates the background cleanup goroutine.
func (l *EdgeLimiter) Stop() {
	close(l.stopCh)
}

// UpdateConfig hot-reloads the bucket parameters. Existing per-client
// limiters are cleared so new limits take effect immediately.
func (l *EdgeLimiter) UpdateConfig(cfg config.EdgeLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.clients = make(map[string]*edgeClient)
}

// Name implements pipeline.Filter.
func (l *EdgeLimiter) Name() string { return "edge_limit" }

// Run implements pipeline.Filter.
func (l *EdgeLimiter) Run(ctx *pipeline.Context, r *http.Request) pipeline.Action {
	if !l.getLimiter(ctx.ClientIP).Allow() {
		l.logger.Warn("edge rate limit exceeded",
			"client_ip", ctx.ClientIP,
			"path", ctx.PlatformPath,
			"request_id", ctx.RequestID,
		)
		return pipeline.Terminal(http.StatusTooManyRequests, envelope.RateLimited().Bytes())
	}
	return pipeline.Continue()
}

// getLimiter returns or creates a limiter for the client IP. Read-lock for
// the common path, write-lock only for new insertions; rate.Limiter is
// internally goroutine-safe so Allow() runs outside our lock.
func (l *EdgeLimiter) getLimiter(ip string) *rate.Limiter {
	l.mu.RLock()
	if c, exists := l.clients[ip]; exists {
		// Refreshing lastSeen once a minute is enough to dodge the
		// 3-minute cleanup threshold without a write lock per hit.
		if time.Since(c.lastSeen) > time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, exists := l.clients[ip]; exists {
		c.lastSeen = time.Now()
		return c.limiter
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	l.clients[ip] = &edgeClient{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (l *EdgeLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for ip, c := range l.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(l.clients, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
