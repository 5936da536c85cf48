// Package gateway assembles the filter pipeline and the surrounding
// middleware into the gateway's HTTP handler.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/xiaoxin/api-gateway/internal/auth"
	"github.com/xiaoxin/api-gateway/internal/circuitbreaker"
	"github.com/xiaoxin/api-gateway/internal/config"
	"github.com/xiaoxin/api-gateway/internal/filter"
	"github.com/xiaoxin/api-gateway/internal/middleware"
	"github.com/xiaoxin/api-gateway/internal/pipeline"
	"github.com/xiaoxin/api-gateway/internal/platform"
	"github.com/xiaoxin/api-gateway/internal/proxy"
	"github.com/xiaoxin/api-gateway/internal/quota"
	"github.com/xiaoxin/api-gateway/internal/ratelimit"
	"github.com/xiaoxin/api-gateway/internal/routing"
)

// Gateway holds the assembled pipeline and the pieces that support
// hot-reload.
type Gateway struct {
	Handler http.Handler
	Breaker *circuitbreaker.RedisBreaker
	Edge    *ratelimit.EdgeLimiter
}

// New builds the gateway handler from configuration and shared
// dependencies. The filter order is fixed: logger, edge limiter, IP guard,
// authenticator, interface resolver, rate limiter, quota gate, proxy; the
// response wrapper always runs last, middleware wraps the whole chain.
func New(cfg *config.Config, rdb *redis.Client, backend platform.Service, logger *slog.Logger) *Gateway {
	breaker := circuitbreaker.NewRedisBreaker(rdb, cfg.CircuitBreaker, logger)
	edge := ratelimit.NewEdge(cfg.RateLimit.Edge, logger)

	filters := []pipeline.Filter{
		&filter.RequestLogger{Enabled: cfg.Filters.LoggingEnabled(), Logger: logger},
	}
	if edge != nil {
		filters = append(filters, edge)
	}
	filters = append(filters,
		&filter.IPGuard{
			Enabled:   cfg.Filters.SecurityEnabled(),
			Whitelist: cfg.Security.IPWhitelist,
			Logger:    logger,
		},
		auth.New(cfg.Filters.AuthenticationEnabled(), cfg.Security, backend, rdb, logger),
		&filter.InterfaceResolver{
			Enabled:    cfg.Filters.InterfaceValidationEnabled(),
			Interfaces: backend,
			Logger:     logger,
		},
		ratelimit.New(cfg.Filters.RateLimitEnabled(), cfg.RateLimit, rdb, logger),
		&quota.Gate{
			Enabled: cfg.Filters.QuotaEnabled(),
			Config:  cfg.Quota,
			Quotas:  backend,
			Logger:  logger,
		},
		proxy.New(cfg.Filters.ProxyEnabled(), cfg.Proxy, []byte(cfg.Security.AuthCfgMasterKey), breaker, backend, logger),
	)

	wrapper := &filter.ResponseWrapper{Enabled: cfg.Filters.ResponseEnabled(), Logger: logger}
	chain := pipeline.NewChain(filters, wrapper, logger)

	var handler http.Handler = chain
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = middleware.Recovery(logger)(handler)

	return &Gateway{Handler: handler, Breaker: breaker, Edge: edge}
}

// Combine routes the reserved operational paths to ops and everything else
// to the pipeline handler.
func Combine(core http.Handler, ops http.Handler, reservedPrefixes []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if routing.Reserved(r.URL.Path, reservedPrefixes) {
			ops.ServeHTTP(w, r)
			return
		}
		core.ServeHTTP(w, r)
	})
}

// Stop releases background resources (the edge limiter's cleanup goroutine).
func (g *Gateway) Stop() {
	if g.Edge != nil {
		g.Edge.Stop()
	}
}
