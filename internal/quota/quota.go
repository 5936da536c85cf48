// Package quota implements the quota gate filter: an atomic conditional
// decrement of the consumer's remaining call count before the upstream is
// invoked. Pre-consuming (rather than counting after the call) prevents a
// burst of concurrent requests from overspending a nearly-empty quota; the
// cost is that a failed upstream call still consumes a unit.
package quota

import (
	"log/slog"
	"net/http"

	"github.com/xiaoxin/api-gateway/internal/config"
	"github.com/xiaoxin/api-gateway/internal/envelope"
	"github.com/xiaoxin/api-gateway/internal/metrics"
	"github.com/xiaoxin/api-gateway/internal/pipeline"
	"github.com/xiaoxin/api-gateway/internal/platform"
)

// Gate is the quota filter.
type Gate struct {
	Enabled bool
	Config  config.QuotaConfig
	Quotas  platform.QuotaService
	Logger  *slog.Logger
}

// Name implements pipeline.Filter.
func (f *Gate) Name() string { return "quota" }

// Run implements pipeline.Filter.
func (f *Gate) Run(ctx *pipeline.Context, r *http.Request) pipeline.Action {
	if !f.Enabled {
		return pipeline.Continue()
	}
	if ctx.Consumer == nil || ctx.Interface == nil {
		return pipeline.Continue()
	}

	ok, err := f.Quotas.PreConsume(r.Context(), ctx.Interface.ID, ctx.Consumer.ID)
	if err != nil {
		if f.Config.IsStrict() {
			f.Logger.Error("quota backend failed, rejecting under strict policy",
				"consumer_id", ctx.Consumer.ID,
				"interface_id", ctx.Interface.ID,
				"request_id", ctx.RequestID,
				"error", err,
			)
			return pipeline.Terminal(http.StatusServiceUnavailable, envelope.QuotaUnavailable().Bytes())
		}
		f.Logger.Warn("quota backend failed, allowing under permissive policy",
			"consumer_id", ctx.Consumer.ID,
			"interface_id", ctx.Interface.ID,
			"request_id", ctx.RequestID,
			"error", err,
		)
		return pipeline.Continue()
	}

	if !ok {
		metrics.QuotaRejections.WithLabelValues(ctx.Interface.Name).Inc()
		f.Logger.Warn("quota exhausted",
			"consumer_id", ctx.Consumer.ID,
			"interface_id", ctx.Interface.ID,
			"request_id", ctx.RequestID,
		)
		return pipeline.Terminal(http.StatusTooManyRequests, envelope.QuotaExhausted().Bytes())
	}

	return pipeline.Continue()
}
