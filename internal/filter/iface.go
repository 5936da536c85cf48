package filter

import (
	"log/slog"
	"net/http"

	"github.com/xiaoxin/api-gateway/internal/pipeline"
	"github.com/xiaoxin/api-gateway/internal/platform"
)

// InterfaceResolver looks up the interface record for the request's
// (platform path, method) pair and verifies it is callable. A missing,
// offline, or misconfigured record is indistinguishable from the outside:
// all reject with a bare 403.
type InterfaceResolver struct {
	Enabled    bool
	Interfaces platform.InterfaceService
	Logger     *slog.Logger
}

// Name implements pipeline.Filter.
func (f *InterfaceResolver) Name() string { return "interface" }

// Run implements pipeline.Filter.
func (f *InterfaceResolver) Run(ctx *pipeline.Context, r *http.Request) pipeline.Action {
	if !f.Enabled {
		return pipeline.Continue()
	}

	info, err := f.Interfaces.GetInterfaceInfo(r.Context(), ctx.PlatformPath, ctx.Method)
	if err != nil {
		// Backend lookups fail closed: an unreachable platform must not
		// open the gateway.
		f.Logger.Error("interface lookup failed",
			"path", ctx.PlatformPath,
			"method", ctx.Method,
			"request_id", ctx.RequestID,
			"error", err,
		)
		return pipeline.Forbidden()
	}
	if info == nil {
		f.Logger.Warn("interface not found",
			"path", ctx.PlatformPath,
			"method", ctx.Method,
			"request_id", ctx.RequestID,
		)
		return pipeline.Forbidden()
	}
	if info.Status != platform.StatusOnline {
		f.Logger.Warn("interface offline",
			"interface", info.Name,
			"status", info.Status,
			"request_id", ctx.RequestID,
		)
		return pipeline.Forbidden()
	}
	if info.ProviderURL == "" {
		f.Logger.Error("interface record missing provider url",
			"interface", info.Name,
			"request_id", ctx.RequestID,
		)
		return pipeline.Forbidden()
	}

	ctx.Interface = info
	return pipeline.Continue()
}
