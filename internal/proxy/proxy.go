// Package proxy implements the upstream invocation filter: circuit breaker
// gating with single-flight probe election, target URL construction,
// gateway header stripping, upstream auth injection, per-interface
// timeouts, and asynchronous invocation counting.
package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xiaoxin/api-gateway/internal/circuitbreaker"
	"github.com/xiaoxin/api-gateway/internal/config"
	"github.com/xiaoxin/api-gateway/internal/crypto"
	"github.com/xiaoxin/api-gateway/internal/envelope"
	"github.com/xiaoxin/api-gateway/internal/metrics"
	"github.com/xiaoxin/api-gateway/internal/pipeline"
	"github.com/xiaoxin/api-gateway/internal/platform"
)

// gatewayHeaders are the auth headers consumed by the gateway and stripped
// before the request reaches the upstream. Matched case-insensitively.
var gatewayHeaders = map[string]bool{
	"accesskey":        true,
	"sign":             true,
	"nonce":            true,
	"timestamp":        true,
	"body":             true,
	"x-content-sha256": true,
	"x-sign-version":   true,
}

// probeLoserWait is how long a request that lost the probe election waits
// before re-reading the breaker state.
const probeLoserWait = 100 * time.Millisecond

// Filter is the proxy pipeline stage. The HTTP client is process-wide and
// shared by all requests; per-call deadlines come from the interface record.
type Filter struct {
	Enabled   bool
	Config    config.ProxyConfig
	MasterKey []byte
	Breaker   *circuitbreaker.RedisBreaker
	Quotas    platform.QuotaService
	Client    *http.Client
	Logger    *slog.Logger
}

// New creates the proxy filter. masterKey may be empty when no interface
// uses encrypted auth configs.
func New(enabled bool, cfg config.ProxyConfig, masterKey []byte, breaker *circuitbreaker.RedisBreaker, quotas platform.QuotaService, logger *slog.Logger) *Filter {
	return &Filter{
		Enabled:   enabled,
		Config:    cfg,
		MasterKey: masterKey,
		Breaker:   breaker,
		Quotas:    quotas,
		Client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Logger: logger,
	}
}

// Name implements pipeline.Filter.
func (f *Filter) Name() string { return "proxy" }

// Run implements pipeline.Filter. The proxy never terminates the chain
// itself: both success and failure are recorded on the context and the
// response wrapper renders them.
func (f *Filter) Run(ctx *pipeline.Context, r *http.Request) pipeline.Action {
	if !f.Enabled {
		return pipeline.Continue()
	}
	if ctx.Consumer == nil || ctx.Interface == nil {
		return pipeline.Forbidden()
	}

	ctx.ProxyRan = true
	serviceKey := ServiceKey(ctx.Interface)

	body, fallback, err := f.invokeGated(ctx, r, serviceKey)
	switch {
	case err != nil:
		metrics.UpstreamErrors.WithLabelValues(serviceKey).Inc()
		f.Logger.Error("upstream call failed",
			"interface", ctx.Interface.Name,
			"service", serviceKey,
			"request_id", ctx.RequestID,
			"error", err,
		)
		ctx.ProxyOK = false
		ctx.ProxyErr = err.Error()
	case fallback != nil:
		ctx.ProxyOK = false
		ctx.ProxyBody = fallback
	default:
		ctx.ProxyOK = true
		ctx.ProxyBody = body
		f.countInvocation(ctx.Interface.ID, ctx.Consumer.ID)
	}

	return pipeline.Continue()
}

// invokeGated wraps the upstream call in the circuit breaker state machine.
// It returns exactly one of: a response body, a fallback envelope (circuit
// rejection, no upstream call attempted), or an error.
func (f *Filter) invokeGated(ctx *pipeline.Context, r *http.Request, serviceKey string) ([]byte, []byte, error) {
	switch f.Breaker.GetState(r.Context(), serviceKey) {
	case circuitbreaker.StateOpen:
		f.Logger.Warn("circuit open, rejecting without upstream call",
			"service", serviceKey,
			"interface", ctx.Interface.Name,
			"request_id", ctx.RequestID,
		)
		return nil, envelope.CircuitOpen(ctx.Interface.Name).Bytes(), nil

	case circuitbreaker.StateHalfOpen:
		return f.invokeProbe(ctx, r, serviceKey)

	default:
		body, err := f.invoke(ctx, r)
		if err != nil {
			f.recordFailureAndMaybeTrip(r.Context(), serviceKey)
			return nil, nil, err
		}
		f.Breaker.RecordSuccess(r.Context(), serviceKey)
		return body, nil, nil
	}
}

// invokeProbe runs the single-flight probe election. The winner's call
// decides the breaker's fate; losers wait briefly, re-read the state, and
// either proceed as a normal call (probe already succeeded) or return the
// fallback envelope.
func (f *Filter) invokeProbe(ctx *pipeline.Context, r *http.Request, serviceKey string) ([]byte, []byte, error) {
	rctx := r.Context()

	if f.Breaker.AcquireProbeToken(rctx, serviceKey) {
		f.Logger.Info("probe token acquired",
			"service", serviceKey,
			"request_id", ctx.RequestID,
		)
		body, err := f.invoke(ctx, r)
		if err != nil {
			f.Breaker.RecordFailure(rctx, serviceKey)
			f.Breaker.Trip(rctx, serviceKey)
			f.Breaker.ReleaseProbeToken(rctx, serviceKey)
			return nil, nil, err
		}
		f.Breaker.RecordSuccess(rctx, serviceKey)
		f.Breaker.ReleaseProbeToken(rctx, serviceKey)
		return body, nil, nil
	}

	select {
	case <-time.After(probeLoserWait):
	case <-rctx.Done():
		return nil, nil, rctx.Err()
	}

	if f.Breaker.GetState(rctx, serviceKey) == circuitbreaker.StateClosed {
		body, err := f.invoke(ctx, r)
		if err != nil {
			f.recordFailureAndMaybeTrip(rctx, serviceKey)
			return nil, nil, err
		}
		f.Breaker.RecordSuccess(rctx, serviceKey)
		return body, nil, nil
	}

	f.Logger.Info("probe in flight elsewhere, returning fallback",
		"service", serviceKey,
		"request_id", ctx.RequestID,
	)
	return nil, envelope.CircuitOpen(ctx.Interface.Name).Bytes(), nil
}

func (f *Filter) recordFailureAndMaybeTrip(ctx context.Context, serviceKey string) {
	f.Breaker.RecordFailure(ctx, serviceKey)
	if f.Breaker.ShouldTrip(ctx, serviceKey) {
		f.Breaker.Trip(ctx, serviceKey)
	}
}

// invoke performs the actual upstream HTTP call.
func (f *Filter) invoke(ctx *pipeline.Context, r *http.Request) ([]byte, error) {
	info := ctx.Interface

	target, err := buildTargetURL(info.ProviderURL, r.URL.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("building target url: %w", err)
	}

	timeout := f.Config.DefaultTimeout()
	if info.TimeoutMs > 0 {
		timeout = time.Duration(info.TimeoutMs) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, r.Method, target, r.Body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.ContentLength = r.ContentLength

	f.forwardHeaders(req.Header, r.Header)
	req.Header.Set("X-Forwarded-By", "XiaoXin-API-Gateway")
	req.Header.Set("X-Request-ID", ctx.RequestID)
	if err := f.injectAuthHeaders(req.Header, info); err != nil {
		return nil, fmt.Errorf("injecting upstream auth: %w", err)
	}

	start := time.Now()
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling upstream: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	if f.Config.EnableRequestLogging {
		f.Logger.Info("upstream call completed",
			"interface", info.Name,
			"target", target,
			"status", resp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"response_bytes", len(body),
			"request_id", ctx.RequestID,
		)
	}
	return body, nil
}

// forwardHeaders copies incoming headers minus the gateway auth set.
func (f *Filter) forwardHeaders(dst, src http.Header) {
	for key, values := range src {
		if gatewayHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// injectAuthHeaders adds the upstream credentials configured on the
// interface record. Encrypted auth configs are decrypted with the master
// key and AAD binding the payload to provider URL, platform path, and
// method, so a config copied onto another record fails authentication.
func (f *Filter) injectAuthHeaders(h http.Header, info *platform.InterfaceInfo) error {
	if info.AuthType == "" || info.AuthType == platform.AuthTypeNone || info.AuthConfig == "" {
		return nil
	}

	raw := info.AuthConfig
	if crypto.IsEncrypted(raw) {
		if len(f.MasterKey) == 0 {
			return fmt.Errorf("auth config is encrypted but no master key is configured")
		}
		aad := info.ProviderURL + "|" + info.PlatformPath + "|" + info.Method
		plain, err := crypto.Decrypt(f.MasterKey, []byte(aad), raw)
		if err != nil {
			return fmt.Errorf("decrypting auth config: %w", err)
		}
		raw = plain
	}

	var cfg struct {
		Key      string `json:"key"`
		Header   string `json:"header"`
		Username string `json:"username"`
		Password string `json:"password"`
		Token    string `json:"token"`
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return fmt.Errorf("parsing auth config: %w", err)
	}

	switch info.AuthType {
	case platform.AuthTypeAPIKey:
		header := cfg.Header
		if header == "" {
			header = "X-API-Key"
		}
		h.Set(header, cfg.Key)
	case platform.AuthTypeBasic:
		credentials := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		h.Set("Authorization", "Basic "+credentials)
	case platform.AuthTypeBearer:
		h.Set("Authorization", "Bearer "+cfg.Token)
	default:
		return fmt.Errorf("unsupported auth type %q", info.AuthType)
	}
	return nil
}

// countInvocation records the successful call asynchronously. A failed
// count is logged and forgotten — it never affects the response and never
// restores a pre-consumed quota unit.
func (f *Filter) countInvocation(interfaceID, consumerID int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := f.Quotas.InvokeCount(ctx, interfaceID, consumerID); err != nil {
			f.Logger.Error("invocation count failed",
				"interface_id", interfaceID,
				"consumer_id", consumerID,
				"error", err,
			)
		}
	}()
}

// buildTargetURL concatenates the provider URL with the incoming query
// string, choosing '?' or '&' depending on whether the provider URL already
// carries a query.
func buildTargetURL(providerURL, rawQuery string) (string, error) {
	if _, err := url.Parse(providerURL); err != nil {
		return "", err
	}
	if rawQuery == "" {
		return providerURL, nil
	}
	separator := "?"
	if strings.Contains(providerURL, "?") {
		separator = "&"
	}
	return providerURL + separator + rawQuery, nil
}

// ServiceKey derives the circuit breaker isolation unit for an interface:
// the upstream host when the provider URL is http(s), otherwise a synthetic
// per-interface key.
func ServiceKey(info *platform.InterfaceInfo) string {
	if strings.HasPrefix(info.ProviderURL, "http") {
		if u, err := url.Parse(info.ProviderURL); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return "interface:" + strconv.FormatInt(info.ID, 10)
}
