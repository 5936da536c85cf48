// Package pipeline provides the request processing pipeline: a per-request
// context shared by all filters, an ordered filter chain, and the terminal
// response step that always runs. Filters are stateless between requests;
// the context is owned by the chain and borrowed by filters for the
// duration of one request.
package pipeline

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/xiaoxin/api-gateway/internal/metrics"
	"github.com/xiaoxin/api-gateway/internal/platform"
)

// Context is the per-request state shared across the filter chain. It is
// created before the first filter and discarded after the response is
// flushed. Only the request's own goroutine touches it, so no locking.
type Context struct {
	RequestID    string
	PlatformPath string
	Method       string
	ClientIP     string
	StartTime    time.Time

	// Resolved by the authenticator and interface resolver.
	Consumer  *platform.Consumer
	Interface *platform.InterfaceInfo

	// Proxy outcome, consumed by the response wrapper.
	ProxyBody []byte
	ProxyOK   bool
	ProxyErr  string
	ProxyRan  bool

	attrs map[string]any
}

// NewContext creates an empty per-request context.
func NewContext() *Context {
	return &Context{StartTime: time.Now()}
}

// Get returns a request attribute set by an earlier filter.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.attrs[key]
	return v, ok
}

// Set stores a request attribute for later filters.
func (c *Context) Set(key string, value any) {
	if c.attrs == nil {
		c.attrs = make(map[string]any)
	}
	c.attrs[key] = value
}

// Action is a filter outcome: either continue down the chain or terminate
// with a status and optional body. The response step still runs after a
// terminal action.
type Action struct {
	terminal bool
	Status   int
	Body     []byte
}

// Continue lets the request proceed to the next filter.
func Continue() Action {
	return Action{}
}

// Terminal stops the chain with the given status and body. A nil body
// writes an empty response (used by auth rejections, which expose no
// internal detail).
func Terminal(status int, body []byte) Action {
	return Action{terminal: true, Status: status, Body: body}
}

// Forbidden is the bare 403 used for every authentication-class rejection.
func Forbidden() Action {
	return Terminal(http.StatusForbidden, nil)
}

// IsTerminal reports whether the action stops the chain.
func (a Action) IsTerminal() bool {
	return a.terminal
}

// Filter is one stage of the pipeline.
type Filter interface {
	// Name identifies the filter in logs and metrics.
	Name() string

	// Run inspects the request and shared context, and either lets the
	// request continue or terminates the chain.
	Run(ctx *Context, r *http.Request) Action
}

// Finisher is the terminal response step. It always runs — after the last
// filter or after a terminal action — and owns writing the response.
type Finisher interface {
	Finish(ctx *Context, w http.ResponseWriter, r *http.Request, term *Action)
}

// Chain runs filters in declared order and finishes through the response
// step. Safe for concurrent use; all per-request state lives in Context.
type Chain struct {
	filters  []Filter
	finisher Finisher
	logger   *slog.Logger
}

// NewChain builds a chain over the given filters. Order is execution order.
func NewChain(filters []Filter, finisher Finisher, logger *slog.Logger) *Chain {
	return &Chain{filters: filters, finisher: finisher, logger: logger}
}

// ServeHTTP implements http.Handler.
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	ctx := NewContext()

	var term *Action
	for _, f := range c.filters {
		start := time.Now()
		act := f.Run(ctx, r)
		metrics.FilterDuration.WithLabelValues(f.Name()).Observe(time.Since(start).Seconds())

		if act.IsTerminal() {
			metrics.Rejections.WithLabelValues(f.Name()).Inc()
			c.logger.Warn("request terminated by filter",
				"filter", f.Name(),
				"status", act.Status,
				"request_id", ctx.RequestID,
				"path", ctx.PlatformPath,
				"client_ip", ctx.ClientIP,
			)
			term = &act
			break
		}
	}

	c.finisher.Finish(ctx, w, r, term)
}
