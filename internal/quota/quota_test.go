package quota

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xiaoxin/api-gateway/internal/config"
	"github.com/xiaoxin/api-gateway/internal/pipeline"
	"github.com/xiaoxin/api-gateway/internal/platform"
)

// fakeQuotas is an in-memory QuotaService with a remaining counter.
type fakeQuotas struct {
	remaining int
	err       error
	preCalls  int
}

func (f *fakeQuotas) PreConsume(_ context.Context, interfaceID, consumerID int64) (bool, error) {
	f.preCalls++
	if f.err != nil {
		return false, f.err
	}
	if f.remaining <= 0 {
		return false, nil
	}
	f.remaining--
	return true, nil
}

func (f *fakeQuotas) InvokeCount(_ context.Context, interfaceID, consumerID int64) (bool, error) {
	return true, nil
}

func gateContext() *pipeline.Context {
	ctx := pipeline.NewContext()
	ctx.Consumer = &platform.Consumer{ID: 1}
	ctx.Interface = &platform.InterfaceInfo{ID: 2, Name: "echo"}
	return ctx
}

func runGate(g *Gate) pipeline.Action {
	return g.Run(gateContext(), httptest.NewRequest("GET", "/api/echo", nil))
}

func TestGate_ConsumesAndPasses(t *testing.T) {
	q := &fakeQuotas{remaining: 2}
	g := &Gate{Enabled: true, Quotas: q, Logger: slog.Default()}

	if act := runGate(g); act.IsTerminal() {
		t.Fatalf("expected pass, got %+v", act)
	}
	if q.remaining != 1 {
		t.Fatalf("remaining = %d, want 1", q.remaining)
	}
}

func TestGate_ExhaustedRejects(t *testing.T) {
	g := &Gate{Enabled: true, Quotas: &fakeQuotas{remaining: 0}, Logger: slog.Default()}

	act := runGate(g)
	if !act.IsTerminal() || act.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %+v", act)
	}
}

func TestGate_ExactlyRemainingPass(t *testing.T) {
	// With remaining = k, exactly k of n requests pass.
	q := &fakeQuotas{remaining: 3}
	g := &Gate{Enabled: true, Quotas: q, Logger: slog.Default()}

	passed := 0
	for i := 0; i < 5; i++ {
		if act := runGate(g); !act.IsTerminal() {
			passed++
		}
	}
	if passed != 3 {
		t.Fatalf("passed = %d, want 3", passed)
	}
}

func TestGate_BackendErrorStrict(t *testing.T) {
	g := &Gate{Enabled: true, Quotas: &fakeQuotas{err: errors.New("db down")}, Logger: slog.Default()}

	act := runGate(g)
	if !act.IsTerminal() || act.Status != http.StatusServiceUnavailable {
		t.Fatalf("strict policy must reject with 503, got %+v", act)
	}
}

func TestGate_BackendErrorPermissive(t *testing.T) {
	permissive := false
	g := &Gate{
		Enabled: true,
		Config:  config.QuotaConfig{Strict: &permissive},
		Quotas:  &fakeQuotas{err: errors.New("db down")},
		Logger:  slog.Default(),
	}

	if act := runGate(g); act.IsTerminal() {
		t.Fatal("permissive policy must allow on backend failure")
	}
}

func TestGate_Disabled(t *testing.T) {
	q := &fakeQuotas{remaining: 0}
	g := &Gate{Enabled: false, Quotas: q, Logger: slog.Default()}

	if act := runGate(g); act.IsTerminal() {
		t.Fatal("disabled gate must pass")
	}
	if q.preCalls != 0 {
		t.Fatal("disabled gate must not touch the backend")
	}
}
