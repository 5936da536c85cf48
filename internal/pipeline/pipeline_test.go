package pipeline

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// recordingFilter appends its name to a shared trace and returns a fixed
// action.
type recordingFilter struct {
	name  string
	act   Action
	trace *[]string
}

func (f *recordingFilter) Name() string { return f.name }

func (f *recordingFilter) Run(ctx *Context, r *http.Request) Action {
	*f.trace = append(*f.trace, f.name)
	return f.act
}

// recordingFinisher captures the terminal action it was handed.
type recordingFinisher struct {
	ran  bool
	term *Action
}

func (f *recordingFinisher) Finish(ctx *Context, w http.ResponseWriter, r *http.Request, term *Action) {
	f.ran = true
	f.term = term
	w.WriteHeader(http.StatusOK)
}

func TestChain_RunsFiltersInOrder(t *testing.T) {
	var trace []string
	filters := []Filter{
		&recordingFilter{name: "a", act: Continue(), trace: &trace},
		&recordingFilter{name: "b", act: Continue(), trace: &trace},
		&recordingFilter{name: "c", act: Continue(), trace: &trace},
	}
	fin := &recordingFinisher{}
	chain := NewChain(filters, fin, slog.Default())

	chain.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))

	want := []string{"a", "b", "c"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
	if !fin.ran {
		t.Fatal("finisher must run")
	}
	if fin.term != nil {
		t.Fatal("no terminal action expected")
	}
}

func TestChain_TerminalShortCircuits(t *testing.T) {
	var trace []string
	filters := []Filter{
		&recordingFilter{name: "a", act: Continue(), trace: &trace},
		&recordingFilter{name: "b", act: Forbidden(), trace: &trace},
		&recordingFilter{name: "c", act: Continue(), trace: &trace},
	}
	fin := &recordingFinisher{}
	chain := NewChain(filters, fin, slog.Default())

	chain.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))

	if len(trace) != 2 {
		t.Fatalf("filter c must not run after terminal, trace = %v", trace)
	}
	if !fin.ran {
		t.Fatal("finisher must run even after a terminal action")
	}
	if fin.term == nil || fin.term.Status != http.StatusForbidden {
		t.Fatalf("finisher should receive the terminal action, got %+v", fin.term)
	}
}

func TestContext_Attributes(t *testing.T) {
	ctx := NewContext()
	if _, ok := ctx.Get("missing"); ok {
		t.Fatal("missing attribute reported present")
	}
	ctx.Set("k", 42)
	v, ok := ctx.Get("k")
	if !ok || v.(int) != 42 {
		t.Fatalf("Get(k) = %v, %v", v, ok)
	}
}

func TestAction_Predicates(t *testing.T) {
	if Continue().IsTerminal() {
		t.Fatal("Continue must not be terminal")
	}
	if !Forbidden().IsTerminal() {
		t.Fatal("Forbidden must be terminal")
	}
	if Forbidden().Status != http.StatusForbidden || Forbidden().Body != nil {
		t.Fatal("Forbidden must be a bare 403")
	}
	term := Terminal(http.StatusTooManyRequests, []byte("x"))
	if !term.IsTerminal() || term.Status != http.StatusTooManyRequests {
		t.Fatalf("Terminal mis-built: %+v", term)
	}
}
