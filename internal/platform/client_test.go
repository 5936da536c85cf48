package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"
)

// fakeBackend serves the inner API the client speaks.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/inner/user/invoke", func(w http.ResponseWriter, r *http.Request) {
		var data any
		if r.URL.Query().Get("accessKey") == "ak_known" {
			data = Consumer{ID: 5, AccessKey: "ak_known", SecretKey: "sk"}
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": data})
	})

	mux.HandleFunc("/inner/interface/info", func(w http.ResponseWriter, r *http.Request) {
		var data any
		if r.URL.Query().Get("path") == "/api/echo" && r.URL.Query().Get("method") == "GET" {
			data = InterfaceInfo{ID: 7, PlatformPath: "/api/echo", Method: "GET", Status: StatusOnline}
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": data})
	})

	mux.HandleFunc("/inner/quota/pre-consume", func(w http.ResponseWriter, r *http.Request) {
		var req quotaRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": req.UserID == 5})
	})

	mux.HandleFunc("/inner/quota/invoke-count", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": true})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T) *Client {
	return NewClient(fakeBackend(t).URL, 2*time.Second, slog.Default())
}

func TestClient_GetInvokeUser(t *testing.T) {
	c := newTestClient(t)

	user, err := c.GetInvokeUser(context.Background(), "ak_known")
	if err != nil {
		t.Fatalf("GetInvokeUser: %v", err)
	}
	if user == nil || user.ID != 5 {
		t.Fatalf("user = %+v, want id 5", user)
	}

	missing, err := c.GetInvokeUser(context.Background(), "ak_missing")
	if err != nil {
		t.Fatalf("GetInvokeUser(missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("missing user = %+v, want nil", missing)
	}
}

func TestClient_GetInterfaceInfo(t *testing.T) {
	c := newTestClient(t)

	info, err := c.GetInterfaceInfo(context.Background(), "/api/echo", "GET")
	if err != nil {
		t.Fatalf("GetInterfaceInfo: %v", err)
	}
	if info == nil || info.ID != 7 {
		t.Fatalf("info = %+v, want id 7", info)
	}

	missing, err := c.GetInterfaceInfo(context.Background(), "/nope", "GET")
	if err != nil {
		t.Fatalf("GetInterfaceInfo(missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("missing info = %+v, want nil", missing)
	}
}

func TestClient_PreConsume(t *testing.T) {
	c := newTestClient(t)

	ok, err := c.PreConsume(context.Background(), 7, 5)
	if err != nil || !ok {
		t.Fatalf("PreConsume = %v, %v; want true", ok, err)
	}

	ok, err = c.PreConsume(context.Background(), 7, 6)
	if err != nil || ok {
		t.Fatalf("PreConsume(other) = %v, %v; want false", ok, err)
	}
}

func TestClient_InvokeCount(t *testing.T) {
	c := newTestClient(t)
	ok, err := c.InvokeCount(context.Background(), 7, 5)
	if err != nil || !ok {
		t.Fatalf("InvokeCount = %v, %v; want true", ok, err)
	}
}

func TestClient_BackendErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, slog.Default())
	if _, err := c.GetInvokeUser(context.Background(), "ak"); err == nil {
		t.Fatal("expected error for non-200 backend")
	}
}

func TestClient_UnreachableBackend(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond, slog.Default())
	if _, err := c.GetInvokeUser(context.Background(), "ak"); err == nil {
		t.Fatal("expected error for unreachable backend")
	}
}
