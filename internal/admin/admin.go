// Package admin provides read-only admin API endpoints for runtime
// inspection of gateway state. All endpoints are protected by IP allowlist
// and, when a JWT secret is configured, an HS256 bearer token.
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xiaoxin/api-gateway/internal/circuitbreaker"
	"github.com/xiaoxin/api-gateway/internal/config"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	breaker     *circuitbreaker.RedisBreaker
	jwtSecret   string
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(reloader ConfigProvider, breaker *circuitbreaker.RedisBreaker, cfg config.AdminConfig, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(cfg.IPAllowlist))
	for _, cidr := range cfg.IPAllowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		breaker:     breaker,
		jwtSecret:   cfg.JWTSecret,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
	mux.HandleFunc("/admin/breakers", h.guard(h.breakersHandler))
}

// guard wraps a handler with IP allowlist and bearer token checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}

		if h.jwtSecret != "" {
			if err := h.validateBearer(r); err != nil {
				h.logger.Warn("admin token rejected", "client_ip", ip, "error", err)
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error": "Unauthorized",
				})
				return
			}
		}

		next(w, r)
	}
}

// validateBearer checks the Authorization header carries a valid HS256
// token signed with the configured secret.
func (h *Handler) validateBearer(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return fmt.Errorf("missing or malformed Authorization header")
	}

	_, err := jwt.Parse(strings.TrimSpace(parts[1]), func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.jwtSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	return nil
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// configHandler returns the active configuration. Secrets are excluded by
// their json:"-" tags.
func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reloader.Current())
}

// breakerStatus is the response element for /admin/breakers.
type breakerStatus struct {
	Service      string `json:"service"`
	State        string `json:"state"`
	FailureCount int64  `json:"failure_count"`
}

// breakersHandler reports the breaker state for the service keys named in
// the ?service= query parameter (comma-separated).
func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	services := strings.Split(r.URL.Query().Get("service"), ",")
	statuses := make([]breakerStatus, 0, len(services))
	for _, svc := range services {
		svc = strings.TrimSpace(svc)
		if svc == "" {
			continue
		}
		statuses = append(statuses, breakerStatus{
			Service:      svc,
			State:        h.breaker.GetState(r.Context(), svc).String(),
			FailureCount: h.breaker.FailureCount(r.Context(), svc),
		})
	}
	writeJSON(w, http.StatusOK, statuses)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
