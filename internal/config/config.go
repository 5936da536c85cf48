// Package config provides YAML configuration loading with validation and
// environment variable substitution for the API gateway.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Redis          RedisConfig          `yaml:"redis" json:"redis"`
	Platform       PlatformConfig       `yaml:"platform" json:"platform"`
	Security       SecurityConfig       `yaml:"security" json:"security"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Quota          QuotaConfig          `yaml:"quota" json:"quota"`
	Proxy          ProxyConfig          `yaml:"proxy" json:"proxy"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Filters        FilterSwitches       `yaml:"filters" json:"filters"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// RedisConfig holds the shared coordination store connection settings.
// Replay markers, rate-limit windows, and circuit-breaker state all live
// in this store.
type RedisConfig struct {
	Addr      string        `yaml:"addr" json:"addr"`
	Password  string        `yaml:"password" json:"-"`
	DB        int           `yaml:"db" json:"db"`
	OpTimeout time.Duration `yaml:"op_timeout" json:"op_timeout"` // per-operation deadline; default 1s
}

// PlatformConfig holds the connection settings for the platform backend
// that owns consumers, interface records, and quotas.
type PlatformConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"` // service-default RPC deadline; default 5s
}

// SecurityConfig holds signature verification and IP whitelist settings.
type SecurityConfig struct {
	IPWhitelist               []string `yaml:"ip_whitelist" json:"ip_whitelist"`
	SignatureTimeoutSeconds   int64    `yaml:"signature_timeout_seconds" json:"signature_timeout_seconds"`
	NonceLength               int      `yaml:"nonce_length" json:"nonce_length"`
	EnableTimestampValidation *bool    `yaml:"enable_timestamp_validation" json:"enable_timestamp_validation"`
	EnableReplayProtection    *bool    `yaml:"enable_replay_protection" json:"enable_replay_protection"`
	AuthCfgMasterKey          string   `yaml:"authcfg_master_key" json:"-"`
}

// TimestampValidationEnabled reports whether timestamp freshness checks run
// (defaults to true).
func (s SecurityConfig) TimestampValidationEnabled() bool {
	if s.EnableTimestampValidation == nil {
		return true
	}
	return *s.EnableTimestampValidation
}

// ReplayProtectionEnabled reports whether nonce replay protection runs
// (defaults to true).
func (s SecurityConfig) ReplayProtectionEnabled() bool {
	if s.EnableReplayProtection == nil {
		return true
	}
	return *s.EnableReplayProtection
}

// RateLimitConfig holds the sliding-window rate limiter settings.
type RateLimitConfig struct {
	Enabled          bool            `yaml:"enabled" json:"enabled"`
	WindowSeconds    int64           `yaml:"window_seconds" json:"window_seconds"`
	DefaultLimit     int             `yaml:"default_limit" json:"default_limit"`
	KeyExpireSeconds int64           `yaml:"key_expire_seconds" json:"key_expire_seconds"`
	RedisKeyPrefix   string          `yaml:"redis_key_prefix" json:"redis_key_prefix"`
	Edge             EdgeLimitConfig `yaml:"edge" json:"edge"`
}

// Window returns the sliding window length.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// KeyExpire returns the redis key TTL for rate-limit windows.
func (r RateLimitConfig) KeyExpire() time.Duration {
	return time.Duration(r.KeyExpireSeconds) * time.Second
}

// EdgeLimitConfig holds the process-local per-client-IP token bucket applied
// ahead of authentication. Zero RequestsPerSecond disables it.
type EdgeLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// QuotaConfig holds the quota gate policy.
type QuotaConfig struct {
	// Strict controls the behavior when the quota backend itself fails:
	// true rejects with 503, false lets the request through.
	Strict *bool `yaml:"strict" json:"strict"`
}

// IsStrict reports the quota failure policy (defaults to strict).
func (q QuotaConfig) IsStrict() bool {
	if q.Strict == nil {
		return true
	}
	return *q.Strict
}

// ProxyConfig holds upstream invocation settings.
type ProxyConfig struct {
	DefaultTimeoutMs     int  `yaml:"default_timeout_ms" json:"default_timeout_ms"`
	DefaultRetryCount    int  `yaml:"default_retry_count" json:"default_retry_count"`
	EnableRequestLogging bool `yaml:"enable_request_logging" json:"enable_request_logging"`
}

// DefaultTimeout returns the upstream call deadline used when an interface
// record carries no timeout of its own.
func (p ProxyConfig) DefaultTimeout() time.Duration {
	return time.Duration(p.DefaultTimeoutMs) * time.Millisecond
}

// CircuitBreakerConfig holds the distributed circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled               *bool  `yaml:"enabled" json:"enabled"`
	FailureThreshold      int64  `yaml:"failure_threshold" json:"failure_threshold"`
	WindowMinutes         int    `yaml:"window_minutes" json:"window_minutes"`
	OpenTimeoutMinutes    int    `yaml:"open_timeout_minutes" json:"open_timeout_minutes"`
	RedisKeyPrefix        string `yaml:"redis_key_prefix" json:"redis_key_prefix"`
	RedisKeyExpireMinutes int    `yaml:"redis_key_expire_minutes" json:"redis_key_expire_minutes"`
	ProbeTokenTTLSeconds  int    `yaml:"probe_token_ttl_seconds" json:"probe_token_ttl_seconds"`
}

// IsEnabled reports whether the breaker runs (defaults to true).
func (c CircuitBreakerConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// Window returns the failure statistics window.
func (c CircuitBreakerConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// OpenTimeout returns how long an OPEN breaker waits before probing.
func (c CircuitBreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutMinutes) * time.Minute
}

// KeyExpire returns the redis key TTL for breaker state.
func (c CircuitBreakerConfig) KeyExpire() time.Duration {
	return time.Duration(c.RedisKeyExpireMinutes) * time.Minute
}

// ProbeTokenTTL returns the single-flight probe token lifetime.
func (c CircuitBreakerConfig) ProbeTokenTTL() time.Duration {
	return time.Duration(c.ProbeTokenTTLSeconds) * time.Second
}

// FilterSwitches toggles individual pipeline filters. A disabled filter
// passes every request through untouched.
type FilterSwitches struct {
	Logging             *bool `yaml:"logging" json:"logging"`
	Security            *bool `yaml:"security" json:"security"`
	Authentication      *bool `yaml:"authentication" json:"authentication"`
	InterfaceValidation *bool `yaml:"interface_validation" json:"interface_validation"`
	RateLimit           *bool `yaml:"rate_limit" json:"rate_limit"`
	Quota               *bool `yaml:"quota" json:"quota"`
	Proxy               *bool `yaml:"proxy" json:"proxy"`
	Response            *bool `yaml:"response" json:"response"`
}

func enabled(b *bool) bool {
	if b == nil {
		return true
	}
	return *b
}

// LoggingEnabled reports whether the request logger filter runs.
func (f FilterSwitches) LoggingEnabled() bool { return enabled(f.Logging) }

// SecurityEnabled reports whether the IP guard filter runs.
func (f FilterSwitches) SecurityEnabled() bool { return enabled(f.Security) }

// AuthenticationEnabled reports whether the authenticator filter runs.
func (f FilterSwitches) AuthenticationEnabled() bool { return enabled(f.Authentication) }

// InterfaceValidationEnabled reports whether the interface resolver runs.
func (f FilterSwitches) InterfaceValidationEnabled() bool { return enabled(f.InterfaceValidation) }

// RateLimitEnabled reports whether the rate limiter filter runs.
func (f FilterSwitches) RateLimitEnabled() bool { return enabled(f.RateLimit) }

// QuotaEnabled reports whether the quota gate filter runs.
func (f FilterSwitches) QuotaEnabled() bool { return enabled(f.Quota) }

// ProxyEnabled reports whether the proxy filter runs.
func (f FilterSwitches) ProxyEnabled() bool { return enabled(f.Proxy) }

// ResponseEnabled reports whether the response wrapper stamps headers.
func (f FilterSwitches) ResponseEnabled() bool { return enabled(f.Response) }

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
	JWTSecret   string   `yaml:"jwt_secret" json:"-"`              // optional bearer token requirement
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10485760 // 10 MB
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.OpTimeout == 0 {
		cfg.Redis.OpTimeout = time.Second
	}

	if cfg.Platform.Timeout == 0 {
		cfg.Platform.Timeout = 5 * time.Second
	}

	if cfg.Security.SignatureTimeoutSeconds == 0 {
		cfg.Security.SignatureTimeoutSeconds = 300
	}
	if cfg.Security.NonceLength == 0 {
		cfg.Security.NonceLength = 16
	}

	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.RateLimit.DefaultLimit == 0 {
		cfg.RateLimit.DefaultLimit = 1000
	}
	if cfg.RateLimit.KeyExpireSeconds == 0 {
		cfg.RateLimit.KeyExpireSeconds = cfg.RateLimit.WindowSeconds + 15
	}
	if cfg.RateLimit.RedisKeyPrefix == "" {
		cfg.RateLimit.RedisKeyPrefix = "xiaoxin:rate_limit"
	}

	if cfg.Proxy.DefaultTimeoutMs == 0 {
		cfg.Proxy.DefaultTimeoutMs = 30000
	}
	if cfg.Proxy.DefaultRetryCount == 0 {
		cfg.Proxy.DefaultRetryCount = 3
	}

	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.WindowMinutes == 0 {
		cb.WindowMinutes = 5
	}
	if cb.OpenTimeoutMinutes == 0 {
		cb.OpenTimeoutMinutes = 1
	}
	if cb.RedisKeyPrefix == "" {
		cb.RedisKeyPrefix = "xiaoxin:circuit"
	}
	if cb.RedisKeyExpireMinutes == 0 {
		cb.RedisKeyExpireMinutes = 15
	}
	if cb.ProbeTokenTTLSeconds == 0 {
		cb.ProbeTokenTTLSeconds = 30
	}
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.Platform.BaseURL == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	u, err := url.Parse(cfg.Platform.BaseURL)
	if err != nil {
		return fmt.Errorf("platform.base_url: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("platform.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("platform.base_url: host is required")
	}

	if cfg.Security.SignatureTimeoutSeconds < 1 {
		return fmt.Errorf("security.signature_timeout_seconds must be positive")
	}
	if cfg.Security.NonceLength < 1 {
		return fmt.Errorf("security.nonce_length must be positive")
	}
	for i, entry := range cfg.Security.IPWhitelist {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("security.ip_whitelist[%d] is empty", i)
		}
	}
	if cfg.Security.AuthCfgMasterKey != "" && len(cfg.Security.AuthCfgMasterKey) != 32 {
		return fmt.Errorf("security.authcfg_master_key must be exactly 32 bytes, got %d", len(cfg.Security.AuthCfgMasterKey))
	}

	if cfg.RateLimit.WindowSeconds < 1 {
		return fmt.Errorf("rate_limit.window_seconds must be positive")
	}
	if cfg.RateLimit.KeyExpireSeconds < cfg.RateLimit.WindowSeconds {
		return fmt.Errorf("rate_limit.key_expire_seconds must cover the window (>= %d)", cfg.RateLimit.WindowSeconds)
	}
	if cfg.RateLimit.Edge.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.edge.requests_per_second must be non-negative")
	}
	if cfg.RateLimit.Edge.RequestsPerSecond > 0 && cfg.RateLimit.Edge.BurstSize < 1 {
		return fmt.Errorf("rate_limit.edge.burst_size must be positive when the edge limiter is enabled")
	}

	if cfg.Proxy.DefaultTimeoutMs < 1 {
		return fmt.Errorf("proxy.default_timeout_ms must be positive")
	}

	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cb.WindowMinutes < 1 {
		return fmt.Errorf("circuit_breaker.window_minutes must be positive")
	}
	if cb.OpenTimeoutMinutes < 1 {
		return fmt.Errorf("circuit_breaker.open_timeout_minutes must be positive")
	}
	if cb.RedisKeyExpireMinutes < cb.WindowMinutes {
		return fmt.Errorf("circuit_breaker.redis_key_expire_minutes must cover the window (>= %d)", cb.WindowMinutes)
	}
	if cb.ProbeTokenTTLSeconds < 1 || cb.ProbeTokenTTLSeconds > 30 {
		return fmt.Errorf("circuit_breaker.probe_token_ttl_seconds must be between 1 and 30")
	}

	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.Security.AuthCfgMasterKey, "${") {
		warnings = append(warnings, "security.authcfg_master_key contains unresolved environment variable")
	}
	if strings.Contains(cfg.Redis.Password, "${") {
		warnings = append(warnings, "redis.password contains unresolved environment variable")
	}
	if len(cfg.Security.IPWhitelist) == 0 && cfg.Filters.SecurityEnabled() {
		warnings = append(warnings, "security.ip_whitelist is empty: the IP guard will reject all traffic")
	}
	return warnings
}
