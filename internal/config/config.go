// Package config handles loading and validating ngome configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/ngome/internal/executor"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for ngome.
type Config struct {
	StorageRoot string `json:"storage_root,omitempty" yaml:"storage_root,omitempty"` // Sandbox storage root. Default: ~/.ngome/storage. Override: NGOME_STORAGE_ROOT env var.
	Namespace   string `json:"namespace,omitempty" yaml:"namespace,omitempty"`       // Tenant namespace under the storage root. Default: "default". Override: NGOME_NAMESPACE env var.
	DataDir     string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`         // Persistent data directory. Default: ~/.ngome/data. Override: NGOME_DATA_DIR env var.

	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Quota         QuotaConfig          `json:"quota" yaml:"quota"`
	Execution     ExecutionConfig      `json:"execution" yaml:"execution"`
	ContentStore  *ContentStoreConfig  `json:"content_store,omitempty" yaml:"content_store,omitempty"` // nil = in-memory store (dev only)
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = auto-sync disabled
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the metadata persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: NGOME_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// QuotaConfig bounds per-sandbox storage.
type QuotaConfig struct {
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes"` // 0 = 500 MiB default.
}

// ExecutionConfig configures the execution backends.
type ExecutionConfig struct {
	DefaultBackend string          `json:"default_backend" yaml:"default_backend"` // "native" (default), "container" or "wasm".
	TimeoutSeconds int             `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-execution wall clock. Default: 30.
	MaxCPUSeconds  int             `json:"max_cpu_seconds" yaml:"max_cpu_seconds"` // Default: 60.
	MaxMemoryMB    int             `json:"max_memory_mb" yaml:"max_memory_mb"`     // Default: 512.
	Container      ContainerConfig `json:"container" yaml:"container"`
	WASM           WASMConfig      `json:"wasm" yaml:"wasm"`
}

// Backend returns the default backend with a default of "native".
func (e *ExecutionConfig) Backend() string {
	if e != nil && e.DefaultBackend != "" {
		return e.DefaultBackend
	}
	return "native"
}

// Timeout returns the per-execution timeout with a default of 30s.
func (e *ExecutionConfig) Timeout() time.Duration {
	if e != nil && e.TimeoutSeconds > 0 {
		return time.Duration(e.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// ContainerConfig holds container-backend settings.
type ContainerConfig struct {
	Image          string  `json:"image" yaml:"image"`           // Job image. Override: NGOME_CONTAINER_IMAGE env var.
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`   // --cpus rate limit. 0 = 1.0 default.
	MemoryMB       int     `json:"memory_mb" yaml:"memory_mb"`   // Hard memory limit. 0 = 512 default.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"` // 0 = 64 default.
	GPU            bool    `json:"gpu" yaml:"gpu"`               // Request GPU access for jobs.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"`
}

// WASMConfig holds WASM-backend settings.
type WASMConfig struct {
	RuntimePath    string `json:"runtime_path" yaml:"runtime_path"`       // Runtime binary. Default: "wasmtime". Override: NGOME_WASM_RUNTIME env var.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30.
}

// Runtime returns the runtime binary with a default of "wasmtime".
func (w *WASMConfig) Runtime() string {
	if w != nil && w.RuntimePath != "" {
		return w.RuntimePath
	}
	return "wasmtime"
}

// WASMTimeout returns the module timeout with a default of 30s.
func (w *WASMConfig) WASMTimeout() time.Duration {
	if w != nil && w.TimeoutSeconds > 0 {
		return time.Duration(w.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// ContentStoreConfig configures the content-addressable store client.
// When nil, an in-memory store is used — fine for development, useless
// for durable sync.
type ContentStoreConfig struct {
	APIURL         string `json:"api_url" yaml:"api_url"`                 // kubo RPC endpoint. Default: http://127.0.0.1:5001. Override: NGOME_IPFS_API_URL env var.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-request timeout. Default: 60.
}

// StoreTimeout returns the per-request timeout with a default of 60s.
func (c *ContentStoreConfig) StoreTimeout() time.Duration {
	if c != nil && c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// SchedulerConfig configures periodic auto-sync of sandboxes to the
// content store. When nil, no automatic syncs run.
type SchedulerConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	CronExpr   string   `json:"cron_expr" yaml:"cron_expr"`                       // Standard 5-field cron. Default: "0 * * * *" (hourly).
	Workspaces []string `json:"workspaces,omitempty" yaml:"workspaces,omitempty"` // Empty = every known workspace.
}

// Cron returns the cron expression with an hourly default.
func (s *SchedulerConfig) Cron() string {
	if s != nil && s.CronExpr != "" {
		return s.CronExpr
	}
	return "0 * * * *"
}

// GatewaysConfig defines which gateways are enabled and their settings.
// Nil pointers mean the gateway is not configured.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"` // Event stream endpoint.
	MCP       *MCPGatewayConfig       `json:"mcp,omitempty" yaml:"mcp,omitempty"`             // MCP stdio server.
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080".
	APIKey              string          `json:"api_key,omitempty" yaml:"api_key,omitempty"`           // Override: NGOME_API_KEY env var. Empty = no auth (dev only).
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 10 MiB.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body cap with a default of 10 MiB.
func (h *HTTPGatewayConfig) MaxRequestSize() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 10 << 20
}

// WebSocketGatewayConfig configures the event stream endpoint served on
// the HTTP gateway listener.
type WebSocketGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/ws/events".
}

// WSPath returns the WebSocket path with a default of "/ws/events".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/events"
}

// MCPGatewayConfig configures the MCP stdio server.
type MCPGatewayConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// RateLimitConfig configures per-caller rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ngome"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB           bool `json:"include_db" yaml:"include_db"`
	IncludeContentStore bool `json:"include_content_store" yaml:"include_content_store"`
	IncludeOrchestrator bool `json:"include_orchestrator" yaml:"include_orchestrator"`
}

// DefaultConfigPath returns the default config file path (~/.ngome/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ngome.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".ngome", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. Environment variables take precedence over
// config file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a usable configuration without any config file:
// native backend, SQLite metadata, in-memory content store.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NGOME_STORAGE_ROOT"); v != "" {
		c.StorageRoot = v
	}
	if v := os.Getenv("NGOME_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("NGOME_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("NGOME_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("NGOME_API_KEY"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		c.Gateways.HTTP.APIKey = v
	}
	if v := os.Getenv("NGOME_IPFS_API_URL"); v != "" {
		if c.ContentStore == nil {
			c.ContentStore = &ContentStoreConfig{}
		}
		c.ContentStore.APIURL = v
	}
	if v := os.Getenv("NGOME_CONTAINER_IMAGE"); v != "" {
		c.Execution.Container.Image = v
	}
	if v := os.Getenv("NGOME_WASM_RUNTIME"); v != "" {
		c.Execution.WASM.RuntimePath = v
	}
}

func (c *Config) applyDefaults() {
	if c.StorageRoot == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.StorageRoot = filepath.Join(home, ".ngome", "storage")
		} else {
			c.StorageRoot = "storage"
		}
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".ngome", "data")
		} else {
			c.DataDir = "data"
		}
	}
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "ngome.db")
}

// StorageDriverName returns the effective metadata storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch c.Execution.Backend() {
	case executor.KindNative, executor.KindContainer, executor.KindWASM:
		// valid
	default:
		return fmt.Errorf("execution.default_backend %q is not supported (use native, container or wasm)", c.Execution.DefaultBackend)
	}
	if c.Quota.MaxBytes < 0 {
		return fmt.Errorf("quota.max_bytes must not be negative")
	}
	if c.Execution.MaxMemoryMB < 0 {
		return fmt.Errorf("execution.max_memory_mb must not be negative")
	}
	if c.Execution.TimeoutSeconds < 0 {
		return fmt.Errorf("execution.timeout_seconds must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set NGOME_DB_DSN env var)")
		}
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
