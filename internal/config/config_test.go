package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"storage_root": "/srv/ngome",
		"namespace": "team-a",
		"quota": {"max_bytes": 1048576},
		"execution": {"default_backend": "container", "container": {"image": "runtime:1"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StorageRoot != "/srv/ngome" || cfg.Namespace != "team-a" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Quota.MaxBytes != 1048576 {
		t.Errorf("quota = %d", cfg.Quota.MaxBytes)
	}
	if cfg.Execution.Backend() != "container" {
		t.Errorf("backend = %q", cfg.Execution.Backend())
	}
	if cfg.Execution.Container.Image != "runtime:1" {
		t.Errorf("image = %q", cfg.Execution.Container.Image)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
storage_root: /srv/ngome
execution:
  default_backend: native
  timeout_seconds: 45
gateways:
  http:
    enabled: true
    listen_addr: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Execution.Timeout().Seconds(); got != 45 {
		t.Errorf("timeout = %v", got)
	}
	if cfg.Gateways.HTTP == nil || cfg.Gateways.HTTP.Addr() != ":9090" {
		t.Errorf("http gateway = %+v", cfg.Gateways.HTTP)
	}
}

func TestLoad_RejectsBadBackend(t *testing.T) {
	path := writeConfig(t, "config.json", `{"execution": {"default_backend": "firecracker"}}`)
	if _, err := Load(path); err == nil {
		t.Error("unknown backend accepted")
	}
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	path := writeConfig(t, "config.json", `{"storage": {"driver": "postgres"}}`)
	if _, err := Load(path); err == nil {
		t.Error("postgres driver without DSN accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NGOME_NAMESPACE", "from-env")
	t.Setenv("NGOME_API_KEY", "secret-key")

	path := writeConfig(t, "config.json", `{"namespace": "from-file"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Namespace != "from-env" {
		t.Errorf("namespace = %q, env must win", cfg.Namespace)
	}
	if cfg.Gateways.HTTP == nil || cfg.Gateways.HTTP.APIKey != "secret-key" {
		t.Error("api key env override not applied")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Namespace != "default" {
		t.Errorf("namespace = %q", cfg.Namespace)
	}
	if cfg.StorageRoot == "" || cfg.DataDir == "" {
		t.Errorf("missing defaults: %+v", cfg)
	}
	if cfg.Execution.Backend() != "native" {
		t.Errorf("backend = %q", cfg.Execution.Backend())
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if filepath.Base(cfg.DatabasePath()) != "ngome.db" {
		t.Errorf("db path = %q", cfg.DatabasePath())
	}
}

func TestAccessorDefaults(t *testing.T) {
	var h *HTTPGatewayConfig
	if h.Addr() != ":8080" {
		t.Errorf("Addr = %q", h.Addr())
	}
	var w *WebSocketGatewayConfig
	if w.WSPath() != "/ws/events" {
		t.Errorf("WSPath = %q", w.WSPath())
	}
	var s *SchedulerConfig
	if s.Cron() != "0 * * * *" {
		t.Errorf("Cron = %q", s.Cron())
	}
	var wc *WASMConfig
	if wc.Runtime() != "wasmtime" {
		t.Errorf("Runtime = %q", wc.Runtime())
	}
}
