package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modrt.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}

	if cfg.ModsDir != "mods" {
		t.Errorf("expected mods dir 'mods', got %q", cfg.ModsDir)
	}
	if cfg.TickInterval != 50*time.Millisecond {
		t.Errorf("expected tick interval 50ms, got %v", cfg.TickInterval)
	}
	if !reflect.DeepEqual(cfg.AllowedKinds, []string{"native", "starlark", "wasm"}) {
		t.Errorf("unexpected allowed kinds %v", cfg.AllowedKinds)
	}
	if cfg.Telemetry.Logging.Level != "info" {
		t.Errorf("expected log level info, got %q", cfg.Telemetry.Logging.Level)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
mods_dir: /opt/modrt/mods
policy_dir: /opt/modrt/policies
allowed_kinds: [native, starlark]
tick_interval: 20ms
executor:
  io_workers: 3
  shutdown_timeout: 2s
fetch:
  user: deploy
telemetry:
  logging:
    level: debug
    format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.ModsDir != "/opt/modrt/mods" {
		t.Errorf("unexpected mods dir %q", cfg.ModsDir)
	}
	if cfg.PolicyDir != "/opt/modrt/policies" {
		t.Errorf("unexpected policy dir %q", cfg.PolicyDir)
	}
	if !reflect.DeepEqual(cfg.AllowedKinds, []string{"native", "starlark"}) {
		t.Errorf("unexpected allowed kinds %v", cfg.AllowedKinds)
	}
	if cfg.TickInterval != 20*time.Millisecond {
		t.Errorf("expected tick interval 20ms, got %v", cfg.TickInterval)
	}
	if cfg.Executor.IOWorkers != 3 || cfg.Executor.ShutdownTimeout != 2*time.Second {
		t.Errorf("unexpected executor config %+v", cfg.Executor)
	}
	if cfg.Fetch.User != "deploy" {
		t.Errorf("expected fetch user deploy, got %q", cfg.Fetch.User)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("unexpected logging config %+v", cfg.Telemetry.Logging)
	}
	// Untouched keys keep their defaults.
	if cfg.DBPath != "modrt.db" {
		t.Errorf("expected default db path, got %q", cfg.DBPath)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
mods_dir: /from/file
tick_interval: 20ms
`)

	t.Setenv("MODRT_MODS_DIR", "/from/env")
	t.Setenv("MODRT_ALLOWED_KINDS", "native,wasm")
	t.Setenv("MODRT_EXECUTOR_GENERAL_WORKERS", "7")
	t.Setenv("MODRT_FETCH_PASSWORD", "secret")
	t.Setenv("MODRT_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.ModsDir != "/from/env" {
		t.Errorf("expected env to override mods dir, got %q", cfg.ModsDir)
	}
	if cfg.TickInterval != 20*time.Millisecond {
		t.Errorf("expected file value for tick interval, got %v", cfg.TickInterval)
	}
	if !reflect.DeepEqual(cfg.AllowedKinds, []string{"native", "wasm"}) {
		t.Errorf("unexpected allowed kinds %v", cfg.AllowedKinds)
	}
	if cfg.Executor.GeneralWorkers != 7 {
		t.Errorf("expected 7 general workers, got %d", cfg.Executor.GeneralWorkers)
	}
	if cfg.Fetch.Password != "secret" {
		t.Errorf("expected fetch password from env")
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %q", cfg.Telemetry.Logging.Level)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		errorMsg string
	}{
		{
			name:     "unknown key",
			content:  "mods_dri: typo\n",
			errorMsg: "field mods_dri not found",
		},
		{
			name:     "bad kind",
			content:  "allowed_kinds: [native, lua]\n",
			errorMsg: "AllowedKinds[1]",
		},
		{
			name:     "no kinds",
			content:  "allowed_kinds: []\n",
			errorMsg: "AllowedKinds",
		},
		{
			name:     "empty mods dir",
			content:  "mods_dir: \"\"\n",
			errorMsg: "ModsDir",
		},
		{
			name:     "zero tick",
			content:  "tick_interval: 0s\n",
			errorMsg: "TickInterval",
		},
		{
			name:     "bad log level",
			content:  "telemetry:\n  logging:\n    level: loud\n",
			errorMsg: "Telemetry.Logging.Level",
		},
		{
			name:     "negative workers",
			content:  "executor:\n  io_workers: -1\n",
			errorMsg: "IOWorkers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadBytesEmpty(t *testing.T) {
	cfg, err := LoadBytes(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DBPath != "modrt.db" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("custom.yaml"); got != "custom.yaml" {
		t.Errorf("expected explicit path, got %q", got)
	}

	t.Chdir(t.TempDir())
	if got := Resolve(""); got != "" {
		t.Errorf("expected no config file, got %q", got)
	}

	if err := os.WriteFile(DefaultFile, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != DefaultFile {
		t.Errorf("expected %s, got %q", DefaultFile, got)
	}
}
