package appconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Listen != "127.0.0.1" || cfg.Server.Port != 7654 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Database.URL != "postgres://localhost:5432/pgcdc?sslmode=disable" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PGCDC_LISTEN", "0.0.0.0")
	t.Setenv("PGCDC_PORT", "9999")
	t.Setenv("PGCDC_DB_URL", "postgres://example/db")
	t.Setenv("PGCDC_LOG_LEVEL", "debug")
	t.Setenv("PGCDC_LOG_FORMAT", "json")

	cfg := Defaults()
	applyEnv(&cfg)

	if cfg.Server.Listen != "0.0.0.0" {
		t.Errorf("Server.Listen = %q, want 0.0.0.0", cfg.Server.Listen)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://example/db" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestApplyEnv_InvalidPortLeavesDefault(t *testing.T) {
	t.Setenv("PGCDC_PORT", "not-a-number")

	cfg := Defaults()
	applyEnv(&cfg)

	if cfg.Server.Port != 7654 {
		t.Errorf("Server.Port = %d, want unchanged default 7654", cfg.Server.Port)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[server]
listen = "10.0.0.5"
port = 8080

[database]
url = "postgres://file/db"

[logging]
level = "warn"
format = "json"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Listen != "10.0.0.5" || cfg.Server.Port != 8080 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Database.URL != "postgres://file/db" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ExplicitMissingPathErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err == nil {
		t.Fatal("expected an error decoding an explicit, nonexistent path")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"info\"\n"), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	t.Setenv("PGCDC_LOG_LEVEL", "error")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q, want env override to win", cfg.Logging.Level)
	}
}
