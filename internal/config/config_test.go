package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv guarantees the listed variables are absent for the test and
// restored afterwards. t.Setenv registers the restore; Unsetenv removes the
// empty placeholder it left behind.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		ConfigPathEnvVar,
		"SOFTAGAR_SERVER_ADDR",
		"SOFTAGAR_SERVER_CORS_ORIGINS",
		"SOFTAGAR_LOG_LEVEL",
		"SOFTAGAR_DETECT_ENGINE",
	} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

// chdir switches to dir for the duration of the test and restores the
// previous working directory afterwards (t.Chdir needs Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Fatalf("shutdown timeout = %s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Detect.Engine != "threshold" || cfg.Log.Level != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("unexpected metrics defaults: %+v", cfg.Metrics)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "softagar.yaml")
	content := "server:\n  addr: \":9090\"\nlog:\n  level: debug\n  pretty: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Log.Level != "debug" || !cfg.Log.Pretty {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	// Untouched values keep their defaults.
	if cfg.Detect.Engine != "threshold" {
		t.Fatalf("engine = %s", cfg.Detect.Engine)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "softagar.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("SOFTAGAR_SERVER_ADDR", ":7070")
	t.Setenv("SOFTAGAR_SERVER_CORS_ORIGINS", "https://lab.example.com, https://lims.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("addr = %s, want :7070", cfg.Server.Addr)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://lims.example.com" {
		t.Fatalf("cors = %v", cfg.Server.CORSOrigins)
	}
}

func TestStorageVariablesAreIgnored(t *testing.T) {
	clearEnv(t)
	chdir(t, t.TempDir())
	t.Setenv("SOFTAGAR_STORAGE_DRIVER", "memory")
	t.Setenv("SOFTAGAR_BLOB_DRIVER", "memory")
	if _, err := Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Server.Addr = "" },
		func(c *Config) { c.Server.ShutdownTimeout = 0 },
		func(c *Config) { c.Detect.Engine = "magic" },
		func(c *Config) { c.Log.Level = "loud" },
	}
	for i, mutate := range cases {
		cfg := defaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
