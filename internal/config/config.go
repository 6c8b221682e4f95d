// Package config loads server configuration from defaults, an optional YAML
// file, and SOFTAGAR_* environment variables, in that order of precedence.
// Storage and blob backends are configured separately through their own
// environment variables (see internal/core/storage.go and internal/blob).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "SOFTAGAR_CONFIG_PATH"

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"softagar.yaml",
	"softagar.yml",
	"/etc/softagar/config.yaml",
	"/etc/softagar/config.yml",
}

// Config is the server configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Log     LogConfig     `koanf:"log"`
	Detect  DetectConfig  `koanf:"detect"`
	Metrics MetricsConfig `koanf:"metrics"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	FrontendDist    string        `koanf:"frontend_dist"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

type DetectConfig struct {
	Engine string `koanf:"engine"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins: []string{
				"http://localhost:5173",
				"http://127.0.0.1:5173",
				"http://localhost:4173",
				"http://127.0.0.1:4173",
			},
			FrontendDist: "",
		},
		Log:     LogConfig{Level: "info", Pretty: false},
		Detect:  DetectConfig{Engine: "threshold"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load assembles the configuration: struct defaults, then an optional YAML
// file, then environment variables.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("SOFTAGAR_", ".", envTransform), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	// Environment variables deliver cors origins as one comma-separated string.
	if raw, ok := k.Get("server.cors_origins").(string); ok {
		origins := []string{}
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if err := k.Set("server.cors_origins", origins); err != nil {
			return Config{}, fmt.Errorf("normalize cors origins: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	switch c.Detect.Engine {
	case "", "threshold", "opencv":
	default:
		return fmt.Errorf("detect.engine %q is not known", c.Detect.Engine)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not known", c.Log.Level)
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps SOFTAGAR_SERVER_ADDR to server.addr and
// SOFTAGAR_SERVER_SHUTDOWN_TIMEOUT to server.shutdown_timeout. The first
// underscore-delimited token selects the section; the remainder is the key.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "SOFTAGAR_"))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return ""
	}
	switch parts[0] {
	case "server", "log", "detect", "metrics":
		return parts[0] + "." + parts[1]
	default:
		// Other SOFTAGAR_* variables belong to storage/blob factories.
		return ""
	}
}
