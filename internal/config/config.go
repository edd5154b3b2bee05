package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine EngineConfig `toml:"engine" yaml:"engine"`
	Sync   SyncConfig   `toml:"sync" yaml:"sync"`
	Cache  CacheConfig  `toml:"cache" yaml:"cache"`
	Watch  WatchConfig  `toml:"watch" yaml:"watch"`
	Server ServerConfig `toml:"server" yaml:"server"`
	Audit  AuditConfig  `toml:"audit" yaml:"audit"`
}

// EngineConfig describes how to launch the analysis engine.
type EngineConfig struct {
	Binary            string              `toml:"binary" yaml:"binary" validate:"required"`
	Flags             []string            `toml:"flags" yaml:"flags"`
	ReadTimeoutMs     int                 `toml:"read_timeout_ms" yaml:"read_timeout_ms" validate:"gte=0"`
	RestartsPerMinute int                 `toml:"restarts_per_minute" yaml:"restarts_per_minute" validate:"gte=0"`
	RestartBurst      int                 `toml:"restart_burst" yaml:"restart_burst" validate:"gte=0"`
	EntryPoints       map[string][]string `toml:"entry_points" yaml:"entry_points"`
}

type SyncConfig struct {
	ChunkSize int `toml:"chunk_size" yaml:"chunk_size" validate:"gte=1"`
}

type CacheConfig struct {
	ModuleTTLMs int `toml:"module_ttl_ms" yaml:"module_ttl_ms" validate:"gte=0"`
}

type WatchConfig struct {
	Enabled    bool     `toml:"enabled" yaml:"enabled"`
	Extensions []string `toml:"extensions" yaml:"extensions"`
}

type ServerConfig struct {
	Stdio       bool   `toml:"stdio" yaml:"stdio"`
	HTTPListen  string `toml:"http_listen" yaml:"http_listen"`
	HTTPPath    string `toml:"http_path" yaml:"http_path"`
	WSPath      string `toml:"ws_path" yaml:"ws_path"`
	MetricsPath string `toml:"metrics_path" yaml:"metrics_path"`
	LogLevel    string `toml:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
}

type AuditConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path" validate:"required_if=Enabled true"`
}

func Default() Config {
	return Config{
		Engine: EngineConfig{
			Binary:            "ocamlmerlin",
			Flags:             []string{},
			ReadTimeoutMs:     30000,
			RestartsPerMinute: 30,
			RestartBurst:      5,
			EntryPoints: map[string][]string{
				"myocamlbuild.ml": {"ocamlbuild"},
			},
		},
		Sync: SyncConfig{
			ChunkSize: 1024,
		},
		Cache: CacheConfig{
			ModuleTTLMs: 60000,
		},
		Watch: WatchConfig{
			Enabled:    false,
			Extensions: []string{".cmi", ".cmt", ".merlin"},
		},
		Server: ServerConfig{
			Stdio:       true,
			HTTPListen:  "",
			HTTPPath:    "/rpc",
			WSPath:      "/ws",
			MetricsPath: "/metrics",
			LogLevel:    "info",
		},
	}
}

// Load reads a TOML or YAML file (by extension) over the defaults. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

var validate = validator.New()

func Validate(cfg Config) error {
	return validate.Struct(cfg)
}

func (e EngineConfig) ReadTimeout() time.Duration {
	return time.Duration(e.ReadTimeoutMs) * time.Millisecond
}

func (c CacheConfig) ModuleTTL() time.Duration {
	return time.Duration(c.ModuleTTLMs) * time.Millisecond
}
