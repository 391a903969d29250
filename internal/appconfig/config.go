package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"pkt.systems/checkerd/internal/workerchan"
	"pkt.systems/checkerd/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	Root          string         `mapstructure:"root" yaml:"root"`
	Mode          string         `mapstructure:"mode" yaml:"mode"`
	Shared        SharedConfig   `mapstructure:"shared" yaml:"shared"`
	Checkers      map[string]any `mapstructure:"checkers" yaml:"checkers"`
	HMR           HMRConfig      `mapstructure:"hmr" yaml:"hmr"`
	Worker        WorkerConfig   `mapstructure:"worker" yaml:"worker"`
	Build         BuildConfig    `mapstructure:"build" yaml:"build"`
	Metrics       MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// SharedConfig applies to every checker.
type SharedConfig struct {
	EnableBuild bool `mapstructure:"enable_build" yaml:"enable_build"`
	Overlay     bool `mapstructure:"overlay" yaml:"overlay"`
}

// HMRConfig configures the websocket transport for overlay payloads.
type HMRConfig struct {
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Path    string `mapstructure:"path" yaml:"path"`
	History int    `mapstructure:"history" yaml:"history"`
	Overlay bool   `mapstructure:"overlay" yaml:"overlay"`
}

// WorkerConfig controls how checker workers are started. An empty Binary
// means the running executable. InProcess serves checkers on goroutines
// instead of child processes.
type WorkerConfig struct {
	Binary           string   `mapstructure:"binary" yaml:"binary"`
	Args             []string `mapstructure:"args" yaml:"args"`
	Codec            string   `mapstructure:"codec" yaml:"codec"`
	StopGraceSeconds int      `mapstructure:"stop_grace_seconds" yaml:"stop_grace_seconds"`
	InProcess        bool     `mapstructure:"in_process" yaml:"in_process"`
}

// BuildConfig controls production build checks.
type BuildConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Root:          ".",
		Mode:          "development",
		Shared: SharedConfig{
			EnableBuild: true,
			Overlay:     true,
		},
		Checkers: map[string]any{
			schema.KindTypeScript.String(): true,
		},
		HMR: HMRConfig{
			Addr:    "127.0.0.1:24679",
			Path:    "/__checkerd_hmr",
			History: 16,
			Overlay: true,
		},
		Worker: WorkerConfig{
			Binary:           "",
			Args:             []string{},
			Codec:            workerchan.CodecJSONL,
			StopGraceSeconds: 10,
			InProcess:        false,
		},
		Build: BuildConfig{
			Concurrency: 0,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Path:    "/metrics",
		},
	}
}

// DefaultConfigPath returns the project-local config path.
func DefaultConfigPath() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, "checkerd.yaml"), nil
}

// PluginConfig resolves the shared settings and checker table. Unknown
// checker names and malformed checker values are configuration errors.
func (c Config) PluginConfig() (schema.PluginConfig, error) {
	out := schema.PluginConfig{
		Shared: schema.SharedConfig{
			EnableBuild: c.Shared.EnableBuild,
			Overlay:     c.Shared.Overlay,
		},
	}
	names := make([]string, 0, len(c.Checkers))
	for name := range c.Checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		kind, err := schema.ParseCheckerKind(name)
		if err != nil {
			return schema.PluginConfig{}, fmt.Errorf("checkers.%s: %w", name, err)
		}
		cc, err := schema.CheckerConfigFrom(c.Checkers[name])
		if err != nil {
			return schema.PluginConfig{}, fmt.Errorf("checkers.%s: %w", name, err)
		}
		out.Set(kind, cc)
	}
	return out, nil
}
