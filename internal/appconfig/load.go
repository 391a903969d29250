package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/checkerd/internal/workerchan"
	"pkt.systems/checkerd/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg := DefaultConfig()
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("root", cfg.Root)
	v.SetDefault("mode", cfg.Mode)
	v.SetDefault("shared.enable_build", cfg.Shared.EnableBuild)
	v.SetDefault("shared.overlay", cfg.Shared.Overlay)
	v.SetDefault("hmr.addr", cfg.HMR.Addr)
	v.SetDefault("hmr.path", cfg.HMR.Path)
	v.SetDefault("hmr.history", cfg.HMR.History)
	v.SetDefault("hmr.overlay", cfg.HMR.Overlay)
	v.SetDefault("worker.binary", cfg.Worker.Binary)
	v.SetDefault("worker.args", cfg.Worker.Args)
	v.SetDefault("worker.codec", cfg.Worker.Codec)
	v.SetDefault("worker.stop_grace_seconds", cfg.Worker.StopGraceSeconds)
	v.SetDefault("worker.in_process", cfg.Worker.InProcess)
	v.SetDefault("build.concurrency", cfg.Build.Concurrency)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("%w: config_version is required; expected %d", schema.ErrInvalidConfig, CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("%w: unsupported config_version %d; expected %d", schema.ErrInvalidConfig, v.GetInt("config_version"), CurrentConfigVersion)
		}
		if v.InConfig("checkers") {
			// A file that lists checkers replaces the default table.
			cfg.Checkers = nil
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", schema.ErrInvalidConfig, err)
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("%w: unsupported mode %q", schema.ErrInvalidConfig, cfg.Mode)
	}
	if _, err := workerchan.CodecByName(cfg.Worker.Codec); err != nil {
		return fmt.Errorf("worker.codec: %w", err)
	}
	if cfg.Worker.StopGraceSeconds < 0 {
		return fmt.Errorf("%w: worker.stop_grace_seconds must not be negative", schema.ErrInvalidConfig)
	}
	if cfg.Build.Concurrency < 0 {
		return fmt.Errorf("%w: build.concurrency must not be negative", schema.ErrInvalidConfig)
	}
	for key, path := range map[string]string{"hmr.path": cfg.HMR.Path, "metrics.path": cfg.Metrics.Path} {
		if path != "" && !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%w: %s must start with /", schema.ErrInvalidConfig, key)
		}
	}
	if _, err := cfg.PluginConfig(); err != nil {
		return err
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Root = expandEnv(cfg.Root)
	cfg.Worker.Binary = expandEnv(cfg.Worker.Binary)
	for i, arg := range cfg.Worker.Args {
		cfg.Worker.Args[i] = expandEnv(arg)
	}
	cfg.HMR.Addr = expandEnv(cfg.HMR.Addr)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
