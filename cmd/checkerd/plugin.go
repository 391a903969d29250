package main

import (
	"path/filepath"
	"time"

	"pkt.systems/checkerd"
	"pkt.systems/checkerd/internal/appconfig"
)

// pluginConfig maps the file config onto the plugin and resolves the
// project root.
func pluginConfig(cfg appconfig.Config, rootOverride string) (checkerd.Config, string, error) {
	checkers, err := cfg.PluginConfig()
	if err != nil {
		return checkerd.Config{}, "", err
	}
	root := cfg.Root
	if rootOverride != "" {
		root = rootOverride
	}
	if root == "" {
		root = "."
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return checkerd.Config{}, "", err
	}
	return checkerd.Config{
		Checkers: checkers,
		Codec:    cfg.Worker.Codec,
		Worker: checkerd.WorkerConfig{
			Binary:    cfg.Worker.Binary,
			Args:      cfg.Worker.Args,
			InProcess: cfg.Worker.InProcess,
			StopGrace: time.Duration(cfg.Worker.StopGraceSeconds) * time.Second,
		},
		BuildConcurrency: cfg.Build.Concurrency,
	}, root, nil
}
