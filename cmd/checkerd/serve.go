package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/checkerd"
	"pkt.systems/checkerd/core"
	"pkt.systems/checkerd/internal/appconfig"
	"pkt.systems/checkerd/internal/hmr"
	"pkt.systems/checkerd/internal/metrics"
	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

const closeTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	var root string
	var addr string
	var printOverlays bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run checkers in watch mode and stream overlays over websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HMR.Addr = addr
			}
			return runServe(cmd.Context(), cfg, root, printOverlays, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config path (default ./checkerd.yaml)")
	cmd.Flags().StringVar(&root, "root", "", "project root (overrides config)")
	cmd.Flags().StringVar(&addr, "addr", "", "hmr listen address (overrides config)")
	cmd.Flags().BoolVar(&printOverlays, "print-overlays", false, "also write overlay payloads to stdout as JSON lines")
	return cmd
}

func runServe(ctx context.Context, cfg appconfig.Config, rootOverride string, printOverlays bool, stdout io.Writer) error {
	log := pslog.Ctx(ctx)
	pcfg, root, err := pluginConfig(cfg, rootOverride)
	if err != nil {
		return err
	}
	hmrOpts, err := hmrOptions(cfg)
	if err != nil {
		return err
	}

	hub := hmr.NewHub(cfg.HMR.History, log)
	var transport core.Transport = hub
	if printOverlays {
		transport = checkerd.FanoutTransport(hub, &lineTransport{w: stdout})
	}

	deps := checkerd.Deps{Transport: transport, Logger: log}
	mux := http.NewServeMux()
	mux.Handle(cfg.HMR.Path, hub.Handler())
	if cfg.Metrics.Enabled {
		rec := metrics.NewPrometheusRecorder()
		deps.Recorder = rec
		deps.BuildRecorder = rec
		mux.Handle(cfg.Metrics.Path, rec.Handler())
	}

	plugin, err := checkerd.New(pcfg, deps)
	if err != nil {
		return err
	}
	if err := plugin.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := plugin.Close(closeCtx); err != nil {
			log.Warn("checkerd close failed", "err", err)
		}
	}()

	if err := plugin.ServerOptionsResolved(schema.ConfigPayload{
		HMR: hmrOpts,
		Env: schema.ConfigEnv{Mode: cfg.Mode, Command: "serve"},
	}); err != nil {
		return err
	}
	if err := plugin.ServerBound(schema.ConfigureServerPayload{Root: root}); err != nil {
		return err
	}
	log.Info("checkerd serving", "root", root, "session", plugin.Session(), "checkers", plugin.EnabledKinds())

	err = hmr.ListenAndServe(ctx, cfg.HMR.Addr, mux)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func hmrOptions(cfg appconfig.Config) (schema.HMROptions, error) {
	host, portText, err := net.SplitHostPort(cfg.HMR.Addr)
	if err != nil {
		return schema.HMROptions{}, fmt.Errorf("%w: hmr.addr: %v", schema.ErrInvalidConfig, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return schema.HMROptions{}, fmt.Errorf("%w: hmr.addr port %q", schema.ErrInvalidConfig, portText)
	}
	overlay := cfg.HMR.Overlay
	return schema.HMROptions{
		Protocol: "ws",
		Host:     host,
		Port:     port,
		Path:     cfg.HMR.Path,
		Overlay:  &overlay,
	}, nil
}

// lineTransport writes each payload as one line.
type lineTransport struct {
	mu sync.Mutex
	w  io.Writer
}

func (t *lineTransport) Send(payload json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(payload); err != nil {
		return err
	}
	_, err := io.WriteString(t.w, "\n")
	return err
}
