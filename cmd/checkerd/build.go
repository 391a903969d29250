package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/checkerd"
	"pkt.systems/checkerd/internal/appconfig"
	"pkt.systems/checkerd/internal/buildrun"
	"pkt.systems/checkerd/internal/format"
	"pkt.systems/checkerd/internal/metrics"
	"pkt.systems/pslog"
)

var errBuildFailed = errors.New("build checks failed")

func newBuildCmd() *cobra.Command {
	var configPath string
	var root string
	var asJSON bool
	var plain bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run every enabled checker once and fail on errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := pslog.Ctx(ctx)
			cfg, err := appconfig.Load(configPath)
			if err != nil {
				return err
			}
			pcfg, absRoot, err := pluginConfig(cfg, root)
			if err != nil {
				return err
			}
			deps := checkerd.Deps{Logger: log}
			if cfg.Metrics.Enabled {
				deps.BuildRecorder = metrics.NewPrometheusRecorder()
			}
			plugin, err := checkerd.New(pcfg, deps)
			if err != nil {
				return err
			}

			out, err := plugin.Build(ctx, absRoot)
			if err != nil {
				return err
			}
			if err := writeOutcome(cmd, out, asJSON, plain); err != nil {
				return err
			}
			if out.Failed {
				return errBuildFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config path (default ./checkerd.yaml)")
	cmd.Flags().StringVar(&root, "root", "", "project root (overrides config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the outcome as JSON")
	cmd.Flags().BoolVar(&plain, "plain", false, "print the outcome without styling")
	cmd.MarkFlagsMutuallyExclusive("json", "plain")
	return cmd
}

func writeOutcome(cmd *cobra.Command, out buildrun.Outcome, asJSON, plain bool) error {
	w := cmd.OutOrStdout()
	switch {
	case asJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case out.Skipped:
		_, err := fmt.Fprintln(w, "build checks disabled")
		return err
	case plain:
		lines := format.NewPlainRenderer().FormatOutcome(out)
		_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
		return err
	default:
		_, err := fmt.Fprintln(w, format.RenderOutcome(out))
		return err
	}
}
