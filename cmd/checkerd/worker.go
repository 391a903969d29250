package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/checkerd/internal/checker"
	"pkt.systems/checkerd/internal/logx"
	"pkt.systems/checkerd/internal/worker"
	"pkt.systems/checkerd/internal/workerchan"
	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

func newWorkerCmd() *cobra.Command {
	var kindName string
	var codecName string
	var overlay bool
	var optionsJSON string
	var session string
	var stopGrace time.Duration
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve one checker over stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := schema.ParseCheckerKind(kindName)
			if err != nil {
				return err
			}
			options, err := parseWorkerOptions(optionsJSON)
			if err != nil {
				return err
			}
			c, ok, err := checker.New(kind, schema.WithOptions(options))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s is disabled", schema.ErrUnknownChecker, kind)
			}
			codec, err := workerchan.CodecByName(codecName)
			if err != nil {
				return err
			}

			// stdout carries the protocol; logs go to stderr for the host to relay.
			logger := pslog.LoggerFromEnv(
				pslog.WithEnvWriter(os.Stderr),
				pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, NoColor: true}),
			)
			ctx := pslog.ContextWithLogger(cmd.Context(), logger)
			log := logx.WithSessionChecker(ctx, schema.SessionID(session), kind)
			log.Debug("worker starting", "codec", codec.Name(), "overlay", overlay)
			err = worker.Serve(ctx, os.Stdin, os.Stdout, worker.Options{
				Checker:   c,
				Overlay:   overlay,
				Codec:     codec,
				Logger:    log,
				StopGrace: stopGrace,
			})
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", "", "checker kind")
	cmd.Flags().StringVar(&codecName, "codec", workerchan.CodecJSONL, "wire codec (jsonl or msgpack)")
	cmd.Flags().BoolVar(&overlay, "overlay", true, "emit overlay errors")
	cmd.Flags().StringVar(&optionsJSON, "options", "{}", "checker options as JSON")
	cmd.Flags().StringVar(&session, "session", "", "session id for log correlation")
	cmd.Flags().DurationVar(&stopGrace, "stop-grace", 0, "time a cancelled check may take to exit")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func parseWorkerOptions(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var options map[string]any
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return nil, fmt.Errorf("%w: worker options: %v", schema.ErrInvalidConfig, err)
	}
	if options == nil {
		options = map[string]any{}
	}
	return options, nil
}
