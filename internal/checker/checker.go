// Package checker turns userland checker configuration into runnable
// artifacts: dev-mode engines backed by worker channels and build-mode
// invocation descriptors.
package checker

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/checkerd/core"
	"pkt.systems/checkerd/internal/workerchan"
	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

// Checker is one enabled checker with validated options.
type Checker struct {
	Kind    schema.CheckerKind
	Options Options
	// Raw holds the userland options as given, forwarded to workers.
	Raw map[string]any
}

// New validates cfg for kind. It returns ok=false for a disabled checker.
func New(kind schema.CheckerKind, cfg schema.CheckerConfig) (Checker, bool, error) {
	if !kind.Valid() {
		return Checker{}, false, fmt.Errorf("%w: %d", schema.ErrUnknownChecker, kind)
	}
	if !cfg.Enabled() {
		return Checker{}, false, nil
	}
	raw := cfg.Options
	if cfg.Mode == schema.CheckerDefaults {
		raw = nil
	}
	opts, err := DecodeOptions(kind, raw)
	if err != nil {
		return Checker{}, false, err
	}
	return Checker{Kind: kind, Options: opts, Raw: raw}, true, nil
}

// EngineDeps are the collaborators an Engine needs.
type EngineDeps struct {
	Spawner   workerchan.Spawner
	Codec     string
	Overlay   bool
	Session   schema.SessionID
	StopGrace time.Duration
	Logger    pslog.Logger
	Recorder  core.Recorder
}

// NewEngine creates the dev-mode handle. The worker is not spawned until
// the first action is sent.
func (c Checker) NewEngine(ctx context.Context, deps EngineDeps) (*Engine, error) {
	ch, err := workerchan.New(ctx, workerchan.Config{
		Spawner: deps.Spawner,
		Request: workerchan.SpawnRequest{
			Kind:      c.Kind,
			Options:   c.Raw,
			Overlay:   deps.Overlay,
			Codec:     deps.Codec,
			Session:   deps.Session,
			StopGrace: deps.StopGrace,
		},
		Logger:   deps.Logger,
		Recorder: deps.Recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("%s engine: %w", c.Kind, err)
	}
	log := deps.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	return &Engine{ch: ch, log: log.With("checker", c.Kind)}, nil
}

// Engine implements core.DiagnosticEngine on top of a worker channel.
type Engine struct {
	ch  *workerchan.Channel
	log pslog.Logger
}

var _ core.DiagnosticEngine = (*Engine)(nil)

func (e *Engine) Kind() schema.CheckerKind {
	return e.ch.Kind()
}

// Config forwards the config action.
func (e *Engine) Config(payload schema.ConfigPayload) {
	action, err := schema.NewConfigAction(payload)
	if err != nil {
		e.log.Error("encode config action failed", "err", err)
		return
	}
	e.send(action)
}

// ConfigureServer forwards the configureServer action.
func (e *Engine) ConfigureServer(payload schema.ConfigureServerPayload) {
	action, err := schema.NewConfigureServerAction(payload)
	if err != nil {
		e.log.Error("encode configureServer action failed", "err", err)
		return
	}
	e.send(action)
}

func (e *Engine) send(action schema.Action) {
	if err := e.ch.Send(action); err != nil {
		e.log.Warn("worker send failed", "action", action.Type, "err", err)
	}
}

func (e *Engine) Events() <-chan core.EngineEvent {
	return e.ch.Events()
}

func (e *Engine) Dispose() {
	e.ch.Dispose()
}

func (e *Engine) Done() <-chan struct{} {
	return e.ch.Done()
}

// State exposes the underlying channel state.
func (e *Engine) State() workerchan.State {
	return e.ch.State()
}
