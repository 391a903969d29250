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

// Factory holds the validated checkers of one plugin configuration.
type Factory struct {
	shared   schema.SharedConfig
	checkers [schema.KindCount]*Checker
	deps     EngineDeps
}

// Option customises a Factory.
type Option func(*Factory)

// WithSpawner selects how dev-mode workers are started.
func WithSpawner(s workerchan.Spawner) Option {
	return func(f *Factory) { f.deps.Spawner = s }
}

// WithCodec selects the worker wire codec by name.
func WithCodec(name string) Option {
	return func(f *Factory) { f.deps.Codec = name }
}

// WithSession tags every engine with a session id.
func WithSession(id schema.SessionID) Option {
	return func(f *Factory) { f.deps.Session = id }
}

// WithStopGrace bounds how long each worker waits for a cancelled check.
func WithStopGrace(d time.Duration) Option {
	return func(f *Factory) { f.deps.StopGrace = d }
}

// WithLogger sets the engine logger.
func WithLogger(log pslog.Logger) Option {
	return func(f *Factory) { f.deps.Logger = log }
}

// WithRecorder sets the metrics recorder handed to engines.
func WithRecorder(r core.Recorder) Option {
	return func(f *Factory) { f.deps.Recorder = r }
}

// NewFactory validates every enabled checker in cfg. Disabled checkers are
// skipped entirely.
func NewFactory(cfg schema.PluginConfig, opts ...Option) (*Factory, error) {
	f := &Factory{shared: cfg.Shared}
	for _, opt := range opts {
		opt(f)
	}
	if f.deps.Spawner == nil {
		f.deps.Spawner = workerchan.ProcessSpawner{}
	}
	if _, err := workerchan.CodecByName(f.deps.Codec); err != nil {
		return nil, err
	}
	f.deps.Overlay = cfg.Shared.Overlay
	for _, kind := range schema.AllKinds() {
		c, ok, err := New(kind, cfg.Checker(kind))
		if err != nil {
			return nil, err
		}
		if ok {
			f.checkers[kind] = &c
		}
	}
	return f, nil
}

// Shared returns the shared configuration.
func (f *Factory) Shared() schema.SharedConfig {
	return f.shared
}

// EnabledKinds lists enabled checker kinds in kind order.
func (f *Factory) EnabledKinds() []schema.CheckerKind {
	var out []schema.CheckerKind
	for kind, c := range f.checkers {
		if c != nil {
			out = append(out, schema.CheckerKind(kind))
		}
	}
	return out
}

// Checker returns the enabled checker for kind.
func (f *Factory) Checker(kind schema.CheckerKind) (Checker, bool) {
	if !kind.Valid() || f.checkers[kind] == nil {
		return Checker{}, false
	}
	return *f.checkers[kind], true
}

// NewEngine implements core.EngineFactory.
func (f *Factory) NewEngine(ctx context.Context, kind schema.CheckerKind) (core.DiagnosticEngine, error) {
	c, ok := f.Checker(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not enabled", schema.ErrInvalidConfig, kind)
	}
	engine, err := c.NewEngine(ctx, f.deps)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// BuildInvocations returns one descriptor per enabled checker, in kind
// order, for projects rooted at root.
func (f *Factory) BuildInvocations(root string) []BuildInvocation {
	var out []BuildInvocation
	for _, c := range f.checkers {
		if c != nil {
			out = append(out, c.Build(root))
		}
	}
	return out
}
