// Package checkerd runs static-analysis checkers alongside a frontend dev
// server and production build, delivering their diagnostics to the browser
// overlay and the build exit status.
package checkerd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pkt.systems/checkerd/core"
	"pkt.systems/checkerd/internal/buildrun"
	"pkt.systems/checkerd/internal/checker"
	"pkt.systems/checkerd/internal/logx"
	"pkt.systems/checkerd/internal/worker"
	"pkt.systems/checkerd/internal/workerchan"
	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

// Config configures a Plugin.
type Config struct {
	Checkers         schema.PluginConfig
	Codec            string
	Worker           WorkerConfig
	BuildConcurrency int
	FrameCacheSize   int
}

// WorkerConfig selects how dev-mode checkers run. With InProcess set each
// checker is served on goroutines of the host process.
type WorkerConfig struct {
	Binary    string
	Args      []string
	Env       []string
	InProcess bool
	StopGrace time.Duration
}

// Deps captures the collaborators a Plugin needs.
type Deps struct {
	// Transport receives overlay payloads. Required by Start.
	Transport core.Transport
	// Spawner overrides the worker spawner chosen from Config.Worker.
	Spawner workerchan.Spawner
	// Reporter overrides the default engine-failure notice.
	Reporter      core.FailureReporter
	Recorder      core.Recorder
	BuildRecorder buildrun.Recorder
	Logger        pslog.Logger
}

// Plugin exposes the build-tool hooks: Start when the dev server is
// created, ServerOptionsResolved once options are known, ServerBound with
// the resolved root, Close on shutdown and Build for production builds.
type Plugin struct {
	cfg     Config
	deps    Deps
	session schema.SessionID
	factory *checker.Factory
	overlay atomic.Bool

	mu    sync.Mutex
	coord *core.Coordinator
}

// New validates cfg. Configuration errors surface here, before anything
// is spawned.
func New(cfg Config, deps Deps) (*Plugin, error) {
	p := &Plugin{
		cfg:     cfg,
		deps:    deps,
		session: schema.SessionID(uuid.NewString()),
	}
	p.overlay.Store(cfg.Checkers.Shared.Overlay)
	spawner := deps.Spawner
	if spawner == nil {
		spawner = p.defaultSpawner()
	}
	opts := []checker.Option{
		checker.WithSpawner(spawner),
		checker.WithCodec(cfg.Codec),
		checker.WithSession(p.session),
		checker.WithStopGrace(cfg.Worker.StopGrace),
	}
	if deps.Logger != nil {
		opts = append(opts, checker.WithLogger(deps.Logger))
	}
	if deps.Recorder != nil {
		opts = append(opts, checker.WithRecorder(deps.Recorder))
	}
	factory, err := checker.NewFactory(cfg.Checkers, opts...)
	if err != nil {
		return nil, err
	}
	p.factory = factory
	return p, nil
}

func (p *Plugin) defaultSpawner() workerchan.Spawner {
	if p.cfg.Worker.InProcess {
		return workerchan.PipeSpawner{Serve: p.serveInProcess}
	}
	return workerchan.ProcessSpawner{
		Binary: p.cfg.Worker.Binary,
		Args:   p.cfg.Worker.Args,
		Env:    p.cfg.Worker.Env,
	}
}

// serveInProcess runs the worker side of the protocol on the host.
func (p *Plugin) serveInProcess(ctx context.Context, in io.Reader, out io.Writer, req workerchan.SpawnRequest) error {
	c, ok, err := checker.New(req.Kind, schema.WithOptions(req.Options))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is disabled", schema.ErrUnknownChecker, req.Kind)
	}
	codec, err := workerchan.CodecByName(req.Codec)
	if err != nil {
		return err
	}
	return worker.Serve(ctx, in, out, worker.Options{
		Checker:        c,
		Overlay:        req.Overlay,
		Codec:          codec,
		Logger:         logx.WithSessionChecker(ctx, req.Session, req.Kind),
		StopGrace:      req.StopGrace,
		FrameCacheSize: p.cfg.FrameCacheSize,
	})
}

// Session returns the id tagging this plugin's logs and workers.
func (p *Plugin) Session() schema.SessionID {
	return p.session
}

// EnabledKinds lists the checkers this plugin runs.
func (p *Plugin) EnabledKinds() []schema.CheckerKind {
	return p.factory.EnabledKinds()
}

// Start spawns one diagnostic engine per enabled checker.
func (p *Plugin) Start(ctx context.Context) error {
	if p.deps.Transport == nil {
		return errors.New("checkerd: transport required")
	}
	log := p.logger(ctx)
	reporter := p.deps.Reporter
	if reporter == nil {
		reporter = failureNotice{plugin: p, transport: p.deps.Transport}
	}
	coord, err := core.NewCoordinator(core.CoordinatorDeps{
		Engines:   p.factory,
		Transport: p.deps.Transport,
		Reporter:  reporter,
		Recorder:  p.deps.Recorder,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.coord != nil {
		p.mu.Unlock()
		return errors.New("checkerd: plugin already started")
	}
	p.coord = coord
	p.mu.Unlock()
	return coord.Start(logx.ContextWithSessionLogger(ctx, log, p.session))
}

// ServerOptionsResolved forwards the HMR options and build environment to
// every checker.
func (p *Plugin) ServerOptionsResolved(payload schema.ConfigPayload) error {
	coord, err := p.coordinator()
	if err != nil {
		return err
	}
	p.overlay.Store(p.cfg.Checkers.Shared.Overlay && payload.HMR.OverlayEnabled())
	return coord.ServerOptionsResolved(payload)
}

// ServerBound forwards the resolved project root to every checker.
func (p *Plugin) ServerBound(payload schema.ConfigureServerPayload) error {
	coord, err := p.coordinator()
	if err != nil {
		return err
	}
	return coord.ServerBound(payload)
}

// Close disposes every checker and waits for them, bounded by ctx. It is
// safe to call more than once and before Start.
func (p *Plugin) Close(ctx context.Context) error {
	p.mu.Lock()
	coord := p.coord
	p.mu.Unlock()
	if coord == nil {
		return nil
	}
	return coord.Close(ctx)
}

// Done is closed when a started session has fully ended.
func (p *Plugin) Done() <-chan struct{} {
	coord, err := p.coordinator()
	if err != nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return coord.Done()
}

// Build runs every enabled checker once against root.
func (p *Plugin) Build(ctx context.Context, root string) (buildrun.Outcome, error) {
	log := p.logger(ctx)
	runner := buildrun.Runner{
		Concurrency:    p.cfg.BuildConcurrency,
		FrameCacheSize: p.cfg.FrameCacheSize,
		Logger:         log,
		Recorder:       p.deps.BuildRecorder,
	}
	return runner.Run(ctx, p.factory.Shared(), p.factory.BuildInvocations(root))
}

// BuildInvocations returns the one-shot commands Build would run.
func (p *Plugin) BuildInvocations(root string) []checker.BuildInvocation {
	return p.factory.BuildInvocations(root)
}

func (p *Plugin) coordinator() (*core.Coordinator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.coord == nil {
		return nil, core.ErrNotStarted
	}
	return p.coord, nil
}

func (p *Plugin) logger(ctx context.Context) pslog.Logger {
	log := p.deps.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	return logx.WithSession(log, p.session)
}

// failureNotice is the default FailureReporter. It shows the failure in
// the overlay, tagged so it cannot be mistaken for a checker finding.
type failureNotice struct {
	plugin    *Plugin
	transport core.Transport
}

func (n failureNotice) ReportFailure(ctx context.Context, kind schema.CheckerKind, err error) {
	log := logx.WithChecker(n.plugin.logger(ctx), kind)
	if !n.plugin.overlay.Load() {
		log.Debug("engine failure notice suppressed", "reason", "overlay disabled")
		return
	}
	payload, encErr := json.Marshal(engineFailurePayload(kind, err))
	if encErr != nil {
		log.Warn("engine failure notice encode failed", "err", encErr)
		return
	}
	if sendErr := n.transport.Send(payload); sendErr != nil {
		log.Warn("engine failure notice send failed", "err", sendErr)
	}
}

func engineFailurePayload(kind schema.CheckerKind, err error) schema.HMRPayload {
	msg := fmt.Sprintf("%s checker stopped unexpectedly", kind)
	if err != nil {
		msg += ": " + err.Error()
	}
	return schema.HMRPayload{
		Type: schema.HMRPayloadError,
		Err: &schema.ErrorPayload{
			Message:    msg,
			Plugin:     schema.PluginName,
			PluginCode: schema.PluginCodeEngineFailure,
		},
	}
}
