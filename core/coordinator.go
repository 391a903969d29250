package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

var (
	// ErrNotStarted is returned by hook calls made before Start.
	ErrNotStarted = errors.New("coordinator not started")
	// ErrClosed is returned by hook calls made after the session ended.
	ErrClosed = errors.New("coordinator closed")
)

type opKind uint8

const (
	opOptionsResolved opKind = iota
	opServerBound
	opClose
)

type op struct {
	kind   opKind
	config schema.ConfigPayload
	server schema.ConfigureServerPayload
}

// Coordinator owns the diagnostic engines of one dev-server session. Hook
// calls are queued to a single loop goroutine which owns all session state.
type Coordinator struct {
	deps      CoordinatorDeps
	ops       chan op
	events    chan EngineEvent
	done      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
}

// NewCoordinator validates deps and returns an idle coordinator.
func NewCoordinator(deps CoordinatorDeps) (*Coordinator, error) {
	if deps.Engines == nil {
		return nil, errors.New("coordinator: engine factory required")
	}
	if deps.Transport == nil {
		return nil, errors.New("coordinator: transport required")
	}
	if deps.Recorder == nil {
		deps.Recorder = NopRecorder{}
	}
	return &Coordinator{
		deps:   deps,
		ops:    make(chan op, 16),
		events: make(chan EngineEvent),
		done:   make(chan struct{}),
	}, nil
}

// Start constructs one engine per enabled checker kind and starts the event
// loop. Cancelling ctx ends the session as Close does.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}
	log := c.deps.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	var engines [schema.KindCount]DiagnosticEngine
	count := 0
	for _, kind := range c.deps.Engines.EnabledKinds() {
		if !kind.Valid() || engines[kind] != nil {
			continue
		}
		engine, err := c.deps.Engines.NewEngine(ctx, kind)
		if err != nil {
			for _, started := range engines {
				if started != nil {
					started.Dispose()
				}
			}
			close(c.done)
			return fmt.Errorf("start %s engine: %w", kind, err)
		}
		engines[kind] = engine
		count++
	}
	log.Info("checker session started", "engines", count)

	var wg sync.WaitGroup
	for _, engine := range engines {
		if engine == nil {
			continue
		}
		wg.Add(1)
		go func(engine DiagnosticEngine) {
			defer wg.Done()
			for event := range engine.Events() {
				c.events <- event
			}
		}(engine)
	}
	ended := make(chan struct{})
	go func() {
		wg.Wait()
		close(ended)
	}()
	go c.loop(ctx, log, engines, ended)
	return nil
}

// ServerOptionsResolved sends config to every engine. A ServerBound that
// arrived earlier is replayed right after.
func (c *Coordinator) ServerOptionsResolved(payload schema.ConfigPayload) error {
	return c.submit(op{kind: opOptionsResolved, config: payload})
}

// ServerBound sends configureServer to every engine, or defers it until
// the server options are resolved.
func (c *Coordinator) ServerBound(payload schema.ConfigureServerPayload) error {
	return c.submit(op{kind: opServerBound, server: payload})
}

// Close disposes every engine and waits, bounded by ctx, until each has
// stopped and its remaining events were forwarded.
func (c *Coordinator) Close(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}
	c.closeOnce.Do(func() {
		_ = c.submit(op{kind: opClose})
	})
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator close: %w", ctx.Err())
	}
}

// Done is closed when the event loop has exited.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) submit(o op) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.ops <- o:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

type session struct {
	engines       [schema.KindCount]DiagnosticEngine
	config        *schema.ConfigPayload
	pendingServer *schema.ConfigureServerPayload
	serverSent    bool
	held          []EngineEvent
	failed        [schema.KindCount]bool
	closing       bool
	ended         bool
}

func (c *Coordinator) loop(ctx context.Context, log pslog.Logger, engines [schema.KindCount]DiagnosticEngine, ended <-chan struct{}) {
	defer close(c.done)
	s := &session{engines: engines}
	ctxDone := ctx.Done()
	for {
		select {
		case o := <-c.ops:
			switch o.kind {
			case opOptionsResolved:
				c.optionsResolved(log, s, o.config)
			case opServerBound:
				c.serverBound(log, s, o.server)
			case opClose:
				c.shutdown(log, s)
			}
		case event := <-c.events:
			c.handle(ctx, log, s, event)
		case <-ctxDone:
			ctxDone = nil
			c.shutdown(log, s)
		case <-ended:
			ended = nil
			s.ended = true
			log.Debug("checker engines ended")
		}
		if s.closing && s.ended {
			log.Info("checker session closed")
			return
		}
	}
}

func (c *Coordinator) optionsResolved(log pslog.Logger, s *session, payload schema.ConfigPayload) {
	if s.closing {
		return
	}
	s.config = &payload
	for _, engine := range s.engines {
		if engine != nil {
			engine.Config(payload)
		}
	}
	log.Debug("server options resolved", "mode", payload.Env.Mode, "command", payload.Env.Command)
	if s.pendingServer != nil {
		pending := *s.pendingServer
		s.pendingServer = nil
		c.sendServer(log, s, pending)
	}
}

func (c *Coordinator) serverBound(log pslog.Logger, s *session, payload schema.ConfigureServerPayload) {
	if s.closing {
		return
	}
	if s.config == nil {
		s.pendingServer = &payload
		log.Debug("server bound before options resolved; deferring", "root", payload.Root)
		return
	}
	c.sendServer(log, s, payload)
}

func (c *Coordinator) sendServer(log pslog.Logger, s *session, payload schema.ConfigureServerPayload) {
	for _, engine := range s.engines {
		if engine != nil {
			engine.ConfigureServer(payload)
		}
	}
	log.Debug("server bound", "root", payload.Root)
	s.serverSent = true
	held := s.held
	s.held = nil
	for _, event := range held {
		c.forward(log, event)
	}
}

func (c *Coordinator) handle(ctx context.Context, log pslog.Logger, s *session, event EngineEvent) {
	switch event.Type {
	case EngineOverlayError:
		if !s.serverSent {
			s.held = append(s.held, event)
			return
		}
		c.forward(log, event)
	case EngineFailed:
		if !event.Kind.Valid() || s.failed[event.Kind] {
			return
		}
		s.failed[event.Kind] = true
		c.deps.Recorder.EngineFailed(event.Kind)
		log.Error("diagnostic engine failed", "checker", event.Kind, "err", event.Err)
		if c.deps.Reporter != nil {
			c.deps.Reporter.ReportFailure(ctx, event.Kind, event.Err)
		}
	default:
		log.Warn("unknown engine event ignored", "checker", event.Kind, "type", event.Type)
	}
}

func (c *Coordinator) forward(log pslog.Logger, event EngineEvent) {
	if err := c.deps.Transport.Send(event.Payload); err != nil {
		log.Warn("overlay send failed", "checker", event.Kind, "err", err)
		return
	}
	c.deps.Recorder.OverlayForwarded(event.Kind)
	log.Trace("overlay forwarded", "checker", event.Kind, "bytes", len(event.Payload))
}

func (c *Coordinator) shutdown(log pslog.Logger, s *session) {
	if s.closing {
		return
	}
	s.closing = true
	if len(s.held) > 0 {
		log.Debug("dropping overlays held for an unbound server", "count", len(s.held))
		s.held = nil
	}
	for _, engine := range s.engines {
		if engine != nil {
			engine.Dispose()
		}
	}
	log.Info("checker session closing")
}
