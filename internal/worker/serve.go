// Package worker is the worker side of the checker protocol. It buffers
// host actions until both config and a server root are known, runs the
// checker for that root and reports each completed cycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/checkerd/internal/checker"
	"pkt.systems/checkerd/internal/normalize"
	"pkt.systems/checkerd/internal/workerchan"
	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

// CheckRunner runs a checker against root until ctx is cancelled or the
// checker finishes, calling cycle once per completed check.
type CheckRunner interface {
	Run(ctx context.Context, root string, cycle func(diags []schema.Diagnostic)) error
}

// Options configures Serve.
type Options struct {
	Checker checker.Checker
	Overlay bool
	Codec   workerchan.Codec
	Runner  CheckRunner
	Logger  pslog.Logger

	// StopGrace bounds how long a cancelled check may take to wind down.
	StopGrace      time.Duration
	FrameCacheSize int
}

const defaultStopGrace = 10 * time.Second

type inbound struct {
	action schema.Action
	err    error
}

type server struct {
	opts   Options
	log    pslog.Logger
	frames *normalize.FrameBuilder

	encMu   sync.Mutex
	enc     workerchan.Encoder
	gen     uint64
	overlay bool

	config  *schema.ConfigPayload
	pending *string
	root    string
	cancel  context.CancelFunc
	running sync.WaitGroup
	fatal   chan error
}

// Serve reads actions from in and writes overlay actions to out until an
// unref action, the end of in, or a fatal checker error.
func Serve(ctx context.Context, in io.Reader, out io.Writer, opts Options) error {
	if !opts.Checker.Kind.Valid() {
		return fmt.Errorf("%w: %d", schema.ErrUnknownChecker, opts.Checker.Kind)
	}
	if opts.Codec == nil {
		codec, err := workerchan.CodecByName("")
		if err != nil {
			return err
		}
		opts.Codec = codec
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	log = log.With("checker", opts.Checker.Kind)
	if opts.Runner == nil {
		opts.Runner = CommandRunner{Checker: opts.Checker, StopGrace: opts.StopGrace, Logger: log}
	}
	frames, err := normalize.NewFrameBuilder("", opts.FrameCacheSize)
	if err != nil {
		return err
	}
	s := &server{
		opts:    opts,
		log:     log,
		frames:  frames,
		enc:     opts.Codec.NewEncoder(out),
		overlay: opts.Overlay,
		fatal:   make(chan error, 1),
	}

	actions := make(chan inbound)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		dec := opts.Codec.NewDecoder(in)
		for {
			var action schema.Action
			err := dec.Decode(&action)
			select {
			case actions <- inbound{action: action, err: err}:
			case <-quit:
				return
			}
			var frameErr *workerchan.FrameError
			if err != nil && !errors.As(err, &frameErr) {
				return
			}
		}
	}()

	log.Debug("worker ready", "overlay", opts.Overlay, "codec", opts.Codec.Name())
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return ctx.Err()
		case err := <-s.fatal:
			s.stop()
			return err
		case msg := <-actions:
			if msg.err != nil {
				var frameErr *workerchan.FrameError
				if errors.As(msg.err, &frameErr) {
					log.Warn("protocol violation: undecodable frame", "err", msg.err)
					continue
				}
				if !errors.Is(msg.err, io.EOF) {
					log.Warn("host stream error", "err", msg.err)
				}
				s.stop()
				return nil
			}
			if done := s.handle(ctx, msg.action); done {
				s.stop()
				return nil
			}
		}
	}
}

func (s *server) handle(ctx context.Context, action schema.Action) bool {
	switch action.Type {
	case schema.ActionConfig:
		payload, err := action.DecodeConfig()
		if err != nil {
			s.log.Warn("protocol violation: bad config", "err", err)
			return false
		}
		s.config = &payload
		s.encMu.Lock()
		s.overlay = s.opts.Overlay && payload.HMR.OverlayEnabled()
		s.encMu.Unlock()
		s.log.Debug("config received", "mode", payload.Env.Mode, "command", payload.Env.Command)
		if s.pending != nil {
			root := *s.pending
			s.pending = nil
			s.start(ctx, root)
		}
	case schema.ActionConfigureServer:
		payload, err := action.DecodeConfigureServer()
		if err != nil {
			s.log.Warn("protocol violation: bad configureServer", "err", err)
			return false
		}
		if s.config == nil {
			s.pending = &payload.Root
			s.log.Debug("configureServer buffered until config", "root", payload.Root)
			return false
		}
		s.start(ctx, payload.Root)
	case schema.ActionUnref:
		s.log.Debug("unref received")
		return true
	default:
		s.log.Warn("protocol violation: unexpected action", "action", action.Type)
	}
	return false
}

// start (re)starts the checker for root. The previous run is cancelled and
// whatever it still reports is discarded.
func (s *server) start(ctx context.Context, root string) {
	if s.cancel != nil && root == s.root {
		s.log.Debug("root unchanged", "root", root)
		return
	}
	s.cancelRun()
	s.encMu.Lock()
	s.gen++
	gen := s.gen
	s.encMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.root = root
	s.log.Info("check started", "root", root, "generation", gen)
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		err := s.opts.Runner.Run(runCtx, root, func(diags []schema.Diagnostic) {
			s.report(gen, root, diags)
		})
		if err != nil && runCtx.Err() == nil {
			select {
			case s.fatal <- err:
			default:
			}
		}
	}()
}

func (s *server) cancelRun() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *server) stop() {
	s.cancelRun()
	s.encMu.Lock()
	s.gen++
	s.encMu.Unlock()
	s.running.Wait()
}

func (s *server) report(gen uint64, root string, diags []schema.Diagnostic) {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	if gen != s.gen {
		s.log.Debug("stale check result discarded", "generation", gen, "diagnostics", len(diags))
		return
	}
	errs, warnings := schema.CountSeverity(diags)
	s.log.Info("check completed", "root", root, "errors", errs, "warnings", warnings)
	s.frames.Purge()
	for _, d := range diags {
		fields := []any{"location", d.Location(), "code", d.Code, "message", d.Message}
		if d.IsError() {
			s.log.Error("diagnostic", fields...)
		} else {
			s.log.Warn("diagnostic", fields...)
		}
		if !s.overlay || !d.IsError() {
			continue
		}
		d = s.frames.AttachIn(root, d)
		action, err := schema.NewOverlayErrorAction(normalize.ToOverlay(d))
		if err != nil {
			s.log.Warn("encode overlay failed", "err", err)
			continue
		}
		if err := s.enc.Encode(action); err != nil {
			s.log.Warn("overlay write failed", "err", err)
			return
		}
	}
}
