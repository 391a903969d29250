// Package workerchan is the host side of the worker protocol: a lazily
// spawned worker per checker, fed through an ordered outbox.
package workerchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"pkt.systems/checkerd/core"
	"pkt.systems/checkerd/internal/logx"
	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

// State is the lifecycle phase of a Channel.
type State uint8

const (
	StateCreated State = iota
	StateConfiguring
	StateActive
	StateDisposing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfiguring:
		return "configuring"
	case StateActive:
		return "active"
	case StateDisposing:
		return "disposing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config configures a Channel.
type Config struct {
	Spawner  Spawner
	Request  SpawnRequest
	Logger   pslog.Logger
	Recorder core.Recorder
}

// Channel is the host end of one worker. Send never blocks; actions are
// written in order by a dedicated writer goroutine.
type Channel struct {
	kind     schema.CheckerKind
	ctx      context.Context
	spawner  Spawner
	req      SpawnRequest
	codec    Codec
	log      pslog.Logger
	recorder core.Recorder

	mu      sync.Mutex
	state   State
	spawned bool
	exited  bool
	outbox  []schema.Action
	wake    chan struct{}

	events    chan core.EngineEvent
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a channel in StateCreated. No worker is started until the
// first Send.
func New(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.Spawner == nil {
		return nil, errors.New("worker channel: spawner required")
	}
	if !cfg.Request.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", schema.ErrUnknownChecker, cfg.Request.Kind)
	}
	codec, err := CodecByName(cfg.Request.Codec)
	if err != nil {
		return nil, err
	}
	cfg.Request.Codec = codec.Name()
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	log = logx.WithSession(logx.WithChecker(log, cfg.Request.Kind), cfg.Request.Session)
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = core.NopRecorder{}
	}
	return &Channel{
		kind:     cfg.Request.Kind,
		ctx:      pslog.ContextWithLogger(context.WithoutCancel(ctx), log),
		spawner:  cfg.Spawner,
		req:      cfg.Request,
		codec:    codec,
		log:      log,
		recorder: recorder,
		wake:     make(chan struct{}, 1),
		events:   make(chan core.EngineEvent, 64),
		done:     make(chan struct{}),
	}, nil
}

// Kind returns the checker kind served by the channel.
func (c *Channel) Kind() schema.CheckerKind {
	return c.kind
}

// State returns the current lifecycle phase.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send enqueues a host-to-worker action. The first Send spawns the worker
// in the background. Sends after Dispose are dropped.
func (c *Channel) Send(action schema.Action) error {
	if action.Type.HostBound() {
		return fmt.Errorf("%w: %s cannot be sent to a worker", schema.ErrProtocol, action.Type)
	}
	c.mu.Lock()
	if c.state >= StateDisposing {
		c.mu.Unlock()
		c.log.Debug("send after dispose dropped", "action", action.Type)
		return nil
	}
	c.outbox = append(c.outbox, action)
	prev := c.state
	switch action.Type {
	case schema.ActionConfig:
		if c.state == StateCreated {
			c.state = StateConfiguring
		}
	case schema.ActionConfigureServer:
		if c.state == StateConfiguring {
			c.state = StateActive
		}
	}
	next := c.state
	spawn := !c.spawned
	c.spawned = true
	c.mu.Unlock()

	if prev != next {
		c.log.Debug("worker channel state", "from", prev, "to", next)
	}
	if spawn {
		go c.run()
	}
	c.signal()
	return nil
}

// Events returns the ordered stream of overlay and failure events. It is
// closed when the channel reaches StateClosed.
func (c *Channel) Events() <-chan core.EngineEvent {
	return c.events
}

// Done is closed when the channel reaches StateClosed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Dispose asks the worker to stop. Queued actions are still delivered,
// followed by unref, then the worker's stdin is closed. Events keep flowing
// until the worker's output ends. Dispose never blocks and may be called any
// number of times.
func (c *Channel) Dispose() {
	c.mu.Lock()
	if c.state >= StateDisposing {
		c.mu.Unlock()
		return
	}
	c.state = StateDisposing
	if !c.spawned {
		c.mu.Unlock()
		c.log.Debug("worker channel disposed before spawn")
		c.close()
		return
	}
	c.outbox = append(c.outbox, schema.UnrefAction())
	c.mu.Unlock()
	c.log.Debug("worker channel state", "to", StateDisposing)
	c.signal()
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) disposeRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state >= StateDisposing
}

func (c *Channel) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.events)
		close(c.done)
		c.log.Debug("worker channel state", "to", StateClosed)
	})
}

func (c *Channel) run() {
	proc, err := c.spawner.Spawn(c.ctx, c.req)
	if err != nil {
		if c.disposeRequested() {
			c.log.Debug("worker spawn failed after dispose", "err", err)
		} else {
			c.log.Error("worker spawn failed", "err", err)
			c.fail(fmt.Errorf("%w: %s spawn: %v", schema.ErrEngineFailed, c.kind, err))
		}
		c.close()
		return
	}
	c.recorder.WorkerSpawned(c.kind)
	c.log.Info("worker spawned", "codec", c.codec.Name())

	writerDone := make(chan struct{})
	go c.write(proc.Stdin(), writerDone)
	c.read(proc.Stdout())
	waitErr := proc.Wait()

	c.mu.Lock()
	c.exited = true
	requested := c.state >= StateDisposing
	c.mu.Unlock()
	c.signal()
	<-writerDone

	if requested {
		if waitErr != nil {
			c.log.Debug("worker exited", "err", waitErr)
		} else {
			c.log.Debug("worker exited")
		}
	} else {
		reason := "exit status 0"
		if waitErr != nil {
			reason = waitErr.Error()
		}
		c.log.Error("worker exited unexpectedly", "reason", reason)
		c.fail(fmt.Errorf("%w: %s worker exited unexpectedly: %s", schema.ErrEngineFailed, c.kind, reason))
	}
	c.close()
}

func (c *Channel) fail(err error) {
	c.events <- core.EngineEvent{Kind: c.kind, Type: core.EngineFailed, Err: err}
}

func (c *Channel) write(stdin io.WriteCloser, done chan<- struct{}) {
	defer close(done)
	defer func() {
		_ = stdin.Close()
	}()
	enc := c.codec.NewEncoder(stdin)
	for {
		c.mu.Lock()
		if c.exited {
			c.mu.Unlock()
			return
		}
		batch := c.outbox
		c.outbox = nil
		disposing := c.state >= StateDisposing
		c.mu.Unlock()

		if len(batch) == 0 {
			if disposing {
				return
			}
			<-c.wake
			continue
		}
		for _, action := range batch {
			if err := enc.Encode(action); err != nil {
				c.log.Warn("worker write failed", "action", action.Type, "err", err)
				return
			}
			c.log.Trace("action sent", "action", action.Type, "bytes", len(action.Payload))
		}
	}
}

func (c *Channel) read(stdout io.Reader) {
	dec := c.codec.NewDecoder(stdout)
	for {
		var action schema.Action
		err := dec.Decode(&action)
		if err != nil {
			var frameErr *FrameError
			if errors.As(err, &frameErr) {
				preview := previewText(string(frameErr.Frame()), 200)
				c.log.Warn("protocol violation: undecodable frame", "preview", preview, "err", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				c.log.Warn("worker stream error", "err", err)
			}
			_, _ = io.Copy(io.Discard, stdout)
			return
		}
		if action.Type != schema.ActionOverlayError {
			c.log.Warn("protocol violation: unexpected action from worker", "action", action.Type)
			continue
		}
		payload, err := action.DecodeOverlayError()
		if err != nil {
			c.log.Warn("protocol violation: malformed overlay payload", "preview", previewText(string(action.Payload), 200), "err", err)
			continue
		}
		if payload.Type != schema.HMRPayloadError || payload.Err == nil {
			c.log.Warn("protocol violation: overlay payload is not an error", "type", payload.Type)
			continue
		}
		c.log.Trace("overlay received", "bytes", len(action.Payload))
		c.events <- core.EngineEvent{
			Kind:    c.kind,
			Type:    core.EngineOverlayError,
			Payload: append(json.RawMessage(nil), action.Payload...),
		}
	}
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
