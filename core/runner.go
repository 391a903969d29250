package core

import (
	"context"
	"encoding/json"

	"pkt.systems/checkerd/schema"
)

// EngineEventType distinguishes what a diagnostic engine reports upward.
type EngineEventType uint8

const (
	// EngineOverlayError carries an HMR error payload from the worker.
	EngineOverlayError EngineEventType = iota + 1
	// EngineFailed reports that the worker terminated unexpectedly.
	EngineFailed
)

func (t EngineEventType) String() string {
	switch t {
	case EngineOverlayError:
		return "overlay_error"
	case EngineFailed:
		return "engine_failed"
	}
	return "unknown"
}

// EngineEvent is emitted by a DiagnosticEngine. Events of one engine are
// delivered in the order the worker emitted them.
type EngineEvent struct {
	Kind    schema.CheckerKind
	Type    EngineEventType
	Payload json.RawMessage
	Err     error
}

// DiagnosticEngine is the long-lived dev-mode handle of one checker. Config
// and ConfigureServer never block. Dispose is idempotent; Events is closed
// and Done is closed once the engine has fully stopped.
type DiagnosticEngine interface {
	Kind() schema.CheckerKind
	Config(payload schema.ConfigPayload)
	ConfigureServer(payload schema.ConfigureServerPayload)
	Events() <-chan EngineEvent
	Dispose()
	Done() <-chan struct{}
}

// EngineFactory creates engines for the enabled checker kinds.
type EngineFactory interface {
	EnabledKinds() []schema.CheckerKind
	NewEngine(ctx context.Context, kind schema.CheckerKind) (DiagnosticEngine, error)
}
