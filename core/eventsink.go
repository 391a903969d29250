package core

import (
	"context"
	"encoding/json"

	"pkt.systems/checkerd/schema"
)

// Transport delivers live-reload payloads to connected clients. Send is only
// called from the coordinator loop.
type Transport interface {
	Send(payload json.RawMessage) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(payload json.RawMessage) error

// Send calls f.
func (f TransportFunc) Send(payload json.RawMessage) error {
	return f(payload)
}

// FailureReporter is told, once per checker kind, that its diagnostic engine
// terminated without being asked to.
type FailureReporter interface {
	ReportFailure(ctx context.Context, kind schema.CheckerKind, err error)
}

// FailureReporterFunc adapts a function to FailureReporter.
type FailureReporterFunc func(ctx context.Context, kind schema.CheckerKind, err error)

// ReportFailure calls f.
func (f FailureReporterFunc) ReportFailure(ctx context.Context, kind schema.CheckerKind, err error) {
	f(ctx, kind, err)
}

// Recorder observes coordinator and worker activity for metrics.
type Recorder interface {
	WorkerSpawned(kind schema.CheckerKind)
	EngineFailed(kind schema.CheckerKind)
	OverlayForwarded(kind schema.CheckerKind)
}

// NopRecorder discards every observation.
type NopRecorder struct{}

func (NopRecorder) WorkerSpawned(schema.CheckerKind)    {}
func (NopRecorder) EngineFailed(schema.CheckerKind)     {}
func (NopRecorder) OverlayForwarded(schema.CheckerKind) {}
