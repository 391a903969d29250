package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

func TestCoordinatorTypeScriptScenario(t *testing.T) {
	factory := newFakeFactory(schema.KindTypeScript)
	transport := newFakeTransport()
	coord := startCoordinator(t, factory, transport, nil)

	if err := coord.ServerOptionsResolved(schema.ConfigPayload{Env: schema.ConfigEnv{Mode: "development", Command: "serve"}}); err != nil {
		t.Fatalf("ServerOptionsResolved: %v", err)
	}
	if err := coord.ServerBound(schema.ConfigureServerPayload{Root: "/proj"}); err != nil {
		t.Fatalf("ServerBound: %v", err)
	}
	engine := factory.engine(t, schema.KindTypeScript)
	engine.waitCalls(t, 2)
	if got := engine.callLog(); strings.Join(got, ",") != "config:serve,configureServer:/proj" {
		t.Fatalf("unexpected call order: %v", got)
	}

	payload := json.RawMessage(`{"type":"error","err":{"message":"TS2322: bad","plugin":"checkerd:typescript"}}`)
	engine.emit(EngineEvent{Kind: schema.KindTypeScript, Type: EngineOverlayError, Payload: payload})
	got := transport.next(t)
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload not forwarded verbatim: %s", got)
	}
	closeCoordinator(t, coord)
	if engine.disposeCount() != 1 {
		t.Fatalf("expected exactly one dispose, got %d", engine.disposeCount())
	}
}

func TestCoordinatorDefersServerBoundUntilConfig(t *testing.T) {
	factory := newFakeFactory(schema.KindESLint, schema.KindStylelint)
	coord := startCoordinator(t, factory, newFakeTransport(), nil)

	if err := coord.ServerBound(schema.ConfigureServerPayload{Root: "/early"}); err != nil {
		t.Fatalf("ServerBound: %v", err)
	}
	if err := coord.ServerOptionsResolved(schema.ConfigPayload{Env: schema.ConfigEnv{Command: "serve"}}); err != nil {
		t.Fatalf("ServerOptionsResolved: %v", err)
	}
	for _, kind := range []schema.CheckerKind{schema.KindESLint, schema.KindStylelint} {
		engine := factory.engine(t, kind)
		engine.waitCalls(t, 2)
		if got := engine.callLog(); strings.Join(got, ",") != "config:serve,configureServer:/early" {
			t.Fatalf("%s: config must precede configureServer, got %v", kind, got)
		}
	}
	closeCoordinator(t, coord)
}

func TestCoordinatorHoldsOverlaysUntilServerBound(t *testing.T) {
	factory := newFakeFactory(schema.KindVueTsc)
	transport := newFakeTransport()
	coord := startCoordinator(t, factory, transport, nil)
	engine := factory.engine(t, schema.KindVueTsc)

	engine.emit(EngineEvent{Kind: schema.KindVueTsc, Type: EngineOverlayError, Payload: json.RawMessage(`{"n":1}`)})
	engine.emit(EngineEvent{Kind: schema.KindVueTsc, Type: EngineOverlayError, Payload: json.RawMessage(`{"n":2}`)})
	transport.expectNone(t, 50*time.Millisecond)

	if err := coord.ServerOptionsResolved(schema.ConfigPayload{}); err != nil {
		t.Fatalf("ServerOptionsResolved: %v", err)
	}
	if err := coord.ServerBound(schema.ConfigureServerPayload{Root: "/p"}); err != nil {
		t.Fatalf("ServerBound: %v", err)
	}
	if got := transport.next(t); string(got) != `{"n":1}` {
		t.Fatalf("unexpected first payload: %s", got)
	}
	if got := transport.next(t); string(got) != `{"n":2}` {
		t.Fatalf("unexpected second payload: %s", got)
	}
	closeCoordinator(t, coord)
}

func TestCoordinatorPreservesPerKindOrder(t *testing.T) {
	factory := newFakeFactory(schema.KindTypeScript, schema.KindESLint)
	transport := newFakeTransport()
	coord := startCoordinator(t, factory, transport, nil)
	bind(t, coord)

	const n = 50
	for _, kind := range []schema.CheckerKind{schema.KindTypeScript, schema.KindESLint} {
		engine := factory.engine(t, kind)
		go func(kind schema.CheckerKind) {
			for i := 0; i < n; i++ {
				engine.emit(EngineEvent{Kind: kind, Type: EngineOverlayError, Payload: json.RawMessage(fmt.Sprintf(`{"k":%q,"i":%d}`, kind, i))})
			}
		}(kind)
	}
	next := map[string]int{}
	for i := 0; i < 2*n; i++ {
		var msg struct {
			K string `json:"k"`
			I int    `json:"i"`
		}
		if err := json.Unmarshal(transport.next(t), &msg); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if msg.I != next[msg.K] {
			t.Fatalf("%s: expected index %d, got %d", msg.K, next[msg.K], msg.I)
		}
		next[msg.K]++
	}
	closeCoordinator(t, coord)
}

func TestCoordinatorCrashIsolation(t *testing.T) {
	factory := newFakeFactory(schema.KindESLint, schema.KindTypeScript)
	transport := newFakeTransport()
	reports := make(chan schema.CheckerKind, 4)
	reporter := FailureReporterFunc(func(_ context.Context, kind schema.CheckerKind, err error) {
		if !errors.Is(err, schema.ErrEngineFailed) {
			t.Errorf("expected ErrEngineFailed, got %v", err)
		}
		reports <- kind
	})
	coord := startCoordinator(t, factory, transport, reporter)
	bind(t, coord)

	lint := factory.engine(t, schema.KindESLint)
	crash := fmt.Errorf("%w: exit status 2", schema.ErrEngineFailed)
	lint.emit(EngineEvent{Kind: schema.KindESLint, Type: EngineFailed, Err: crash})
	lint.emit(EngineEvent{Kind: schema.KindESLint, Type: EngineFailed, Err: crash})
	lint.end()

	ts := factory.engine(t, schema.KindTypeScript)
	ts.emit(EngineEvent{Kind: schema.KindTypeScript, Type: EngineOverlayError, Payload: json.RawMessage(`{"after":"crash"}`)})
	if got := transport.next(t); string(got) != `{"after":"crash"}` {
		t.Fatalf("surviving checker not forwarded: %s", got)
	}

	select {
	case kind := <-reports:
		if kind != schema.KindESLint {
			t.Fatalf("unexpected failed kind: %s", kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for failure report")
	}
	closeCoordinator(t, coord)
	if len(reports) != 0 {
		t.Fatalf("failure reported more than once")
	}
}

func TestCoordinatorNoEnginesWhenNothingEnabled(t *testing.T) {
	factory := newFakeFactory()
	coord := startCoordinator(t, factory, newFakeTransport(), nil)
	bind(t, coord)
	closeCoordinator(t, coord)
	if factory.created() != 0 {
		t.Fatalf("expected no engines, got %d", factory.created())
	}
}

func TestCoordinatorCloseIsIdempotent(t *testing.T) {
	factory := newFakeFactory(schema.KindVLS)
	coord := startCoordinator(t, factory, newFakeTransport(), nil)
	closeCoordinator(t, coord)
	closeCoordinator(t, coord)
	if got := factory.engine(t, schema.KindVLS).disposeCount(); got != 1 {
		t.Fatalf("expected one dispose, got %d", got)
	}
	if err := coord.ServerBound(schema.ConfigureServerPayload{Root: "/x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCoordinatorHooksBeforeStart(t *testing.T) {
	coord, err := NewCoordinator(CoordinatorDeps{Engines: newFakeFactory(), Transport: newFakeTransport()})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := coord.ServerOptionsResolved(schema.ConfigPayload{}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := coord.Close(context.Background()); err != nil {
		t.Fatalf("Close before Start: %v", err)
	}
}

func TestCoordinatorStartFailureDisposesCreated(t *testing.T) {
	factory := newFakeFactory(schema.KindTypeScript, schema.KindESLint)
	factory.failKind = schema.KindESLint
	coord, err := NewCoordinator(CoordinatorDeps{Engines: factory, Transport: newFakeTransport()})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := coord.Start(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	if got := factory.engine(t, schema.KindTypeScript).disposeCount(); got != 1 {
		t.Fatalf("expected created engine to be disposed, got %d", got)
	}
}

func TestCoordinatorLogsEngineFailure(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	factory := newFakeFactory(schema.KindStylelint)
	coord, err := NewCoordinator(CoordinatorDeps{Engines: factory, Transport: newFakeTransport(), Logger: logger})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	engine := factory.engine(t, schema.KindStylelint)
	engine.emit(EngineEvent{Kind: schema.KindStylelint, Type: EngineFailed, Err: schema.ErrEngineFailed})
	engine.end()
	closeCoordinator(t, coord)
	if !strings.Contains(capture.String(), "diagnostic engine failed") {
		t.Fatalf("expected failure log, got %s", capture.String())
	}
}

func startCoordinator(t *testing.T, factory *fakeFactory, transport Transport, reporter FailureReporter) *Coordinator {
	t.Helper()
	coord, err := NewCoordinator(CoordinatorDeps{Engines: factory, Transport: transport, Reporter: reporter})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return coord
}

func bind(t *testing.T, coord *Coordinator) {
	t.Helper()
	if err := coord.ServerOptionsResolved(schema.ConfigPayload{}); err != nil {
		t.Fatalf("ServerOptionsResolved: %v", err)
	}
	if err := coord.ServerBound(schema.ConfigureServerPayload{Root: "/proj"}); err != nil {
		t.Fatalf("ServerBound: %v", err)
	}
}

func closeCoordinator(t *testing.T, coord *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := coord.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type fakeFactory struct {
	kinds    []schema.CheckerKind
	failKind schema.CheckerKind
	mu       sync.Mutex
	engines  [schema.KindCount]*fakeEngine
	count    int
}

func newFakeFactory(kinds ...schema.CheckerKind) *fakeFactory {
	return &fakeFactory{kinds: kinds, failKind: schema.KindCount}
}

func (f *fakeFactory) EnabledKinds() []schema.CheckerKind {
	return f.kinds
}

func (f *fakeFactory) NewEngine(_ context.Context, kind schema.CheckerKind) (DiagnosticEngine, error) {
	if kind == f.failKind {
		return nil, errors.New("spawn refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	engine := newFakeEngine(kind)
	f.engines[kind] = engine
	f.count++
	return engine, nil
}

func (f *fakeFactory) engine(t *testing.T, kind schema.CheckerKind) *fakeEngine {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	engine := f.engines[kind]
	if engine == nil {
		t.Fatalf("no engine for %s", kind)
	}
	return engine
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type fakeEngine struct {
	kind     schema.CheckerKind
	mu       sync.Mutex
	calls    []string
	notify   chan struct{}
	events   chan EngineEvent
	done     chan struct{}
	disposed int
	endOnce  sync.Once
}

func newFakeEngine(kind schema.CheckerKind) *fakeEngine {
	return &fakeEngine{
		kind:   kind,
		notify: make(chan struct{}, 64),
		events: make(chan EngineEvent, 256),
		done:   make(chan struct{}),
	}
}

func (e *fakeEngine) Kind() schema.CheckerKind { return e.kind }

func (e *fakeEngine) Config(payload schema.ConfigPayload) {
	e.record("config:" + payload.Env.Command)
}

func (e *fakeEngine) ConfigureServer(payload schema.ConfigureServerPayload) {
	e.record("configureServer:" + payload.Root)
}

func (e *fakeEngine) Events() <-chan EngineEvent { return e.events }

func (e *fakeEngine) Dispose() {
	e.mu.Lock()
	e.disposed++
	e.mu.Unlock()
	e.end()
}

func (e *fakeEngine) Done() <-chan struct{} { return e.done }

func (e *fakeEngine) emit(event EngineEvent) {
	e.events <- event
}

func (e *fakeEngine) end() {
	e.endOnce.Do(func() {
		close(e.events)
		close(e.done)
	})
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
	e.notify <- struct{}{}
}

func (e *fakeEngine) waitCalls(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-e.notify:
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out waiting for call %d, have %v", e.kind, i+1, e.callLog())
		}
	}
}

func (e *fakeEngine) callLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) disposeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

type fakeTransport struct {
	payloads chan json.RawMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{payloads: make(chan json.RawMessage, 256)}
}

func (f *fakeTransport) Send(payload json.RawMessage) error {
	f.payloads <- append(json.RawMessage(nil), payload...)
	return nil
}

func (f *fakeTransport) next(t *testing.T) json.RawMessage {
	t.Helper()
	select {
	case payload := <-f.payloads:
		return payload
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for payload")
	}
	return nil
}

func (f *fakeTransport) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case payload := <-f.payloads:
		t.Fatalf("unexpected payload: %s", payload)
	case <-time.After(wait):
	}
}

type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *logCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
