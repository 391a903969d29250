package workerchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/checkerd/core"
	"pkt.systems/checkerd/schema"
)

func TestChannelSpawnsLazily(t *testing.T) {
	spawner := &countingSpawner{inner: PipeSpawner{Serve: echoWorker}}
	ch := newTestChannel(t, spawner)
	time.Sleep(20 * time.Millisecond)
	if spawner.count() != 0 {
		t.Fatalf("spawned before first send")
	}
	if ch.State() != StateCreated {
		t.Fatalf("expected created, got %s", ch.State())
	}
	sendConfig(t, ch)
	if ch.State() != StateConfiguring {
		t.Fatalf("expected configuring, got %s", ch.State())
	}
	sendServer(t, ch, "/proj")
	if ch.State() != StateActive {
		t.Fatalf("expected active, got %s", ch.State())
	}
	waitFor(t, func() bool { return spawner.count() == 1 })
	ch.Dispose()
	waitClosed(t, ch)
}

func TestChannelDisposeBeforeSpawn(t *testing.T) {
	spawner := &countingSpawner{inner: PipeSpawner{Serve: echoWorker}}
	ch := newTestChannel(t, spawner)
	ch.Dispose()
	ch.Dispose()
	waitClosed(t, ch)
	if err := ch.Send(schema.UnrefAction()); err != nil {
		t.Fatalf("send after dispose should be a no-op, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if spawner.count() != 0 {
		t.Fatalf("disposed channel must never spawn")
	}
	if _, ok := <-ch.Events(); ok {
		t.Fatalf("events should be closed")
	}
}

func TestChannelDeliversOverlaysInOrder(t *testing.T) {
	ch := newTestChannel(t, PipeSpawner{Serve: echoWorker})
	sendConfig(t, ch)
	for i := 0; i < 20; i++ {
		sendServer(t, ch, fmt.Sprintf("/root-%02d", i))
	}
	for i := 0; i < 20; i++ {
		event := nextEvent(t, ch)
		if event.Type != core.EngineOverlayError || event.Kind != schema.KindTypeScript {
			t.Fatalf("unexpected event: %+v", event)
		}
		payload := decodeOverlay(t, event.Payload)
		if want := fmt.Sprintf("/root-%02d", i); payload.Err.ID != want {
			t.Fatalf("event %d: got %q want %q", i, payload.Err.ID, want)
		}
	}
	ch.Dispose()
	waitClosed(t, ch)
}

func TestChannelIgnoresUnexpectedWorkerActions(t *testing.T) {
	serve := func(ctx context.Context, in io.Reader, out io.Writer, req SpawnRequest) error {
		codec, _ := CodecByName(req.Codec)
		enc := codec.NewEncoder(out)
		_, _ = io.WriteString(out, "garbage\n")
		_ = enc.Encode(schema.Action{Type: schema.ActionConfig})
		_ = enc.Encode(schema.Action{Type: "futureTag"})
		_ = enc.Encode(overlayFor(t, "kept"))
		_, _ = io.Copy(io.Discard, in)
		return nil
	}
	ch := newTestChannel(t, PipeSpawner{Serve: serve})
	sendConfig(t, ch)
	event := nextEvent(t, ch)
	if decodeOverlay(t, event.Payload).Err.ID != "kept" {
		t.Fatalf("unexpected event: %+v", event)
	}
	ch.Dispose()
	waitClosed(t, ch)
}

func TestChannelDropsMalformedOverlayPayloads(t *testing.T) {
	serve := func(ctx context.Context, in io.Reader, out io.Writer, req SpawnRequest) error {
		codec, _ := CodecByName(req.Codec)
		enc := codec.NewEncoder(out)
		_ = enc.Encode(schema.Action{Type: schema.ActionOverlayError, Payload: json.RawMessage(`42`)})
		_ = enc.Encode(schema.Action{Type: schema.ActionOverlayError, Payload: json.RawMessage(`{"type":"update"}`)})
		_ = enc.Encode(schema.Action{Type: schema.ActionOverlayError, Payload: json.RawMessage(`{"type":"error"}`)})
		_ = enc.Encode(overlayFor(t, "valid"))
		_, _ = io.Copy(io.Discard, in)
		return nil
	}
	ch := newTestChannel(t, PipeSpawner{Serve: serve})
	sendConfig(t, ch)
	event := nextEvent(t, ch)
	if event.Type != core.EngineOverlayError || decodeOverlay(t, event.Payload).Err.ID != "valid" {
		t.Fatalf("expected only the valid overlay, got %s", event.Payload)
	}
	ch.Dispose()
	waitClosed(t, ch)
	for event := range ch.Events() {
		if event.Type == core.EngineOverlayError {
			t.Fatalf("unexpected extra overlay: %s", event.Payload)
		}
	}
}

func TestChannelDeliversInFlightDiagnosticsAfterDispose(t *testing.T) {
	serve := func(ctx context.Context, in io.Reader, out io.Writer, req SpawnRequest) error {
		codec, _ := CodecByName(req.Codec)
		dec := codec.NewDecoder(in)
		enc := codec.NewEncoder(out)
		for {
			var action schema.Action
			if err := dec.Decode(&action); err != nil {
				return nil
			}
			if action.Type == schema.ActionUnref {
				return enc.Encode(overlayFor(t, "last"))
			}
		}
	}
	ch := newTestChannel(t, PipeSpawner{Serve: serve})
	sendConfig(t, ch)
	ch.Dispose()
	if s := ch.State(); s != StateDisposing && s != StateClosed {
		t.Fatalf("expected disposing, got %s", s)
	}
	event := nextEvent(t, ch)
	if event.Type != core.EngineOverlayError || decodeOverlay(t, event.Payload).Err.ID != "last" {
		t.Fatalf("expected in-flight overlay, got %+v", event)
	}
	waitClosed(t, ch)
	for event := range ch.Events() {
		if event.Type == core.EngineFailed {
			t.Fatalf("requested shutdown reported as failure: %v", event.Err)
		}
	}
}

func TestChannelCrashReportedOnce(t *testing.T) {
	serve := func(ctx context.Context, in io.Reader, out io.Writer, req SpawnRequest) error {
		codec, _ := CodecByName(req.Codec)
		var action schema.Action
		_ = codec.NewDecoder(in).Decode(&action)
		return errors.New("checker exploded")
	}
	ch := newTestChannel(t, PipeSpawner{Serve: serve})
	sendConfig(t, ch)
	event := nextEvent(t, ch)
	if event.Type != core.EngineFailed || !errors.Is(event.Err, schema.ErrEngineFailed) {
		t.Fatalf("expected engine failure, got %+v", event)
	}
	if !strings.Contains(event.Err.Error(), "checker exploded") {
		t.Fatalf("failure should carry the cause: %v", event.Err)
	}
	waitClosed(t, ch)
	if _, ok := <-ch.Events(); ok {
		t.Fatalf("expected exactly one event before close")
	}
	ch.Dispose()
	if err := ch.Send(schema.UnrefAction()); err != nil {
		t.Fatalf("send after close: %v", err)
	}
}

func TestChannelSpawnFailure(t *testing.T) {
	ch := newTestChannel(t, failingSpawner{})
	sendConfig(t, ch)
	event := nextEvent(t, ch)
	if event.Type != core.EngineFailed || !errors.Is(event.Err, schema.ErrEngineFailed) {
		t.Fatalf("expected engine failure, got %+v", event)
	}
	waitClosed(t, ch)
}

func TestChannelRejectsWorkerBoundOverlay(t *testing.T) {
	ch := newTestChannel(t, PipeSpawner{Serve: echoWorker})
	if err := ch.Send(overlayFor(t, "x")); !errors.Is(err, schema.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	ch.Dispose()
}

func TestChannelMsgpackCodec(t *testing.T) {
	ch, err := New(context.Background(), Config{
		Spawner: PipeSpawner{Serve: echoWorker},
		Request: SpawnRequest{Kind: schema.KindESLint, Codec: CodecMsgpack},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sendConfig(t, ch)
	sendServer(t, ch, "/mp")
	if got := decodeOverlay(t, nextEvent(t, ch).Payload).Err.ID; got != "/mp" {
		t.Fatalf("unexpected overlay id %q", got)
	}
	ch.Dispose()
	waitClosed(t, ch)
}

func TestProcessSpawnerRunsWorker(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	spawner := ProcessSpawner{
		Binary: exe,
		Args:   []string{"-test.run=TestHelperWorkerProcess", "--", "worker"},
		Env:    []string{"CHECKERD_WANT_HELPER_WORKER=1"},
	}
	ch, err := New(context.Background(), Config{
		Spawner: spawner,
		Request: SpawnRequest{Kind: schema.KindStylelint, Options: map[string]any{"lintCommand": "stylelint ."}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sendConfig(t, ch)
	sendServer(t, ch, "/child")
	payload := decodeOverlay(t, nextEvent(t, ch).Payload)
	if payload.Err.ID != "/child" || payload.Err.Message != "stylelint" {
		t.Fatalf("unexpected overlay from child: %+v", payload.Err)
	}
	ch.Dispose()
	waitClosed(t, ch)
}

func TestHelperWorkerProcess(t *testing.T) {
	if os.Getenv("CHECKERD_WANT_HELPER_WORKER") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	kind := ""
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--kind" {
			kind = args[i+1]
		}
	}
	fmt.Fprintln(os.Stderr, "helper worker started")
	err := serveEcho(os.Stdin, os.Stdout, CodecJSONL, kind)
	if err != nil {
		os.Exit(2)
	}
	os.Exit(0)
}

func echoWorker(ctx context.Context, in io.Reader, out io.Writer, req SpawnRequest) error {
	return serveEcho(in, out, req.Codec, "")
}

// serveEcho answers every configureServer with an overlay whose id is the
// root, and stops on unref.
func serveEcho(in io.Reader, out io.Writer, codecName, message string) error {
	codec, err := CodecByName(codecName)
	if err != nil {
		return err
	}
	dec := codec.NewDecoder(in)
	enc := codec.NewEncoder(out)
	for {
		var action schema.Action
		if err := dec.Decode(&action); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch action.Type {
		case schema.ActionConfigureServer:
			payload, err := action.DecodeConfigureServer()
			if err != nil {
				return err
			}
			overlay, err := schema.NewOverlayErrorAction(schema.HMRPayload{
				Type: schema.HMRPayloadError,
				Err:  &schema.ErrorPayload{ID: payload.Root, Message: message},
			})
			if err != nil {
				return err
			}
			if err := enc.Encode(overlay); err != nil {
				return err
			}
		case schema.ActionUnref:
			return nil
		}
	}
}

func newTestChannel(t *testing.T, spawner Spawner) *Channel {
	t.Helper()
	ch, err := New(context.Background(), Config{
		Spawner: spawner,
		Request: SpawnRequest{Kind: schema.KindTypeScript},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch
}

func sendConfig(t *testing.T, ch *Channel) {
	t.Helper()
	action, err := schema.NewConfigAction(schema.ConfigPayload{Env: schema.ConfigEnv{Mode: "development", Command: "serve"}})
	if err != nil {
		t.Fatalf("NewConfigAction: %v", err)
	}
	if err := ch.Send(action); err != nil {
		t.Fatalf("Send config: %v", err)
	}
}

func sendServer(t *testing.T, ch *Channel, root string) {
	t.Helper()
	action, err := schema.NewConfigureServerAction(schema.ConfigureServerPayload{Root: root})
	if err != nil {
		t.Fatalf("NewConfigureServerAction: %v", err)
	}
	if err := ch.Send(action); err != nil {
		t.Fatalf("Send configureServer: %v", err)
	}
}

func overlayFor(t *testing.T, id string) schema.Action {
	t.Helper()
	action, err := schema.NewOverlayErrorAction(schema.HMRPayload{
		Type: schema.HMRPayloadError,
		Err:  &schema.ErrorPayload{ID: id},
	})
	if err != nil {
		t.Fatalf("NewOverlayErrorAction: %v", err)
	}
	return action
}

func decodeOverlay(t *testing.T, raw json.RawMessage) schema.HMRPayload {
	t.Helper()
	var payload schema.HMRPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode overlay: %v", err)
	}
	if payload.Err == nil {
		t.Fatalf("overlay without err: %s", raw)
	}
	return payload
}

func nextEvent(t *testing.T, ch *Channel) core.EngineEvent {
	t.Helper()
	select {
	case event, ok := <-ch.Events():
		if !ok {
			t.Fatalf("events closed")
		}
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return core.EngineEvent{}
}

func waitClosed(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("channel did not close, state %s", ch.State())
	}
	if ch.State() != StateClosed {
		t.Fatalf("expected closed, got %s", ch.State())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

type countingSpawner struct {
	inner Spawner
	n     atomic.Int32
}

func (s *countingSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	s.n.Add(1)
	return s.inner.Spawn(ctx, req)
}

func (s *countingSpawner) count() int {
	return int(s.n.Load())
}

type failingSpawner struct{}

func (failingSpawner) Spawn(context.Context, SpawnRequest) (Process, error) {
	return nil, errors.New("exec: \"tsc\": executable file not found in $PATH")
}
