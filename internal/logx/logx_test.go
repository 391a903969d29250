package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

func TestWithCheckerAddsField(t *testing.T) {
	capture := &logCapture{}
	logger := newTestLogger(capture)
	log := WithChecker(logger, schema.KindVueTsc)
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["checker"] != "vueTsc" {
		t.Fatalf("expected checker field, got %+v", entry)
	}
}

func TestWithCheckerSkipsInvalidKind(t *testing.T) {
	capture := &logCapture{}
	logger := newTestLogger(capture)
	WithChecker(logger, schema.KindCount).Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["checker"]; ok {
		t.Fatalf("unexpected checker field: %+v", entry)
	}
}

func TestContextWithSessionLoggerDeduplicates(t *testing.T) {
	capture := &logCapture{}
	logger := newTestLogger(capture)
	ctx := ContextWithSessionLogger(context.Background(), logger, "s-1")
	ctx = ContextWithChecker(ctx, schema.KindESLint)
	WithSessionChecker(ctx, "s-1", schema.KindESLint).Info("hello")

	line := capture.buf.String()
	if n := bytes.Count([]byte(line), []byte(`"session"`)); n != 1 {
		t.Fatalf("expected one session field, got %d in %s", n, line)
	}
	entry := capture.firstEntry(t)
	if entry["session"] != "s-1" {
		t.Fatalf("expected session field, got %+v", entry)
	}
	if _, ok := entry["checker"]; ok {
		t.Fatalf("checker marker on context should suppress field: %+v", entry)
	}
}

func TestWithInvocationAddsCommand(t *testing.T) {
	capture := &logCapture{}
	logger := newTestLogger(capture)
	WithInvocation(logger, "tsc", []string{"--noEmit"}).Info("run")

	entry := capture.firstEntry(t)
	if entry["command"] != "tsc" {
		t.Fatalf("expected command field, got %+v", entry)
	}
}

func newTestLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
