package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"pkt.systems/checkerd/internal/checker"
	"pkt.systems/checkerd/internal/logx"
	"pkt.systems/checkerd/internal/normalize"
	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

const stderrExcerptLimit = 4 * 1024

// CommandRunner executes the checker's dev command. Watch-mode checkers
// report a cycle each time their output closes a check; the others report
// once when the process exits.
type CommandRunner struct {
	Checker   checker.Checker
	StopGrace time.Duration
	Logger    pslog.Logger
}

// Run starts the dev command for root. Cancelling ctx interrupts the
// command's process group and waits up to StopGrace for it to exit.
func (r CommandRunner) Run(ctx context.Context, root string, cycle func([]schema.Diagnostic)) error {
	dev := r.Checker.Dev(root)
	log := r.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	log = logx.WithInvocation(log, dev.Command, dev.Args)
	grace := r.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}

	cmd := exec.CommandContext(ctx, dev.Command, dev.Args...)
	cmd.Dir = dev.Dir
	interruptGroup(cmd, grace)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %s stdout: %v", schema.ErrToolingFailure, r.Checker.Kind, err)
	}
	stderr := &tailBuffer{limit: stderrExcerptLimit}
	cmd.Stderr = stderr
	var report bytes.Buffer
	if !dev.Watch {
		cmd.Stderr = io.MultiWriter(stderr, &report)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", schema.ErrToolingFailure, dev.Command, err)
	}
	log.Debug("checker process started", "pid", cmd.Process.Pid, "watch", dev.Watch)

	if !dev.Watch {
		output, readErr := io.ReadAll(stdout)
		if readErr != nil {
			log.Debug("checker output read failed", "err", readErr)
		}
		waitErr := cmd.Wait()
		if ctx.Err() != nil {
			log.Debug("checker process stopped", "err", waitErr)
			return nil
		}
		if waitErr == nil && readErr != nil {
			waitErr = readErr
		}
		diags := normalize.ParseOutput(r.Checker.Kind, output, report.Bytes())
		if waitErr != nil && len(diags) == 0 {
			diags = []schema.Diagnostic{toolingDiagnostic(r.Checker.Kind, waitErr, stderr.String())}
		}
		cycle(diags)
		return nil
	}

	r.scanWatch(ctx, stdout, cycle)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		log.Debug("checker process stopped", "err", waitErr)
		return nil
	}
	reason := "exit status 0"
	if waitErr != nil {
		reason = waitErr.Error()
	}
	if tail := strings.TrimSpace(stderr.String()); tail != "" {
		reason += ": " + tail
	}
	return fmt.Errorf("%w: %s watcher exited: %s", schema.ErrToolingFailure, r.Checker.Kind, reason)
}

func (r CommandRunner) scanWatch(ctx context.Context, stdout io.Reader, cycle func([]schema.Diagnostic)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var pending bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		pending.WriteString(line)
		pending.WriteByte('\n')
		if normalize.WatchCycleEnd(line) {
			if ctx.Err() == nil {
				cycle(normalize.Parse(r.Checker.Kind, pending.Bytes()))
			}
			pending.Reset()
		}
	}
	_, _ = io.Copy(io.Discard, stdout)
}

func toolingDiagnostic(kind schema.CheckerKind, err error, stderr string) schema.Diagnostic {
	msg := fmt.Sprintf("%s failed: %v", kind, err)
	if tail := strings.TrimSpace(stderr); tail != "" {
		msg += "\n" + tail
	}
	return schema.Diagnostic{Checker: kind, Severity: schema.SeverityError, Message: msg}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

var errNoProcess = errors.New("process not started")
