// Package buildrun runs the one-shot checker invocations of a production
// build and decides whether the build passes.
package buildrun

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/checkerd/internal/checker"
	"pkt.systems/checkerd/internal/logx"
	"pkt.systems/checkerd/internal/normalize"
	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

// Status classifies one invocation.
type Status string

const (
	// StatusPassed means exit 0 and no error diagnostics.
	StatusPassed Status = "passed"
	// StatusFindings means the checker reported problems in the project.
	StatusFindings Status = "findings"
	// StatusToolingFailure means the checker itself could not run: a spawn
	// error or a non-zero exit without diagnostics.
	StatusToolingFailure Status = "tooling-failure"
)

const stderrExcerptLimit = 2 * 1024

// Result is the outcome of one invocation.
type Result struct {
	Kind        schema.CheckerKind      `json:"kind"`
	Invocation  checker.BuildInvocation `json:"invocation"`
	Status      Status                  `json:"status"`
	ExitCode    int                     `json:"exitCode"`
	Diagnostics []schema.Diagnostic     `json:"diagnostics,omitempty"`
	Stderr      string                  `json:"stderr,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Duration    time.Duration           `json:"duration"`
}

// Counts returns the number of error and warning diagnostics.
func (r Result) Counts() (errs, warnings int) {
	return schema.CountSeverity(r.Diagnostics)
}

// Outcome aggregates every invocation of a build.
type Outcome struct {
	Skipped bool     `json:"skipped,omitempty"`
	Failed  bool     `json:"failed"`
	Results []Result `json:"results"`
}

// Recorder observes finished invocations.
type Recorder interface {
	BuildFinished(result Result)
}

// Runner executes build invocations.
type Runner struct {
	// Concurrency bounds parallel invocations. Zero means GOMAXPROCS.
	Concurrency    int
	FrameCacheSize int
	Logger         pslog.Logger
	Recorder       Recorder
}

// Run executes invocations unless shared disables build checks. An error
// is returned only when ctx ends before every invocation finished.
func (r Runner) Run(ctx context.Context, shared schema.SharedConfig, invocations []checker.BuildInvocation) (Outcome, error) {
	log := r.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	if !shared.EnableBuild {
		log.Info("build checks disabled", "checkers", len(invocations))
		return Outcome{Skipped: true}, nil
	}
	frames, err := normalize.NewFrameBuilder("", r.FrameCacheSize)
	if err != nil {
		return Outcome{}, err
	}
	limit := r.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	results := make([]Result, len(invocations))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, inv := range invocations {
		g.Go(func() error {
			results[i] = r.invoke(ctx, logx.WithChecker(log, inv.Kind), frames, inv)
			if r.Recorder != nil {
				r.Recorder.BuildFinished(results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(a, b int) bool { return results[a].Kind < results[b].Kind })
	out := Outcome{Results: results}
	for _, res := range results {
		if res.Status != StatusPassed {
			out.Failed = true
		}
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	errs, warnings := 0, 0
	for _, res := range results {
		e, w := res.Counts()
		errs += e
		warnings += w
	}
	log.Info("build checks finished", "checkers", len(results), "errors", errs, "warnings", warnings, "failed", out.Failed)
	return out, nil
}

func (r Runner) invoke(ctx context.Context, log pslog.Logger, frames *normalize.FrameBuilder, inv checker.BuildInvocation) (res Result) {
	res = Result{Kind: inv.Kind, Invocation: inv}
	log = logx.WithInvocation(log, inv.Command, inv.Argv())
	started := time.Now()
	defer func() { res.Duration = time.Since(started) }()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, inv.Command, inv.Argv()...)
	cmd.Dir = inv.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log.Debug("build check started")
	err := cmd.Run()
	res.Stderr = excerpt(stderr.String())
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Error = err.Error()
		res.Status = StatusToolingFailure
		log.Error("build check could not start", "err", err)
		return res
	}

	diags := normalize.ParseOutput(inv.Kind, stdout.Bytes(), stderr.Bytes())
	for i := range diags {
		diags[i] = frames.AttachIn(inv.Dir, diags[i])
	}
	res.Diagnostics = diags
	errs, warnings := res.Counts()
	switch {
	case errs > 0:
		res.Status = StatusFindings
	case res.ExitCode != 0 && len(diags) == 0:
		res.Status = StatusToolingFailure
		res.Error = err.Error()
	case res.ExitCode != 0:
		res.Status = StatusFindings
	default:
		res.Status = StatusPassed
	}

	switch res.Status {
	case StatusToolingFailure:
		log.Error("build check failed without diagnostics", "exit_code", res.ExitCode, "stderr", res.Stderr)
	case StatusFindings:
		log.Warn("build check reported findings", "exit_code", res.ExitCode, "errors", errs, "warnings", warnings)
	default:
		log.Info("build check passed", "warnings", warnings)
	}
	return res
}

func excerpt(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) <= stderrExcerptLimit {
		return stderr
	}
	return "..." + stderr[len(stderr)-stderrExcerptLimit:]
}
