package workerchan

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"pkt.systems/checkerd/internal/logx"
	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

// SpawnRequest describes the worker to start.
type SpawnRequest struct {
	Kind    schema.CheckerKind
	Options map[string]any
	Overlay bool
	Codec   string
	Session schema.SessionID
	// StopGrace bounds how long a cancelled check may take to exit. Zero
	// leaves the worker default.
	StopGrace time.Duration
}

// Process is a running worker. Stdout must be read to EOF before Wait.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// ProcessSpawner runs each worker as a child process of Binary, by default
// the running executable, invoked as `<binary> worker --kind ...`.
type ProcessSpawner struct {
	Binary string
	Args   []string
	Env    []string
	Dir    string
}

// Spawn starts the worker process. Its stderr lines are relayed into the
// logger from ctx.
func (s ProcessSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	binary := s.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		binary = exe
	}
	args, err := workerArgs(s.Args, req)
	if err != nil {
		return nil, err
	}
	log := logx.WithChecker(pslog.Ctx(ctx), req.Kind)
	cmd := exec.Command(binary, args...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", binary, err)
	}
	log.Debug("worker process started", "pid", cmd.Process.Pid, "binary", binary)

	p := &childProcess{cmd: cmd, stdin: stdin, stdout: stdout, relayed: make(chan struct{})}
	go func() {
		defer close(p.relayed)
		relayStderr(log, stderr)
	}()
	return p, nil
}

func workerArgs(prefix []string, req SpawnRequest) ([]string, error) {
	options := req.Options
	if options == nil {
		options = map[string]any{}
	}
	encoded, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s options: %v", schema.ErrInvalidConfig, req.Kind, err)
	}
	args := append([]string(nil), prefix...)
	if len(args) == 0 {
		args = []string{"worker"}
	}
	args = append(args,
		"--kind", req.Kind.String(),
		"--codec", req.Codec,
		"--overlay="+strconv.FormatBool(req.Overlay),
		"--options", string(encoded),
	)
	if req.Session != "" {
		args = append(args, "--session", string(req.Session))
	}
	if req.StopGrace > 0 {
		args = append(args, "--stop-grace="+req.StopGrace.String())
	}
	return args, nil
}

type childProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	relayed chan struct{}
}

func (p *childProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *childProcess) Stdout() io.Reader     { return p.stdout }

func (p *childProcess) Wait() error {
	<-p.relayed
	return p.cmd.Wait()
}

func relayStderr(log pslog.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	count := 0
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		count++
		log.Info("worker", "line", text)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("worker stderr read failed", "err", err)
	}
	if count > 0 {
		log.Debug("worker stderr completed", "lines", count)
	}
}

// ServeFunc runs a worker over the given pipes until in is exhausted or an
// unref action arrives.
type ServeFunc func(ctx context.Context, in io.Reader, out io.Writer, req SpawnRequest) error

// PipeSpawner runs workers in-process over io.Pipe.
type PipeSpawner struct {
	Serve ServeFunc
}

// Spawn starts Serve in a goroutine.
func (s PipeSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	if s.Serve == nil {
		return nil, fmt.Errorf("pipe spawner: serve function required")
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &pipeProcess{stdin: inW, stdout: outR, done: make(chan struct{})}
	go func() {
		err := s.Serve(ctx, inR, outW, req)
		_ = outW.Close()
		_ = inR.CloseWithError(io.ErrClosedPipe)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type pipeProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	done   chan struct{}
	mu     sync.Mutex
	err    error
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *pipeProcess) Stdout() io.Reader     { return p.stdout }

func (p *pipeProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
