// Package exec is the execution and process-lifecycle core: it
// launches OS processes, streams their output incrementally into
// bounded channels, tracks background processes by identity, enforces
// timeouts and output limits, and reclaims resources when processes
// end or are killed.
package exec

import (
	"context"
	"io"
	osexec "os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/terminus-os/backend/internal/config"
	"github.com/terminus-os/backend/internal/logging"
	"github.com/terminus-os/backend/internal/monitoring"
)

const drainBufSize = 4096

// Executor spawns OS processes for command specs. It is the single
// spawn primitive, used directly for foreground runs and by the
// registry for background processes.
type Executor struct {
	cfg     config.ExecConfig
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewExecutor creates an executor with the given limits.
func NewExecutor(cfg config.ExecConfig, log *logging.Logger) *Executor {
	return &Executor{cfg: cfg, log: log}
}

// WithMetrics attaches a metrics collector.
func (e *Executor) WithMetrics(m *monitoring.Metrics) *Executor {
	e.metrics = m
	return e
}

// Handle is the live view of one spawned process: its OS handle, its
// output channel, and its exit status once known. The registry owns
// mutation of handles it created; foreground runs own theirs for the
// duration of the call.
type Handle struct {
	spec    CommandSpec
	cmd     *osexec.Cmd
	channel *Channel
	started time.Time
	done    chan struct{}

	mu       sync.Mutex
	exitCode *int
	ended    time.Time

	killOnce sync.Once
}

// Done is closed when the process has exited and its output has been
// fully drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Channel returns the process's output channel.
func (h *Handle) Channel() *Channel { return h.channel }

// Pid returns the OS process ID.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// StartedAt returns the spawn time.
func (h *Handle) StartedAt() time.Time { return h.started }

// Exited reports whether the process has finished.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitStatus returns the exit code (nil if killed by signal or not
// yet exited), the end time, and whether the process has exited.
func (h *Handle) ExitStatus() (*int, time.Time, bool) {
	if !h.Exited() {
		return nil, time.Time{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.ended, true
}

// Terminate signals the process group with SIGTERM, waits up to grace
// for voluntary exit, then SIGKILLs the group. Safe to call more than
// once and after exit.
func (h *Handle) Terminate(grace time.Duration) {
	h.killOnce.Do(func() {
		if h.cmd.Process == nil || h.Exited() {
			return
		}
		pid := h.cmd.Process.Pid
		// Negative pid signals the whole process group, so children of
		// a shell command are not orphaned.
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		select {
		case <-h.done:
		case <-time.After(grace):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	})
}

// result assembles an ExecutionResult from the drained output.
func (h *Handle) result(timedOut bool) *ExecutionResult {
	chunks, _, truncated := h.channel.Snapshot()
	stdout, stderr := Collect(chunks)

	h.mu.Lock()
	exitCode := h.exitCode
	ended := h.ended
	h.mu.Unlock()

	duration := time.Since(h.started)
	if !ended.IsZero() {
		duration = ended.Sub(h.started)
	}

	res := &ExecutionResult{
		Stdout:    stdout,
		Stderr:    stderr,
		Duration:  duration,
		TimedOut:  timedOut,
		Truncated: truncated,
	}
	if !timedOut {
		res.ExitCode = exitCode
	}
	return res
}

// Run executes spec in the foreground: it waits for process exit or
// for the timeout, whichever is first. On timeout the process group is
// signaled, a grace period allowed, and the result carries whatever
// output had accumulated with no exit code. A non-zero exit is a
// normal result, not an error; only launch failures return an error.
func (e *Executor) Run(ctx context.Context, spec CommandSpec) (*ExecutionResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	h, err := e.Spawn(spec)
	if err != nil {
		e.log.Execution(spec.Command, spec.Dir, nil, err.Error(), 0)
		e.observe("foreground", "launch_failure", 0)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-h.Done():
	case <-timer.C:
		timedOut = true
		h.Terminate(e.cfg.KillGrace)
		<-h.Done()
	case <-ctx.Done():
		h.Terminate(e.cfg.KillGrace)
		<-h.Done()
		res := h.result(false)
		e.log.Execution(spec.Command, spec.Dir, res.ExitCode, "canceled", res.Duration)
		e.observe("foreground", "canceled", res.Duration)
		return res, ctx.Err()
	}

	res := h.result(timedOut)
	outcome := "completed"
	failure := ""
	if timedOut {
		outcome = "timed_out"
		failure = "timeout"
	}
	e.log.Execution(spec.Command, spec.Dir, res.ExitCode, failure, res.Duration)
	e.observe("foreground", outcome, res.Duration)
	return res, nil
}

// Spawn starts spec's OS process and returns as soon as it exists,
// before it finishes. Output is drained continuously into the handle's
// channel by dedicated goroutines; draining never waits for exit, and
// exit collection never waits on a reader.
func (e *Executor) Spawn(spec CommandSpec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	cmd := buildCmd(spec)
	channel := NewChannel(e.cfg.OutputLimit)

	var stdout, stderr io.ReadCloser
	if spec.CaptureOutput {
		var err error
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return nil, &LaunchError{Command: spec.Command, Err: err}
		}
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return nil, &LaunchError{Command: spec.Command, Err: err}
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}

	h := &Handle{
		spec:    spec,
		cmd:     cmd,
		channel: channel,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	var wg sync.WaitGroup
	if spec.CaptureOutput {
		wg.Add(2)
		go h.drain(stdout, StreamStdout, &wg)
		go h.drain(stderr, StreamStderr, &wg)
	}

	go func() {
		// Pipes must be fully drained before Wait reclaims them.
		wg.Wait()
		err := cmd.Wait()

		h.mu.Lock()
		h.ended = time.Now()
		if err == nil {
			zero := 0
			h.exitCode = &zero
		} else if exitErr, ok := err.(*osexec.ExitError); ok {
			if code := exitErr.ExitCode(); code >= 0 {
				h.exitCode = &code
			}
			// A negative code means death by signal: no exit code.
		}
		h.mu.Unlock()

		channel.Close()
		close(h.done)
	}()

	return h, nil
}

// drain reads one stream until EOF, pushing raw chunks into the
// channel as they arrive. The channel's byte ceiling is the
// backpressure mechanism: once capped, bytes are read and dropped so
// the child never blocks on a full pipe.
func (h *Handle) drain(r io.Reader, stream Stream, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, drainBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.channel.Append(stream, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (e *Executor) observe(mode, outcome string, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordExecution(mode, outcome, d)
}

func buildCmd(spec CommandSpec) *osexec.Cmd {
	var cmd *osexec.Cmd
	if len(spec.Args) > 0 {
		cmd = osexec.Command(spec.Command, spec.Args...)
	} else {
		cmd = osexec.Command("sh", "-c", spec.Command)
	}
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if env := spec.environ(); env != nil {
		cmd.Env = env
	}
	if !spec.CaptureOutput {
		cmd.Stdout = nil
		cmd.Stderr = nil
	}
	// Own process group so kill signals reach shell children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil
	return cmd
}
