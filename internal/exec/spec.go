package exec

import (
	"fmt"
	"os"
	"time"
)

// CommandSpec is an immutable description of what to run. When Args is
// empty the Command string is interpreted by the shell; otherwise
// Command is the executable and Args are passed verbatim.
type CommandSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"working_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Timeout bounds foreground execution. Zero means the configured
	// default for Run and no deadline for Spawn.
	Timeout time.Duration `json:"timeout,omitempty"`
	// CaptureOutput controls whether stdout/stderr are drained into an
	// output channel. Disabled output is discarded, not inherited.
	CaptureOutput bool `json:"capture_output"`
}

// Validate rejects specs the executor cannot run.
func (s CommandSpec) Validate() error {
	if s.Command == "" {
		return fmt.Errorf("command must not be empty")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// environ merges the command's overrides on top of the inherited
// environment. Order matters: later entries win in exec.Cmd.
func (s CommandSpec) environ() []string {
	if len(s.Env) == 0 {
		return nil // inherit as-is
	}
	env := os.Environ()
	for k, v := range s.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// State is a process lifecycle state.
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateKilled    State = "killed"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether no further transition occurs from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateKilled, StateTimedOut:
		return true
	}
	return false
}

// ExecutionResult is the value returned by a completed foreground run
// or a background output query. Immutable once constructed.
type ExecutionResult struct {
	// ExitCode is nil while running, after a timeout kill, or when the
	// process was killed before producing one.
	ExitCode  *int          `json:"exit_code,omitempty"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
	Truncated bool          `json:"truncated"`
}
