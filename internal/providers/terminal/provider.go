package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/terminus-os/backend/internal/config"
	"github.com/terminus-os/backend/internal/exec"
	"github.com/terminus-os/backend/internal/logging"
	"github.com/terminus-os/backend/internal/shared/id"
	"github.com/terminus-os/backend/internal/shared/types"
)

// Provider exposes command execution and background process control as
// service tools. Validation of caller-supplied parameters happens
// here; the exec core below trusts its inputs.
type Provider struct {
	executor *exec.Executor
	procs    *exec.Registry
	sessions *SessionManager
	cfg      config.ExecConfig
	log      *logging.Logger
}

// NewProvider creates a terminal provider.
func NewProvider(executor *exec.Executor, procs *exec.Registry, cfg config.ExecConfig, log *logging.Logger) *Provider {
	return &Provider{
		executor: executor,
		procs:    procs,
		sessions: NewSessionManager(log),
		cfg:      cfg,
		log:      log,
	}
}

// Sessions returns the interactive session manager, for shutdown
// wiring.
func (p *Provider) Sessions() *SessionManager { return p.sessions }

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	return types.Service{
		ID:          "terminal",
		Name:        "Terminal Service",
		Description: "Command execution and background process management",
		Category:    types.CategoryTerminal,
		Capabilities: []string{
			"execute",
			"background_processes",
			"interactive_sessions",
		},
		Tools: []types.Tool{
			{
				ID:          "terminal.execute",
				Name:        "Execute Command",
				Description: "Execute a command and wait for its result",
				Parameters: []types.Parameter{
					{Name: "command", Type: "string", Description: "Command to execute", Required: true},
					{Name: "working_dir", Type: "string", Description: "Working directory", Required: false},
					{Name: "env", Type: "object", Description: "Environment variable overrides", Required: false},
					{Name: "timeout", Type: "number", Description: "Timeout in seconds", Required: false},
				},
				Returns: "object",
			},
			{
				ID:          "terminal.startProcess",
				Name:        "Start Background Process",
				Description: "Start a command in the background and return its process ID",
				Parameters: []types.Parameter{
					{Name: "command", Type: "string", Description: "Command to execute", Required: true},
					{Name: "working_dir", Type: "string", Description: "Working directory", Required: false},
					{Name: "env", Type: "object", Description: "Environment variable overrides", Required: false},
				},
				Returns: "object",
			},
			{
				ID:          "terminal.listProcesses",
				Name:        "List Processes",
				Description: "List all tracked background processes",
				Parameters:  []types.Parameter{},
				Returns:     "array",
			},
			{
				ID:          "terminal.processStatus",
				Name:        "Process Status",
				Description: "Get status of a background process",
				Parameters: []types.Parameter{
					{Name: "process_id", Type: "string", Description: "Process identifier", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "terminal.processOutput",
				Name:        "Process Output",
				Description: "Get captured output of a background process, optionally only chunks after a previous offset",
				Parameters: []types.Parameter{
					{Name: "process_id", Type: "string", Description: "Process identifier", Required: true},
					{Name: "since", Type: "number", Description: "Chunk offset from a previous call", Required: false},
				},
				Returns: "object",
			},
			{
				ID:          "terminal.killProcess",
				Name:        "Kill Process",
				Description: "Terminate a background process (graceful, then forced)",
				Parameters: []types.Parameter{
					{Name: "process_id", Type: "string", Description: "Process identifier", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "terminal.restartProcess",
				Name:        "Restart Process",
				Description: "Restart a background process with its original command",
				Parameters: []types.Parameter{
					{Name: "process_id", Type: "string", Description: "Process identifier", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "terminal.createSession",
				Name:        "Create Session",
				Description: "Create an interactive terminal session",
				Parameters: []types.Parameter{
					{Name: "shell", Type: "string", Description: "Shell to run", Required: false},
					{Name: "working_dir", Type: "string", Description: "Working directory", Required: false},
					{Name: "cols", Type: "number", Description: "Terminal columns", Required: false},
					{Name: "rows", Type: "number", Description: "Terminal rows", Required: false},
				},
				Returns: "object",
			},
			{
				ID:          "terminal.writeSession",
				Name:        "Write Session",
				Description: "Send input to an interactive session",
				Parameters: []types.Parameter{
					{Name: "session_id", Type: "string", Description: "Session identifier", Required: true},
					{Name: "input", Type: "string", Description: "Input to send", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "terminal.readSession",
				Name:        "Read Session",
				Description: "Read buffered output from an interactive session",
				Parameters: []types.Parameter{
					{Name: "session_id", Type: "string", Description: "Session identifier", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "terminal.resizeSession",
				Name:        "Resize Session",
				Description: "Resize an interactive session's terminal",
				Parameters: []types.Parameter{
					{Name: "session_id", Type: "string", Description: "Session identifier", Required: true},
					{Name: "cols", Type: "number", Description: "Terminal columns", Required: true},
					{Name: "rows", Type: "number", Description: "Terminal rows", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "terminal.killSession",
				Name:        "Kill Session",
				Description: "Terminate an interactive session",
				Parameters: []types.Parameter{
					{Name: "session_id", Type: "string", Description: "Session identifier", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "terminal.listSessions",
				Name:        "List Sessions",
				Description: "List interactive sessions",
				Parameters:  []types.Parameter{},
				Returns:     "array",
			},
		},
	}
}

// Execute runs a terminal operation
func (p *Provider) Execute(ctx context.Context, toolID string, params map[string]interface{}, appCtx *types.Context) (*types.Result, error) {
	switch toolID {
	case "terminal.execute":
		return p.execute(ctx, params)
	case "terminal.startProcess":
		return p.startProcess(params)
	case "terminal.listProcesses":
		return p.listProcesses()
	case "terminal.processStatus":
		return p.processStatus(params)
	case "terminal.processOutput":
		return p.processOutput(params)
	case "terminal.killProcess":
		return p.killProcess(params)
	case "terminal.restartProcess":
		return p.restartProcess(params)
	case "terminal.createSession":
		return p.createSession(params)
	case "terminal.writeSession":
		return p.writeSession(params)
	case "terminal.readSession":
		return p.readSession(params)
	case "terminal.resizeSession":
		return p.resizeSession(params)
	case "terminal.killSession":
		return p.killSession(params)
	case "terminal.listSessions":
		return p.listSessions()
	default:
		return failure(fmt.Sprintf("unknown tool: %s", toolID))
	}
}

func (p *Provider) execute(ctx context.Context, params map[string]interface{}) (*types.Result, error) {
	spec, errMsg := specFromParams(params)
	if errMsg != "" {
		return failure(errMsg)
	}

	result, err := p.executor.Run(ctx, spec)
	if err != nil {
		var launchErr *exec.LaunchError
		if errors.As(err, &launchErr) {
			return failure(launchErr.Error())
		}
		return failure(err.Error())
	}

	return success(resultData(result))
}

func (p *Provider) startProcess(params map[string]interface{}) (*types.Result, error) {
	spec, errMsg := specFromParams(params)
	if errMsg != "" {
		return failure(errMsg)
	}
	// Background processes have no implicit timeout.
	spec.Timeout = 0

	pid, err := p.procs.Register(spec)
	if err != nil {
		var capErr *exec.CapacityError
		if errors.As(err, &capErr) {
			return failure(capErr.Error())
		}
		return failure(err.Error())
	}

	snap, err := p.procs.Status(pid)
	if err != nil {
		return failure(err.Error())
	}

	return success(map[string]interface{}{
		"process_id": pid.String(),
		"pid":        snap.PID,
		"state":      string(snap.State),
		"started_at": snap.StartedAt,
	})
}

func (p *Provider) listProcesses() (*types.Result, error) {
	snaps := p.procs.List()
	list := make([]interface{}, 0, len(snaps))
	for _, s := range snaps {
		list = append(list, snapshotData(s))
	}
	return success(map[string]interface{}{
		"processes": list,
		"count":     len(list),
	})
}

func (p *Provider) processStatus(params map[string]interface{}) (*types.Result, error) {
	pid, errMsg := processIDParam(params)
	if errMsg != "" {
		return failure(errMsg)
	}

	snap, err := p.procs.Status(pid)
	if err != nil {
		return failure(err.Error())
	}
	return success(snapshotData(snap))
}

func (p *Provider) processOutput(params map[string]interface{}) (*types.Result, error) {
	pid, errMsg := processIDParam(params)
	if errMsg != "" {
		return failure(errMsg)
	}

	since := 0
	if s, ok := params["since"].(float64); ok && s > 0 {
		since = int(s)
	}

	out, err := p.procs.Output(pid, since)
	if err != nil {
		return failure(err.Error())
	}

	data := map[string]interface{}{
		"process_id":  out.ProcessID.String(),
		"stdout":      out.Stdout,
		"stderr":      out.Stderr,
		"next_offset": out.NextOffset,
		"total_bytes": out.TotalBytes,
		"truncated":   out.Truncated,
		"state":       string(out.State),
		"running":     !out.State.Terminal(),
	}
	if out.ExitCode != nil {
		data["exit_code"] = *out.ExitCode
	}
	return success(data)
}

func (p *Provider) killProcess(params map[string]interface{}) (*types.Result, error) {
	pid, errMsg := processIDParam(params)
	if errMsg != "" {
		return failure(errMsg)
	}

	snap, err := p.procs.Kill(pid)
	if err != nil {
		return failure(err.Error())
	}
	return success(snapshotData(snap))
}

func (p *Provider) restartProcess(params map[string]interface{}) (*types.Result, error) {
	pid, errMsg := processIDParam(params)
	if errMsg != "" {
		return failure(errMsg)
	}

	snap, err := p.procs.Restart(pid)
	if err != nil {
		return failure(err.Error())
	}
	return success(snapshotData(snap))
}

// specFromParams validates caller-supplied fields and builds an
// immutable CommandSpec.
func specFromParams(params map[string]interface{}) (exec.CommandSpec, string) {
	command, ok := params["command"].(string)
	if !ok || command == "" {
		return exec.CommandSpec{}, "command parameter is required and must be a non-empty string"
	}

	spec := exec.CommandSpec{
		Command:       command,
		CaptureOutput: true,
	}

	if dir, ok := params["working_dir"].(string); ok {
		spec.Dir = dir
	}

	if env, ok := params["env"].(map[string]interface{}); ok {
		spec.Env = make(map[string]string, len(env))
		for k, v := range env {
			s, ok := v.(string)
			if !ok {
				return exec.CommandSpec{}, fmt.Sprintf("env value for %q must be a string", k)
			}
			spec.Env[k] = s
		}
	}

	if timeout, ok := params["timeout"].(float64); ok {
		if timeout < 0 {
			return exec.CommandSpec{}, "timeout must not be negative"
		}
		spec.Timeout = time.Duration(timeout * float64(time.Second))
	}

	return spec, ""
}

func processIDParam(params map[string]interface{}) (id.ProcessID, string) {
	s, ok := params["process_id"].(string)
	if !ok || s == "" {
		return "", "process_id parameter is required"
	}
	return id.ProcessID(s), ""
}

func resultData(r *exec.ExecutionResult) map[string]interface{} {
	data := map[string]interface{}{
		"stdout":    r.Stdout,
		"stderr":    r.Stderr,
		"duration":  r.Duration.Seconds(),
		"timed_out": r.TimedOut,
		"truncated": r.Truncated,
	}
	if r.ExitCode != nil {
		data["exit_code"] = *r.ExitCode
		data["success"] = *r.ExitCode == 0
	} else {
		data["success"] = false
	}
	return data
}

func snapshotData(s exec.Snapshot) map[string]interface{} {
	data := map[string]interface{}{
		"process_id": s.ID.String(),
		"command":    s.Command,
		"state":      string(s.State),
		"pid":        s.PID,
		"started_at": s.StartedAt,
		"restarts":   s.Restarts,
		"running":    !s.State.Terminal(),
		"uptime":     s.Uptime.Seconds(),
	}
	if s.Dir != "" {
		data["working_dir"] = s.Dir
	}
	if s.EndedAt != nil {
		data["ended_at"] = *s.EndedAt
	}
	if s.ExitCode != nil {
		data["exit_code"] = *s.ExitCode
	}
	return data
}

func success(data map[string]interface{}) (*types.Result, error) {
	return &types.Result{Success: true, Data: data}, nil
}

func failure(message string) (*types.Result, error) {
	msg := message
	return &types.Result{Success: false, Error: &msg}, nil
}
