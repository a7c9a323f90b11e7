// Package python exposes Python script execution and virtual
// environment management as service tools. Interpreter discovery,
// venv creation, and package installation all delegate to external
// tools (python3, pip) through the execution core; nothing here
// manages environments itself.
package python

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/terminus-os/backend/internal/config"
	"github.com/terminus-os/backend/internal/exec"
	"github.com/terminus-os/backend/internal/logging"
	"github.com/terminus-os/backend/internal/shared/types"
)

// Provider implements Python execution tools.
type Provider struct {
	executor    *exec.Executor
	cfg         config.ExecConfig
	log         *logging.Logger
	interpreter string
}

// NewProvider creates a python provider.
func NewProvider(executor *exec.Executor, cfg config.ExecConfig, log *logging.Logger) *Provider {
	return &Provider{
		executor:    executor,
		cfg:         cfg,
		log:         log,
		interpreter: "python3",
	}
}

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	return types.Service{
		ID:          "python",
		Name:        "Python Service",
		Description: "Python script execution and virtual environment management",
		Category:    types.CategoryPython,
		Capabilities: []string{
			"execute",
			"virtualenv",
			"packages",
		},
		Tools: []types.Tool{
			{
				ID:          "python.execute",
				Name:        "Execute Python",
				Description: "Execute Python code or a script file",
				Parameters: []types.Parameter{
					{Name: "code", Type: "string", Description: "Python code to execute", Required: false},
					{Name: "script_path", Type: "string", Description: "Path to a Python script", Required: false},
					{Name: "args", Type: "array", Description: "Script arguments", Required: false},
					{Name: "working_dir", Type: "string", Description: "Working directory", Required: false},
					{Name: "venv_path", Type: "string", Description: "Virtual environment to run inside", Required: false},
					{Name: "timeout", Type: "number", Description: "Timeout in seconds", Required: false},
				},
				Returns: "object",
			},
			{
				ID:          "python.checkVenv",
				Name:        "Check Virtualenv",
				Description: "Check whether a virtual environment exists at a path",
				Parameters: []types.Parameter{
					{Name: "path", Type: "string", Description: "Virtualenv directory", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "python.createVenv",
				Name:        "Create Virtualenv",
				Description: "Create a virtual environment (delegates to python3 -m venv)",
				Parameters: []types.Parameter{
					{Name: "path", Type: "string", Description: "Virtualenv directory", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "python.installPackages",
				Name:        "Install Packages",
				Description: "Install packages into a virtual environment (delegates to pip)",
				Parameters: []types.Parameter{
					{Name: "venv_path", Type: "string", Description: "Virtualenv directory", Required: true},
					{Name: "packages", Type: "array", Description: "Package names", Required: true},
				},
				Returns: "object",
			},
		},
	}
}

// Execute runs a python operation
func (p *Provider) Execute(ctx context.Context, toolID string, params map[string]interface{}, appCtx *types.Context) (*types.Result, error) {
	switch toolID {
	case "python.execute":
		return p.executePython(ctx, params)
	case "python.checkVenv":
		return p.checkVenv(params)
	case "python.createVenv":
		return p.createVenv(ctx, params)
	case "python.installPackages":
		return p.installPackages(ctx, params)
	default:
		return failure(fmt.Sprintf("unknown tool: %s", toolID))
	}
}

func (p *Provider) executePython(ctx context.Context, params map[string]interface{}) (*types.Result, error) {
	code, _ := params["code"].(string)
	scriptPath, _ := params["script_path"].(string)
	if code == "" && scriptPath == "" {
		return failure("either code or script_path is required")
	}
	if code != "" && scriptPath != "" {
		return failure("code and script_path are mutually exclusive")
	}

	interpreter := p.interpreter
	if venvPath, ok := params["venv_path"].(string); ok && venvPath != "" {
		venvPython := filepath.Join(venvPath, "bin", "python")
		if _, err := os.Stat(venvPython); err != nil {
			return failure(fmt.Sprintf("no python interpreter in venv: %s", venvPath))
		}
		interpreter = venvPython
	}

	args := []string{}
	if code != "" {
		args = append(args, "-c", code)
	} else {
		args = append(args, scriptPath)
	}
	if extra, ok := params["args"].([]interface{}); ok {
		for _, a := range extra {
			s, ok := a.(string)
			if !ok {
				return failure("args must be strings")
			}
			args = append(args, s)
		}
	}

	spec := exec.CommandSpec{
		Command:       interpreter,
		Args:          args,
		CaptureOutput: true,
	}
	if dir, ok := params["working_dir"].(string); ok {
		spec.Dir = dir
	}
	if timeout, ok := params["timeout"].(float64); ok && timeout > 0 {
		spec.Timeout = time.Duration(timeout * float64(time.Second))
	}

	result, err := p.executor.Run(ctx, spec)
	if err != nil {
		return failure(err.Error())
	}

	data := map[string]interface{}{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"duration":  result.Duration.Seconds(),
		"timed_out": result.TimedOut,
		"truncated": result.Truncated,
	}
	if result.ExitCode != nil {
		data["exit_code"] = *result.ExitCode
	}
	return success(data)
}

func (p *Provider) checkVenv(params map[string]interface{}) (*types.Result, error) {
	path, ok := params["path"].(string)
	if !ok || path == "" {
		return failure("path parameter is required")
	}

	// A venv is identified by its interpreter and pyvenv.cfg, not by
	// the directory merely existing.
	python := filepath.Join(path, "bin", "python")
	cfg := filepath.Join(path, "pyvenv.cfg")
	_, pyErr := os.Stat(python)
	_, cfgErr := os.Stat(cfg)

	return success(map[string]interface{}{
		"path":   path,
		"exists": pyErr == nil && cfgErr == nil,
	})
}

func (p *Provider) createVenv(ctx context.Context, params map[string]interface{}) (*types.Result, error) {
	path, ok := params["path"].(string)
	if !ok || path == "" {
		return failure("path parameter is required")
	}

	result, err := p.executor.Run(ctx, exec.CommandSpec{
		Command:       p.interpreter,
		Args:          []string{"-m", "venv", path},
		CaptureOutput: true,
	})
	if err != nil {
		return failure(err.Error())
	}
	if result.ExitCode == nil || *result.ExitCode != 0 {
		return failure(fmt.Sprintf("venv creation failed: %s", strings.TrimSpace(result.Stderr)))
	}

	return success(map[string]interface{}{
		"path":    path,
		"created": true,
	})
}

func (p *Provider) installPackages(ctx context.Context, params map[string]interface{}) (*types.Result, error) {
	venvPath, ok := params["venv_path"].(string)
	if !ok || venvPath == "" {
		return failure("venv_path parameter is required")
	}
	rawPackages, ok := params["packages"].([]interface{})
	if !ok || len(rawPackages) == 0 {
		return failure("packages parameter is required and must be a non-empty array")
	}

	packages := make([]string, 0, len(rawPackages))
	for _, raw := range rawPackages {
		name, ok := raw.(string)
		if !ok || name == "" {
			return failure("package names must be non-empty strings")
		}
		packages = append(packages, name)
	}

	pip := filepath.Join(venvPath, "bin", "pip")
	if _, err := os.Stat(pip); err != nil {
		return failure(fmt.Sprintf("no pip in venv: %s", venvPath))
	}

	args := append([]string{"install"}, packages...)
	result, err := p.executor.Run(ctx, exec.CommandSpec{
		Command:       pip,
		Args:          args,
		CaptureOutput: true,
		// Package installs routinely outlast the command default.
		Timeout: 5 * time.Minute,
	})
	if err != nil {
		return failure(err.Error())
	}
	if result.ExitCode == nil || *result.ExitCode != 0 {
		return failure(fmt.Sprintf("package install failed: %s", strings.TrimSpace(result.Stderr)))
	}

	return success(map[string]interface{}{
		"venv_path": venvPath,
		"installed": packages,
	})
}

func success(data map[string]interface{}) (*types.Result, error) {
	return &types.Result{Success: true, Data: data}, nil
}

func failure(message string) (*types.Result, error) {
	msg := message
	return &types.Result{Success: false, Error: &msg}, nil
}
