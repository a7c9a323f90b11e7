package terminal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminus-os/backend/internal/config"
	"github.com/terminus-os/backend/internal/exec"
	"github.com/terminus-os/backend/internal/logging"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	cfg := config.ExecConfig{
		DefaultTimeout: 10 * time.Second,
		KillGrace:      200 * time.Millisecond,
		OutputLimit:    1 << 20,
		MaxProcesses:   8,
		ReapInterval:   time.Second,
		Retention:      time.Hour,
	}
	executor := exec.NewExecutor(cfg, logging.NewNop())
	procs := exec.NewRegistry(executor, cfg, logging.NewNop())
	t.Cleanup(procs.Shutdown)
	p := NewProvider(executor, procs, cfg, logging.NewNop())
	t.Cleanup(p.Sessions().CloseAll)
	return p
}

func call(t *testing.T, p *Provider, tool string, params map[string]interface{}) map[string]interface{} {
	t.Helper()
	result, err := p.Execute(context.Background(), tool, params, nil)
	require.NoError(t, err)
	require.True(t, result.Success, "tool %s failed: %v", tool, result.Error)
	return result.Data
}

func callExpectFailure(t *testing.T, p *Provider, tool string, params map[string]interface{}) string {
	t.Helper()
	result, err := p.Execute(context.Background(), tool, params, nil)
	require.NoError(t, err)
	require.False(t, result.Success, "tool %s unexpectedly succeeded", tool)
	require.NotNil(t, result.Error)
	return *result.Error
}

func TestExecuteTool(t *testing.T) {
	p := newTestProvider(t)

	data := call(t, p, "terminal.execute", map[string]interface{}{
		"command": "echo hello",
	})
	assert.Equal(t, "hello\n", data["stdout"])
	assert.Equal(t, 0, data["exit_code"])
	assert.Equal(t, true, data["success"])
	assert.Equal(t, false, data["timed_out"])
}

func TestExecuteToolNonZeroExit(t *testing.T) {
	p := newTestProvider(t)

	data := call(t, p, "terminal.execute", map[string]interface{}{
		"command": "exit 2",
	})
	assert.Equal(t, 2, data["exit_code"])
	assert.Equal(t, false, data["success"])
}

func TestExecuteToolTimeout(t *testing.T) {
	p := newTestProvider(t)

	data := call(t, p, "terminal.execute", map[string]interface{}{
		"command": "sleep 30",
		"timeout": 0.3,
	})
	assert.Equal(t, true, data["timed_out"])
	_, hasExit := data["exit_code"]
	assert.False(t, hasExit)
}

func TestExecuteToolValidation(t *testing.T) {
	p := newTestProvider(t)

	msg := callExpectFailure(t, p, "terminal.execute", map[string]interface{}{})
	assert.Contains(t, msg, "command")

	msg = callExpectFailure(t, p, "terminal.execute", map[string]interface{}{
		"command": "echo x",
		"timeout": -1.0,
	})
	assert.Contains(t, msg, "timeout")

	msg = callExpectFailure(t, p, "terminal.execute", map[string]interface{}{
		"command": "echo x",
		"env":     map[string]interface{}{"KEY": 42},
	})
	assert.Contains(t, msg, "env")
}

func TestExecuteToolMissingBinary(t *testing.T) {
	p := newTestProvider(t)

	// Shell interpretation means the shell itself launches fine and
	// reports the missing binary as exit 127.
	data := call(t, p, "terminal.execute", map[string]interface{}{
		"command": "/nonexistent-binary-xyz",
	})
	assert.Equal(t, 127, data["exit_code"])
	assert.Equal(t, false, data["success"])
}

func TestBackgroundProcessLifecycle(t *testing.T) {
	p := newTestProvider(t)

	started := call(t, p, "terminal.startProcess", map[string]interface{}{
		"command": "echo bg; sleep 30",
	})
	pid, ok := started["process_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, pid)
	assert.Equal(t, "running", started["state"])

	status := call(t, p, "terminal.processStatus", map[string]interface{}{
		"process_id": pid,
	})
	assert.Equal(t, "echo bg; sleep 30", status["command"])
	assert.Equal(t, true, status["running"])

	require.Eventually(t, func() bool {
		out := call(t, p, "terminal.processOutput", map[string]interface{}{
			"process_id": pid,
		})
		return out["stdout"] == "bg\n"
	}, 5*time.Second, 20*time.Millisecond)

	killed := call(t, p, "terminal.killProcess", map[string]interface{}{
		"process_id": pid,
	})
	assert.Equal(t, "killed", killed["state"])
	assert.Equal(t, false, killed["running"])

	// Killing again reports the same terminal state without error.
	again := call(t, p, "terminal.killProcess", map[string]interface{}{
		"process_id": pid,
	})
	assert.Equal(t, "killed", again["state"])
}

func TestListProcesses(t *testing.T) {
	p := newTestProvider(t)

	call(t, p, "terminal.startProcess", map[string]interface{}{"command": "sleep 30"})
	call(t, p, "terminal.startProcess", map[string]interface{}{"command": "sleep 30"})

	data := call(t, p, "terminal.listProcesses", nil)
	assert.Equal(t, 2, data["count"])
}

func TestRestartProcessTool(t *testing.T) {
	p := newTestProvider(t)

	started := call(t, p, "terminal.startProcess", map[string]interface{}{
		"command": "sleep 30",
	})
	pid := started["process_id"].(string)

	restarted := call(t, p, "terminal.restartProcess", map[string]interface{}{
		"process_id": pid,
	})
	assert.Equal(t, 1, restarted["restarts"])
	assert.Equal(t, "running", restarted["state"])
	assert.Equal(t, "sleep 30", restarted["command"])
}

func TestProcessOutputSinceOffset(t *testing.T) {
	p := newTestProvider(t)

	started := call(t, p, "terminal.startProcess", map[string]interface{}{
		"command": "echo one; echo two",
	})
	pid := started["process_id"].(string)

	require.Eventually(t, func() bool {
		status := call(t, p, "terminal.processStatus", map[string]interface{}{"process_id": pid})
		return status["running"] == false
	}, 5*time.Second, 20*time.Millisecond)

	out := call(t, p, "terminal.processOutput", map[string]interface{}{"process_id": pid})
	assert.Equal(t, "one\ntwo\n", out["stdout"])
	next := out["next_offset"].(int)

	incremental := call(t, p, "terminal.processOutput", map[string]interface{}{
		"process_id": pid,
		"since":      float64(next),
	})
	assert.Equal(t, "", incremental["stdout"])
}

func TestUnknownProcessID(t *testing.T) {
	p := newTestProvider(t)

	for _, tool := range []string{
		"terminal.processStatus",
		"terminal.processOutput",
		"terminal.killProcess",
		"terminal.restartProcess",
	} {
		msg := callExpectFailure(t, p, tool, map[string]interface{}{
			"process_id": "proc_00000000000000000000000000",
		})
		assert.Contains(t, msg, "not found", "tool %s", tool)
	}
}

func TestUnknownTool(t *testing.T) {
	p := newTestProvider(t)
	msg := callExpectFailure(t, p, "terminal.doesNotExist", nil)
	assert.Contains(t, msg, "unknown tool")
}

func TestDefinitionListsAllTools(t *testing.T) {
	p := newTestProvider(t)
	def := p.Definition()
	assert.Equal(t, "terminal", def.ID)

	ids := make(map[string]bool, len(def.Tools))
	for _, tool := range def.Tools {
		ids[tool.ID] = true
	}
	for _, want := range []string{
		"terminal.execute",
		"terminal.startProcess",
		"terminal.listProcesses",
		"terminal.processStatus",
		"terminal.processOutput",
		"terminal.killProcess",
		"terminal.restartProcess",
		"terminal.createSession",
		"terminal.writeSession",
		"terminal.readSession",
		"terminal.resizeSession",
		"terminal.killSession",
		"terminal.listSessions",
	} {
		assert.True(t, ids[want], "missing tool %s", want)
	}
}
