package python

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminus-os/backend/internal/config"
	"github.com/terminus-os/backend/internal/exec"
	"github.com/terminus-os/backend/internal/logging"
	"github.com/terminus-os/backend/internal/shared/types"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	if _, err := osexec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	cfg := config.ExecConfig{
		DefaultTimeout: 30 * time.Second,
		KillGrace:      200 * time.Millisecond,
		OutputLimit:    1 << 20,
		MaxProcesses:   8,
	}
	executor := exec.NewExecutor(cfg, logging.NewNop())
	return NewProvider(executor, cfg, logging.NewNop())
}

func call(t *testing.T, p *Provider, tool string, params map[string]interface{}) *types.Result {
	t.Helper()
	result, err := p.Execute(context.Background(), tool, params, nil)
	require.NoError(t, err)
	return result
}

func TestExecuteCode(t *testing.T) {
	p := newTestProvider(t)

	result := call(t, p, "python.execute", map[string]interface{}{
		"code": "print('from python')",
	})
	require.True(t, result.Success, "error: %v", result.Error)
	assert.Equal(t, "from python\n", result.Data["stdout"])
	assert.Equal(t, 0, result.Data["exit_code"])
}

func TestExecuteScriptFile(t *testing.T) {
	p := newTestProvider(t)

	script := filepath.Join(t.TempDir(), "probe.py")
	require.NoError(t, os.WriteFile(script, []byte("import sys\nprint(sys.argv[1])\n"), 0o644))

	result := call(t, p, "python.execute", map[string]interface{}{
		"script_path": script,
		"args":        []interface{}{"argument-echoed"},
	})
	require.True(t, result.Success)
	assert.Equal(t, "argument-echoed\n", result.Data["stdout"])
}

func TestExecuteErrorExit(t *testing.T) {
	p := newTestProvider(t)

	result := call(t, p, "python.execute", map[string]interface{}{
		"code": "import sys; sys.exit(5)",
	})
	require.True(t, result.Success)
	assert.Equal(t, 5, result.Data["exit_code"])
}

func TestExecuteValidation(t *testing.T) {
	p := newTestProvider(t)

	result := call(t, p, "python.execute", map[string]interface{}{})
	assert.False(t, result.Success)

	result = call(t, p, "python.execute", map[string]interface{}{
		"code":        "print(1)",
		"script_path": "/tmp/x.py",
	})
	assert.False(t, result.Success)
}

func TestCheckVenvAbsent(t *testing.T) {
	p := newTestProvider(t)

	result := call(t, p, "python.checkVenv", map[string]interface{}{
		"path": filepath.Join(t.TempDir(), "no-venv-here"),
	})
	require.True(t, result.Success)
	assert.Equal(t, false, result.Data["exists"])
}

func TestCreateAndCheckVenv(t *testing.T) {
	if testing.Short() {
		t.Skip("venv creation is slow")
	}
	p := newTestProvider(t)
	venv := filepath.Join(t.TempDir(), "venv")

	result := call(t, p, "python.createVenv", map[string]interface{}{"path": venv})
	if !result.Success {
		t.Skipf("venv module unavailable: %v", *result.Error)
	}

	result = call(t, p, "python.checkVenv", map[string]interface{}{"path": venv})
	require.True(t, result.Success)
	assert.Equal(t, true, result.Data["exists"])

	// The venv interpreter is usable through the execute tool.
	result = call(t, p, "python.execute", map[string]interface{}{
		"code":      "import sys; print(sys.prefix)",
		"venv_path": venv,
	})
	require.True(t, result.Success)
	assert.Contains(t, result.Data["stdout"], "venv")
}

func TestInstallPackagesValidation(t *testing.T) {
	p := newTestProvider(t)

	result := call(t, p, "python.installPackages", map[string]interface{}{
		"venv_path": filepath.Join(t.TempDir(), "missing"),
		"packages":  []interface{}{"requests"},
	})
	assert.False(t, result.Success)

	result = call(t, p, "python.installPackages", map[string]interface{}{
		"venv_path": "/tmp",
		"packages":  []interface{}{},
	})
	assert.False(t, result.Success)
}
