package environment

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminus-os/backend/internal/shared/types"
)

func call(t *testing.T, p *Provider, tool string, params map[string]interface{}) *types.Result {
	t.Helper()
	result, err := p.Execute(context.Background(), tool, params, nil)
	require.NoError(t, err)
	return result
}

func TestGetSetRoundTrip(t *testing.T) {
	p := NewProvider()
	t.Setenv("ENV_PROVIDER_PROBE", "initial")

	result := call(t, p, "env.get", map[string]interface{}{"name": "ENV_PROVIDER_PROBE"})
	require.True(t, result.Success)
	assert.Equal(t, "initial", result.Data["value"])
	assert.Equal(t, true, result.Data["set"])

	result = call(t, p, "env.set", map[string]interface{}{
		"name":  "ENV_PROVIDER_PROBE",
		"value": "updated",
	})
	require.True(t, result.Success)
	assert.Equal(t, "updated", os.Getenv("ENV_PROVIDER_PROBE"))
}

func TestGetUnsetVariable(t *testing.T) {
	p := NewProvider()
	os.Unsetenv("ENV_PROVIDER_NEVER_SET")

	result := call(t, p, "env.get", map[string]interface{}{"name": "ENV_PROVIDER_NEVER_SET"})
	require.True(t, result.Success)
	assert.Equal(t, false, result.Data["set"])
	assert.Equal(t, "", result.Data["value"])
}

func TestListIncludesKnownVariable(t *testing.T) {
	p := NewProvider()
	t.Setenv("ENV_PROVIDER_LISTED", "yes")

	result := call(t, p, "env.list", nil)
	require.True(t, result.Success)

	vars := result.Data["variables"].(map[string]interface{})
	assert.Equal(t, "yes", vars["ENV_PROVIDER_LISTED"])
	assert.Greater(t, result.Data["count"].(int), 0)
}

func TestWorkingDirectory(t *testing.T) {
	p := NewProvider()
	orig, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { os.Chdir(orig) })

	result := call(t, p, "env.getcwd", nil)
	require.True(t, result.Success)
	assert.Equal(t, orig, result.Data["working_dir"])

	dir := t.TempDir()
	result = call(t, p, "env.setcwd", map[string]interface{}{"path": dir})
	require.True(t, result.Success)

	got, err := os.Getwd()
	require.NoError(t, err)
	// TempDir may resolve through symlinks; compare via the provider.
	result = call(t, p, "env.getcwd", nil)
	assert.Equal(t, got, result.Data["working_dir"])
}

func TestSetcwdInvalidPath(t *testing.T) {
	p := NewProvider()

	result := call(t, p, "env.setcwd", map[string]interface{}{"path": "/definitely/not/here"})
	require.False(t, result.Success)
	require.NotNil(t, result.Error)
}

func TestValidation(t *testing.T) {
	p := NewProvider()

	for _, tc := range []struct {
		tool   string
		params map[string]interface{}
	}{
		{"env.get", map[string]interface{}{}},
		{"env.set", map[string]interface{}{"name": "X"}},
		{"env.setcwd", map[string]interface{}{}},
		{"env.unknownTool", nil},
	} {
		result := call(t, p, tc.tool, tc.params)
		assert.False(t, result.Success, "tool %s should fail", tc.tool)
	}
}
