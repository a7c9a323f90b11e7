// Package environment exposes process environment and working
// directory manipulation as service tools. Every operation is a single
// syscall; there is no state machine here.
package environment

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/terminus-os/backend/internal/shared/types"
)

// Provider implements environment variable and working directory tools.
type Provider struct{}

// NewProvider creates an environment provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Definition returns service metadata
func (p *Provider) Definition() types.Service {
	return types.Service{
		ID:          "env",
		Name:        "Environment Service",
		Description: "Environment variables and working directory",
		Category:    types.CategoryEnvironment,
		Capabilities: []string{
			"variables",
			"working_directory",
		},
		Tools: []types.Tool{
			{
				ID:          "env.get",
				Name:        "Get Variable",
				Description: "Get an environment variable",
				Parameters: []types.Parameter{
					{Name: "name", Type: "string", Description: "Variable name", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "env.set",
				Name:        "Set Variable",
				Description: "Set an environment variable for the server process",
				Parameters: []types.Parameter{
					{Name: "name", Type: "string", Description: "Variable name", Required: true},
					{Name: "value", Type: "string", Description: "Variable value", Required: true},
				},
				Returns: "object",
			},
			{
				ID:          "env.list",
				Name:        "List Variables",
				Description: "List all environment variables",
				Parameters:  []types.Parameter{},
				Returns:     "object",
			},
			{
				ID:          "env.getcwd",
				Name:        "Get Working Directory",
				Description: "Get the server's current working directory",
				Parameters:  []types.Parameter{},
				Returns:     "object",
			},
			{
				ID:          "env.setcwd",
				Name:        "Set Working Directory",
				Description: "Change the server's current working directory",
				Parameters: []types.Parameter{
					{Name: "path", Type: "string", Description: "Directory path", Required: true},
				},
				Returns: "object",
			},
		},
	}
}

// Execute runs an environment operation
func (p *Provider) Execute(ctx context.Context, toolID string, params map[string]interface{}, appCtx *types.Context) (*types.Result, error) {
	switch toolID {
	case "env.get":
		return p.get(params)
	case "env.set":
		return p.set(params)
	case "env.list":
		return p.list()
	case "env.getcwd":
		return p.getcwd()
	case "env.setcwd":
		return p.setcwd(params)
	default:
		return failure(fmt.Sprintf("unknown tool: %s", toolID))
	}
}

func (p *Provider) get(params map[string]interface{}) (*types.Result, error) {
	name, ok := params["name"].(string)
	if !ok || name == "" {
		return failure("name parameter is required")
	}

	value, found := os.LookupEnv(name)
	return success(map[string]interface{}{
		"name":  name,
		"value": value,
		"set":   found,
	})
}

func (p *Provider) set(params map[string]interface{}) (*types.Result, error) {
	name, ok := params["name"].(string)
	if !ok || name == "" {
		return failure("name parameter is required")
	}
	value, ok := params["value"].(string)
	if !ok {
		return failure("value parameter is required")
	}

	if err := os.Setenv(name, value); err != nil {
		return failure(err.Error())
	}
	return success(map[string]interface{}{
		"name":  name,
		"value": value,
	})
}

func (p *Provider) list() (*types.Result, error) {
	environ := os.Environ()
	vars := make(map[string]interface{}, len(environ))
	names := make([]string, 0, len(environ))
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		vars[parts[0]] = parts[1]
		names = append(names, parts[0])
	}
	sort.Strings(names)

	return success(map[string]interface{}{
		"variables": vars,
		"names":     names,
		"count":     len(names),
	})
}

func (p *Provider) getcwd() (*types.Result, error) {
	dir, err := os.Getwd()
	if err != nil {
		return failure(err.Error())
	}
	return success(map[string]interface{}{"working_dir": dir})
}

func (p *Provider) setcwd(params map[string]interface{}) (*types.Result, error) {
	path, ok := params["path"].(string)
	if !ok || path == "" {
		return failure("path parameter is required")
	}

	if err := os.Chdir(path); err != nil {
		return failure(err.Error())
	}
	dir, _ := os.Getwd()
	return success(map[string]interface{}{"working_dir": dir})
}

func success(data map[string]interface{}) (*types.Result, error) {
	return &types.Result{Success: true, Data: data}, nil
}

func failure(message string) (*types.Result, error) {
	msg := message
	return &types.Result{Success: false, Error: &msg}, nil
}
