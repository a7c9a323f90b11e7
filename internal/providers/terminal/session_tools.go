package terminal

import "github.com/terminus-os/backend/internal/shared/types"

// Session tool handlers. These are thin adapters from loosely-typed
// tool parameters to the SessionManager.

func (p *Provider) createSession(params map[string]interface{}) (*types.Result, error) {
	shell, _ := params["shell"].(string)
	workingDir, _ := params["working_dir"].(string)

	cols := 0
	if c, ok := params["cols"].(float64); ok {
		cols = int(c)
	}
	rows := 0
	if r, ok := params["rows"].(float64); ok {
		rows = int(r)
	}

	info, err := p.sessions.Create(shell, workingDir, cols, rows)
	if err != nil {
		return failure(err.Error())
	}

	return success(map[string]interface{}{
		"session_id":  info.ID,
		"shell":       info.Shell,
		"working_dir": info.WorkingDir,
		"cols":        info.Cols,
		"rows":        info.Rows,
		"started_at":  info.StartedAt,
	})
}

func (p *Provider) writeSession(params map[string]interface{}) (*types.Result, error) {
	sessionID, ok := params["session_id"].(string)
	if !ok || sessionID == "" {
		return failure("session_id parameter is required")
	}
	input, ok := params["input"].(string)
	if !ok {
		return failure("input parameter is required")
	}

	if err := p.sessions.Write(sessionID, []byte(input)); err != nil {
		return failure(err.Error())
	}
	return success(map[string]interface{}{"written": len(input)})
}

func (p *Provider) readSession(params map[string]interface{}) (*types.Result, error) {
	sessionID, ok := params["session_id"].(string)
	if !ok || sessionID == "" {
		return failure("session_id parameter is required")
	}

	data, err := p.sessions.Read(sessionID)
	if err != nil {
		return failure(err.Error())
	}
	return success(map[string]interface{}{
		"output": string(data),
		"bytes":  len(data),
	})
}

func (p *Provider) resizeSession(params map[string]interface{}) (*types.Result, error) {
	sessionID, ok := params["session_id"].(string)
	if !ok || sessionID == "" {
		return failure("session_id parameter is required")
	}
	cols, ok := params["cols"].(float64)
	if !ok || cols <= 0 {
		return failure("cols parameter is required and must be positive")
	}
	rows, ok := params["rows"].(float64)
	if !ok || rows <= 0 {
		return failure("rows parameter is required and must be positive")
	}

	if err := p.sessions.Resize(sessionID, int(cols), int(rows)); err != nil {
		return failure(err.Error())
	}
	return success(map[string]interface{}{"resized": true})
}

func (p *Provider) killSession(params map[string]interface{}) (*types.Result, error) {
	sessionID, ok := params["session_id"].(string)
	if !ok || sessionID == "" {
		return failure("session_id parameter is required")
	}

	if err := p.sessions.Kill(sessionID); err != nil {
		return failure(err.Error())
	}
	return success(map[string]interface{}{"killed": true})
}

func (p *Provider) listSessions() (*types.Result, error) {
	sessions := p.sessions.List()
	list := make([]interface{}, 0, len(sessions))
	for _, s := range sessions {
		list = append(list, map[string]interface{}{
			"session_id":  s.ID,
			"shell":       s.Shell,
			"working_dir": s.WorkingDir,
			"active":      s.Active,
			"started_at":  s.StartedAt,
		})
	}
	return success(map[string]interface{}{
		"sessions": list,
		"count":    len(list),
	})
}
