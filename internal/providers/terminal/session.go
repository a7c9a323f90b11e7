package terminal

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/terminus-os/backend/internal/logging"
	"github.com/terminus-os/backend/internal/shared/id"
)

// Session represents an active interactive terminal session.
type Session struct {
	ID         string
	Shell      string
	WorkingDir string
	Cols       int
	Rows       int
	StartedAt  time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	outputBuf *ringBuffer

	mu     sync.RWMutex
	closed bool
}

// SessionInfo is the public representation of a session.
type SessionInfo struct {
	ID         string    `json:"session_id"`
	Shell      string    `json:"shell"`
	WorkingDir string    `json:"working_dir"`
	Cols       int       `json:"cols"`
	Rows       int       `json:"rows"`
	StartedAt  time.Time `json:"started_at"`
	Active     bool      `json:"active"`
}

// SessionManager manages interactive PTY sessions.
type SessionManager struct {
	sessions sync.Map // map[string]*Session
	log      *logging.Logger
}

// NewSessionManager creates a session manager.
func NewSessionManager(log *logging.Logger) *SessionManager {
	return &SessionManager{log: log}
}

const sessionBufferSize = 256 * 1024

// Create starts a shell under a PTY and begins buffering its output.
func (m *SessionManager) Create(shell, workingDir string, cols, rows int) (*SessionInfo, error) {
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
	}
	if workingDir == "" {
		workingDir = os.Getenv("HOME")
		if workingDir == "" {
			workingDir = "/tmp"
		}
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	sessionID := id.NewSessionID().String()

	cmd := exec.Command(shell)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	session := &Session{
		ID:         sessionID,
		Shell:      shell,
		WorkingDir: workingDir,
		Cols:       cols,
		Rows:       rows,
		StartedAt:  time.Now(),
		cmd:        cmd,
		ptmx:       ptmx,
		outputBuf:  newRingBuffer(sessionBufferSize),
	}

	m.sessions.Store(sessionID, session)

	go m.readOutput(session)
	go m.monitorProcess(session)

	m.log.Info("terminal session created",
		zap.String("session_id", sessionID),
		zap.String("shell", shell),
	)

	return session.info(), nil
}

// readOutput continuously reads from the PTY and buffers output.
func (m *SessionManager) readOutput(session *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := session.ptmx.Read(buf)
		if n > 0 {
			session.outputBuf.Write(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				m.log.Debug("session read ended", zap.String("session_id", session.ID), zap.Error(err))
			}
			return
		}
	}
}

// monitorProcess waits for the shell to exit and closes the PTY.
func (m *SessionManager) monitorProcess(session *Session) {
	session.cmd.Wait()

	session.mu.Lock()
	session.closed = true
	session.mu.Unlock()

	session.ptmx.Close()
}

// Write sends input to a session.
func (m *SessionManager) Write(sessionID string, input []byte) error {
	session, err := m.get(sessionID)
	if err != nil {
		return err
	}

	session.mu.RLock()
	closed := session.closed
	session.mu.RUnlock()
	if closed {
		return fmt.Errorf("session is closed: %s", sessionID)
	}

	_, err = session.ptmx.Write(input)
	return err
}

// Read retrieves and drains buffered output from a session.
func (m *SessionManager) Read(sessionID string) ([]byte, error) {
	session, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	return session.outputBuf.ReadAll(), nil
}

// Resize changes terminal dimensions.
func (m *SessionManager) Resize(sessionID string, cols, rows int) error {
	session, err := m.get(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.closed {
		return fmt.Errorf("session is closed: %s", sessionID)
	}

	session.Cols = cols
	session.Rows = rows

	return pty.Setsize(session.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Kill terminates a session and removes it.
func (m *SessionManager) Kill(sessionID string) error {
	session, err := m.get(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if !session.closed {
		session.closed = true
		if session.cmd.Process != nil {
			session.cmd.Process.Kill()
		}
		session.ptmx.Close()
	}

	m.sessions.Delete(sessionID)
	return nil
}

// List returns all sessions.
func (m *SessionManager) List() []SessionInfo {
	var sessions []SessionInfo
	m.sessions.Range(func(_, value interface{}) bool {
		sessions = append(sessions, *value.(*Session).info())
		return true
	})
	return sessions
}

// CloseAll kills every session; used at shutdown.
func (m *SessionManager) CloseAll() {
	m.sessions.Range(func(key, _ interface{}) bool {
		m.Kill(key.(string))
		return true
	})
}

func (m *SessionManager) get(sessionID string) (*Session, error) {
	value, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return value.(*Session), nil
}

func (s *Session) info() *SessionInfo {
	s.mu.RLock()
	active := !s.closed
	s.mu.RUnlock()

	return &SessionInfo{
		ID:         s.ID,
		Shell:      s.Shell,
		WorkingDir: s.WorkingDir,
		Cols:       s.Cols,
		Rows:       s.Rows,
		StartedAt:  s.StartedAt,
		Active:     active,
	}
}

// ringBuffer is a thread-safe circular byte buffer. When full, the
// oldest bytes are overwritten; sessions keep recent output, not all
// of it.
type ringBuffer struct {
	data []byte
	size int
	head int
	tail int
	full bool
	mu   sync.Mutex
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{
		data: make([]byte, size),
		size: size,
	}
}

func (b *ringBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range p {
		b.data[b.tail] = c
		b.tail = (b.tail + 1) % b.size
		if b.full {
			b.head = b.tail
		} else if b.tail == b.head {
			b.full = true
		}
	}
	return len(p), nil
}

// ReadAll returns buffered bytes in order and clears the buffer.
func (b *ringBuffer) ReadAll() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.head == b.tail && !b.full {
		return []byte{}
	}

	var result []byte
	if b.tail > b.head {
		result = make([]byte, b.tail-b.head)
		copy(result, b.data[b.head:b.tail])
	} else {
		first := b.data[b.head:]
		second := b.data[:b.tail]
		result = make([]byte, len(first)+len(second))
		copy(result, first)
		copy(result[len(first):], second)
	}

	b.head = b.tail
	b.full = false
	return result
}
