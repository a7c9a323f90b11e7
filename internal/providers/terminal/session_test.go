package terminal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminus-os/backend/internal/logging"
	"github.com/terminus-os/backend/internal/shared/id"
)

func newTestSessionManager(t *testing.T) *SessionManager {
	t.Helper()
	m := NewSessionManager(logging.NewNop())
	t.Cleanup(m.CloseAll)
	return m
}

func createTestSession(t *testing.T, m *SessionManager) *SessionInfo {
	t.Helper()
	info, err := m.Create("/bin/sh", t.TempDir(), 80, 24)
	if err != nil {
		t.Skipf("PTY unavailable: %v", err)
	}
	return info
}

func TestSessionRoundTrip(t *testing.T) {
	m := newTestSessionManager(t)
	info := createTestSession(t, m)

	require.True(t, strings.HasPrefix(info.ID, "sess_"))
	assert.True(t, id.IsValid(info.ID))
	assert.Equal(t, "/bin/sh", info.Shell)
	assert.Equal(t, 80, info.Cols)
	assert.True(t, info.Active)

	require.NoError(t, m.Write(info.ID, []byte("echo session-probe\n")))

	require.Eventually(t, func() bool {
		out, err := m.Read(info.ID)
		return err == nil && strings.Contains(string(out), "session-probe")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSessionResize(t *testing.T) {
	m := newTestSessionManager(t)
	info := createTestSession(t, m)

	require.NoError(t, m.Resize(info.ID, 120, 40))

	sessions := m.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, 120, sessions[0].Cols)
	assert.Equal(t, 40, sessions[0].Rows)
}

func TestSessionKill(t *testing.T) {
	m := newTestSessionManager(t)
	info := createTestSession(t, m)

	require.NoError(t, m.Kill(info.ID))
	assert.Empty(t, m.List())

	err := m.Write(info.ID, []byte("x"))
	require.Error(t, err)
}

func TestSessionUnknownID(t *testing.T) {
	m := newTestSessionManager(t)

	_, err := m.Read("sess_missing")
	require.Error(t, err)
	require.Error(t, m.Write("sess_missing", []byte("x")))
	require.Error(t, m.Resize("sess_missing", 80, 24))
	require.Error(t, m.Kill("sess_missing"))
}

func TestRingBufferOrdering(t *testing.T) {
	b := newRingBuffer(8)
	b.Write([]byte("abc"))
	b.Write([]byte("def"))
	assert.Equal(t, "abcdef", string(b.ReadAll()))
	// Drained after read.
	assert.Empty(t, b.ReadAll())
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	b := newRingBuffer(4)
	b.Write([]byte("123456"))
	assert.Equal(t, "3456", string(b.ReadAll()))
}

func TestRingBufferWrapAround(t *testing.T) {
	b := newRingBuffer(4)
	b.Write([]byte("ab"))
	assert.Equal(t, "ab", string(b.ReadAll()))
	b.Write([]byte("cdef"))
	assert.Equal(t, "cdef", string(b.ReadAll()))
}
