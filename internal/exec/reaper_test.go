package exec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminus-os/backend/internal/logging"
)

func TestSweepReconcilesAndEvicts(t *testing.T) {
	cfg := testExecConfig()
	r := newTestRegistry(t, cfg)
	reaper := NewReaper(r, time.Hour, time.Nanosecond, logging.NewNop())

	pid, err := r.Register(CommandSpec{Command: "true", CaptureOutput: true})
	require.NoError(t, err)
	waitForState(t, r, pid, StateCompleted)
	time.Sleep(20 * time.Millisecond)

	reaper.Sweep()

	_, err = r.Status(pid)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweepKeepsFreshAndLiveRecords(t *testing.T) {
	cfg := testExecConfig()
	r := newTestRegistry(t, cfg)
	reaper := NewReaper(r, time.Hour, time.Hour, logging.NewNop())

	live, err := r.Register(CommandSpec{Command: "sleep 30", CaptureOutput: true})
	require.NoError(t, err)
	done, err := r.Register(CommandSpec{Command: "true", CaptureOutput: true})
	require.NoError(t, err)
	waitForState(t, r, done, StateCompleted)

	reaper.Sweep()

	snap, err := r.Status(live)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, snap.State)

	snap, err = r.Status(done)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, snap.State)
}

func TestReaperLoopEvictsPeriodically(t *testing.T) {
	cfg := testExecConfig()
	r := newTestRegistry(t, cfg)
	reaper := NewReaper(r, 20*time.Millisecond, time.Nanosecond, logging.NewNop())

	pid, err := r.Register(CommandSpec{Command: "true", CaptureOutput: true})
	require.NoError(t, err)
	waitForState(t, r, pid, StateCompleted)

	reaper.Start()
	defer reaper.Stop()

	require.Eventually(t, func() bool {
		_, err := r.Status(pid)
		return IsNotFound(err)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReaperStopReturns(t *testing.T) {
	r := newTestRegistry(t, testExecConfig())
	reaper := NewReaper(r, 10*time.Millisecond, time.Hour, logging.NewNop())

	reaper.Start()
	finished := make(chan struct{})
	go func() {
		reaper.Stop()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper stop did not return")
	}
}
