package exec

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terminus-os/backend/internal/config"
	"github.com/terminus-os/backend/internal/logging"
	"github.com/terminus-os/backend/internal/monitoring"
	"github.com/terminus-os/backend/internal/shared/id"
)

// Record is the mutable lifecycle state the registry owns for one
// background process. The registry is the single point of mutation for
// state, exit code, and end timestamp; the OS handle is signaled only
// through the record that created it.
type Record struct {
	ID        id.ProcessID
	Spec      CommandSpec
	StartedAt time.Time

	// opMu serializes whole kill/restart/register operations on this
	// record, so no two of them interleave around a handle swap.
	// Acquired before mu, never while holding mu.
	opMu sync.Mutex

	// mu serializes state transitions on this record. Operations on
	// different records proceed concurrently.
	mu            sync.Mutex
	state         State
	pid           int
	endedAt       *time.Time
	exitCode      *int
	restarts      int
	handle        *Handle
	killRequested bool
}

// Snapshot is an immutable copy of a record's observable state.
type Snapshot struct {
	ID        id.ProcessID  `json:"process_id"`
	Command   string        `json:"command"`
	Dir       string        `json:"working_dir,omitempty"`
	State     State         `json:"state"`
	PID       int           `json:"pid"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Restarts  int           `json:"restarts"`
	Uptime    time.Duration `json:"uptime"`
}

func (rec *Record) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:        rec.ID,
		Command:   rec.Spec.Command,
		Dir:       rec.Spec.Dir,
		State:     rec.state,
		PID:       rec.pid,
		StartedAt: rec.StartedAt,
		Restarts:  rec.restarts,
	}
	if rec.endedAt != nil {
		t := *rec.endedAt
		snap.EndedAt = &t
		snap.Uptime = t.Sub(rec.StartedAt)
	} else {
		snap.Uptime = time.Since(rec.StartedAt)
	}
	if rec.exitCode != nil {
		c := *rec.exitCode
		snap.ExitCode = &c
	}
	return snap
}

func (rec *Record) snapshot() Snapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshotLocked()
}

// finishLocked enters a terminal state exactly once. Later callers
// observe the earlier transition and leave the record untouched.
func (rec *Record) finishLocked(state State, exitCode *int, at time.Time) bool {
	if rec.state.Terminal() {
		return false
	}
	rec.state = state
	rec.exitCode = exitCode
	rec.endedAt = &at
	return true
}

// OutputSnapshot is the result of an output query: chunks at append
// positions >= the requested offset, plus enough status to poll
// without a separate call.
type OutputSnapshot struct {
	ProcessID  id.ProcessID `json:"process_id"`
	Chunks     []Chunk      `json:"chunks"`
	Stdout     string       `json:"stdout"`
	Stderr     string       `json:"stderr"`
	NextOffset int          `json:"next_offset"`
	TotalBytes int          `json:"total_bytes"`
	Truncated  bool         `json:"truncated"`
	State      State        `json:"state"`
	ExitCode   *int         `json:"exit_code,omitempty"`
}

// Registry owns the set of currently known background processes. It
// assigns stable identifiers, tracks lifecycle state, and is the
// single point of mutation for that state.
type Registry struct {
	cfg      config.ExecConfig
	log      *logging.Logger
	executor *Executor
	metrics  *monitoring.Metrics

	mu      sync.RWMutex
	records map[id.ProcessID]*Record
}

// NewRegistry creates an empty registry backed by executor.
func NewRegistry(executor *Executor, cfg config.ExecConfig, log *logging.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log,
		executor: executor,
		records:  make(map[id.ProcessID]*Record),
	}
}

// WithMetrics attaches a metrics collector.
func (r *Registry) WithMetrics(m *monitoring.Metrics) *Registry {
	r.metrics = m
	return r
}

// liveCountLocked counts records admission control cares about.
func (r *Registry) liveCountLocked() int {
	n := 0
	for _, rec := range r.records {
		rec.mu.Lock()
		if !rec.state.Terminal() {
			n++
		}
		rec.mu.Unlock()
	}
	return n
}

// Register spawns spec as a background process, stores a record for
// it, and returns the record's identifier without waiting for the
// process to finish. Admission beyond the configured ceiling fails
// fast with a CapacityError; nothing is queued.
func (r *Registry) Register(spec CommandSpec) (id.ProcessID, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.liveCountLocked() >= r.cfg.MaxProcesses {
		r.mu.Unlock()
		return "", &CapacityError{Limit: r.cfg.MaxProcesses}
	}

	pid := id.NewProcessID()
	rec := &Record{
		ID:        pid,
		Spec:      spec,
		StartedAt: time.Now(),
		state:     StateStarting,
	}
	// Hold the record's operation lock across the spawn so a Kill
	// landing in the STARTING window waits for the handle instead of
	// racing the promotion to RUNNING.
	rec.opMu.Lock()
	r.records[pid] = rec
	r.mu.Unlock()

	handle, err := r.executor.Spawn(spec)
	if err != nil {
		// The slot was reserved optimistically; launch failure is
		// surfaced to the caller and leaves no record behind.
		r.mu.Lock()
		delete(r.records, pid)
		r.mu.Unlock()
		rec.opMu.Unlock()
		return "", err
	}

	rec.mu.Lock()
	rec.handle = handle
	rec.pid = handle.Pid()
	rec.StartedAt = handle.StartedAt()
	rec.state = StateRunning
	rec.mu.Unlock()
	rec.opMu.Unlock()

	r.gaugeActive()
	r.log.Info("background process started",
		zap.String("process_id", pid.String()),
		zap.String("command", spec.Command),
		zap.Int("pid", handle.Pid()),
	)

	go r.watch(rec, handle)
	return pid, nil
}

// watch records the natural exit of a process. A kill or restart may
// win the transition instead; whoever transitions first wins, the
// other observes the terminal state.
func (r *Registry) watch(rec *Record, handle *Handle) {
	<-handle.Done()
	exitCode, ended, _ := handle.ExitStatus()

	rec.mu.Lock()
	// A restart may have swapped the handle; this exit belongs to the
	// old process and must not touch the new one's state.
	if rec.handle != handle {
		rec.mu.Unlock()
		return
	}
	// Non-zero exit is still a normal completion; StateFailed is for
	// processes that died without producing an exit code.
	state := StateCompleted
	if rec.killRequested {
		state = StateKilled
		exitCode = nil
	} else if exitCode == nil {
		state = StateFailed
	}
	transitioned := rec.finishLocked(state, exitCode, ended)
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	if transitioned {
		r.gaugeActive()
		r.log.Execution(rec.Spec.Command, rec.Spec.Dir, snap.ExitCode, "", snap.Uptime)
	}
}

// Status returns a snapshot of the record, or ErrNotFound.
func (r *Registry) Status(pid id.ProcessID) (Snapshot, error) {
	rec, ok := r.get(pid)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return rec.snapshot(), nil
}

// List returns snapshots of all current records.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		snaps = append(snaps, rec.snapshot())
	}
	return snaps
}

// Output returns the process's captured output from append position
// offset onward. Passing the previously returned NextOffset yields
// only chunks that arrived since, so pollers never re-transfer what
// they already saw.
func (r *Registry) Output(pid id.ProcessID, offset int) (*OutputSnapshot, error) {
	rec, ok := r.get(pid)
	if !ok {
		return nil, ErrNotFound
	}

	rec.mu.Lock()
	handle := rec.handle
	state := rec.state
	var exitCode *int
	if rec.exitCode != nil {
		c := *rec.exitCode
		exitCode = &c
	}
	rec.mu.Unlock()

	out := &OutputSnapshot{
		ProcessID: pid,
		State:     state,
		ExitCode:  exitCode,
	}
	if handle == nil {
		return out, nil
	}

	chunks, size, truncated := handle.Channel().Since(offset)
	stdout, stderr := Collect(chunks)
	out.Chunks = chunks
	out.Stdout = stdout
	out.Stderr = stderr
	out.NextOffset = offset + len(chunks)
	out.TotalBytes = size
	out.Truncated = truncated
	return out, nil
}

// Kill transitions the record to StateKilled, signaling the process
// group gracefully and then forcefully. Killing an already-terminal
// process is a no-op reported through the returned snapshot, not an
// error.
func (r *Registry) Kill(pid id.ProcessID) (Snapshot, error) {
	rec, ok := r.get(pid)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	rec.opMu.Lock()
	defer rec.opMu.Unlock()

	rec.mu.Lock()
	if rec.state.Terminal() {
		snap := rec.snapshotLocked()
		rec.mu.Unlock()
		return snap, nil
	}
	rec.killRequested = true
	handle := rec.handle
	rec.mu.Unlock()

	if handle != nil {
		handle.Terminate(r.cfg.KillGrace)
		<-handle.Done()
	}

	rec.mu.Lock()
	now := time.Now()
	if handle != nil {
		if _, ended, ok := handle.ExitStatus(); ok && !ended.IsZero() {
			now = ended
		}
	}
	// Exit code is withheld for killed processes; death by signal is
	// not a completion.
	transitioned := rec.finishLocked(StateKilled, nil, now)
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	if transitioned {
		r.gaugeActive()
		r.log.Info("background process killed", zap.String("process_id", pid.String()))
		if r.metrics != nil {
			r.metrics.RecordKill()
		}
	}
	return snap, nil
}

// Restart spawns a new process with the record's original spec,
// replacing the OS handle and output channel atomically. The restart
// count increments by exactly one per call and no caller observes a
// torn intermediate state. Restarting a terminal record admits a new
// live process and is subject to the same ceiling as Register.
func (r *Registry) Restart(pid id.ProcessID) (Snapshot, error) {
	rec, ok := r.get(pid)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	rec.opMu.Lock()
	defer rec.opMu.Unlock()

	var prevState State
	var prevExit *int
	var prevEnded *time.Time

	rec.mu.Lock()
	old := rec.handle
	wasLive := !rec.state.Terminal()
	if wasLive {
		// The record keeps its admission slot. Detach the old handle
		// so its exit is not recorded as this record's terminal state
		// while the replacement is being spawned.
		rec.state = StateStarting
		rec.handle = nil
		rec.mu.Unlock()
	} else {
		rec.mu.Unlock()
		r.mu.Lock()
		if r.liveCountLocked() >= r.cfg.MaxProcesses {
			r.mu.Unlock()
			return Snapshot{}, &CapacityError{Limit: r.cfg.MaxProcesses}
		}
		// Reserve the slot before spawning, as Register does.
		rec.mu.Lock()
		prevState = rec.state
		prevExit = rec.exitCode
		prevEnded = rec.endedAt
		rec.state = StateStarting
		rec.mu.Unlock()
		r.mu.Unlock()
	}

	// Stop the previous incarnation before spawning its replacement.
	if wasLive && old != nil {
		old.Terminate(r.cfg.KillGrace)
		<-old.Done()
	}

	handle, err := r.executor.Spawn(rec.Spec)
	if err != nil {
		rec.mu.Lock()
		if wasLive {
			// The old process is already gone; the record cannot stay
			// in a live state with nothing behind it.
			now := time.Now()
			rec.finishLocked(StateFailed, nil, now)
		} else {
			rec.state = prevState
			rec.exitCode = prevExit
			rec.endedAt = prevEnded
		}
		rec.mu.Unlock()
		r.gaugeActive()
		return Snapshot{}, err
	}

	rec.mu.Lock()
	rec.handle = handle
	rec.pid = handle.Pid()
	rec.StartedAt = handle.StartedAt()
	rec.state = StateRunning
	rec.endedAt = nil
	rec.exitCode = nil
	rec.killRequested = false
	rec.restarts++
	snap := rec.snapshotLocked()
	rec.mu.Unlock()

	r.gaugeActive()
	r.log.Info("background process restarted",
		zap.String("process_id", pid.String()),
		zap.Int("restarts", snap.Restarts),
	)

	go r.watch(rec, handle)
	return snap, nil
}

// Reconcile transitions records whose OS process exited without the
// registry having observed it yet. Returns how many records moved to a
// terminal state.
func (r *Registry) Reconcile() int {
	n := 0
	for _, rec := range r.all() {
		rec.mu.Lock()
		handle := rec.handle
		live := !rec.state.Terminal()
		rec.mu.Unlock()
		if !live || handle == nil || !handle.Exited() {
			continue
		}

		exitCode, ended, _ := handle.ExitStatus()
		rec.mu.Lock()
		if rec.handle == handle {
			state := StateCompleted
			if exitCode == nil {
				state = StateFailed
			}
			if rec.finishLocked(state, exitCode, ended) {
				n++
			}
		}
		rec.mu.Unlock()
	}
	if n > 0 {
		r.gaugeActive()
	}
	return n
}

// Evict removes terminal records whose end timestamp is older than
// retention and releases their output channels. This is the only path
// by which a record's memory is reclaimed; non-terminal records are
// never evicted. Identifiers are never reused, so a stale ID resolves
// to ErrNotFound afterward.
func (r *Registry) Evict(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	var stale []id.ProcessID
	for _, rec := range r.all() {
		rec.mu.Lock()
		if rec.state.Terminal() && rec.endedAt != nil && rec.endedAt.Before(cutoff) {
			stale = append(stale, rec.ID)
		}
		rec.mu.Unlock()
	}

	r.mu.Lock()
	for _, pid := range stale {
		delete(r.records, pid)
	}
	r.mu.Unlock()

	for _, pid := range stale {
		r.log.Debug("evicted terminal process record", zap.String("process_id", pid.String()))
	}
	return len(stale)
}

// Shutdown signals every non-terminal record's process so no children
// outlive the server.
func (r *Registry) Shutdown() {
	for _, rec := range r.all() {
		rec.mu.Lock()
		live := !rec.state.Terminal()
		rec.mu.Unlock()
		if live {
			r.Kill(rec.ID)
		}
	}
}

func (r *Registry) get(pid id.ProcessID) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[pid]
	return rec, ok
}

func (r *Registry) all() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	return recs
}

func (r *Registry) gaugeActive() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.metrics.SetActiveProcesses(float64(r.liveCountLocked()))
}
