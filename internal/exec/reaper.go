package exec

import (
	"time"

	"go.uber.org/zap"

	"github.com/terminus-os/backend/internal/logging"
)

// Reaper periodically reconciles OS process exit with registry state
// and evicts aged terminal records so registry memory stays bounded.
type Reaper struct {
	registry  *Registry
	interval  time.Duration
	retention time.Duration
	log       *logging.Logger

	stop chan struct{}
	done chan struct{}
}

// NewReaper creates a reaper for registry. It does not start sweeping
// until Start is called.
func NewReaper(registry *Registry, interval, retention time.Duration, log *logging.Logger) *Reaper {
	return &Reaper{
		registry:  registry,
		interval:  interval,
		retention: retention,
		log:       log,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start() {
	go r.loop()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one reconcile + evict pass. Exposed so tests and
// shutdown paths can run it deterministically.
func (r *Reaper) Sweep() {
	reconciled := r.registry.Reconcile()
	evicted := r.registry.Evict(r.retention)
	if reconciled > 0 || evicted > 0 {
		r.log.Debug("reaper sweep",
			zap.Int("reconciled", reconciled),
			zap.Int("evicted", evicted),
		)
	}
}
