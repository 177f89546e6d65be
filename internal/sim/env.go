package sim

import (
	"time"

	"go.uber.org/zap"

	"github.com/netvolve/netvolve/internal/plugin"
)

// Env is the slice of the main controller that experiments and projects
// depend on. The concrete implementation lives in the app package; tests
// supply their own.
type Env interface {
	Registry() *plugin.Registry
	DefaultStepDelay() time.Duration
	Scheduler() Scheduler
	Logger() *zap.Logger
}

// Scheduler is the process manager surface experiments talk to. All
// lifetime decisions stay with the manager; experiments only borrow their
// process id.
type Scheduler interface {
	// Add registers an experiment as a process and returns its process id.
	Add(e *Experiment) int

	// Play submits the process to the worker pool, or queues it.
	Play(processID int)

	// RemoveFromQueue drops a queued process, returning it to Ready.
	RemoveFromQueue(processID int)

	// Kill requests destruction, deferred while a worker holds the process.
	Kill(processID int)
}
