// Package procmgr schedules experiments across a bounded worker pool.
// Each experiment is one process: admitted processes run their trials on
// a dedicated goroutine, the rest wait in a FIFO queue. All transitions
// are serialized on the manager's own mutex; experiment state is never
// touched while it is held, which keeps the lock order
// Project → Experiment → ProcessManager acyclic.
package procmgr

import (
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/netvolve/netvolve/internal/signal"
	"github.com/netvolve/netvolve/internal/sim"
)

// Manager is the process manager. It borrows experiments from their
// projects; the only lifetime decision it makes is the deferred
// destruction of kill-pending processes.
type Manager struct {
	mu sync.Mutex

	threads   int
	nextID    int
	processes map[int]*sim.Experiment
	order     []int // insertion order of process ids

	running []int // dispatched processes, |running| <= threads
	queued  []int // FIFO of processes awaiting a worker
	toKill  map[int]struct{}

	// requeue marks resize-paused processes that go back to the queue
	// front when their worker lands, preserving relative priority.
	requeue map[int]struct{}

	wg  sync.WaitGroup
	log *zap.Logger

	NewProcess signal.Emitter[int]
	Killed     signal.Emitter[int]
}

// New creates a manager with the given worker cap; zero or negative means
// the machine's ideal parallelism.
func New(threads int, logger *zap.Logger) *Manager {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return &Manager{
		threads:   threads,
		processes: make(map[int]*sim.Experiment),
		toKill:    make(map[int]struct{}),
		requeue:   make(map[int]struct{}),
		log:       logger.With(zap.String("component", "procmgr")),
	}
}

var _ sim.Scheduler = (*Manager)(nil)

// Threads returns the current worker cap.
func (m *Manager) Threads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads
}

// RunningCount returns the number of dispatched processes.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// QueuedCount returns the number of processes awaiting a worker.
func (m *Manager) QueuedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued)
}

// ActiveCount returns running plus queued.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running) + len(m.queued)
}

// Process returns the experiment registered under a process id, or nil.
func (m *Manager) Process(id int) *sim.Experiment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processes[id]
}

// Processes returns the registered experiments in insertion order.
func (m *Manager) Processes() []*sim.Experiment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sim.Experiment, 0, len(m.order))
	for _, id := range m.order {
		if e, ok := m.processes[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Add registers an experiment as a process. Adding the same experiment
// twice returns the existing id.
func (m *Manager) Add(e *sim.Experiment) int {
	m.mu.Lock()
	for _, id := range m.order {
		if m.processes[id] == e {
			m.mu.Unlock()
			m.NewProcess.Emit(id)
			return id
		}
	}
	id := m.nextID
	m.nextID++
	m.processes[id] = e
	m.order = append(m.order, id)
	m.mu.Unlock()

	e.SetProcessID(id)
	m.NewProcess.Emit(id)
	return id
}

// Play admits the process to a worker, or queues it. Idempotent while the
// process is already running or queued.
func (m *Manager) Play(id int) {
	m.mu.Lock()
	e, known := m.processes[id]
	if !known {
		m.mu.Unlock()
		m.log.Warn("tried to play a nonexistent process", zap.Int("process", id))
		return
	}
	if contains(m.running, id) || contains(m.queued, id) {
		m.mu.Unlock()
		return
	}
	if s := e.Status(); s != sim.StatusReady && s != sim.StatusFinished {
		m.mu.Unlock()
		m.log.Warn("tried to play a process that is not ready",
			zap.Int("process", id), zap.Stringer("status", s))
		return
	}

	if m.threads > 0 && len(m.running) < m.threads {
		m.running = append(m.running, id)
		m.startWorker(id, e)
		m.mu.Unlock()
		return
	}

	m.queued = append(m.queued, id)
	m.mu.Unlock()
	e.MarkQueued()
}

// startWorker launches the process goroutine. Caller holds m.mu.
func (m *Manager) startWorker(id int, e *sim.Experiment) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		e.ProcessSteps()
		m.completed(id)
	}()
}

// completed is the worker completion handler.
func (m *Manager) completed(id int) {
	m.mu.Lock()
	remove(&m.running, id)
	e := m.processes[id]

	_, killPending := m.toKill[id]
	_, wantsRequeue := m.requeue[id]
	delete(m.requeue, id)

	destroy := false
	if killPending {
		delete(m.toKill, id)
		remove(&m.queued, id)
		delete(m.processes, id)
		remove(&m.order, id)
		destroy = true
	}

	requeued := false
	if !destroy && wantsRequeue && e != nil && !terminal(e.Status()) {
		m.queued = append([]int{id}, m.queued...)
		requeued = true
	}

	admitted := m.admitLocked()
	m.mu.Unlock()

	if requeued && !contains(admitted, id) {
		e.MarkQueued()
	}
	if destroy && e != nil {
		m.destroy(e, id)
	}
}

// admitLocked moves queue heads to workers while capacity allows. Caller
// holds m.mu. Returns the admitted ids.
func (m *Manager) admitLocked() []int {
	var admitted []int
	for m.threads > 0 && len(m.running) < m.threads && len(m.queued) > 0 {
		id := m.queued[0]
		m.queued = m.queued[1:]
		e, ok := m.processes[id]
		if !ok {
			continue
		}
		m.running = append(m.running, id)
		m.startWorker(id, e)
		admitted = append(admitted, id)
	}
	return admitted
}

// destroy finishes a deferred kill: the experiment is invalidated and the
// killed signal fires exactly once per process id.
func (m *Manager) destroy(e *sim.Experiment, id int) {
	e.Invalidate()
	m.log.Debug("process destroyed", zap.Int("process", id))
	m.Killed.Emit(id)
}

// Kill requests destruction of a process. While a worker still references
// the experiment the kill is deferred: the id is marked and the completion
// handler destroys it. Otherwise it is destroyed immediately.
func (m *Manager) Kill(id int) {
	m.mu.Lock()
	e, known := m.processes[id]
	if !known {
		m.mu.Unlock()
		m.log.Warn("tried to kill a nonexistent process", zap.Int("process", id))
		return
	}

	wasQueued := contains(m.queued, id)
	remove(&m.queued, id)
	delete(m.requeue, id)

	if contains(m.running, id) {
		m.toKill[id] = struct{}{}
		m.mu.Unlock()
		e.RequestKill()
		return
	}

	delete(m.processes, id)
	remove(&m.order, id)
	delete(m.toKill, id)
	m.mu.Unlock()

	if wasQueued {
		e.MarkDequeued()
	}
	m.destroy(e, id)
}

// KillAll kills every known process.
func (m *Manager) KillAll() {
	m.mu.Lock()
	ids := make([]int, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()
	for _, id := range ids {
		m.Kill(id)
	}
}

// RemoveFromQueue drops a queued process and returns it to Ready.
func (m *Manager) RemoveFromQueue(id int) {
	m.mu.Lock()
	e := m.processes[id]
	wasQueued := contains(m.queued, id)
	remove(&m.queued, id)
	m.mu.Unlock()
	if wasQueued && e != nil {
		e.MarkDequeued()
	}
}

// SetThreads adjusts the worker cap. Growing admits from the queue head;
// shrinking pauses the tail-most running processes at their next step
// boundary and re-queues them at the front once their workers land.
// Setting zero stops new admissions without cancelling running work.
func (m *Manager) SetThreads(threads int) {
	if threads < 0 {
		threads = 0
	}
	m.mu.Lock()
	old := m.threads
	if threads == old {
		m.mu.Unlock()
		return
	}
	m.threads = threads

	if threads > old {
		m.admitLocked()
		m.mu.Unlock()
		return
	}

	if threads == 0 {
		m.mu.Unlock()
		return
	}

	need := len(m.running) - threads
	var toPause []*sim.Experiment
	for i := len(m.running) - 1; i >= 0 && need > 0; i-- {
		id := m.running[i]
		if _, marked := m.requeue[id]; marked {
			continue
		}
		m.requeue[id] = struct{}{}
		if e := m.processes[id]; e != nil {
			toPause = append(toPause, e)
		}
		need--
	}
	m.mu.Unlock()

	for _, e := range toPause {
		e.Pause()
	}
}

// Pause forwards to the experiment's cooperative control iff the process
// is currently running.
func (m *Manager) Pause(id int) {
	if e := m.runningProcess(id); e != nil {
		e.Pause()
	}
}

// PauseAt forwards the resumable halt target iff running.
func (m *Manager) PauseAt(id, step int) {
	if e := m.runningProcess(id); e != nil {
		e.SetPauseAt(step)
	}
}

// Stop forwards iff running.
func (m *Manager) Stop(id int) {
	if e := m.runningProcess(id); e != nil {
		e.Stop()
	}
}

// StopAt forwards the permanent halt target iff running.
func (m *Manager) StopAt(id, step int) {
	if e := m.runningProcess(id); e != nil {
		e.SetStopAt(step)
	}
}

func (m *Manager) runningProcess(id int) *sim.Experiment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !contains(m.running, id) {
		return nil
	}
	return m.processes[id]
}

// Wait blocks until every in-flight worker has landed. Queued processes
// admitted by completion handlers are waited on as well.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func terminal(s sim.Status) bool {
	return s == sim.StatusFinished || s == sim.StatusInvalid
}

func contains(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func remove(s *[]int, v int) {
	for i, x := range *s {
		if x == v {
			*s = append((*s)[:i], (*s)[i+1:]...)
			return
		}
	}
}
