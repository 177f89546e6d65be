package sim

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/netvolve/netvolve/internal/attrs"
	"github.com/netvolve/netvolve/internal/node"
	"github.com/netvolve/netvolve/internal/plugin"
	"github.com/netvolve/netvolve/internal/signal"
)

// colStep is the implicit output column every sink may reference.
const colStep = "step"

// progressFull is the angular encoding of a finished experiment.
const progressFull = 360

// Experiment groups a fixed number of trials sharing identical inputs and
// aggregates their status and progress. The mutex guards status, the trial
// map, the output set and the clonable-seed handoff; step execution inside
// a trial never takes it.
type Experiment struct {
	env     Env
	project *Project // non-owning back-reference
	id      int

	// processID is assigned once by the scheduler.
	processID int

	mu   sync.Mutex
	cond *sync.Cond

	inputs       *ExpInputs
	modelFactory plugin.ModelFactory
	graphFactory plugin.GraphFactory
	graphType    plugin.GraphType
	modelParams  *attrs.Attributes
	graphParams  *attrs.Attributes

	numTrials  int
	autoDelete bool
	trials     map[int]*Trial

	// clonable is the seed node set shared across trials; nil once moved
	// into the last dispatched trial.
	clonable node.Nodes

	outputs        []*FileOutput
	filePathPrefix string
	fileHeader     string

	lastError string

	// lock-free reads from controller and workers; writes under mu
	status   atomic.Uint32
	progress atomic.Uint32

	stopAt  atomic.Int64
	pauseAt atomic.Int64
	delay   atomic.Int64 // milliseconds between steps

	pauseReq atomic.Bool
	killReq  atomic.Bool

	// interrupt is recreated per run; closing it cancels an in-flight
	// inter-step sleep within one delay interval.
	interrupt     chan struct{}
	interruptOnce *sync.Once

	// runTrials is the ordered trial snapshot of the current run, written
	// under mu by the worker entry and read lock-free by the step loop.
	runTrials []*Trial

	log *zap.Logger

	// Signals. Delivery is synchronous; observers must not block.
	StatusChanged   signal.Emitter[Status]
	ProgressUpdated signal.Emitter[int]
	Restarted       signal.Emitter[struct{}]
	ErrorOccurred   signal.Emitter[error]
}

// NewExperiment creates the experiment and initializes it from inputs.
// Init failures leave a live experiment whose status is Invalid and whose
// Error method reports what went wrong.
func NewExperiment(env Env, project *Project, id int, inputs *ExpInputs) (*Experiment, error) {
	e := &Experiment{
		env:       env,
		project:   project,
		id:        id,
		processID: -1,
		log: env.Logger().With(
			zap.String("component", "experiment"),
			zap.Int("experiment", id),
		),
	}
	e.cond = sync.NewCond(&e.mu)
	e.status.Store(uint32(StatusUnset))
	err := e.Init(inputs)
	return e, err
}

func (e *Experiment) ID() int           { return e.id }
func (e *Experiment) Project() *Project { return e.project }

// ProcessID returns the scheduler's process id for this experiment, or -1
// when the experiment has not been registered yet.
func (e *Experiment) ProcessID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processID
}

// SetProcessID is called exactly once by the scheduler on Add.
func (e *Experiment) SetProcessID(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processID = id
}

func (e *Experiment) Status() Status { return Status(e.status.Load()) }

// Progress returns the angular progress encoding, 0..360.
func (e *Experiment) Progress() int { return int(e.progress.Load()) }

// Error returns the message recorded by the last failed Init, empty when
// the experiment is healthy. Errors returned by Reset alone are not
// recorded.
func (e *Experiment) Error() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

func (e *Experiment) Inputs() *ExpInputs {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inputs
}

func (e *Experiment) ModelID() string { return e.Inputs().ModelID() }
func (e *Experiment) GraphID() string { return e.Inputs().GraphID() }

func (e *Experiment) NumTrials() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numTrials
}

// Trial returns a trial by id, or nil.
func (e *Experiment) Trial(trialID int) *Trial {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trials[trialID]
}

// TrialCount returns the number of currently materialized trials.
func (e *Experiment) TrialCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.trials)
}

// StopAtStep returns the permanent halt target.
func (e *Experiment) StopAtStep() int { return int(e.stopAt.Load()) }

func (e *Experiment) pauseAtStep() int { return int(e.pauseAt.Load()) }
func (e *Experiment) stopAtStep() int  { return int(e.stopAt.Load()) }

func (e *Experiment) pauseRequested() bool { return e.pauseReq.Load() }
func (e *Experiment) killRequested() bool  { return e.killReq.Load() }

// Init (re)initializes the experiment from a validated input set. Rejected
// while the experiment is queued or running. On failure no partial state is
// published: the experiment ends up Invalid with no trials.
func (e *Experiment) Init(inputs *ExpInputs) error {
	// resolved before taking the mutex: lock order is Project → Experiment
	projectName := "project"
	if e.project != nil {
		projectName = e.project.Name()
	}

	e.mu.Lock()
	if Status(e.status.Load()).Active() {
		e.mu.Unlock()
		return errors.New("tried to initialize a running experiment; pause it first")
	}
	if inputs == nil {
		e.mu.Unlock()
		return e.failInit(errors.New("nil inputs"))
	}

	e.closeOutputsLocked()
	e.inputs = inputs

	e.graphType = plugin.GraphTypeFromString(inputs.General(AttrGraphType).AsString())
	if e.graphType == plugin.GraphTypeInvalid {
		e.mu.Unlock()
		return e.failInit(fmt.Errorf("invalid graph type %q",
			inputs.General(AttrGraphType).AsString()))
	}

	e.numTrials = inputs.General(AttrTrials).AsInt()
	if e.numTrials < 1 || e.numTrials > MaxTrials {
		e.mu.Unlock()
		return e.failInit(fmt.Errorf("number of trials must be in [1,%d]", MaxTrials))
	}

	reg := e.env.Registry()
	var err error
	if e.modelFactory, err = reg.Model(inputs.ModelID()); err != nil {
		e.mu.Unlock()
		return e.failInit(err)
	}
	if e.graphFactory, err = reg.Graph(inputs.GraphID()); err != nil {
		e.mu.Unlock()
		return e.failInit(err)
	}

	e.modelParams = inputs.ModelAttrs()
	if e.modelParams == nil {
		e.modelParams = attrs.NewAttributes(e.modelFactory.ParamsScope())
	}
	e.graphParams = inputs.GraphAttrs()
	if e.graphParams == nil {
		e.graphParams = attrs.NewAttributes(e.graphFactory.ParamsScope())
	}

	e.autoDelete = inputs.General(AttrAutoDelete).AsBool()

	e.outputs = nil
	e.filePathPrefix = ""
	e.fileHeader = ""
	if caches := inputs.Caches(); len(caches) > 0 {
		known := map[string]bool{colStep: true}
		for _, c := range e.modelFactory.New().CustomOutputs() {
			known[c] = true
		}
		e.filePathPrefix = filepath.Join(
			inputs.General(AttrOutDir).AsString(),
			fmt.Sprintf("%s_e%d_t", projectName, e.id),
		)
		// all caches of an experiment share one file per trial, so the
		// columns fold into a single union sink
		headerCols := make([]string, 0, 4)
		seen := map[string]bool{}
		for _, cache := range caches {
			for _, col := range cache.Columns {
				if !known[col] {
					e.mu.Unlock()
					return e.failInit(fmt.Errorf("unknown output column %q for model %q",
						col, inputs.ModelID()))
				}
				if !seen[col] {
					seen[col] = true
					headerCols = append(headerCols, col)
				}
			}
		}
		e.addOutputLocked(NewFileOutput(e.filePathPrefix, headerCols))
		e.fileHeader = strings.Join(headerCols, ",")
	}

	e.lastError = ""
	e.mu.Unlock()

	return e.Reset()
}

// failInit records the error, publishes Invalid and clears any trials.
func (e *Experiment) failInit(err error) error {
	e.log.Warn("experiment init failed", zap.Error(err))
	e.DeleteTrials()
	e.mu.Lock()
	e.lastError = err.Error()
	changed := e.setStatusLocked(StatusInvalid)
	e.progress.Store(0)
	e.mu.Unlock()
	if changed {
		e.StatusChanged.Emit(StatusInvalid)
	}
	return err
}

// Reset discards all trials and rebuilds them from the inputs. Rejected in
// {Queued, Running}; the caller must pause first.
func (e *Experiment) Reset() error {
	if e.Status().Active() {
		e.log.Warn("tried to reset a running experiment; pause it first")
		return errors.New("tried to reset a running experiment; pause it first")
	}
	e.mu.Lock()
	initialized := e.inputs != nil && e.modelFactory != nil
	e.mu.Unlock()
	if !initialized {
		return errors.New("cannot reset an experiment that never initialized")
	}

	e.DeleteTrials()

	e.mu.Lock()
	for _, o := range e.outputs {
		if err := o.Close(); err != nil {
			e.log.Warn("flushing output on reset", zap.Error(err))
		}
	}

	e.trials = make(map[int]*Trial, e.numTrials)
	for trialID := 0; trialID < e.numTrials; trialID++ {
		e.trials[trialID] = newTrial(trialID, e)
	}

	e.delay.Store(int64(e.env.DefaultStepDelay() / time.Millisecond))
	stopAt := int64(e.inputs.General(AttrStopAt).AsInt())
	e.stopAt.Store(stopAt)
	e.pauseAt.Store(stopAt)
	e.progress.Store(0)
	e.pauseReq.Store(false)

	changed := e.setStatusLocked(StatusReady)
	e.mu.Unlock()

	if changed {
		e.StatusChanged.Emit(StatusReady)
	}
	e.Restarted.Emit(struct{}{})
	return nil
}

// DeleteTrials drops every trial and the clonable seed set.
func (e *Experiment) DeleteTrials() {
	e.mu.Lock()
	e.trials = nil
	e.clonable = nil
	e.mu.Unlock()
}

// SeedEmpty reports whether the clonable seed set has been consumed.
func (e *Experiment) SeedEmpty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clonable == nil
}

// nodesForTrial hands the dispatching trial its node set. The first
// dispatch creates nodes from the descriptor and caches a deep clone as
// the seed; later dispatches clone the seed, except the last unstarted
// trial, which moves it. The peer scan and the move are atomic under the
// experiment mutex.
func (e *Experiment) nodesForTrial(trialID int) (node.Nodes, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.clonable == nil {
		nodes, err := e.createNodesLocked()
		if err != nil {
			return nil, err
		}
		if e.anyOtherUnsetLocked(trialID) {
			e.clonable = nodes.Clone()
		}
		return nodes, nil
	}

	if e.anyOtherUnsetLocked(trialID) {
		return e.clonable.Clone(), nil
	}

	nodes := e.clonable
	e.clonable = nil
	return nodes, nil
}

func (e *Experiment) anyOtherUnsetLocked(trialID int) bool {
	for id, t := range e.trials {
		if id != trialID && t.Status() == StatusUnset {
			return true
		}
	}
	return false
}

func (e *Experiment) createNodesLocked() (node.Nodes, error) {
	cmd := e.inputs.General(AttrNodes).AsString()
	nodes, err := node.FromCmd(cmd, e.modelFactory.NodeAttrsScope())
	if err != nil {
		return nil, fmt.Errorf("unable to create the trial's node set: %w", err)
	}
	return nodes, nil
}

// outputSinks returns a snapshot of the output set for worker-side flushes.
func (e *Experiment) outputSinks() []*FileOutput {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*FileOutput, len(e.outputs))
	copy(out, e.outputs)
	return out
}

// FileHeader returns the precomputed union header of all caches.
func (e *Experiment) FileHeader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fileHeader
}

// FilePathPrefix returns "<outDir>/<project>_e<id>_t"; trial files append
// their id.
func (e *Experiment) FilePathPrefix() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filePathPrefix
}

// addOutputLocked de-duplicates by value equality.
func (e *Experiment) addOutputLocked(o *FileOutput) {
	for _, existing := range e.outputs {
		if existing.Equal(o) {
			return
		}
	}
	e.outputs = append(e.outputs, o)
}

// SearchOutput returns the stored sink equal to the given one, or nil.
func (e *Experiment) SearchOutput(o *FileOutput) *FileOutput {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.outputs {
		if existing.Equal(o) {
			return existing
		}
	}
	return nil
}

// RemoveOutput detaches a sink. The experiment must be Ready and the sink
// must report empty.
func (e *Experiment) RemoveOutput(o *FileOutput) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if Status(e.status.Load()) != StatusReady {
		return errors.New("tried to remove an output from a running experiment; pause it first")
	}
	if !o.IsEmpty() {
		return errors.New("tried to remove an output that is still in use; clean it first")
	}
	for i, existing := range e.outputs {
		if existing.Equal(o) {
			e.outputs = append(e.outputs[:i], e.outputs[i+1:]...)
			return nil
		}
	}
	return errors.New("tried to remove a non-existent output")
}

func (e *Experiment) closeOutputsLocked() {
	for _, o := range e.outputs {
		_ = o.Close()
	}
	e.outputs = nil
}

// --- control surface -------------------------------------------------

// Toggle plays when idle, pauses when running, and dequeues when queued.
func (e *Experiment) Toggle() {
	switch e.Status() {
	case StatusRunning:
		e.Pause()
	case StatusReady, StatusFinished:
		e.Play()
	case StatusQueued:
		e.env.Scheduler().RemoveFromQueue(e.ProcessID())
	}
}

// Play submits the experiment to the process manager. Only meaningful from
// Ready or Finished; repeated calls while queued or running are no-ops.
func (e *Experiment) Play() {
	s := e.Status()
	if s.Active() {
		return
	}
	if s != StatusReady && s != StatusFinished {
		e.log.Warn("tried to play an experiment that is not ready", zap.Stringer("status", s))
		return
	}
	e.env.Scheduler().Play(e.ProcessID())
}

// PlayNext advances every trial by a single step: it pauses at the current
// maximum trial step plus one, then plays.
func (e *Experiment) PlayNext() {
	if e.Status() != StatusReady {
		return
	}
	maxStep := 0
	e.mu.Lock()
	for _, t := range e.trials {
		if s := t.Step(); s > maxStep {
			maxStep = s
		}
	}
	e.mu.Unlock()
	e.SetPauseAt(maxStep + 1)
	e.env.Scheduler().Play(e.ProcessID())
}

// Pause requests a halt at the next step boundary of every active trial.
// Step counters are preserved; a later Play resumes where each trial left
// off. Repeated calls are no-ops.
func (e *Experiment) Pause() {
	e.pauseReq.Store(true)
	e.wakeWorker()
}

// SetPauseAt sets the resumable halt target, clamped to the stop target.
func (e *Experiment) SetPauseAt(step int) {
	stopAt := int(e.stopAt.Load())
	if step > stopAt {
		step = stopAt
	}
	if step < 0 {
		step = 0
	}
	e.pauseAt.Store(int64(step))
	e.wakeWorker()
}

// Stop halts permanently: running trials terminate at the next boundary
// and the experiment settles in Finished.
func (e *Experiment) Stop() {
	e.stopAt.Store(0)
	e.pauseAt.Store(0)
	e.wakeWorker()
	if e.Status() == StatusReady {
		e.finishIdle()
	}
}

// SetStopAt moves the permanent halt target; the pause target follows.
func (e *Experiment) SetStopAt(step int) {
	if step < 0 {
		step = 0
	}
	if step > MaxSteps {
		step = MaxSteps
	}
	e.stopAt.Store(int64(step))
	e.pauseAt.Store(int64(step))
	e.wakeWorker()
}

// SetAutoDelete toggles trial disposal on completion.
func (e *Experiment) SetAutoDelete(v bool) {
	e.mu.Lock()
	e.autoDelete = v
	e.mu.Unlock()
}

func (e *Experiment) AutoDelete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoDelete
}

// SetDelay adjusts the inter-step delay in milliseconds.
func (e *Experiment) SetDelay(d time.Duration) {
	e.delay.Store(int64(d / time.Millisecond))
}

// finishIdle settles an idle experiment in Finished without a worker,
// used by Stop on a Ready experiment.
func (e *Experiment) finishIdle() {
	e.mu.Lock()
	for _, t := range e.trials {
		if t.Status() == StatusUnset || t.Status() == StatusReady || t.Status() == StatusRunning {
			t.setStatus(StatusFinished)
		}
	}
	changed := e.setStatusLocked(StatusFinished)
	e.progress.Store(progressFull)
	e.mu.Unlock()
	if changed {
		e.StatusChanged.Emit(StatusFinished)
	}
	e.ProgressUpdated.Emit(progressFull)
}

// RequestKill marks the experiment for deferred destruction; the worker
// observes the flag at the next step boundary. Called by the scheduler.
func (e *Experiment) RequestKill() {
	e.killReq.Store(true)
	e.wakeWorker()
}

// wakeWorker cancels an in-flight inter-step sleep.
func (e *Experiment) wakeWorker() {
	e.mu.Lock()
	ch, once := e.interrupt, e.interruptOnce
	e.mu.Unlock()
	if ch != nil && once != nil {
		once.Do(func() { close(ch) })
	}
}

// stepDelay sleeps between steps when a delay is configured. The sleep is
// cancellable within one interval.
func (e *Experiment) stepDelay() {
	d := time.Duration(e.delay.Load()) * time.Millisecond
	if d <= 0 {
		return
	}
	e.mu.Lock()
	ch := e.interrupt
	e.mu.Unlock()
	if ch == nil {
		time.Sleep(d)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ch:
	}
}

// --- worker entry -----------------------------------------------------

// MarkQueued flips the experiment to Queued. Called by the scheduler after
// appending to its queue.
func (e *Experiment) MarkQueued() {
	e.mu.Lock()
	changed := e.setStatusLocked(StatusQueued)
	e.mu.Unlock()
	if changed {
		e.StatusChanged.Emit(StatusQueued)
	}
}

// MarkDequeued returns a queued experiment to Ready.
func (e *Experiment) MarkDequeued() {
	e.mu.Lock()
	if Status(e.status.Load()) != StatusQueued {
		e.mu.Unlock()
		return
	}
	changed := e.setStatusLocked(StatusReady)
	e.mu.Unlock()
	if changed {
		e.StatusChanged.Emit(StatusReady)
	}
}

// ProcessSteps is the worker entry point: it runs every trial of the
// experiment sequentially on the calling goroutine, then settles the
// aggregate status. Trials stay thread-confined to this worker for the
// whole run.
func (e *Experiment) ProcessSteps() {
	e.mu.Lock()
	e.pauseReq.Store(false)
	e.interrupt = make(chan struct{})
	e.interruptOnce = new(sync.Once)
	changed := e.setStatusLocked(StatusRunning)

	trialIDs := make([]int, 0, len(e.trials))
	for id := range e.trials {
		trialIDs = append(trialIDs, id)
	}
	sort.Ints(trialIDs)
	e.runTrials = make([]*Trial, 0, len(trialIDs))
	for _, id := range trialIDs {
		e.runTrials = append(e.runTrials, e.trials[id])
	}
	trials := e.runTrials
	e.mu.Unlock()

	if changed {
		e.StatusChanged.Emit(StatusRunning)
	}

	for _, t := range trials {
		if e.killRequested() || e.pauseRequested() {
			break
		}
		t.run()
	}

	e.settle()
}

// settle aggregates trial statuses into the experiment status after a run.
func (e *Experiment) settle() {
	e.mu.Lock()
	e.interrupt = nil
	e.interruptOnce = nil

	var final Status
	switch {
	case e.killReq.Load():
		// leave the kill-pending experiment parked; the manager destroys it
		final = StatusReady
	default:
		nFinished, nInvalid := 0, 0
		for _, t := range e.trials {
			switch t.Status() {
			case StatusFinished:
				nFinished++
			case StatusInvalid:
				nInvalid++
			}
		}
		switch {
		case len(e.trials) == 0:
			final = StatusFinished
		case nInvalid == len(e.trials):
			final = StatusInvalid
		case nFinished+nInvalid == len(e.trials):
			final = StatusFinished
		default:
			final = StatusReady
		}
	}

	for _, o := range e.outputs {
		if err := o.Flush(); err != nil {
			e.log.Warn("flushing outputs", zap.Error(err))
		}
	}

	switch final {
	case StatusFinished:
		e.progress.Store(progressFull)
		if e.autoDelete {
			e.closeOutputsLocked()
			e.trials = nil
			e.clonable = nil
		}
	case StatusInvalid:
		e.progress.Store(0)
	}

	changed := e.setStatusLocked(final)
	e.mu.Unlock()

	if changed {
		e.StatusChanged.Emit(final)
	}
	if final == StatusFinished || final == StatusInvalid {
		e.ProgressUpdated.Emit(e.Progress())
	}
}

// updateProgress recomputes the angular progress from the trial step
// counters. Called on every step tick from the owning worker; it reads
// the run snapshot, so it is lock-free on the hot path.
func (e *Experiment) updateProgress() {
	pauseAt := e.pauseAt.Load()
	if pauseAt <= 0 {
		return
	}
	trials := e.runTrials
	n := e.numTrials
	if n == 0 || len(trials) == 0 {
		return
	}

	var p float64
	for _, t := range trials {
		p += float64(t.Step()) / float64(pauseAt)
	}
	v := int(math.Ceil(p * progressFull / float64(n)))
	if v < 0 {
		v = 0
	}
	// full circle is reserved for Finished
	if v >= progressFull {
		v = progressFull - 1
	}

	old := e.progress.Swap(uint32(v))
	if old != uint32(v) {
		e.ProgressUpdated.Emit(v)
	}
}

// reportTrialError records a construction or runtime failure of one trial.
// Siblings continue; the aggregate status reflects the loss at settle time.
func (e *Experiment) reportTrialError(trialID int, err error) {
	e.log.Warn("trial failed", zap.Int("trial", trialID), zap.Error(err))
	e.ErrorOccurred.Emit(fmt.Errorf("trial %d: %w", trialID, err))
}

// reportSinkError handles an output I/O failure: the step is left
// incomplete and the whole experiment pauses.
func (e *Experiment) reportSinkError(trialID int, err error) {
	e.log.Error("output sink failed, pausing experiment",
		zap.Int("trial", trialID), zap.Error(err))
	e.pauseReq.Store(true)
	e.ErrorOccurred.Emit(fmt.Errorf("trial %d output: %w", trialID, err))
}

// setStatusLocked stores the status and wakes Invalidate waiters. Returns
// whether the value changed; the caller emits StatusChanged after
// releasing the mutex.
func (e *Experiment) setStatusLocked(s Status) bool {
	old := Status(e.status.Swap(uint32(s)))
	e.cond.Broadcast()
	return old != s
}

// Invalidate blocks until the experiment leaves {Queued, Running}, then
// tears it down: trials, seed and outputs are dropped and the status
// becomes Invalid. Part of the deferred-destruction handshake with the
// process manager.
func (e *Experiment) Invalidate() {
	e.mu.Lock()
	for Status(e.status.Load()).Active() {
		e.cond.Wait()
	}
	e.trials = nil
	e.clonable = nil
	e.closeOutputsLocked()
	e.progress.Store(0)
	changed := e.setStatusLocked(StatusInvalid)
	e.mu.Unlock()
	if changed {
		e.StatusChanged.Emit(StatusInvalid)
	}
}
