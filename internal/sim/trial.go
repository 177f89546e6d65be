package sim

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/netvolve/netvolve/internal/attrs"
	"github.com/netvolve/netvolve/internal/node"
	"github.com/netvolve/netvolve/internal/plugin"
)

// Trial owns the mutable simulation state of one independent run: the node
// set, the graph, the model instance and the step counter. All mutation
// happens on the worker that dispatched the trial; the controller thread
// only reads the status and the step counter, which are atomics for that
// reason.
type Trial struct {
	id  int
	exp *Experiment

	status atomic.Uint32
	step   atomic.Int64

	nodes node.Nodes
	graph plugin.Graph
	model plugin.Model

	// sinks is snapshotted once per run so the step loop never touches
	// the experiment mutex.
	sinks []*FileOutput

	log *zap.Logger
}

func newTrial(id int, exp *Experiment) *Trial {
	t := &Trial{
		id:  id,
		exp: exp,
		log: exp.log.With(zap.Int("trial", id)),
	}
	t.status.Store(uint32(StatusUnset))
	return t
}

func (t *Trial) ID() int { return t.id }

// Step returns the trial's step counter. Monotonically non-decreasing
// across observations.
func (t *Trial) Step() int { return int(t.step.Load()) }

func (t *Trial) Status() Status { return Status(t.status.Load()) }

func (t *Trial) setStatus(s Status) { t.status.Store(uint32(s)) }

// Nodes exposes the trial's node set. Only meaningful after dispatch; the
// worker owns it while the trial is running.
func (t *Trial) Nodes() node.Nodes { return t.nodes }

// run advances the trial on the owning worker: dispatch on first entry,
// then steps until the pause target, a cooperative flag, or a terminal
// model outcome.
func (t *Trial) run() {
	t.sinks = t.exp.outputSinks()

	if t.Status() == StatusUnset {
		if err := t.dispatch(); err != nil {
			t.setStatus(StatusInvalid)
			t.exp.reportTrialError(t.id, err)
			return
		}
		// the step-0 row precedes the first model step
		if err := t.flushOutputs(); err != nil {
			t.exp.reportSinkError(t.id, err)
			t.setStatus(StatusReady)
			return
		}
	}

	switch t.Status() {
	case StatusReady:
		t.setStatus(StatusRunning)
	case StatusRunning:
		// dispatched just above
	default:
		return
	}

	t.runUntil()
}

// dispatch materializes the node set (seed move or clone, decided under
// the experiment mutex), builds the graph and initializes the model. On
// failure the trial becomes Invalid with its step counter still at zero.
func (t *Trial) dispatch() error {
	nodes, err := t.exp.nodesForTrial(t.id)
	if err != nil {
		return err
	}

	graph := t.exp.graphFactory.New()
	if err := graph.Init(nodes, t.exp.graphParams); err != nil {
		return fmt.Errorf("graph %q: %w", t.exp.graphFactory.ID(), err)
	}

	model := t.exp.modelFactory.New()
	if err := model.Init(nodes, graph, t.exp.modelParams); err != nil {
		return fmt.Errorf("model %q: %w", t.exp.modelFactory.ID(), err)
	}

	t.nodes = nodes
	t.graph = graph
	t.model = model
	t.setStatus(StatusRunning)
	t.log.Debug("trial dispatched", zap.Int("population", nodes.Size()))
	return nil
}

// runUntil is the step loop. Pause, stop and kill are observed at step
// boundaries only; no suspension happens mid-step. Step k's output flush
// completes before step k+1 begins.
func (t *Trial) runUntil() {
	for {
		if t.exp.killRequested() || t.exp.pauseRequested() {
			t.setStatus(StatusReady)
			return
		}

		pauseAt := t.exp.pauseAtStep()
		if t.Step() >= pauseAt {
			if t.Step() >= t.exp.stopAtStep() {
				t.setStatus(StatusFinished)
			} else {
				t.setStatus(StatusReady)
			}
			return
		}

		cont, err := t.model.Step()
		if err != nil {
			t.setStatus(StatusInvalid)
			t.exp.reportTrialError(t.id, fmt.Errorf("model step failed: %w", err))
			return
		}
		t.step.Add(1)

		// the sink write is the last action of the step
		if err := t.flushOutputs(); err != nil {
			t.exp.reportSinkError(t.id, err)
			t.setStatus(StatusReady)
			return
		}

		t.exp.updateProgress()

		if !cont {
			t.setStatus(StatusFinished)
			return
		}

		t.exp.stepDelay()
	}
}

// flushOutputs emits the current step's columns to every sink of the
// experiment.
func (t *Trial) flushOutputs() error {
	if len(t.sinks) == 0 {
		return nil
	}
	step := attrs.Int64(t.step.Load())
	for _, o := range t.sinks {
		values := make([]attrs.Value, len(o.Columns()))
		for i, col := range o.Columns() {
			if col == colStep {
				values[i] = step
			} else {
				values[i] = t.model.Output(col)
			}
		}
		if err := o.WriteStep(t.id, values); err != nil {
			return err
		}
	}
	return nil
}
