package procmgr_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/netvolve/netvolve/internal/attrs"
	"github.com/netvolve/netvolve/internal/plugin"
	"github.com/netvolve/netvolve/internal/plugins/identity"
	"github.com/netvolve/netvolve/internal/plugins/linegraph"
	"github.com/netvolve/netvolve/internal/procmgr"
	"github.com/netvolve/netvolve/internal/sim"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// harness bundles a manager-backed environment and a project.
type harness struct {
	reg     *plugin.Registry
	mgr     *procmgr.Manager
	project *sim.Project
	delay   time.Duration
}

func newHarness(t *testing.T, threads int) *harness {
	t.Helper()
	h := &harness{reg: plugin.NewRegistry()}
	h.mgr = procmgr.New(threads, zap.NewNop())
	require.NoError(t, h.reg.RegisterModel(identity.Factory{}))
	require.NoError(t, h.reg.RegisterGraph(linegraph.Factory{}))
	h.project = sim.NewProject(h, 0, "bench")
	t.Cleanup(func() {
		h.mgr.KillAll()
		h.mgr.Wait()
	})
	return h
}

func (h *harness) Registry() *plugin.Registry      { return h.reg }
func (h *harness) DefaultStepDelay() time.Duration { return h.delay }
func (h *harness) Scheduler() sim.Scheduler        { return h.mgr }
func (h *harness) Logger() *zap.Logger             { return zap.NewNop() }

// newExp creates one experiment with the given id and stop target.
func (h *harness) newExp(t *testing.T, id, stopAt int) *sim.Experiment {
	t.Helper()
	g := attrs.NewAttributes(sim.GeneralScope())
	require.NoError(t, g.Set(sim.AttrExpID, attrs.Int32(int32(id))))
	require.NoError(t, g.Set(sim.AttrTrials, attrs.Int32(1)))
	require.NoError(t, g.Set(sim.AttrStopAt, attrs.Int32(int32(stopAt))))
	require.NoError(t, g.Set(sim.AttrNodes, attrs.String("*5;min")))
	require.NoError(t, g.Set(sim.AttrGraphID, attrs.String(linegraph.PluginID)))
	require.NoError(t, g.Set(sim.AttrModelID, attrs.String(identity.PluginID)))
	require.NoError(t, g.Set(sim.AttrGraphType, attrs.String("undirected")))
	require.NoError(t, g.Set(sim.AttrAutoDelete, attrs.Bool(false)))
	require.NoError(t, g.Set(sim.AttrOutDir, attrs.String("")))
	require.NoError(t, g.Set(sim.AttrOutputs, attrs.String("")))
	in, err := sim.NewExpInputs(g, nil, nil)
	require.NoError(t, err)

	exp, err := h.project.NewExperiment(in)
	require.NoError(t, err)
	return exp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_RunningNeverExceedsThreads(t *testing.T) {
	h := newHarness(t, 2)
	h.delay = time.Millisecond

	exps := make([]*sim.Experiment, 4)
	for i := range exps {
		exps[i] = h.newExp(t, i, 200)
	}
	for _, e := range exps {
		e.Play()
	}

	assert.LessOrEqual(t, h.mgr.RunningCount(), 2)
	assert.Equal(t, 4, h.mgr.ActiveCount())

	h.mgr.Wait()
	for _, e := range exps {
		assert.Equal(t, sim.StatusFinished, e.Status())
	}
	assert.Equal(t, 0, h.mgr.ActiveCount())
}

func TestManager_QueueAdmissionIsFIFO(t *testing.T) {
	h := newHarness(t, 1)
	h.delay = time.Millisecond

	first := h.newExp(t, 0, 100)
	second := h.newExp(t, 1, 5)
	third := h.newExp(t, 2, 5)

	var mu sync.Mutex
	var order []int
	for _, e := range []*sim.Experiment{first, second, third} {
		exp := e
		exp.StatusChanged.Connect(func(s sim.Status) {
			if s == sim.StatusRunning {
				mu.Lock()
				order = append(order, exp.ID())
				mu.Unlock()
			}
		})
	}

	first.Play()
	second.Play()
	third.Play()

	assert.Equal(t, sim.StatusQueued, second.Status())
	assert.Equal(t, sim.StatusQueued, third.Status())

	h.mgr.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestManager_PlayIsIdempotentWhileActive(t *testing.T) {
	h := newHarness(t, 1)
	h.delay = time.Millisecond

	a := h.newExp(t, 0, 300)
	b := h.newExp(t, 1, 5)

	a.Play()
	b.Play()
	require.Equal(t, 1, h.mgr.RunningCount())
	require.Equal(t, 1, h.mgr.QueuedCount())

	// repeats must not double-queue or double-run
	a.Play()
	b.Play()
	h.mgr.Play(a.ProcessID())
	h.mgr.Play(b.ProcessID())
	assert.Equal(t, 1, h.mgr.RunningCount())
	assert.Equal(t, 1, h.mgr.QueuedCount())

	h.mgr.Wait()
}

func TestManager_PlayUnknownProcessIsANoOp(t *testing.T) {
	h := newHarness(t, 1)
	h.mgr.Play(12345)
	assert.Equal(t, 0, h.mgr.ActiveCount())
}

func TestManager_ZeroThreadsRejectsAdmissions(t *testing.T) {
	h := newHarness(t, 1)
	h.delay = time.Millisecond

	running := h.newExp(t, 0, 300)
	running.Play()
	waitFor(t, "first experiment running", func() bool {
		return running.Status() == sim.StatusRunning
	})

	h.mgr.SetThreads(0)

	// running work is not cancelled
	assert.Equal(t, 1, h.mgr.RunningCount())

	// new admissions queue up instead of running
	waiting := h.newExp(t, 1, 5)
	waiting.Play()
	assert.Equal(t, sim.StatusQueued, waiting.Status())
	assert.Equal(t, 1, h.mgr.QueuedCount())

	// restoring capacity drains the queue
	h.mgr.SetThreads(2)
	h.mgr.Wait()
	assert.Equal(t, sim.StatusFinished, running.Status())
	assert.Equal(t, sim.StatusFinished, waiting.Status())
}

func TestManager_GrowAdmitsFromQueueHead(t *testing.T) {
	h := newHarness(t, 1)
	h.delay = time.Millisecond

	exps := make([]*sim.Experiment, 3)
	for i := range exps {
		exps[i] = h.newExp(t, i, 100)
	}
	for _, e := range exps {
		e.Play()
	}
	require.Equal(t, 1, h.mgr.RunningCount())
	require.Equal(t, 2, h.mgr.QueuedCount())

	h.mgr.SetThreads(3)
	assert.Equal(t, 3, h.mgr.RunningCount())
	assert.Equal(t, 0, h.mgr.QueuedCount())

	h.mgr.Wait()
}

func TestManager_ShrinkPausesAndRequeuesAtFront(t *testing.T) {
	h := newHarness(t, 2)
	h.delay = time.Millisecond

	exps := make([]*sim.Experiment, 4)
	for i := range exps {
		exps[i] = h.newExp(t, i, 300)
	}
	for _, e := range exps {
		e.Play()
	}
	require.Equal(t, 2, h.mgr.RunningCount())

	h.mgr.SetThreads(1)

	// the tail-most running experiment lands and re-queues at the front
	waitFor(t, "running to shrink to one", func() bool {
		return h.mgr.RunningCount() <= 1
	})

	h.mgr.Wait()
	for _, e := range exps {
		assert.Equal(t, sim.StatusFinished, e.Status(), "experiment %d", e.ID())
		assert.Equal(t, 300, e.Trial(0).Step())
	}
}

func TestManager_KillWhileRunningIsDeferred(t *testing.T) {
	h := newHarness(t, 1)
	h.delay = time.Millisecond

	exp := h.newExp(t, 0, 10_000)
	id := exp.ProcessID()

	var mu sync.Mutex
	killed := make(map[int]int)
	h.mgr.Killed.Connect(func(pid int) {
		mu.Lock()
		killed[pid]++
		mu.Unlock()
	})

	exp.Play()
	waitFor(t, "experiment running", func() bool {
		return exp.Status() == sim.StatusRunning
	})

	h.mgr.Kill(id)
	h.mgr.Wait()

	mu.Lock()
	assert.Equal(t, 1, killed[id], "killed must fire exactly once")
	mu.Unlock()
	assert.Nil(t, h.mgr.Process(id))
	assert.Equal(t, sim.StatusInvalid, exp.Status())
}

func TestManager_KillIdleIsImmediate(t *testing.T) {
	h := newHarness(t, 1)
	exp := h.newExp(t, 0, 10)
	id := exp.ProcessID()

	var killed []int
	h.mgr.Killed.Connect(func(pid int) { killed = append(killed, pid) })

	h.mgr.Kill(id)
	assert.Equal(t, []int{id}, killed)
	assert.Nil(t, h.mgr.Process(id))
	assert.Equal(t, sim.StatusInvalid, exp.Status())
}

func TestManager_KillQueuedProcess(t *testing.T) {
	h := newHarness(t, 1)
	h.delay = time.Millisecond

	running := h.newExp(t, 0, 300)
	queued := h.newExp(t, 1, 300)
	running.Play()
	queued.Play()
	require.Equal(t, sim.StatusQueued, queued.Status())

	h.mgr.Kill(queued.ProcessID())
	assert.Nil(t, h.mgr.Process(queued.ProcessID()))
	assert.Equal(t, sim.StatusInvalid, queued.Status())
	assert.Equal(t, 0, h.mgr.QueuedCount())

	h.mgr.Wait()
	assert.Equal(t, sim.StatusFinished, running.Status())
}

func TestManager_KillAllEmptiesTheTable(t *testing.T) {
	h := newHarness(t, 2)
	h.delay = time.Millisecond

	for i := 0; i < 3; i++ {
		h.newExp(t, i, 500).Play()
	}

	h.mgr.KillAll()
	h.mgr.Wait()

	assert.Empty(t, h.mgr.Processes())
	assert.Equal(t, 0, h.mgr.ActiveCount())
}

func TestManager_RemoveFromQueue(t *testing.T) {
	h := newHarness(t, 1)
	h.delay = time.Millisecond

	running := h.newExp(t, 0, 300)
	queued := h.newExp(t, 1, 300)
	running.Play()
	queued.Play()
	require.Equal(t, sim.StatusQueued, queued.Status())

	queued.Toggle() // toggling a queued experiment dequeues it
	assert.Equal(t, sim.StatusReady, queued.Status())
	assert.Equal(t, 0, h.mgr.QueuedCount())

	h.mgr.Wait()
}

func TestManager_ControlForwardingOnlyWhenRunning(t *testing.T) {
	h := newHarness(t, 1)
	h.delay = time.Millisecond

	exp := h.newExp(t, 0, 10_000)
	id := exp.ProcessID()

	// not running: forwards are dropped
	h.mgr.Pause(id)
	h.mgr.Stop(id)
	assert.Equal(t, sim.StatusReady, exp.Status())

	exp.Play()
	waitFor(t, "experiment running", func() bool {
		return exp.Status() == sim.StatusRunning
	})

	h.mgr.PauseAt(id, 0)
	h.mgr.Wait()
	assert.Equal(t, sim.StatusReady, exp.Status())

	exp.SetPauseAt(10_000)
	exp.Play()
	waitFor(t, "experiment running again", func() bool {
		return exp.Status() == sim.StatusRunning
	})
	h.mgr.Stop(id)
	h.mgr.Wait()
	assert.Equal(t, sim.StatusFinished, exp.Status())
}

func TestManager_AddIsIdempotentPerExperiment(t *testing.T) {
	h := newHarness(t, 1)
	exp := h.newExp(t, 0, 10)

	id := exp.ProcessID()
	assert.Equal(t, id, h.mgr.Add(exp))
	assert.Len(t, h.mgr.Processes(), 1)
}
