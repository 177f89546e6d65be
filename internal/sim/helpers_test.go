package sim_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netvolve/netvolve/internal/attrs"
	"github.com/netvolve/netvolve/internal/node"
	"github.com/netvolve/netvolve/internal/plugin"
	"github.com/netvolve/netvolve/internal/plugins/identity"
	"github.com/netvolve/netvolve/internal/plugins/linegraph"
	"github.com/netvolve/netvolve/internal/procmgr"
	"github.com/netvolve/netvolve/internal/sim"
)

// testEnv satisfies sim.Env with a real process manager and a nop logger.
type testEnv struct {
	reg   *plugin.Registry
	mgr   *procmgr.Manager
	delay time.Duration
}

func newTestEnv(t *testing.T, threads int) *testEnv {
	t.Helper()
	env := &testEnv{reg: plugin.NewRegistry()}
	env.mgr = procmgr.New(threads, zap.NewNop())
	require.NoError(t, env.reg.RegisterModel(identity.Factory{}))
	require.NoError(t, env.reg.RegisterGraph(linegraph.Factory{}))
	t.Cleanup(func() {
		env.mgr.KillAll()
		env.mgr.Wait()
	})
	return env
}

func (e *testEnv) Registry() *plugin.Registry      { return e.reg }
func (e *testEnv) DefaultStepDelay() time.Duration { return e.delay }
func (e *testEnv) Scheduler() sim.Scheduler        { return e.mgr }
func (e *testEnv) Logger() *zap.Logger             { return zap.NewNop() }

// inputSpec is the programmatic shortcut for assembling ExpInputs.
type inputSpec struct {
	id         int
	trials     int
	stopAt     int
	nodes      string
	graphID    string
	modelID    string
	graphType  string
	autoDelete bool
	outDir     string
	outputs    string
}

func defaultSpec(id int) inputSpec {
	return inputSpec{
		id:        id,
		trials:    1,
		stopAt:    10,
		nodes:     "*5;min",
		graphID:   linegraph.PluginID,
		modelID:   identity.PluginID,
		graphType: "undirected",
	}
}

func makeInputs(t *testing.T, spec inputSpec) *sim.ExpInputs {
	t.Helper()
	g := attrs.NewAttributes(sim.GeneralScope())
	require.NoError(t, g.Set(sim.AttrExpID, attrs.Int32(int32(spec.id))))
	require.NoError(t, g.Set(sim.AttrTrials, attrs.Int32(int32(spec.trials))))
	require.NoError(t, g.Set(sim.AttrStopAt, attrs.Int32(int32(spec.stopAt))))
	require.NoError(t, g.Set(sim.AttrNodes, attrs.String(spec.nodes)))
	require.NoError(t, g.Set(sim.AttrGraphID, attrs.String(spec.graphID)))
	require.NoError(t, g.Set(sim.AttrModelID, attrs.String(spec.modelID)))
	require.NoError(t, g.Set(sim.AttrGraphType, attrs.String(spec.graphType)))
	require.NoError(t, g.Set(sim.AttrAutoDelete, attrs.Bool(spec.autoDelete)))
	require.NoError(t, g.Set(sim.AttrOutDir, attrs.String(spec.outDir)))
	require.NoError(t, g.Set(sim.AttrOutputs, attrs.String(spec.outputs)))

	in, err := sim.NewExpInputs(g, nil, nil)
	require.NoError(t, err)
	return in
}

// waitStatus polls until the experiment reaches the wanted status.
func waitStatus(t *testing.T, e *sim.Experiment, want sim.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.Status() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("experiment %d never reached %s (is %s)", e.ID(), want, e.Status())
}

// --- scripted plugins for failure and termination paths ----------------

// scriptedModelFactory builds models from a per-instance script.
type scriptedModelFactory struct {
	id    string
	build func(instance int) stepFunc
	count int
}

type stepFunc func(step int) (bool, error)

func (f *scriptedModelFactory) ID() string                   { return f.id }
func (f *scriptedModelFactory) ParamsScope() *attrs.Scope    { return attrs.EmptyScope() }
func (f *scriptedModelFactory) NodeAttrsScope() *attrs.Scope { return attrs.EmptyScope() }

func (f *scriptedModelFactory) New() plugin.Model {
	instance := f.count
	f.count++
	return &scriptedModel{step: f.build(instance)}
}

type scriptedModel struct {
	step  stepFunc
	steps int
}

func (m *scriptedModel) Init(nodes node.Nodes, _ plugin.Graph, _ *attrs.Attributes) error {
	if nodes.Size() == 0 {
		return fmt.Errorf("empty node set")
	}
	return nil
}

func (m *scriptedModel) Step() (bool, error) {
	m.steps++
	return m.step(m.steps)
}

func (m *scriptedModel) CustomOutputs() []string { return nil }

func (m *scriptedModel) Output(string) attrs.Value { return attrs.Value{} }
