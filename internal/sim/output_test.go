package sim_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netvolve/netvolve/internal/attrs"
	"github.com/netvolve/netvolve/internal/sim"
)

func TestFileOutput_HeaderThenRows(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "p_e0_t")
	o := sim.NewFileOutput(prefix, []string{"step", "population"})
	require.True(t, o.IsEmpty())

	require.NoError(t, o.WriteStep(0, []attrs.Value{attrs.Int64(0), attrs.Int32(5)}))
	require.NoError(t, o.WriteStep(0, []attrs.Value{attrs.Int64(1), attrs.Int32(5)}))
	require.NoError(t, o.WriteStep(1, []attrs.Value{attrs.Int64(0), attrs.Int32(5)}))
	require.False(t, o.IsEmpty())
	require.NoError(t, o.Close())

	data, err := os.ReadFile(prefix + "0")
	require.NoError(t, err)
	assert.Equal(t, "step,population\n0,5\n1,5\n", string(data))

	data, err = os.ReadFile(prefix + "1")
	require.NoError(t, err)
	assert.Equal(t, "step,population\n0,5\n", string(data))
}

func TestFileOutput_RejectsColumnMismatch(t *testing.T) {
	o := sim.NewFileOutput(filepath.Join(t.TempDir(), "x_t"), []string{"step"})
	err := o.WriteStep(0, []attrs.Value{attrs.Int64(0), attrs.Int32(1)})
	require.Error(t, err)
	assert.True(t, o.IsEmpty())
}

func TestFileOutput_EqualityIsByValue(t *testing.T) {
	a := sim.NewFileOutput("/tmp/p_t", []string{"step"})
	b := sim.NewFileOutput("/tmp/p_t", []string{"step"})
	c := sim.NewFileOutput("/tmp/p_t", []string{"step", "population"})
	d := sim.NewFileOutput("/tmp/q_t", []string{"step"})

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
}

func TestFileOutput_WriteFailurePausesExperiment(t *testing.T) {
	env := newTestEnv(t, 1)
	project := sim.NewProject(env, 0, "p")

	// outDir is a file, so the sink cannot create its trial file
	bogus := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(bogus, []byte("x"), 0o644))

	spec := defaultSpec(0)
	spec.outDir = filepath.Join(bogus, "sub")
	spec.outputs = "step"
	exp, err := project.NewExperiment(makeInputs(t, spec))
	require.NoError(t, err)

	var sinkErrs []string
	exp.ErrorOccurred.Connect(func(err error) { sinkErrs = append(sinkErrs, err.Error()) })

	exp.Play()
	env.mgr.Wait()

	// the experiment paused instead of finishing
	assert.Equal(t, sim.StatusReady, exp.Status())
	require.NotEmpty(t, sinkErrs)
	assert.True(t, strings.Contains(sinkErrs[0], "output"))
}

func TestExperiment_RemoveOutputRules(t *testing.T) {
	env := newTestEnv(t, 1)
	project := sim.NewProject(env, 0, "p")

	outDir := t.TempDir()
	spec := defaultSpec(0)
	spec.outDir = outDir
	spec.outputs = "step"
	exp, err := project.NewExperiment(makeInputs(t, spec))
	require.NoError(t, err)

	probe := sim.NewFileOutput(filepath.Join(outDir, "p_e0_t"), []string{"step"})
	stored := exp.SearchOutput(probe)
	require.NotNil(t, stored)

	// removable while ready and empty
	require.NoError(t, exp.RemoveOutput(probe))
	assert.Nil(t, exp.SearchOutput(probe))

	// removing it again fails
	assert.Error(t, exp.RemoveOutput(probe))
}
