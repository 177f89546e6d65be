package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const expHeader = "id,trials,stopAt,nodes,graphId,modelId,graphType,autoDelete,outDir,outputs"

func writeExperiments(t *testing.T, rows ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiments.csv")
	content := expHeader + "\n" + strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// flag values persist across Execute calls; restore the defaults
	runProject, runThreads, runDelayMs, runJSON = "", 0, -1, false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRun_AllExperimentsFinish(t *testing.T) {
	t.Chdir(t.TempDir())
	outDir := t.TempDir()
	file := writeExperiments(t,
		"0,1,10,*5;min,line,identity,undirected,false,"+outDir+",step|population",
		"1,2,5,*4;min,line,identity,undirected,false,,",
	)

	out, err := execute(t, "run", file, "--project", "smoke")
	require.NoError(t, err)
	assert.Contains(t, out, "experiment 0: finished (360/360)")
	assert.Contains(t, out, "experiment 1: finished (360/360)")

	// the first experiment persisted its trial output
	data, err := os.ReadFile(filepath.Join(outDir, "smoke_e0_t0"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 12) // header + steps 0..10
}

func TestRun_JSONSummary(t *testing.T) {
	t.Chdir(t.TempDir())
	file := writeExperiments(t, "0,1,3,*3;min,line,identity,undirected,false,,")

	out, err := execute(t, "run", file, "--json")
	require.NoError(t, err)

	var summary struct {
		RunID       string `json:"runId"`
		Project     string `json:"project"`
		Experiments []struct {
			ID       int    `json:"id"`
			Status   string `json:"status"`
			Progress int    `json:"progress"`
		} `json:"experiments"`
	}
	require.NoError(t, jsoniter.Unmarshal([]byte(out), &summary))
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, "experiments", summary.Project)
	require.Len(t, summary.Experiments, 1)
	assert.Equal(t, "finished", summary.Experiments[0].Status)
	assert.Equal(t, 360, summary.Experiments[0].Progress)
}

func TestRun_UnknownModelEndsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	file := writeExperiments(t, "0,1,3,*3;min,line,nosuch,undirected,false,,")

	_, err := execute(t, "run", file)
	require.ErrorIs(t, err, errInvalidResults)
}

func TestRun_MissingFileIsConfigError(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "run", "does-not-exist.csv")
	require.ErrorIs(t, err, errConfigRejected)
}

func TestVersionCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}
