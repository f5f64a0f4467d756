package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/stepgraph"
	"github.com/aretw0/stepgraph/internal/workflows/codereview"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// resetFlags clears flag values left over from a previous Execute.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "stepgraph version "+stepgraph.Version+"\n", out)
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Graph "+codereview.ID+" is valid!")

	_, err = execute(t, "validate", "nope")
	assert.ErrorIs(t, err, domain.ErrGraphNotFound)
}

func TestGraphCommand(t *testing.T) {
	out, err := execute(t, "graph", codereview.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, codereview.NodeDetect)

	_, err = execute(t, "graph", "nope")
	assert.ErrorIs(t, err, domain.ErrGraphNotFound)
}

func TestRunCommand_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stepgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  pacing: 0s\nlog:\n  level: error\n"), 0o644))

	out, err := execute(t, "--config", path, "run", codereview.ID, "--json", "--state", `{"raw_code":"a\nb\nc"}`)
	require.NoError(t, err)

	var run domain.Run
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.EqualValues(t, 3, run.State[codereview.KeyLines])
}

func TestRunCommand_BadConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "version")
	assert.Error(t, err)
}

func TestValidateCommand_ProcessGraphs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphs.yaml")
	body := "processes:\n  - name: noop\n    command: \"true\"\ngraphs:\n  - id: pipeline\n    entry_point: a\n    nodes: {a: noop, orphan: noop}\n    edges: {a: __END__}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	out, err := execute(t, "--graphs", path, "validate", "pipeline")
	require.NoError(t, err)
	assert.Contains(t, out, `node "orphan" is unreachable`)
	assert.Contains(t, out, "Graph pipeline is valid!")
}
