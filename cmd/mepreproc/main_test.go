package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mepreproc/pkg/config"
)

// execute runs the root command with fresh flag values and returns what it
// wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	configPath = "mepreproc.yaml"
	verbose = false
	subjectsFlag = nil
	dryRun = false
	forceInit = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, nil, 0644))
}

// newWorkspace lays out two subjects with one two-echo run each, their
// combined masks, and a configuration file pointing at them.
func newWorkspace(t *testing.T) string {
	return newWorkspaceWith(t, nil)
}

func newWorkspaceWith(t *testing.T, edit func(cfg *config.Config)) string {
	work := t.TempDir()
	for _, id := range []string{"sub-01", "sub-02"} {
		funcDir := filepath.Join(work, id, "func")
		touch(t, filepath.Join(funcDir, "ra"+id+"_task-rest_run-1_echo-1_bold.nii"))
		touch(t, filepath.Join(funcDir, "ra"+id+"_task-rest_run-1_echo-2_bold.nii"))
		touch(t, filepath.Join(funcDir, id+"_mask-comb_spm.nii"))
	}

	cfg := config.DefaultConfig()
	cfg.WorkPath = work
	cfg.Processing.NumCores = 2
	cfg.Tedana.EchoTimes = []float64{12.5, 34}
	if edit != nil {
		edit(cfg)
	}

	path := filepath.Join(work, "mepreproc.yaml")
	require.NoError(t, config.SaveConfig(cfg, path))
	return path
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "mepreproc.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Reorder.Outputs, cfg.Reorder.Outputs)

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err)

	_, err = execute(t, "config", "init", "--force", path)
	assert.NoError(t, err)
}

func TestTedanaDryRun(t *testing.T) {
	path := newWorkspace(t)

	out, err := execute(t, "--config", path, "tedana", "--dry-run")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "sub-01_task-rest_run-1_echo-1_bold.nii")
	assert.Contains(t, lines[0], "-e 12.5 34")
	assert.Contains(t, lines[1], "sub-02_mask-comb_spm.nii")
}

func TestSubjectsFlagOverridesConfig(t *testing.T) {
	path := newWorkspace(t)

	out, err := execute(t, "--config", path, "--subjects", "sub-02", "tedana", "--dry-run")
	require.NoError(t, err)

	assert.NotContains(t, out, "sub-01")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestUnknownSubject(t *testing.T) {
	path := newWorkspace(t)

	_, err := execute(t, "--config", path, "--subjects", "sub-09", "tedana", "--dry-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-09")
}

func TestInvalidConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mepreproc.yaml")
	require.NoError(t, config.CreateDefaultConfigFile(path))

	_, err := execute(t, "--config", path, "tedana", "--dry-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workPath is empty")
	assert.Contains(t, err.Error(), "tedana.echoTimes is empty")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestRunStopsAtFailingStage(t *testing.T) {
	path := newWorkspaceWith(t, func(cfg *config.Config) {
		cfg.Mask.Command = []string{"/bin/sh", "-c", "echo no mask >&2; exit 1", "{output}"}
		cfg.Mask.SaveQC = false
	})
	work := filepath.Dir(path)

	_, err := execute(t, "--config", path, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mask stage")

	for _, id := range []string{"sub-01", "sub-02"} {
		leftovers, err := filepath.Glob(filepath.Join(work, id, "func", "tedana_*"))
		require.NoError(t, err)
		assert.Empty(t, leftovers, id)
	}
}
