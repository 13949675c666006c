package bids

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mepreproc/internal/models"
)

// touch creates an empty file, making parent folders as needed
func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, nil, 0644))
}

func TestTaskRunLabel(t *testing.T) {
	tests := []struct {
		name  string
		want  string
		isErr bool
	}{
		{"rasub-01_task-sentence_run-1_echo-2_bold.nii", "task-sentence_run-1", false},
		{"rasub-01_task-nback_run-12_echo-1_bold.nii", "task-nback_run-12", false},
		{"rasub-01_task-a_acq-mb_run-3_echo-1_bold.nii", "task-a_acq-mb_run-3", false},
		{"tedana_task-sentence_run-2", "task-sentence_run-2", false},
		{"sub-01_mask-comb_spm.nii", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TaskRunLabel(tc.name)
			if tc.isErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEchoNumber(t *testing.T) {
	n, ok := EchoNumber("rasub-01_task-x_run-1_echo-3_bold.nii")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = EchoNumber("rasub-01_task-x_run-1_echo-oc_bold.nii")
	assert.False(t, ok)
}

func TestListSubjects(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"sub-03", "sub-01", "sub-02"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, id, "func"), 0755))
	}
	touch(t, filepath.Join(root, "sub-notes.txt"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "code"), 0755))

	t.Run("all", func(t *testing.T) {
		subjects, err := ListSubjects(root, "all", nil)
		require.NoError(t, err)
		ids := make([]string, len(subjects))
		for i, s := range subjects {
			ids[i] = s.ID
		}
		assert.Equal(t, []string{"sub-01", "sub-02", "sub-03"}, ids)
		assert.Equal(t, filepath.Join(root, "sub-01"), subjects[0].Root)
	})

	t.Run("subset keeps order", func(t *testing.T) {
		subjects, err := ListSubjects(root, "subset", []string{"sub-03", "sub-01"})
		require.NoError(t, err)
		require.Len(t, subjects, 2)
		assert.Equal(t, "sub-03", subjects[0].ID)
		assert.Equal(t, "sub-01", subjects[1].ID)
	})

	t.Run("subset missing subject", func(t *testing.T) {
		_, err := ListSubjects(root, "subset", []string{"sub-09"})
		assert.Error(t, err)
	})

	t.Run("empty work path", func(t *testing.T) {
		_, err := ListSubjects(t.TempDir(), "all", nil)
		assert.Error(t, err)
	})
}

func TestLayout(t *testing.T) {
	l := NewLayout(models.Subject{ID: "sub-01", Root: "/d/sub-01"})

	assert.Equal(t, "/d/sub-01/anat/sub-01_mask-gmwm_space-epi_spm.nii", l.GMWMMask())
	assert.Equal(t, "/d/sub-01/func/sub-01_mask-epi.nii", l.EPIMask())
	assert.Equal(t, "/d/sub-01/func/sub-01_mask-comb_spm.nii", l.CombinedMask())
	assert.Equal(t, "/d/sub-01/func/tedana_task-a_run-1", l.TedanaDir("task-a_run-1"))
	assert.Equal(t, "/d/sub-01/func/tedana_task-a_run-1.log", l.TedanaLog("task-a_run-1"))
}

func TestEchoImagesAndCohorts(t *testing.T) {
	funcDir := t.TempDir()
	names := []string{
		"rasub-01_task-sentence_run-2_echo-2_bold.nii",
		"rasub-01_task-sentence_run-2_echo-1_bold.nii",
		"rasub-01_task-nback_run-1_echo-1_bold.nii",
		"rasub-01_task-nback_run-1_echo-3_bold.nii",
		"rasub-01_task-nback_run-1_echo-2_bold.nii",
		// optimal combinations from an earlier run are not echoes
		"rasub-01_task-nback_run-1_echo-oc_bold.nii",
		"rasub-01_task-nback_run-1_echo-dnoc_bold.nii",
		// not realigned, not slice-time corrected
		"sub-01_task-nback_run-1_echo-1_bold.nii",
		"sub-01_mask-comb_spm.nii",
	}
	for _, n := range names {
		touch(t, filepath.Join(funcDir, n))
	}

	images, err := EchoImages(funcDir, "ra")
	require.NoError(t, err)
	require.Len(t, images, 5)

	cohorts := GroupCohorts(images)
	require.Len(t, cohorts, 2)

	assert.Equal(t, "task-nback_run-1", cohorts[0].Label)
	assert.Equal(t, []string{
		filepath.Join(funcDir, "rasub-01_task-nback_run-1_echo-1_bold.nii"),
		filepath.Join(funcDir, "rasub-01_task-nback_run-1_echo-2_bold.nii"),
		filepath.Join(funcDir, "rasub-01_task-nback_run-1_echo-3_bold.nii"),
	}, cohorts[0].Paths())

	assert.Equal(t, "task-sentence_run-2", cohorts[1].Label)
	require.Len(t, cohorts[1].Images, 2)
	assert.Equal(t, 1, cohorts[1].Images[0].Echo)
	assert.Equal(t, 2, cohorts[1].Images[1].Echo)
}

func TestFirstEchoImages(t *testing.T) {
	funcDir := t.TempDir()
	touch(t, filepath.Join(funcDir, "rasub-01_task-b_run-1_echo-1_bold.nii"))
	touch(t, filepath.Join(funcDir, "rasub-01_task-a_run-1_echo-1_bold.nii"))
	touch(t, filepath.Join(funcDir, "rasub-01_task-a_run-1_echo-2_bold.nii"))

	got, err := FirstEchoImages(funcDir, "ra")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(funcDir, "rasub-01_task-a_run-1_echo-1_bold.nii"),
		filepath.Join(funcDir, "rasub-01_task-b_run-1_echo-1_bold.nii"),
	}, got)
}

func TestTedanaDirs(t *testing.T) {
	funcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(funcDir, "tedana_task-b_run-1"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(funcDir, "tedana_task-a_run-1"), 0755))
	touch(t, filepath.Join(funcDir, "tedana_task-a_run-1.log"))

	dirs, err := TedanaDirs(funcDir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(funcDir, "tedana_task-a_run-1"),
		filepath.Join(funcDir, "tedana_task-b_run-1"),
	}, dirs)
}

func TestEchoOneReference(t *testing.T) {
	funcDir := t.TempDir()
	touch(t, filepath.Join(funcDir, "rasub-01_task-a_run-1_desc-x_echo-1_bold.nii"))
	touch(t, filepath.Join(funcDir, "rasub-01_task-a_run-2_echo-1_bold.nii"))

	ref, err := EchoOneReference(funcDir, "ra", "sub-01", "task-a_run-1")
	require.NoError(t, err)
	assert.Equal(t, "rasub-01_task-a_run-1_desc-x_echo-1_bold.nii", filepath.Base(ref))

	assert.Equal(t, "rasub-01_task-a_run-1_desc-x_echo-dnoc_bold.nii",
		RelabelEcho(filepath.Base(ref), "echo-dnoc"))

	_, err = EchoOneReference(funcDir, "ra", "sub-01", "task-c_run-1")
	assert.Error(t, err)
}

func TestEchoOneReferenceTwoDigitRuns(t *testing.T) {
	funcDir := t.TempDir()
	touch(t, filepath.Join(funcDir, "rasub-01_task-a_run-10_echo-1_bold.nii"))
	touch(t, filepath.Join(funcDir, "rasub-01_task-a_run-1_echo-1_bold.nii"))
	touch(t, filepath.Join(funcDir, "rasub-01_task-a_run-1_echo-12_bold.nii"))

	ref, err := EchoOneReference(funcDir, "ra", "sub-01", "task-a_run-1")
	require.NoError(t, err)
	assert.Equal(t, "rasub-01_task-a_run-1_echo-1_bold.nii", filepath.Base(ref))
	assert.Equal(t, "rasub-01_task-a_run-1_echo-oc_bold.nii", RelabelEcho(filepath.Base(ref), "echo-oc"))

	ref, err = EchoOneReference(funcDir, "ra", "sub-01", "task-a_run-10")
	require.NoError(t, err)
	assert.Equal(t, "rasub-01_task-a_run-10_echo-1_bold.nii", filepath.Base(ref))

	_, err = EchoOneReference(funcDir, "ra", "sub-01", "task-a_run-2")
	assert.Error(t, err)
}
