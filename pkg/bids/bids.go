// Package bids discovers subjects and images in a BIDS-like derivatives
// folder and groups echo images into task/run cohorts.
package bids

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"mepreproc/internal/models"
)

var (
	// taskRunPattern is greedy on purpose: labels such as
	// "task-a_acq-b_run-2" keep every field between task and run.
	taskRunPattern = regexp.MustCompile(`task-.*run-\d{1,2}`)
	echoPattern    = regexp.MustCompile(`echo-(\d+)`)
)

// TaskRunLabel extracts the task/run label from a file or folder name.
func TaskRunLabel(name string) (string, error) {
	label := taskRunPattern.FindString(name)
	if label == "" {
		return "", fmt.Errorf("no task/run label in %q", name)
	}
	return label, nil
}

// EchoNumber returns the echo number of an image name. The second return
// value is false for names without a numeric echo, such as the optimal
// combinations written by a previous reorder pass.
func EchoNumber(name string) (int, bool) {
	m := echoPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ListSubjects returns the subjects to process. In "all" mode every sub*
// folder of workPath is returned in alphabetical order; in "subset" mode the
// listed subjects are returned in the given order and each must exist.
func ListSubjects(workPath, mode string, list []string) ([]models.Subject, error) {
	var ids []string

	switch mode {
	case "all":
		matches, err := filepath.Glob(filepath.Join(workPath, "sub*"))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.IsDir() {
				ids = append(ids, filepath.Base(m))
			}
		}
		sort.Strings(ids)
	case "subset":
		ids = list
	default:
		return nil, fmt.Errorf("unknown subject mode %q", mode)
	}

	subjects := make([]models.Subject, 0, len(ids))
	for _, id := range ids {
		root := filepath.Join(workPath, id)
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("subject %s: %w", id, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("subject %s: %s is not a directory", id, root)
		}
		subjects = append(subjects, models.Subject{ID: id, Root: root})
	}

	if len(subjects) == 0 {
		return nil, fmt.Errorf("no subject folders found in %s", workPath)
	}

	return subjects, nil
}

// Layout resolves the paths of one subject's inputs and outputs.
type Layout struct {
	Subject models.Subject
}

// NewLayout returns the layout of a subject.
func NewLayout(s models.Subject) Layout {
	return Layout{Subject: s}
}

func (l Layout) FuncDir() string { return filepath.Join(l.Subject.Root, "func") }
func (l Layout) AnatDir() string { return filepath.Join(l.Subject.Root, "anat") }

// GMWMMask is the grey plus white matter mask in EPI space.
func (l Layout) GMWMMask() string {
	return filepath.Join(l.AnatDir(), l.Subject.ID+"_mask-gmwm_space-epi_spm.nii")
}

// EPIMask is the mask computed from the first-echo images.
func (l Layout) EPIMask() string {
	return filepath.Join(l.FuncDir(), l.Subject.ID+"_mask-epi.nii")
}

// CombinedMask is the union of the EPI and grey/white matter masks; tedana
// runs inside it.
func (l Layout) CombinedMask() string {
	return filepath.Join(l.FuncDir(), l.Subject.ID+"_mask-comb_spm.nii")
}

// MaskQC is the JPEG snapshot of the combined mask.
func (l Layout) MaskQC() string {
	return filepath.Join(l.FuncDir(), l.Subject.ID+"_mask-comb_qc.jpg")
}

// TedanaDir is the tedana output folder of a task/run.
func (l Layout) TedanaDir(label string) string {
	return filepath.Join(l.FuncDir(), "tedana_"+label)
}

// TedanaLog receives the console output of the tedana call of a task/run.
func (l Layout) TedanaLog(label string) string {
	return l.TedanaDir(label) + ".log"
}

// globSorted returns the sorted matches of pattern inside dir.
func globSorted(dir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// FirstEchoImages returns the first-echo BOLD images used for the EPI mask.
func FirstEchoImages(funcDir, prefix string) ([]string, error) {
	return globSorted(funcDir, prefix+"sub*echo-1_bold.nii")
}

// EchoImages returns the preprocessed images of funcDir that carry a numeric
// echo field, sorted alphabetically.
func EchoImages(funcDir, prefix string) ([]models.EchoImage, error) {
	matches, err := globSorted(funcDir, prefix+"sub*nii")
	if err != nil {
		return nil, err
	}

	var images []models.EchoImage
	for _, path := range matches {
		name := filepath.Base(path)
		echo, ok := EchoNumber(name)
		if !ok {
			continue
		}
		label, err := TaskRunLabel(name)
		if err != nil {
			return nil, err
		}
		images = append(images, models.EchoImage{
			Path:     path,
			Filename: name,
			Label:    label,
			Echo:     echo,
		})
	}

	return images, nil
}

// GroupCohorts groups images by task/run label. Cohorts are sorted by label
// and keep the input order of their images.
func GroupCohorts(images []models.EchoImage) []models.Cohort {
	index := make(map[string]int)
	var cohorts []models.Cohort

	for _, img := range images {
		i, ok := index[img.Label]
		if !ok {
			i = len(cohorts)
			index[img.Label] = i
			cohorts = append(cohorts, models.Cohort{Label: img.Label})
		}
		cohorts[i].Images = append(cohorts[i].Images, img)
	}

	sort.SliceStable(cohorts, func(i, j int) bool {
		return cohorts[i].Label < cohorts[j].Label
	})

	return cohorts
}

// TedanaDirs returns the tedana output folders of funcDir, sorted.
func TedanaDirs(funcDir string) ([]string, error) {
	matches, err := globSorted(funcDir, "tedana*")
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			dirs = append(dirs, m)
		}
	}
	return dirs, nil
}

// EchoOneReference returns the first-echo image of a task/run. Its name is
// the template for the renamed tedana outputs, so any extra BIDS entities
// (such as "desc-") survive the rename.
func EchoOneReference(funcDir, prefix, subject, label string) (string, error) {
	matches, err := globSorted(funcDir, prefix+subject+"*echo-1*.nii")
	if err != nil {
		return "", err
	}

	for _, m := range matches {
		name := filepath.Base(m)
		if echo, ok := EchoNumber(name); ok && echo == 1 && hasLabel(name, label) {
			return m, nil
		}
	}

	return "", fmt.Errorf("no echo-1 image for %s in %s", label, funcDir)
}

// hasLabel reports whether label occurs in name as a whole field: a run
// number must not continue into more digits, so run-1 never matches run-10.
func hasLabel(name, label string) bool {
	for i := 0; ; {
		j := strings.Index(name[i:], label)
		if j < 0 {
			return false
		}
		end := i + j + len(label)
		if end == len(name) || name[end] < '0' || name[end] > '9' {
			return true
		}
		i += j + 1
	}
}

// RelabelEcho replaces the "echo-1" field of name with echoLabel.
func RelabelEcho(name, echoLabel string) string {
	return strings.ReplaceAll(name, "echo-1", echoLabel)
}
