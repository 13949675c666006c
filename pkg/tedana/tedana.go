// Package tedana builds one TE-dependent analysis call per subject and
// task/run, and runs the calls in parallel.
package tedana

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"mepreproc/internal/models"
	"mepreproc/pkg/bids"
	"mepreproc/pkg/pipeline"
)

// CompletedMarker is the file tedana writes last; an output folder holding
// it is considered complete.
const CompletedMarker = "dn_ts_OC.nii"

// Params holds the tedana parameters
type Params struct {
	// Prefix precedes the subject ID in preprocessed image names
	Prefix string

	// Executable is the tedana program
	Executable string

	// EchoTimes are the echo times in milliseconds, one per echo
	EchoTimes []float64

	// MaxIterations and MaxRestarts bound the ICA fit
	MaxIterations int
	MaxRestarts   int

	// PNG asks tedana for diagnostic figures
	PNG bool

	// ExtraArgs are appended to every call
	ExtraArgs []string

	// SkipCompleted skips calls whose output folder holds CompletedMarker
	SkipCompleted bool

	// NumCores is the number of calls run at once
	NumCores int
}

// Call is one tedana invocation: one subject, one task/run
type Call struct {
	Subject string
	Label   string
	Images  []string
	Mask    string
	OutDir  string
	LogPath string
	Argv    []string
}

// String renders the call as a shell command line
func (c Call) String() string {
	quoted := make([]string, len(c.Argv))
	for i, arg := range c.Argv {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;#~!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// FormatEchoTimes renders echo times the way they are passed to -e
func FormatEchoTimes(tes []float64) []string {
	out := make([]string, len(tes))
	for i, te := range tes {
		out[i] = strconv.FormatFloat(te, 'f', -1, 64)
	}
	return out
}

// NewCall builds the tedana call of a cohort
func NewCall(params *Params, layout bids.Layout, cohort models.Cohort) Call {
	c := Call{
		Subject: layout.Subject.ID,
		Label:   cohort.Label,
		Images:  cohort.Paths(),
		Mask:    layout.CombinedMask(),
		OutDir:  layout.TedanaDir(cohort.Label),
		LogPath: layout.TedanaLog(cohort.Label),
	}

	argv := []string{params.Executable, "-d"}
	argv = append(argv, c.Images...)
	argv = append(argv, "-e")
	argv = append(argv, FormatEchoTimes(params.EchoTimes)...)
	argv = append(argv,
		"--mask", c.Mask,
		"--maxit", strconv.Itoa(params.MaxIterations),
		"--maxrestart", strconv.Itoa(params.MaxRestarts),
		"--out-dir", c.OutDir,
	)
	if params.PNG {
		argv = append(argv, "--png")
	}
	c.Argv = append(argv, params.ExtraArgs...)

	return c
}

// BuildCalls creates the calls of every subject: one per task/run found in
// the subject's func folder. Any subject problem (no echo images, missing
// mask, echo count not matching the echo times) fails the whole build so
// that no partial batch is started.
func BuildCalls(params *Params, subjects []models.Subject, logger *zap.Logger) ([]Call, error) {
	var (
		calls []Call
		errs  []error
	)

	for _, s := range subjects {
		logger.Info("Getting tedana calls", zap.String("subject", s.ID))
		layout := bids.NewLayout(s)

		images, err := bids.EchoImages(layout.FuncDir(), params.Prefix)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.ID, err))
			continue
		}
		if len(images) == 0 {
			errs = append(errs, fmt.Errorf("%s: no %ssub*echo-N images in %s", s.ID, params.Prefix, layout.FuncDir()))
			continue
		}
		if _, err := os.Stat(layout.CombinedMask()); err != nil {
			errs = append(errs, fmt.Errorf("%s: combined mask missing, run the mask stage first: %w", s.ID, err))
			continue
		}

		for _, cohort := range bids.GroupCohorts(images) {
			if len(cohort.Images) != len(params.EchoTimes) {
				errs = append(errs, fmt.Errorf("%s %s: %d echo images but %d echo times",
					s.ID, cohort.Label, len(cohort.Images), len(params.EchoTimes)))
				continue
			}
			calls = append(calls, NewCall(params, layout, cohort))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	logger.Info("Total number of tedana calls", zap.Int("calls", len(calls)))
	return calls, nil
}

// Runner executes tedana calls
type Runner struct {
	params *Params
	logger *zap.Logger
}

// NewRunner creates a new runner
func NewRunner(params *Params, logger *zap.Logger) *Runner {
	return &Runner{params: params, logger: logger}
}

// DryRun writes the command line of every call to w
func (r *Runner) DryRun(w io.Writer, calls []Call) error {
	for _, c := range calls {
		if _, err := fmt.Fprintln(w, c.String()); err != nil {
			return err
		}
	}
	return nil
}

// Run executes the calls with at most NumCores in flight. Every call runs
// even when others fail; the failures are returned joined.
func (r *Runner) Run(ctx context.Context, calls []Call) (pipeline.Summary, error) {
	r.logger.Info("Calling tedana",
		zap.Int("cores", r.params.NumCores),
		zap.Strings("echoTimes", FormatEchoTimes(r.params.EchoTimes)))

	results, err := pipeline.ForEach(ctx, len(calls), r.params.NumCores, func(ctx context.Context, i int) error {
		return r.runCall(ctx, calls[i])
	}, func(done, total int, res pipeline.Result) {
		c := calls[res.Index]
		fields := []zap.Field{
			zap.String("subject", c.Subject),
			zap.String("label", c.Label),
			zap.Duration("took", res.Duration),
			zap.Int("done", done),
			zap.Int("total", total),
		}
		if res.Err != nil {
			r.logger.Error("tedana call failed", append(fields, zap.Error(res.Err))...)
			return
		}
		r.logger.Info("tedana call finished", fields...)
	})

	summary := pipeline.Summarize(results)
	minutes, hours := pipeline.Elapsed(summary.Total)
	r.logger.Info("tedana stage finished",
		zap.Int("calls", summary.Count),
		zap.Int("failed", summary.Failed),
		zap.Duration("mean", summary.Mean),
		zap.Duration("stddev", summary.StdDev),
		zap.Duration("longest", summary.Longest),
		zap.Float64("cpuMinutes", minutes),
		zap.Float64("cpuHours", hours))

	return summary, err
}

func (r *Runner) runCall(ctx context.Context, c Call) error {
	if r.params.SkipCompleted {
		if _, err := os.Stat(filepath.Join(c.OutDir, CompletedMarker)); err == nil {
			r.logger.Info("Skipping completed tedana output",
				zap.String("subject", c.Subject), zap.String("label", c.Label))
			return nil
		}
	}

	logFile, err := os.Create(c.LogPath)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.Subject, c.Label, err)
	}
	defer logFile.Close()

	r.logger.Debug("Starting tedana", zap.String("subject", c.Subject), zap.String("command", c.String()))
	fmt.Fprintf(logFile, "$ %s\n", c.String())

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w (see %s)", c.Subject, c.Label, err, c.LogPath)
	}
	return nil
}
