// Package reorder shrinks tedana outputs and copies the optimally combined
// time series next to the echo images they were computed from.
package reorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"mepreproc/internal/models"
	"mepreproc/pkg/bids"
	"mepreproc/pkg/nifti"
	"mepreproc/pkg/pipeline"
)

// tmpPrefix marks the int16 copy written before it replaces the original
const tmpPrefix = "tmp_"

// Output names a tedana output file and the echo label its copy receives
type Output struct {
	Source    string
	EchoLabel string
}

// Params holds the reorder parameters
type Params struct {
	// Prefix precedes the subject ID in preprocessed image names
	Prefix string

	// SizeThresholdMB is the size, in decimal megabytes, above which an
	// image is narrowed to int16
	SizeThresholdMB float64

	// Workers is the number of images narrowed at once
	Workers int

	// Outputs lists the tedana files copied into the func folder
	Outputs []Output
}

// Reorderer reorganises tedana output folders
type Reorderer struct {
	params *Params
	logger *zap.Logger
}

// NewReorderer creates a new reorderer
func NewReorderer(params *Params, logger *zap.Logger) *Reorderer {
	return &Reorderer{params: params, logger: logger}
}

// Process reorganises the tedana outputs of every subject, one subject at a
// time. Failures are collected per subject.
func (r *Reorderer) Process(ctx context.Context, subjects []models.Subject) error {
	var errs []error
	for _, s := range subjects {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.ProcessSubject(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ProcessSubject handles every tedana folder of one subject
func (r *Reorderer) ProcessSubject(ctx context.Context, subject models.Subject) error {
	start := time.Now()
	layout := bids.NewLayout(subject)
	log := r.logger.With(zap.String("subject", subject.ID))

	log.Info("Reordering tedana outputs")

	dirs, err := bids.TedanaDirs(layout.FuncDir())
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		log.Warn("No tedana output folders", zap.String("dir", layout.FuncDir()))
	}

	var errs []error
	for _, dir := range dirs {
		label, err := bids.TaskRunLabel(filepath.Base(dir))
		if err != nil {
			log.Warn("Skipping folder without task/run label", zap.String("dir", dir))
			continue
		}

		if err := r.ProcessDir(ctx, layout, dir, label); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
	}

	minutes, hours := pipeline.Elapsed(time.Since(start))
	log.Info("Reorder finished", zap.Float64("minutes", minutes), zap.Float64("hours", hours))

	return errors.Join(errs...)
}

// ProcessDir narrows the large images of one tedana folder, then copies the
// configured outputs into the func folder under names derived from the
// task/run's first-echo image.
func (r *Reorderer) ProcessDir(ctx context.Context, layout bids.Layout, dir, label string) error {
	log := r.logger.With(zap.String("subject", layout.Subject.ID), zap.String("label", label))

	if err := r.NarrowDir(ctx, dir); err != nil {
		return err
	}

	reference, err := bids.EchoOneReference(layout.FuncDir(), r.params.Prefix, layout.Subject.ID, label)
	if err != nil {
		return err
	}
	refName := filepath.Base(reference)

	var errs []error
	for _, out := range r.params.Outputs {
		src := filepath.Join(dir, out.Source)
		dst := filepath.Join(layout.FuncDir(), bids.RelabelEcho(refName, out.EchoLabel))

		if err := copyFile(src, dst); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info("Copied tedana output", zap.String("from", src), zap.String("file", dst))
	}

	return errors.Join(errs...)
}

// LargeImages returns the *.nii files of dir larger than the threshold,
// sorted by name. Leftover temporary files are ignored.
func (r *Reorderer) LargeImages(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.nii"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var large []string
	for _, m := range matches {
		if strings.HasPrefix(filepath.Base(m), tmpPrefix) {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			return nil, err
		}
		if info.Mode().IsRegular() && float64(info.Size())/1e6 > r.params.SizeThresholdMB {
			large = append(large, m)
		}
	}
	return large, nil
}

// NarrowDir rewrites the large images of dir as int16, Workers at a time.
// Each image is written to a temporary file that then replaces it.
func (r *Reorderer) NarrowDir(ctx context.Context, dir string) error {
	images, err := r.LargeImages(dir)
	if err != nil {
		return err
	}

	_, err = pipeline.ForEach(ctx, len(images), r.params.Workers, func(ctx context.Context, i int) error {
		return r.narrowInPlace(images[i])
	}, nil)
	return err
}

func (r *Reorderer) narrowInPlace(path string) error {
	before, err := os.Stat(path)
	if err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(path), tmpPrefix+filepath.Base(path))
	res, err := nifti.Narrow(path, tmp)
	if err != nil {
		return err
	}
	if res.Skipped {
		r.logger.Debug("Already int16", zap.String("file", path))
		return nil
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}

	after, err := os.Stat(path)
	if err != nil {
		return err
	}

	r.logger.Info("Narrowed to int16",
		zap.String("file", path),
		zap.String("from", nifti.TypeName(res.FromType)),
		zap.String("before", humanize.Bytes(uint64(before.Size()))),
		zap.String("after", humanize.Bytes(uint64(after.Size()))),
		zap.Float64("slope", res.Slope),
		zap.Float64("inter", res.Inter),
		zap.Int("nonFinite", res.NonFinite))

	return nil
}

// copyFile copies src to dst through a temporary file in dst's folder
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := filepath.Join(filepath.Dir(dst), tmpPrefix+filepath.Base(dst))
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, dst)
}
