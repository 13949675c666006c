// Package masking builds the analysis mask that tedana runs in: an EPI mask
// computed by an external tool from the first-echo images, joined with the
// grey plus white matter mask.
package masking

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"mepreproc/internal/models"
	"mepreproc/pkg/bids"
	"mepreproc/pkg/nifti"
	"mepreproc/pkg/pipeline"
	"mepreproc/pkg/visualization"
)

// Placeholders recognised in the mask command
const (
	OutputPlaceholder = "{output}"
	InputsPlaceholder = "{inputs}"
)

// Params holds the masking parameters
type Params struct {
	// Prefix precedes the subject ID in preprocessed image names
	Prefix string

	// Command computes the EPI mask; see OutputPlaceholder and
	// InputsPlaceholder
	Command []string

	// SaveQC writes a JPEG of the middle axial slice of the combined mask
	SaveQC bool

	// Workers is the number of subjects processed at once
	Workers int
}

// Masker computes analysis masks for subjects
type Masker struct {
	params *Params
	logger *zap.Logger
}

// NewMasker creates a new masker instance with the provided parameters
func NewMasker(params *Params, logger *zap.Logger) *Masker {
	return &Masker{params: params, logger: logger}
}

// CombineStats describes a combined mask
type CombineStats struct {
	// EPIVoxels, GMWMVoxels and Voxels count non-zero voxels in the EPI
	// mask, the grey plus white matter mask and their union
	EPIVoxels  int
	GMWMVoxels int
	Voxels     int

	// Total is the number of voxels in the grid
	Total int
}

// Process computes the masks of every subject. Failures are collected per
// subject; one subject failing does not stop the others.
func (m *Masker) Process(ctx context.Context, subjects []models.Subject) error {
	_, err := pipeline.ForEach(ctx, len(subjects), m.params.Workers, func(ctx context.Context, i int) error {
		if err := m.ProcessSubject(ctx, subjects[i]); err != nil {
			return fmt.Errorf("%s: %w", subjects[i].ID, err)
		}
		return nil
	}, nil)
	return err
}

// ProcessSubject computes the EPI mask of one subject and combines it with
// the subject's grey plus white matter mask.
func (m *Masker) ProcessSubject(ctx context.Context, subject models.Subject) error {
	start := time.Now()
	layout := bids.NewLayout(subject)
	log := m.logger.With(zap.String("subject", subject.ID))

	log.Info("Creating mask for tedana")

	inputs, err := bids.FirstEchoImages(layout.FuncDir(), m.params.Prefix)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no %ssub*echo-1_bold.nii images in %s", m.params.Prefix, layout.FuncDir())
	}
	log.Debug("First-echo images", zap.Strings("images", inputs))

	if err := m.computeEPIMask(ctx, inputs, layout.EPIMask()); err != nil {
		return fmt.Errorf("computing EPI mask: %w", err)
	}

	stats, err := CombineMasks(layout.EPIMask(), layout.GMWMMask(), layout.CombinedMask())
	if err != nil {
		return fmt.Errorf("combining masks: %w", err)
	}

	log.Info("Combined mask written",
		zap.String("file", layout.CombinedMask()),
		zap.Int("epiVoxels", stats.EPIVoxels),
		zap.Int("gmwmVoxels", stats.GMWMVoxels),
		zap.Int("maskVoxels", stats.Voxels),
		zap.Int("gridVoxels", stats.Total))

	if m.params.SaveQC {
		if err := SaveQC(layout.CombinedMask(), layout.MaskQC()); err != nil {
			log.Warn("Failed to save mask snapshot", zap.Error(err))
		}
	}

	minutes, hours := pipeline.Elapsed(time.Since(start))
	log.Info("Mask stage finished", zap.Float64("minutes", minutes), zap.Float64("hours", hours))

	return nil
}

// ExpandCommand substitutes the output path and input images into a command
// template. An element equal to InputsPlaceholder expands to one argument
// per input.
func ExpandCommand(template []string, output string, inputs []string) ([]string, error) {
	if len(template) == 0 {
		return nil, errors.New("mask command is empty")
	}

	var argv []string
	sawOutput := false
	for _, arg := range template {
		if arg == InputsPlaceholder {
			argv = append(argv, inputs...)
			continue
		}
		if strings.Contains(arg, OutputPlaceholder) {
			sawOutput = true
		}
		argv = append(argv, strings.ReplaceAll(arg, OutputPlaceholder, output))
	}

	if !sawOutput {
		return nil, fmt.Errorf("mask command %q has no %s placeholder", template, OutputPlaceholder)
	}
	return argv, nil
}

func (m *Masker) computeEPIMask(ctx context.Context, inputs []string, output string) error {
	argv, err := ExpandCommand(m.params.Command, output, inputs)
	if err != nil {
		return err
	}

	m.logger.Debug("Running mask command", zap.Strings("argv", argv))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}

	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("mask command did not write %s: %w", output, err)
	}
	return nil
}

// CombineMasks writes the union of two masks (x + y > 0) as a uint8 image
// with the geometry of the EPI mask. Both masks must share a voxel grid.
func CombineMasks(epiPath, gmwmPath, outPath string) (CombineStats, error) {
	epiHead, err := nifti.Open(epiPath)
	if err != nil {
		return CombineStats{}, err
	}
	gmwmHead, err := nifti.Open(gmwmPath)
	if err != nil {
		return CombineStats{}, err
	}
	if !epiHead.Header.SameGrid(gmwmHead.Header) {
		return CombineStats{}, fmt.Errorf("mask grids differ: %v in %s, %v in %s",
			epiHead.Header.Shape(), epiPath, gmwmHead.Header.Shape(), gmwmPath)
	}

	shape := epiHead.Header.Shape()
	for len(shape) < 3 {
		shape = append(shape, 1)
	}
	nx, ny, nz := shape[0], shape[1], shape[2]

	epi, err := loadMask(epiHead, nx, ny, nz)
	if err != nil {
		return CombineStats{}, err
	}
	gmwm, err := loadMask(gmwmHead, nx, ny, nz)
	if err != nil {
		return CombineStats{}, err
	}

	h := epiHead.Header
	h.Dim = [8]int16{3, int16(nx), int16(ny), int16(nz), 1, 1, 1, 1}
	h.DataType = nifti.DTUint8
	h.SclSlope = 1
	h.SclInter = 0
	h.CalMin = 0
	h.CalMax = 1

	stats := CombineStats{Total: nx * ny * nz}
	data := make([]float64, stats.Total)
	for i := range data {
		a, b := epi[i], gmwm[i]
		if a > 0 {
			stats.EPIVoxels++
		}
		if b > 0 {
			stats.GMWMVoxels++
		}
		if a+b > 0 {
			data[i] = 1
			stats.Voxels++
		}
	}

	vol := &nifti.Volume{Header: h, Order: epiHead.Order, Extension: epiHead.Extension, Data: data}
	if err := nifti.Write(outPath, vol); err != nil {
		return CombineStats{}, err
	}
	return stats, nil
}

// directLoad reports whether the nifti library decodes the image as the
// header describes it: it reads little-endian data only, takes every 2-byte
// type as uint16 and every 4-byte type as float32, and ignores scaling.
func directLoad(f *nifti.File) bool {
	if f.Order != binary.LittleEndian {
		return false
	}
	if slope, inter := f.Header.Scaling(); slope != 1 || inter != 0 {
		return false
	}
	switch f.Header.DataType {
	case nifti.DTUint8, nifti.DTUint16, nifti.DTFloat32:
		return true
	}
	return false
}

// loadMask returns the scaled values of the first 3D frame of a mask,
// x fastest.
func loadMask(f *nifti.File, nx, ny, nz int) ([]float64, error) {
	n := nx * ny * nz

	if !directLoad(f) {
		vol, err := nifti.ReadVolume(f.Path)
		if err != nil {
			return nil, err
		}
		return vol.Scaled()[:n], nil
	}

	img, err := SafelyLoadImage(f.Path)
	if err != nil {
		return nil, err
	}
	if d := img.GetDims(); d[0] != nx || d[1] != ny || d[2] != nz {
		return nil, fmt.Errorf("%s: grid %dx%dx%d, header says %dx%dx%d", f.Path, d[0], d[1], d[2], nx, ny, nz)
	}

	values := make([]float64, n)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				values[x+nx*(y+ny*z)] = float64(img.GetAt(x, y, z, 0))
			}
		}
	}
	return values, nil
}

// SaveQC writes the middle axial slice of a mask as a JPEG
func SaveQC(maskPath, jpegPath string) error {
	vol, err := nifti.ReadVolume(maskPath)
	if err != nil {
		return err
	}

	viewer, err := visualization.FromVolume(vol)
	if err != nil {
		return err
	}

	img, err := viewer.MiddleSlice("z")
	if err != nil {
		return err
	}
	return viewer.SaveSlice(img, jpegPath)
}
