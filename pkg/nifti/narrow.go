package nifti

import (
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
)

// NarrowResult describes one int16 rewrite.
type NarrowResult struct {
	// FromType is the data type of the source image
	FromType int16

	// Skipped is true when the source already stored int16 values
	Skipped bool

	// Min and Max are the finite scaled values found in the source
	Min, Max float64

	// Slope and Inter are written to scl_slope and scl_inter
	Slope, Inter float64

	// NonFinite counts NaN and infinite voxels, which read back as 0
	NonFinite int
}

// rangeScan collects what Narrow needs to pick the int16 mapping.
type rangeScan struct {
	min, max  float64
	integral  bool
	finite    int
	nonFinite int

	buf []float64
}

func (s *rangeScan) add(values []float64) error {
	s.buf = s.buf[:0]
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			s.nonFinite++
			continue
		}
		if s.integral && v != math.Trunc(v) {
			s.integral = false
		}
		s.buf = append(s.buf, v)
	}
	if len(s.buf) == 0 {
		return nil
	}

	lo, hi := floats.Min(s.buf), floats.Max(s.buf)
	if s.finite == 0 || lo < s.min {
		s.min = lo
	}
	if s.finite == 0 || hi > s.max {
		s.max = hi
	}
	s.finite += len(s.buf)
	return nil
}

// int16Scaling picks scl_slope and scl_inter for int16 storage. Integral
// data inside the int16 range is stored as is; anything else has its range
// mapped linearly onto [-32768, 32767].
func int16Scaling(s rangeScan) (slope, inter float64) {
	if s.finite == 0 {
		return 1, 0
	}
	if s.integral && s.min >= math.MinInt16 && s.max <= math.MaxInt16 {
		return 1, 0
	}
	if s.min == s.max {
		return 1, float64(float32(s.min))
	}

	// header fields are float32; encode with the values a reader will see
	slope = float64(float32((s.max - s.min) / (math.MaxInt16 - math.MinInt16)))
	inter = float64(float32(s.min - math.MinInt16*slope))
	return slope, inter
}

// Narrow rewrites src as an int16 image at dst. The source is read twice,
// once to find its range and once to convert, so memory use does not grow
// with image size. The header, affine and extensions are carried over with
// the new data type and scaling.
func Narrow(src, dst string) (NarrowResult, error) {
	head, err := Open(src)
	if err != nil {
		return NarrowResult{}, err
	}

	res := NarrowResult{FromType: head.Header.DataType}
	if head.Header.DataType == DTInt16 {
		res.Skipped = true
		return res, nil
	}

	scan := rangeScan{integral: true}
	if _, err := Scan(src, DefaultChunk, scan.add); err != nil {
		return res, err
	}

	res.Min, res.Max, res.NonFinite = scan.min, scan.max, scan.nonFinite

	// non-finite voxels are written as 0, so 0 must be inside the mapping
	if scan.nonFinite > 0 && scan.finite > 0 {
		scan.min = math.Min(scan.min, 0)
		scan.max = math.Max(scan.max, 0)
	}
	res.Slope, res.Inter = int16Scaling(scan)

	h := head.Header
	h.DataType = DTInt16
	h.SclSlope = float32(res.Slope)
	h.SclInter = float32(res.Inter)

	w, err := createWriter(dst, h, head.Order, head.Extension)
	if err != nil {
		return res, err
	}

	// stored value that reads back as 0
	zero := clampRound(-res.Inter/res.Slope, math.MinInt16, math.MaxInt16)

	_, err = Scan(src, DefaultChunk, func(values []float64) error {
		for i, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				values[i] = zero
				continue
			}
			values[i] = (v - res.Inter) / res.Slope
		}
		return w.write(values)
	})
	if err != nil {
		w.abort()
		return res, fmt.Errorf("narrowing %s: %w", src, err)
	}

	if err := w.close(); err != nil {
		os.Remove(dst)
		return res, fmt.Errorf("closing %s: %w", dst, err)
	}

	return res, nil
}
