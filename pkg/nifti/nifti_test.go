package nifti

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestVolume writes a float32 volume whose voxels follow pattern
func writeTestVolume(t *testing.T, path string, shape []int, dtype int16, pattern func(i int) float64) *Volume {
	t.Helper()

	h, err := NewHeader(shape, dtype)
	require.NoError(t, err)

	v := &Volume{Header: h, Order: binary.LittleEndian, Data: make([]float64, h.NumVoxels())}
	for i := range v.Data {
		v.Data[i] = pattern(i)
	}
	require.NoError(t, Write(path, v))
	return v
}

func TestHeaderLayoutIs348Bytes(t *testing.T) {
	assert.Equal(t, headerSize, binary.Size(Header{}))
}

func TestWriteReadVolume(t *testing.T) {
	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			want := writeTestVolume(t, path, []int{4, 3, 2}, DTFloat32, func(i int) float64 { return float64(i) / 4 })

			got, err := ReadVolume(path)
			require.NoError(t, err)
			assert.Equal(t, []int{4, 3, 2}, got.Header.Shape())
			assert.Equal(t, DTFloat32, got.Header.DataType)
			assert.Equal(t, int16(32), got.Header.BitPix)
			assert.Equal(t, float32(352), got.Header.VoxOffset)
			assert.Equal(t, want.Data, got.Data)
		})
	}
}

func TestReadBigEndian(t *testing.T) {
	path := filepath.Join(t.TempDir(), "be.nii")
	h, err := NewHeader([]int{2, 2, 1}, DTInt16)
	require.NoError(t, err)

	v := &Volume{Header: h, Order: binary.BigEndian, Data: []float64{-3, 7, 1000, -32768}}
	require.NoError(t, Write(path, v))

	got, err := ReadVolume(path)
	require.NoError(t, err)
	assert.Equal(t, binary.BigEndian, got.Order)
	assert.Equal(t, v.Data, got.Data)
}

func TestReadHeaderRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.nii")
	require.NoError(t, os.WriteFile(path, make([]byte, 400), 0644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestOpenRejectsHugeVoxOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.nii")
	h, err := NewHeader([]int{2}, DTUint8)
	require.NoError(t, err)
	h.VoxOffset = 4e9

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, binary.Write(f, binary.LittleEndian, &h))
	_, err = f.Write(make([]byte, 6))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vox_offset")
}

func TestWriteClampsToType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.nii")
	h, err := NewHeader([]int{4}, DTUint8)
	require.NoError(t, err)

	require.NoError(t, Write(path, &Volume{Header: h, Data: []float64{-1, 0.6, 300, math.NaN()}}))

	got, err := ReadVolume(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 255, 0}, got.Data)
}

func TestWriteRejectsWrongLength(t *testing.T) {
	h, err := NewHeader([]int{2, 2}, DTUint8)
	require.NoError(t, err)

	err = Write(filepath.Join(t.TempDir(), "x.nii"), &Volume{Header: h, Data: []float64{1}})
	assert.Error(t, err)
}

func TestScanAppliesScaling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scaled.nii")
	h, err := NewHeader([]int{3}, DTInt16)
	require.NoError(t, err)
	h.SclSlope = 0.5
	h.SclInter = 10
	require.NoError(t, Write(path, &Volume{Header: h, Data: []float64{0, 2, -4}}))

	var got []float64
	_, err = Scan(path, 2, func(values []float64) error {
		got = append(got, values...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 11, 8}, got)
}

func TestNarrowIntegralDataKeepsValues(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "ts.nii")
	dst := filepath.Join(dir, "tmp_ts.nii")
	want := writeTestVolume(t, src, []int{5, 4, 3, 2}, DTFloat32, func(i int) float64 { return float64(i*7 - 100) })

	res, err := Narrow(src, dst)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, DTFloat32, res.FromType)
	assert.Equal(t, 1.0, res.Slope)
	assert.Equal(t, 0.0, res.Inter)

	got, err := ReadVolume(dst)
	require.NoError(t, err)
	assert.Equal(t, DTInt16, got.Header.DataType)
	assert.Equal(t, int16(16), got.Header.BitPix)
	assert.Equal(t, want.Data, got.Scaled())

	srcInfo, err := os.Stat(src)
	require.NoError(t, err)
	dstInfo, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Less(t, dstInfo.Size(), srcInfo.Size())
}

func TestNarrowScalesFloatRange(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "betas.nii")
	dst := filepath.Join(dir, "tmp_betas.nii")
	want := writeTestVolume(t, src, []int{10, 10, 10}, DTFloat64, func(i int) float64 {
		return math.Sin(float64(i)) * 1e5
	})

	res, err := Narrow(src, dst)
	require.NoError(t, err)
	assert.NotEqual(t, 1.0, res.Slope)

	got, err := ReadVolume(dst)
	require.NoError(t, err)
	scaled := got.Scaled()
	require.Len(t, scaled, len(want.Data))

	// one int16 step of the mapped range
	tolerance := res.Slope
	for i := range want.Data {
		assert.InDelta(t, want.Data[i], scaled[i], tolerance, "voxel %d", i)
	}
	for _, stored := range got.Data {
		assert.GreaterOrEqual(t, stored, float64(math.MinInt16))
		assert.LessOrEqual(t, stored, float64(math.MaxInt16))
	}
}

func TestNarrowNonFiniteBecomesZero(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "nan.nii")
	dst := filepath.Join(dir, "tmp_nan.nii")
	values := []float64{1, math.NaN(), 3, math.Inf(1)}
	writeTestVolume(t, src, []int{4}, DTFloat32, func(i int) float64 { return values[i] })

	res, err := Narrow(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NonFinite)
	assert.Equal(t, 1.0, res.Min)
	assert.Equal(t, 3.0, res.Max)

	got, err := ReadVolume(dst)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 3, 0}, got.Scaled())
}

func TestNarrowNonFiniteBecomesZeroWhenScaled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "nan.nii")
	dst := filepath.Join(dir, "tmp_nan.nii")
	values := []float64{100.5, math.NaN(), 300.25, math.Inf(1)}
	writeTestVolume(t, src, []int{4}, DTFloat32, func(i int) float64 { return values[i] })

	res, err := Narrow(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NonFinite)
	assert.Equal(t, 100.5, res.Min)
	assert.Equal(t, 300.25, res.Max)
	require.NotEqual(t, 1.0, res.Slope)

	got, err := ReadVolume(dst)
	require.NoError(t, err)
	scaled := got.Scaled()
	assert.InDelta(t, 100.5, scaled[0], res.Slope)
	assert.InDelta(t, 0, scaled[1], res.Slope)
	assert.InDelta(t, 300.25, scaled[2], res.Slope)
	assert.InDelta(t, 0, scaled[3], res.Slope)
}

func TestNarrowSkipsInt16(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "already.nii")
	writeTestVolume(t, src, []int{2}, DTInt16, func(i int) float64 { return float64(i) })

	res, err := Narrow(src, filepath.Join(dir, "tmp_already.nii"))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.NoFileExists(t, filepath.Join(dir, "tmp_already.nii"))
}

func TestNarrowKeepsExtensionsAndAffine(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "ext.nii")
	dst := filepath.Join(dir, "tmp_ext.nii")

	h, err := NewHeader([]int{2, 2}, DTFloat32)
	require.NoError(t, err)
	h.SRowX = [4]float32{3, 0, 0, -90}
	h.PixDim[1] = 3
	ext := []byte{1, 0, 0, 0, 16, 0, 0, 0, 4, 0, 0, 0, 'a', 'b', 'c', 'd'}
	require.NoError(t, Write(src, &Volume{Header: h, Extension: ext, Data: []float64{0.5, 1.5, 2.5, 3.5}}))

	_, err = Narrow(src, dst)
	require.NoError(t, err)

	got, err := Open(dst)
	require.NoError(t, err)
	assert.Equal(t, ext, got.Extension)
	assert.Equal(t, float32(348+len(ext)), got.Header.VoxOffset)
	assert.Equal(t, h.SRowX, got.Header.SRowX)
	assert.Equal(t, float32(3), got.Header.PixDim[1])
}

func TestSameGrid(t *testing.T) {
	a, err := NewHeader([]int{4, 4, 3}, DTUint8)
	require.NoError(t, err)
	b, err := NewHeader([]int{4, 4, 3, 10}, DTFloat32)
	require.NoError(t, err)
	c, err := NewHeader([]int{4, 4, 2}, DTUint8)
	require.NoError(t, err)

	assert.True(t, a.SameGrid(b))
	assert.False(t, a.SameGrid(c))
}
