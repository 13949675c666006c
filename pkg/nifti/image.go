package nifti

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// DefaultChunk is the number of voxels decoded per Scan callback.
const DefaultChunk = 1 << 16

// File is an opened image: its header and the bytes between the header and
// the voxel data (the extension flag and any extensions).
type File struct {
	Path      string
	Header    Header
	Order     binary.ByteOrder
	Extension []byte
}

// Volume is an image held in memory. Data holds the stored (unscaled)
// values in file order, x fastest.
type Volume struct {
	Header    Header
	Order     binary.ByteOrder
	Extension []byte
	Data      []float64
}

// readCloser pairs a (possibly decompressing) reader with the file beneath.
type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (rc *readCloser) Close() error {
	var errs []error
	for i := len(rc.closers) - 1; i >= 0; i-- {
		errs = append(errs, rc.closers[i].Close())
	}
	return errors.Join(errs...)
}

func isGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

func openReader(path string) (*readCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	if !isGzip(path) {
		return &readCloser{Reader: bufio.NewReaderSize(f, 1<<20), closers: []io.Closer{f}}, nil
	}

	zr, err := gzip.NewReader(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening gzip stream %s: %w", path, err)
	}
	return &readCloser{Reader: zr, closers: []io.Closer{f, zr}}, nil
}

// readPrefix reads the header and extension bytes, leaving r at the first
// voxel.
func readPrefix(path string, r io.Reader) (*File, error) {
	h, order, err := ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	offset := int(h.VoxOffset)
	if offset < minDataOffset {
		offset = minDataOffset
	}
	ext := make([]byte, offset-headerSize)
	if _, err := io.ReadFull(r, ext); err != nil {
		return nil, fmt.Errorf("%s: reading extensions: %w", path, err)
	}

	return &File{Path: path, Header: h, Order: order, Extension: ext}, nil
}

// Open reads the header of an image.
func Open(path string) (*File, error) {
	rc, err := openReader(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return readPrefix(path, rc)
}

// Scan streams the scaled voxel values of an image in chunks of at most
// chunk voxels. The slice passed to fn is reused between calls.
func Scan(path string, chunk int, fn func(values []float64) error) (*File, error) {
	if chunk < 1 {
		chunk = DefaultChunk
	}

	rc, err := openReader(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	f, err := readPrefix(path, rc)
	if err != nil {
		return nil, err
	}

	slope, inter := f.Header.Scaling()
	err = decodeStream(rc, f, chunk, func(values []float64) error {
		if slope != 1 || inter != 0 {
			for i, v := range values {
				values[i] = v*slope + inter
			}
		}
		return fn(values)
	})
	if err != nil {
		return nil, err
	}

	return f, nil
}

// decodeStream decodes the stored voxel values following the prefix.
func decodeStream(r io.Reader, f *File, chunk int, fn func(values []float64) error) error {
	bpv, err := BytesPerVoxel(f.Header.DataType)
	if err != nil {
		return err
	}

	remaining := f.Header.NumVoxels()
	raw := make([]byte, chunk*bpv)
	values := make([]float64, chunk)

	for remaining > 0 {
		n := chunk
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, raw[:n*bpv]); err != nil {
			return fmt.Errorf("%s: reading voxel data: %w", f.Path, err)
		}
		decode(raw[:n*bpv], f.Header.DataType, f.Order, values[:n])
		if err := fn(values[:n]); err != nil {
			return err
		}
		remaining -= n
	}

	return nil
}

// ReadVolume loads the stored values of a whole image.
func ReadVolume(path string) (*Volume, error) {
	rc, err := openReader(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	f, err := readPrefix(path, rc)
	if err != nil {
		return nil, err
	}

	data := make([]float64, 0, f.Header.NumVoxels())
	err = decodeStream(rc, f, DefaultChunk, func(values []float64) error {
		data = append(data, values...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Volume{Header: f.Header, Order: f.Order, Extension: f.Extension, Data: data}, nil
}

// Scaled returns the data with the header scaling applied.
func (v *Volume) Scaled() []float64 {
	slope, inter := v.Header.Scaling()
	out := make([]float64, len(v.Data))
	for i, d := range v.Data {
		out[i] = d*slope + inter
	}
	return out
}

// writer writes the prefix of an image and encodes stored values after it.
type writer struct {
	f     *os.File
	zw    *gzip.Writer
	bw    *bufio.Writer
	dtype int16
	order binary.ByteOrder
	raw   []byte
}

func createWriter(path string, h Header, order binary.ByteOrder, ext []byte) (*writer, error) {
	bpv, err := BytesPerVoxel(h.DataType)
	if err != nil {
		return nil, err
	}
	if order == nil {
		order = binary.LittleEndian
	}

	// the four extension-flag bytes are mandatory in single-file images
	if len(ext) < minDataOffset-headerSize {
		padded := make([]byte, minDataOffset-headerSize)
		copy(padded, ext)
		ext = padded
	}

	h.SizeOfHdr = headerSize
	h.Magic = singleFileMagic
	h.BitPix = int16(bpv * 8)
	h.VoxOffset = float32(headerSize + len(ext))

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := &writer{f: f, dtype: h.DataType, order: order}
	if isGzip(path) {
		w.zw = gzip.NewWriter(f)
		w.bw = bufio.NewWriterSize(w.zw, 1<<20)
	} else {
		w.bw = bufio.NewWriterSize(f, 1<<20)
	}

	if err := binary.Write(w.bw, order, &h); err != nil {
		w.abort()
		return nil, fmt.Errorf("writing nifti header: %w", err)
	}
	if _, err := w.bw.Write(ext); err != nil {
		w.abort()
		return nil, fmt.Errorf("writing nifti extensions: %w", err)
	}

	return w, nil
}

func (w *writer) write(values []float64) error {
	bpv, _ := BytesPerVoxel(w.dtype)
	if need := len(values) * bpv; cap(w.raw) < need {
		w.raw = make([]byte, need)
	}
	raw := w.raw[:len(values)*bpv]
	encode(values, w.dtype, w.order, raw)
	_, err := w.bw.Write(raw)
	return err
}

func (w *writer) close() error {
	errs := []error{w.bw.Flush()}
	if w.zw != nil {
		errs = append(errs, w.zw.Close())
	}
	errs = append(errs, w.f.Close())
	return errors.Join(errs...)
}

func (w *writer) abort() {
	w.f.Close()
	os.Remove(w.f.Name())
}

// Write stores a volume. Data must hold stored values for the header's data
// type; they are rounded and clamped to the type's range.
func Write(path string, v *Volume) error {
	if want := v.Header.NumVoxels(); len(v.Data) != want {
		return fmt.Errorf("volume has %d values, header describes %d voxels", len(v.Data), want)
	}

	w, err := createWriter(path, v.Header, v.Order, v.Extension)
	if err != nil {
		return err
	}

	for start := 0; start < len(v.Data); start += DefaultChunk {
		end := start + DefaultChunk
		if end > len(v.Data) {
			end = len(v.Data)
		}
		if err := w.write(v.Data[start:end]); err != nil {
			w.abort()
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}

	if err := w.close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}

func decode(raw []byte, dtype int16, order binary.ByteOrder, out []float64) {
	switch dtype {
	case DTUint8:
		for i := range out {
			out[i] = float64(raw[i])
		}
	case DTInt8:
		for i := range out {
			out[i] = float64(int8(raw[i]))
		}
	case DTInt16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(raw[2*i:])))
		}
	case DTUint16:
		for i := range out {
			out[i] = float64(order.Uint16(raw[2*i:]))
		}
	case DTInt32:
		for i := range out {
			out[i] = float64(int32(order.Uint32(raw[4*i:])))
		}
	case DTUint32:
		for i := range out {
			out[i] = float64(order.Uint32(raw[4*i:]))
		}
	case DTInt64:
		for i := range out {
			out[i] = float64(int64(order.Uint64(raw[8*i:])))
		}
	case DTUint64:
		for i := range out {
			out[i] = float64(order.Uint64(raw[8*i:]))
		}
	case DTFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(raw[4*i:])))
		}
	case DTFloat64:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(raw[8*i:]))
		}
	}
}

// clampRound rounds v to the nearest integer inside [lo, hi]; NaN becomes 0.
func clampRound(v, lo, hi float64) float64 {
	if v != v {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func encode(values []float64, dtype int16, order binary.ByteOrder, raw []byte) {
	switch dtype {
	case DTUint8:
		for i, v := range values {
			raw[i] = uint8(clampRound(v, 0, math.MaxUint8))
		}
	case DTInt8:
		for i, v := range values {
			raw[i] = uint8(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
		}
	case DTInt16:
		for i, v := range values {
			order.PutUint16(raw[2*i:], uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		}
	case DTUint16:
		for i, v := range values {
			order.PutUint16(raw[2*i:], uint16(clampRound(v, 0, math.MaxUint16)))
		}
	case DTInt32:
		for i, v := range values {
			order.PutUint32(raw[4*i:], uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
		}
	case DTUint32:
		for i, v := range values {
			order.PutUint32(raw[4*i:], uint32(clampRound(v, 0, math.MaxUint32)))
		}
	case DTInt64:
		for i, v := range values {
			order.PutUint64(raw[8*i:], uint64(int64(clampRound(v, math.MinInt64, math.MaxInt64))))
		}
	case DTUint64:
		for i, v := range values {
			order.PutUint64(raw[8*i:], uint64(clampRound(v, 0, math.MaxUint64)))
		}
	case DTFloat32:
		for i, v := range values {
			order.PutUint32(raw[4*i:], math.Float32bits(float32(v)))
		}
	case DTFloat64:
		for i, v := range values {
			order.PutUint64(raw[8*i:], math.Float64bits(v))
		}
	}
}
