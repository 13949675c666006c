// Package nifti reads and writes single-file NIfTI-1 images (.nii and
// .nii.gz) and narrows their voxel type.
//
// Header layout follows the official nifti1.h definition:
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
//
// The Header struct is adapted from github.com/kaczmarj/gonifti (nifti1.go).
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Header defines the structure of the NIfTI-1 header.
//
// Type translation from nifti1 C header to golang:
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  int8
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]int8 // Unused
	UnusedDbName       [18]int8 // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      int8     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     int8       // Slice timing order
	XYZTUnits     int8       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]int8 // Any text you like
	AuxFile [24]int8 // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]int8 // 'name' or meaning of data

	Magic [4]int8 // Must be "n+1\0" for single-file images
}

const (
	headerSize    = 348
	minDataOffset = 352

	// maxDataOffset bounds the extension block read before the voxels
	maxDataOffset = headerSize + 16<<20
)

// Data type codes (NIFTI_TYPE_*)
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

var singleFileMagic = [4]int8{'n', '+', '1', 0}

// ErrUnsupportedType is returned for data types the codec cannot convert,
// such as complex or RGB images.
var ErrUnsupportedType = errors.New("unsupported nifti data type")

// BytesPerVoxel returns the storage size of a data type code.
func BytesPerVoxel(dtype int16) (int, error) {
	switch dtype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTInt64, DTUint64, DTFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedType, dtype)
}

// TypeName returns a readable name for a data type code.
func TypeName(dtype int16) string {
	switch dtype {
	case DTUint8:
		return "uint8"
	case DTInt8:
		return "int8"
	case DTInt16:
		return "int16"
	case DTUint16:
		return "uint16"
	case DTInt32:
		return "int32"
	case DTUint32:
		return "uint32"
	case DTInt64:
		return "int64"
	case DTUint64:
		return "uint64"
	case DTFloat32:
		return "float32"
	case DTFloat64:
		return "float64"
	}
	return fmt.Sprintf("type-%d", dtype)
}

// ReadHeader reads a header and returns the byte order of the file.
func ReadHeader(r io.Reader) (Header, binary.ByteOrder, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, nil, fmt.Errorf("reading nifti header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != headerSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(raw)) != headerSize {
			return Header{}, nil, errors.New("not a nifti-1 file: sizeof_hdr is not 348 in either byte order")
		}
	}

	var h Header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return Header{}, nil, fmt.Errorf("decoding nifti header: %w", err)
	}

	if err := h.validate(); err != nil {
		return Header{}, nil, err
	}

	return h, order, nil
}

func (h Header) validate() error {
	switch {
	case h.Magic != singleFileMagic:
		return errors.New("invalid file magic: data must be stored in the same file as the header")
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("invalid dim[0] %d: not in range [1, 7]", h.Dim[0])
	case !(h.VoxOffset <= maxDataOffset):
		return fmt.Errorf("invalid vox_offset %g: extensions larger than %d bytes", h.VoxOffset, maxDataOffset-headerSize)
	}

	if _, err := BytesPerVoxel(h.DataType); err != nil {
		return err
	}
	return nil
}

// Shape returns the used dimensions, dim[1]..dim[dim[0]].
func (h Header) Shape() []int {
	n := int(h.Dim[0])
	shape := make([]int, n)
	for i := 0; i < n; i++ {
		shape[i] = int(h.Dim[i+1])
		if shape[i] < 1 {
			shape[i] = 1
		}
	}
	return shape
}

// NumVoxels is the product of the used dimensions.
func (h Header) NumVoxels() int {
	n := 1
	for _, d := range h.Shape() {
		n *= d
	}
	return n
}

// SameGrid reports whether two headers share the spatial voxel grid
// (dim[1..3]).
func (h Header) SameGrid(o Header) bool {
	for i := 1; i <= 3; i++ {
		a, b := h.Dim[i], o.Dim[i]
		if a < 1 {
			a = 1
		}
		if b < 1 {
			b = 1
		}
		if a != b {
			return false
		}
	}
	return true
}

// Scaling returns the slope and intercept applied to stored values. A zero
// or non-finite slope means the stored values are used as is.
func (h Header) Scaling() (slope, inter float64) {
	slope, inter = float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || slope != slope || slope > maxFloat32 || slope < -maxFloat32 {
		return 1, 0
	}
	if inter != inter {
		inter = 0
	}
	return slope, inter
}

const maxFloat32 = 3.40282346638528859811704183484516925440e+38

// NewHeader returns a minimal single-file header for an image of the given
// shape and type, with unit voxels and an identity sform.
func NewHeader(shape []int, dtype int16) (Header, error) {
	if len(shape) < 1 || len(shape) > 7 {
		return Header{}, fmt.Errorf("invalid number of dimensions %d", len(shape))
	}
	bpv, err := BytesPerVoxel(dtype)
	if err != nil {
		return Header{}, err
	}

	h := Header{
		SizeOfHdr: headerSize,
		DataType:  dtype,
		BitPix:    int16(bpv * 8),
		VoxOffset: minDataOffset,
		SclSlope:  1,
		SFormCode: 1,
		SRowX:     [4]float32{1, 0, 0, 0},
		SRowY:     [4]float32{0, 1, 0, 0},
		SRowZ:     [4]float32{0, 0, 1, 0},
		Magic:     singleFileMagic,
	}
	h.Dim[0] = int16(len(shape))
	h.PixDim[0] = 1
	for i := 1; i < 8; i++ {
		h.Dim[i] = 1
		h.PixDim[i] = 1
	}
	for i, d := range shape {
		h.Dim[i+1] = int16(d)
	}
	return h, nil
}
