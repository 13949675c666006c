package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"

	"mepreproc/pkg/nifti"
)

// Viewer renders 2D slices of a 3D volume for visual quality control of
// masks and images.
type Viewer struct {
	// volumeData holds the 3D volume, x fastest
	volumeData []float64

	// dimensions of the volume
	width  int
	height int
	depth  int

	// maxIntensity maps to white; values at or below zero map to black
	maxIntensity float64
}

// NewViewer creates a new viewer over a volume
func NewViewer(volumeData []float64, width, height, depth int) *Viewer {
	maxIntensity := 0.0
	for _, v := range volumeData {
		if v > maxIntensity {
			maxIntensity = v
		}
	}

	return &Viewer{
		volumeData:   volumeData,
		width:        width,
		height:       height,
		depth:        depth,
		maxIntensity: maxIntensity,
	}
}

// FromVolume creates a viewer over the first 3D frame of a NIfTI volume
func FromVolume(v *nifti.Volume) (*Viewer, error) {
	shape := v.Header.Shape()
	dims := [3]int{1, 1, 1}
	for i := 0; i < len(shape) && i < 3; i++ {
		dims[i] = shape[i]
	}

	n := dims[0] * dims[1] * dims[2]
	scaled := v.Scaled()
	if len(scaled) < n {
		return nil, fmt.Errorf("volume holds %d values, need %d", len(scaled), n)
	}

	return NewViewer(scaled[:n], dims[0], dims[1], dims[2]), nil
}

// gray windows an intensity into 16-bit grayscale
func (v *Viewer) gray(value float64) color.Gray16 {
	if v.maxIntensity <= 0 || value <= 0 || math.IsNaN(value) {
		return color.Gray16{}
	}
	return color.Gray16{Y: uint16(math.Min(65535, value/v.maxIntensity*65535))}
}

// ExtractSlice extracts a 2D slice from the 3D volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}

		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				idx := z*v.width*v.height + y*v.width + position
				img.SetGray16(z, y, v.gray(v.volumeData[idx]))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}

		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				idx := z*v.width*v.height + position*v.width + x
				img.SetGray16(x, z, v.gray(v.volumeData[idx]))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}

		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				idx := position*v.width*v.height + y*v.width + x
				img.SetGray16(x, y, v.gray(v.volumeData[idx]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// MiddleSlice extracts the central slice along an axis
func (v *Viewer) MiddleSlice(axis string) (image.Image, error) {
	switch axis {
	case "x", "X":
		return v.ExtractSlice(axis, v.width/2)
	case "y", "Y":
		return v.ExtractSlice(axis, v.height/2)
	default:
		return v.ExtractSlice(axis, v.depth/2)
	}
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
