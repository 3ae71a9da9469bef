// Package preview renders (y, x) planes of a volume as grayscale images.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"microvolume/internal/models"
	"microvolume/pkg/volume"
)

// Viewer extracts displayable planes from a volume.
type Viewer struct {
	vol *models.Volume
}

// NewViewer creates a viewer over v. The volume is only read.
func NewViewer(v *models.Volume) *Viewer {
	return &Viewer{vol: v}
}

// ExtractPlane renders the plane at time t, depth z and channel c as a
// 16-bit grayscale image, stretching the plane's own value range to the
// full intensity range. A flat plane renders black.
func (v *Viewer) ExtractPlane(t, z, c int) (image.Image, error) {
	plane, err := volume.Plane(v.vol, t, z, c)
	if err != nil {
		return nil, err
	}
	height, width := v.vol.Shape[models.AxisY], v.vol.Shape[models.AxisX]
	img := image.NewGray16(image.Rect(0, 0, width, height))
	if len(plane) == 0 {
		return img, nil
	}

	lo, hi := floats.Min(plane), floats.Max(plane)
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			value := (plane[y*width+x] - lo) * scale
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Max(0, math.Min(65535, math.Round(value))))})
		}
	}
	return img, nil
}

// SavePlane writes img to filename as PNG.
func (v *Viewer) SavePlane(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SavePlaneSequence writes every (time, z) plane of channel c into
// outputDir and returns the written paths.
func (v *Viewer) SavePlaneSequence(c int, outputDir string) ([]string, error) {
	if c < 0 || c >= v.vol.Channels() {
		return nil, fmt.Errorf("preview: %w: channel index %d outside [0, %d)", models.ErrIndexOutOfRange, c, v.vol.Channels())
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for t := 0; t < v.vol.Shape[models.AxisTime]; t++ {
		for z := 0; z < v.vol.Shape[models.AxisZ]; z++ {
			img, err := v.ExtractPlane(t, z, c)
			if err != nil {
				return paths, err
			}
			filename := filepath.Join(outputDir, fmt.Sprintf("plane_t%03d_z%03d_c%03d.png", t, z, c))
			if err := v.SavePlane(img, filename); err != nil {
				return paths, err
			}
			paths = append(paths, filename)
		}
	}
	return paths, nil
}
