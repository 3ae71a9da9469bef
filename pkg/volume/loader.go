// Package volume opens multi-dimensional image containers as 5-axis
// [time, z, channel, y, x] volumes and extracts sub-volumes from them.
package volume

import (
	"fmt"
	"os"

	"microvolume/internal/models"
	"microvolume/pkg/tiff"
)

// Source is an opened container whose geometry is known but whose pixel
// data has not been decoded yet. The file stays mapped until Close.
type Source struct {
	path   string
	reader *tiff.Reader
	shape  models.Shape
	dtype  models.DType
}

// Open maps the container at path and works out its canonical shape.
func Open(path string) (*Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("load %s: %w: %w", path, models.ErrUnreadableFile, err)
	}
	r, err := tiff.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w: %w", path, models.ErrUnreadableFile, err)
	}

	src := &Source{path: path, reader: r}
	if err := src.inspect(); err != nil {
		r.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return src, nil
}

func (s *Source) inspect() error {
	pages := s.reader.Pages()
	first := pages[0]

	dtype, err := first.DType()
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrUnreadableFile, err)
	}
	if first.SamplesPerPixel != 1 {
		return fmt.Errorf("%w: %d samples per pixel", models.ErrUnsupportedShape, first.SamplesPerPixel)
	}
	for i, p := range pages[1:] {
		pt, err := p.DType()
		if err != nil || pt != dtype || p.Width != first.Width || p.Height != first.Height || p.SamplesPerPixel != 1 {
			return fmt.Errorf("%w: page %d differs from page 0 in size or sample type", models.ErrUnsupportedShape, i+1)
		}
	}

	limit := s.reader.Size() * tiff.MaxExpansion / int64(dtype.Size())
	if int64(first.Width)*int64(first.Height) > limit/int64(len(pages)) {
		return fmt.Errorf("%w: %d pages of %dx%d samples cannot be stored in %d bytes",
			models.ErrUnreadableFile, len(pages), first.Width, first.Height, s.reader.Size())
	}

	shape, err := canonicalShape(s.reader.Shape())
	if err != nil {
		return err
	}
	s.shape = shape
	s.dtype = dtype
	return nil
}

// canonicalShape pads dims on the left with singleton axes up to five
// axes. Extra leading axes are only accepted when they are singleton.
func canonicalShape(dims []int) (models.Shape, error) {
	var shape models.Shape
	if len(dims) > models.NumAxes {
		extra := dims[:len(dims)-models.NumAxes]
		for _, d := range extra {
			if d != 1 {
				return shape, fmt.Errorf("%w: %d axes %v cannot be reduced to five", models.ErrUnsupportedShape, len(dims), dims)
			}
		}
		dims = dims[len(extra):]
	}

	pad := models.NumAxes - len(dims)
	for i := range shape {
		if i < pad {
			shape[i] = 1
			continue
		}
		shape[i] = dims[i-pad]
	}
	for i, d := range shape {
		if d <= 0 {
			return shape, fmt.Errorf("%w: %s axis has extent %d", models.ErrUnsupportedShape, models.Axis(i), d)
		}
	}
	return shape, nil
}

// Path returns the path the source was opened from.
func (s *Source) Path() string { return s.path }

// Shape returns the canonical [time, z, channel, y, x] shape.
func (s *Source) Shape() models.Shape { return s.shape }

// DType returns the sample type stored in the container.
func (s *Source) DType() models.DType { return s.dtype }

// Pages returns the number of (y, x) planes in the container.
func (s *Source) Pages() int { return len(s.reader.Pages()) }

// Size returns the container size in bytes.
func (s *Source) Size() int64 { return s.reader.Size() }

// Volume decodes every page into a new volume. The result holds its own
// copy of the samples and stays valid after the source is closed.
func (s *Source) Volume() (*models.Volume, error) {
	plane := s.shape.PlaneLen()
	data := make([]float64, s.shape.Len())
	for p := 0; p < s.Pages(); p++ {
		if err := s.reader.ReadPage(p, data[p*plane:(p+1)*plane]); err != nil {
			return nil, fmt.Errorf("load %s: %w: %w", s.path, models.ErrUnreadableFile, err)
		}
	}
	return &models.Volume{
		Data:       data,
		Shape:      s.shape,
		DType:      s.dtype,
		SourcePath: s.path,
	}, nil
}

// Close releases the file mapping.
func (s *Source) Close() error {
	return s.reader.Close()
}

// Load opens the container at path and decodes it in full.
func Load(path string) (*models.Volume, error) {
	src, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return src.Volume()
}
