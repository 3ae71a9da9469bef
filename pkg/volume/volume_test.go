package volume

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"microvolume/internal/models"
	"microvolume/pkg/tiff"
)

// createTestVolume fills a volume so that every sample encodes its own
// coordinates, which makes axis-order mistakes visible.
func createTestVolume(shape models.Shape) *models.Volume {
	data := make([]float64, shape.Len())
	for t := 0; t < shape[0]; t++ {
		for z := 0; z < shape[1]; z++ {
			for c := 0; c < shape[2]; c++ {
				for y := 0; y < shape[3]; y++ {
					for x := 0; x < shape[4]; x++ {
						data[shape.Offset(t, z, c, y, x)] = float64(t*10000 + z*1000 + c*100 + y*10 + x)
					}
				}
			}
		}
	}
	return &models.Volume{Data: data, Shape: shape, DType: models.Uint16}
}

func writeRaw(t *testing.T, shape []int, dtype models.DType, data []float64) string {
	t.Helper()
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, shape, dtype, data); err != nil {
		t.Fatalf("Failed to encode test file: %v", err)
	}
	path := filepath.Join(t.TempDir(), "input.tif")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoadRoundTrip(t *testing.T) {
	want := createTestVolume(models.Shape{2, 3, 2, 4, 5})
	path := filepath.Join(t.TempDir(), "volume.tif")
	if err := tiff.WriteFile(path, want); err != nil {
		t.Fatalf("Failed to write volume: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load volume: %v", err)
	}
	if got.Shape != want.Shape {
		t.Errorf("Expected shape %v, got %v", want.Shape, got.Shape)
	}
	if got.DType != models.Uint16 {
		t.Errorf("Expected dtype uint16, got %v", got.DType)
	}
	if got.SourcePath != path {
		t.Errorf("Expected source path %s, got %s", path, got.SourcePath)
	}
	for i := range want.Data {
		if got.Data[i] != want.Data[i] {
			t.Fatalf("Expected %v at %d, got %v", want.Data[i], i, got.Data[i])
		}
	}
}

// TestOpenDoesNotDecode verifies geometry is available from an opened source
// and that a materialized volume outlives the source
func TestOpenDoesNotDecode(t *testing.T) {
	path := writeRaw(t, []int{1, 2, 3, 2, 2}, models.Float32, make([]float64, 24))

	src, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if src.Shape() != (models.Shape{1, 2, 3, 2, 2}) {
		t.Errorf("Expected shape (1, 2, 3, 2, 2), got %v", src.Shape())
	}
	if src.DType() != models.Float32 {
		t.Errorf("Expected float32, got %v", src.DType())
	}
	if src.Pages() != 6 {
		t.Errorf("Expected 6 pages, got %d", src.Pages())
	}
	if src.Path() != path || src.Size() <= 0 {
		t.Errorf("Unexpected path %q or size %d", src.Path(), src.Size())
	}

	v, err := src.Volume()
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if len(v.Data) != 24 || v.Data[23] != 0 {
		t.Errorf("Volume data not usable after close")
	}
}

func TestLoadPadsMissingAxes(t *testing.T) {
	tests := []struct {
		shape []int
		want  models.Shape
	}{
		{[]int{2, 3}, models.Shape{1, 1, 1, 2, 3}},
		{[]int{4, 2, 3}, models.Shape{1, 1, 4, 2, 3}},
		{[]int{1, 1, 2, 1, 2, 3}, models.Shape{1, 2, 1, 2, 3}},
	}
	for _, tc := range tests {
		n := 1
		for _, d := range tc.shape {
			n *= d
		}
		v, err := Load(writeRaw(t, tc.shape, models.Uint8, make([]float64, n)))
		if err != nil {
			t.Fatalf("Failed to load shape %v: %v", tc.shape, err)
		}
		if v.Shape != tc.want {
			t.Errorf("Expected %v for stored shape %v, got %v", tc.want, tc.shape, v.Shape)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.tif")); !errors.Is(err, models.ErrUnreadableFile) {
		t.Errorf("Expected ErrUnreadableFile for missing file, got %v", err)
	}

	garbage := filepath.Join(dir, "garbage.tif")
	os.WriteFile(garbage, []byte("definitely not an image"), 0644)
	if _, err := Load(garbage); !errors.Is(err, models.ErrUnreadableFile) {
		t.Errorf("Expected ErrUnreadableFile for garbage, got %v", err)
	}

	sixAxes := writeRaw(t, []int{2, 1, 1, 1, 2, 2}, models.Uint8, make([]float64, 8))
	if _, err := Load(sixAxes); !errors.Is(err, models.ErrUnsupportedShape) {
		t.Errorf("Expected ErrUnsupportedShape for six non-singleton axes, got %v", err)
	}
}

// writeDirectory writes a little-endian classic TIFF holding a single
// directory of {tag, type, count, value} entries.
func writeDirectory(t *testing.T, entries [][4]uint32) string {
	t.Helper()
	le := binary.LittleEndian
	b := []byte{'I', 'I', 42, 0, 8, 0, 0, 0}
	b = le.AppendUint16(b, uint16(len(entries)))
	for _, e := range entries {
		b = le.AppendUint16(b, uint16(e[0]))
		b = le.AppendUint16(b, uint16(e[1]))
		b = le.AppendUint32(b, e[2])
		b = le.AppendUint32(b, e[3])
	}
	b = le.AppendUint32(b, 0)
	path := filepath.Join(t.TempDir(), "corrupt.tif")
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

// TestLoadRejectsCorruptContainers verifies that directories and strips
// claiming more data than the file holds fail as unreadable files
func TestLoadRejectsCorruptContainers(t *testing.T) {
	const (
		long  = 4
		short = 3
		ascii = 2
	)
	bigDir := []byte{'I', 'I', 43, 0, 8, 0, 0, 0, 16, 0, 0, 0, 0, 0, 0, 0}
	bigDir = append(bigDir, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	bigDir = append(bigDir, make([]byte, 8)...)
	bigPath := filepath.Join(t.TempDir(), "bigtiff.tif")
	if err := os.WriteFile(bigPath, bigDir, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	cases := map[string]string{
		"directory count": bigPath,
		"description count": writeDirectory(t, [][4]uint32{
			{270, ascii, 0xffffffff, 8},
		}),
		"strip past end": writeDirectory(t, [][4]uint32{
			{256, long, 1, 4}, {257, long, 1, 1}, {258, short, 1, 8},
			{273, long, 1, 60}, {279, long, 1, 64},
		}),
		"huge byte count": writeDirectory(t, [][4]uint32{
			{256, long, 1, 4}, {257, long, 1, 1}, {258, short, 1, 8},
			{273, long, 1, 0}, {279, long, 1, 0xffffffff},
		}),
		"implausible extent": writeDirectory(t, [][4]uint32{
			{256, long, 1, 1 << 20}, {257, long, 1, 1 << 20}, {258, short, 1, 8},
			{273, long, 1, 0}, {279, long, 1, 4},
		}),
	}
	for name, path := range cases {
		if _, err := Load(path); !errors.Is(err, models.ErrUnreadableFile) {
			t.Errorf("Expected ErrUnreadableFile for corrupt %s, got %v", name, err)
		}
	}
}

// TestSliceShapes checks that every valid selection keeps the extents of the
// axes it does not collapse
func TestSliceShapes(t *testing.T) {
	v := createTestVolume(models.Shape{2, 3, 4, 5, 6})

	for time := -1; time < 2; time++ {
		for z := -1; z < 3; z++ {
			for c := -1; c < 4; c++ {
				req := models.SliceRequest{}
				want := v.Shape
				if time >= 0 {
					req.Time = Index(time)
					want[0] = 1
				}
				if z >= 0 {
					req.Z = Index(z)
					want[1] = 1
				}
				if c >= 0 {
					req.Channel = Index(c)
					want[2] = 1
				}

				sub, err := Slice(v, req)
				if err != nil {
					t.Fatalf("Failed to slice (%d, %d, %d): %v", time, z, c, err)
				}
				if sub.Shape != want {
					t.Fatalf("Expected shape %v for (%d, %d, %d), got %v", want, time, z, c, sub.Shape)
				}
				if len(sub.Data) != want.Len() {
					t.Fatalf("Expected %d samples, got %d", want.Len(), len(sub.Data))
				}
			}
		}
	}
}

func TestSliceValues(t *testing.T) {
	v := createTestVolume(models.Shape{2, 3, 4, 5, 6})
	sub, err := Slice(v, models.SliceRequest{Time: Index(1), Channel: Index(2)})
	if err != nil {
		t.Fatalf("Failed to slice: %v", err)
	}
	for z := 0; z < 3; z++ {
		for y := 0; y < 5; y++ {
			for x := 0; x < 6; x++ {
				want := v.At(1, z, 2, y, x)
				if got := sub.At(0, z, 0, y, x); got != want {
					t.Fatalf("Expected %v at z=%d y=%d x=%d, got %v", want, z, y, x, got)
				}
			}
		}
	}

	// The slice owns its samples
	sub.Data[0] = -1
	if v.At(1, 0, 2, 0, 0) == -1 {
		t.Error("Slice shares memory with its source")
	}
}

func TestSliceOutOfRange(t *testing.T) {
	v := createTestVolume(models.Shape{2, 3, 4, 1, 1})
	for axis := 0; axis < 3; axis++ {
		for _, idx := range []int{-1, v.Shape[axis]} {
			req := models.SliceRequest{}
			switch axis {
			case 0:
				req.Time = Index(idx)
			case 1:
				req.Z = Index(idx)
			case 2:
				req.Channel = Index(idx)
			}
			sub, err := Slice(v, req)
			if !errors.Is(err, models.ErrIndexOutOfRange) {
				t.Errorf("Expected ErrIndexOutOfRange for %s index %d, got %v", models.Axis(axis), idx, err)
			}
			if sub != nil {
				t.Errorf("Expected no result for %s index %d", models.Axis(axis), idx)
			}
		}
	}
}

func TestPlane(t *testing.T) {
	v := createTestVolume(models.Shape{1, 2, 3, 2, 2})
	plane, err := Plane(v, 0, 1, 2)
	if err != nil {
		t.Fatalf("Failed to extract plane: %v", err)
	}
	want := []float64{1200, 1201, 1210, 1211}
	for i := range want {
		if plane[i] != want[i] {
			t.Errorf("Expected %v at %d, got %v", want[i], i, plane[i])
		}
	}
	if _, err := Plane(v, 0, 2, 0); !errors.Is(err, models.ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}
}
