package segmentation

import (
	"errors"
	"testing"

	"microvolume/internal/models"
)

// createBimodalChannel fills a single-channel slice with half its samples
// at low and half at high
func createBimodalChannel(low, high float64) *models.Volume {
	shape := models.Shape{1, 2, 1, 8, 8}
	data := make([]float64, shape.Len())
	for i := range data {
		if (i/3)%2 == 0 {
			data[i] = low
		} else {
			data[i] = high
		}
	}
	return &models.Volume{Data: data, Shape: shape, DType: models.Uint8}
}

func TestThresholdBimodal(t *testing.T) {
	v := createBimodalChannel(0, 255)
	mask, err := Segment(v, "threshold")
	if err != nil {
		t.Fatalf("Failed to segment: %v", err)
	}

	if mask.Threshold <= 0 || mask.Threshold >= 255 {
		t.Errorf("Expected threshold strictly between 0 and 255, got %v", mask.Threshold)
	}
	if mask.Shape != v.Shape {
		t.Errorf("Expected mask shape %v, got %v", v.Shape, mask.Shape)
	}

	distinct := make(map[uint8]bool)
	for i, l := range mask.Labels {
		distinct[l] = true
		want := uint8(0)
		if v.Data[i] == 255 {
			want = 1
		}
		if l != want {
			t.Fatalf("Expected label %d for value %v at %d, got %d", want, v.Data[i], i, l)
		}
	}
	if len(distinct) != 2 {
		t.Errorf("Expected exactly two labels, got %v", distinct)
	}
}

func TestThresholdSkewedClasses(t *testing.T) {
	shape := models.Shape{1, 1, 1, 1, 10}
	data := []float64{10, 11, 12, 10, 11, 12, 10, 200, 210, 205}
	mask, err := Segment(&models.Volume{Data: data, Shape: shape}, "otsu")
	if err != nil {
		t.Fatalf("Failed to segment: %v", err)
	}
	if mask.Method != MethodThreshold {
		t.Errorf("Expected alias to resolve to %q, got %q", MethodThreshold, mask.Method)
	}
	if mask.Count(1) != 3 || mask.Count(0) != 7 {
		t.Errorf("Expected 3 bright and 7 dark samples, got %d and %d", mask.Count(1), mask.Count(0))
	}
}

func TestClusterBimodal(t *testing.T) {
	v := createBimodalChannel(20, 180)
	mask, err := Segment(v, "cluster")
	if err != nil {
		t.Fatalf("Failed to segment: %v", err)
	}
	if mask.Centroids != [2]float64{20, 180} {
		t.Errorf("Expected centroids [20 180], got %v", mask.Centroids)
	}
	for i, l := range mask.Labels {
		if (v.Data[i] == 180) != (l == 1) {
			t.Fatalf("Unexpected label %d for value %v", l, v.Data[i])
		}
	}
}

// TestClusterReproducible verifies identical labels across runs
func TestClusterReproducible(t *testing.T) {
	shape := models.Shape{1, 1, 1, 4, 5}
	data := make([]float64, shape.Len())
	for i := range data {
		data[i] = float64((i * 37) % 23)
	}
	v := &models.Volume{Data: data, Shape: shape}

	first, err := Segment(v, "kmeans")
	if err != nil {
		t.Fatalf("Failed to segment: %v", err)
	}
	for run := 0; run < 5; run++ {
		again, err := Segment(v, "kmeans")
		if err != nil {
			t.Fatalf("Failed to segment: %v", err)
		}
		for i := range first.Labels {
			if first.Labels[i] != again.Labels[i] {
				t.Fatalf("Run %d differs at %d", run, i)
			}
		}
	}
	if first.Centroids[0] >= first.Centroids[1] {
		t.Errorf("Expected darker centroid first, got %v", first.Centroids)
	}
}

func TestUniformChannel(t *testing.T) {
	shape := models.Shape{1, 1, 1, 3, 3}
	data := make([]float64, shape.Len())
	for i := range data {
		data[i] = 7
	}
	for _, method := range []string{"threshold", "cluster"} {
		mask, err := Segment(&models.Volume{Data: data, Shape: shape}, method)
		if err != nil {
			t.Fatalf("Failed to segment with %s: %v", method, err)
		}
		if mask.Count(0) != len(data) {
			t.Errorf("Expected every sample labelled 0 with %s, got %d", method, mask.Count(0))
		}
	}
}

func TestUnknownMethod(t *testing.T) {
	v := createBimodalChannel(0, 255)
	for _, method := range []string{"watershed", "", "thresh"} {
		mask, err := Segment(v, method)
		if !errors.Is(err, models.ErrUnknownMethod) {
			t.Errorf("Expected ErrUnknownMethod for %q, got %v", method, err)
		}
		if mask != nil {
			t.Errorf("Expected no mask for %q", method)
		}
	}
}

func TestSegmentChannel(t *testing.T) {
	shape := models.Shape{1, 1, 2, 2, 2}
	data := []float64{0, 0, 0, 0, 0, 100, 0, 100}
	v := &models.Volume{Data: data, Shape: shape}

	mask, err := SegmentChannel(v, 1, "threshold", DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to segment channel: %v", err)
	}
	if mask.Shape != (models.Shape{1, 1, 1, 2, 2}) {
		t.Errorf("Expected single-channel mask, got %v", mask.Shape)
	}
	want := []uint8{0, 1, 0, 1}
	for i := range want {
		if mask.Labels[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, mask.Labels)
			break
		}
	}

	if _, err := SegmentChannel(v, 2, "threshold", DefaultOptions()); !errors.Is(err, models.ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := SegmentChannel(v, 0, "nope", DefaultOptions()); !errors.Is(err, models.ErrUnknownMethod) {
		t.Errorf("Expected ErrUnknownMethod, got %v", err)
	}
}

func TestMaskVolume(t *testing.T) {
	mask := &models.SegmentationMask{Labels: []uint8{0, 1, 1, 0}, Shape: models.Shape{1, 1, 1, 2, 2}}
	v := mask.Volume()
	if v.DType != models.Uint8 || v.Shape != mask.Shape {
		t.Errorf("Unexpected mask volume %v %v", v.DType, v.Shape)
	}
	if v.Data[1] != 1 || v.Data[3] != 0 {
		t.Errorf("Unexpected mask volume data %v", v.Data)
	}
}
