// Package segmentation splits the intensities of a channel into two classes.
//
// Two strategies are provided. The threshold method picks the histogram
// split that maximizes between-class variance (Otsu's method) and labels
// samples above it 1. The cluster method runs two-centroid k-means on the
// intensities, seeded with the darkest and brightest sample so that it is
// reproducible, and labels members of the brighter cluster 1.
package segmentation

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"microvolume/internal/models"
	"microvolume/pkg/volume"
)

// Canonical method names.
const (
	MethodThreshold = "threshold"
	MethodCluster   = "cluster"
)

var methodAliases = map[string]string{
	MethodThreshold: MethodThreshold,
	"otsu":          MethodThreshold,
	MethodCluster:   MethodCluster,
	"kmeans":        MethodCluster,
}

// Options tunes the segmentation strategies.
type Options struct {
	// HistogramBins is the number of histogram bins the threshold method
	// searches over
	HistogramBins int

	// MaxIterations bounds the centroid refinement of the cluster method
	MaxIterations int

	// Tolerance stops the cluster method once no centroid moves further
	Tolerance float64
}

// DefaultOptions returns the options Segment uses.
func DefaultOptions() Options {
	return Options{
		HistogramBins: 256,
		MaxIterations: 300,
		Tolerance:     1e-4,
	}
}

// CanonicalMethod resolves a method selector, accepting "otsu" and
// "kmeans" as aliases.
func CanonicalMethod(method string) (string, error) {
	name, ok := methodAliases[strings.ToLower(strings.TrimSpace(method))]
	if !ok {
		return "", fmt.Errorf("segment: %w: %q (want %q or %q)", models.ErrUnknownMethod, method, MethodThreshold, MethodCluster)
	}
	return name, nil
}

// Segment labels every sample of v, typically a single-channel slice,
// with the default options.
func Segment(v *models.Volume, method string) (*models.SegmentationMask, error) {
	return SegmentWithOptions(v, method, DefaultOptions())
}

// SegmentChannel slices channel c out of v and segments it.
func SegmentChannel(v *models.Volume, c int, method string, opts Options) (*models.SegmentationMask, error) {
	if _, err := CanonicalMethod(method); err != nil {
		return nil, err
	}
	sub, err := volume.Slice(v, models.SliceRequest{Channel: volume.Index(c)})
	if err != nil {
		return nil, err
	}
	return SegmentWithOptions(sub, method, opts)
}

// SegmentWithOptions labels every sample of v with the given method.
func SegmentWithOptions(v *models.Volume, method string, opts Options) (*models.SegmentationMask, error) {
	name, err := CanonicalMethod(method)
	if err != nil {
		return nil, err
	}
	if len(v.Data) == 0 {
		return nil, fmt.Errorf("segment: %w: shape %s has no samples", models.ErrEmptyChannel, v.Shape)
	}

	mask := &models.SegmentationMask{
		Labels: make([]uint8, len(v.Data)),
		Shape:  v.Shape,
		Method: name,
	}
	switch name {
	case MethodThreshold:
		threshold, split := otsuThreshold(v.Data, opts.HistogramBins)
		mask.Threshold = threshold
		for i, val := range v.Data {
			if split && val >= threshold {
				mask.Labels[i] = 1
			}
		}
	case MethodCluster:
		mask.Centroids = twoMeans(v.Data, opts.MaxIterations, opts.Tolerance)
		for i, val := range v.Data {
			if nearer(val, mask.Centroids) == 1 {
				mask.Labels[i] = 1
			}
		}
	}
	return mask, nil
}

// otsuThreshold searches the histogram of data for the split with the
// largest between-class variance and returns the lower edge of the bright
// class. Uniform data cannot be split and returns its value with false.
func otsuThreshold(data []float64, bins int) (float64, bool) {
	if bins < 2 {
		bins = 2
	}
	lo, hi := floats.Min(data), floats.Max(data)
	if lo == hi {
		return lo, false
	}

	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	dividers := make([]float64, bins+1)
	floats.Span(dividers, lo, hi)
	dividers[bins] = math.Nextafter(hi, math.Inf(1))
	counts := stat.Histogram(nil, dividers, sorted, nil)

	width := (hi - lo) / float64(bins)
	centres := make([]float64, bins)
	for i := range centres {
		centres[i] = lo + (float64(i)+0.5)*width
	}

	total := float64(len(data))
	sumAll := floats.Dot(counts, centres)
	best, bestVar := 0, -1.0
	w0, sum0 := 0.0, 0.0
	for i := 0; i < bins-1; i++ {
		w0 += counts[i]
		sum0 += counts[i] * centres[i]
		w1 := total - w0
		if w0 == 0 || w1 == 0 {
			continue
		}
		mu0 := sum0 / w0
		mu1 := (sumAll - sum0) / w1
		between := w0 * w1 * (mu0 - mu1) * (mu0 - mu1)
		if between > bestVar {
			best, bestVar = i, between
		}
	}
	return dividers[best+1], true
}

// twoMeans refines two centroids seeded at the extremes of data and
// returns them darker first.
func twoMeans(data []float64, maxIter int, tol float64) [2]float64 {
	centroids := [2]float64{floats.Min(data), floats.Max(data)}
	if centroids[0] == centroids[1] {
		return centroids
	}
	for iter := 0; iter < maxIter; iter++ {
		var sums, counts [2]float64
		for _, val := range data {
			k := nearer(val, centroids)
			sums[k] += val
			counts[k]++
		}
		moved := 0.0
		for k := range centroids {
			if counts[k] == 0 {
				continue
			}
			next := sums[k] / counts[k]
			moved = math.Max(moved, math.Abs(next-centroids[k]))
			centroids[k] = next
		}
		if moved <= tol {
			break
		}
	}
	if centroids[0] > centroids[1] {
		centroids[0], centroids[1] = centroids[1], centroids[0]
	}
	return centroids
}

// nearer returns the index of the centroid closest to val, preferring the
// darker one on ties.
func nearer(val float64, centroids [2]float64) int {
	if math.Abs(val-centroids[1]) < math.Abs(val-centroids[0]) {
		return 1
	}
	return 0
}
