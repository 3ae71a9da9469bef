package models

import (
	"gonum.org/v1/gonum/mat"
)

// ReductionResult is the output of a principal-component reduction over
// channel space.
type ReductionResult struct {
	// Components is the number of retained principal components
	Components int

	// ExplainedVariance holds, per retained component, the fraction of
	// the total channel variance it captures, in descending order
	ExplainedVariance []float64

	// Data is the projected volume, shaped [time, z, Components, y, x]
	Data *Volume

	// Mean is the per-channel mean subtracted before projection
	Mean []float64

	// Axes is a channels x Components matrix whose columns are the unit
	// principal directions
	Axes *mat.Dense
}

// SegmentationMask labels every sample of a channel slice.
type SegmentationMask struct {
	// Labels holds one label per sample, laid out like the input volume
	Labels []uint8

	// Shape is the shape of the segmented input
	Shape Shape

	// Method is the canonical method name that produced the mask
	Method string

	// Threshold is the split point chosen by the threshold method
	Threshold float64

	// Centroids holds the final cluster centres of the cluster method,
	// darker first
	Centroids [2]float64
}

// Count returns how many samples carry the given label.
func (m *SegmentationMask) Count(label uint8) int {
	n := 0
	for _, l := range m.Labels {
		if l == label {
			n++
		}
	}
	return n
}

// Volume converts the mask into a uint8 volume for writing.
func (m *SegmentationMask) Volume() *Volume {
	data := make([]float64, len(m.Labels))
	for i, l := range m.Labels {
		data[i] = float64(l)
	}
	return &Volume{Data: data, Shape: m.Shape, DType: Uint8}
}
