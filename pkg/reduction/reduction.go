// Package reduction runs principal component analysis over the channel axis
// of a volume.
//
// Each (time, z, y, x) coordinate is one observation whose features are the
// channel intensities at that coordinate. The observations are centred,
// their channel covariance is eigendecomposed, and every observation is
// projected onto the leading principal directions. The projected values are
// written back in place of the channel axis, so spatial and temporal
// arrangement is preserved exactly.
package reduction

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"microvolume/internal/models"
)

// Reduce projects v onto its first components principal directions in
// channel space.
//
// The sign of each direction is pinned so that its largest-magnitude
// channel weight is positive, which makes the result fully deterministic
// for inputs without repeated eigenvalues.
func Reduce(v *models.Volume, components int) (*models.ReductionResult, error) {
	channels := v.Channels()
	if components < 1 || components > channels {
		return nil, fmt.Errorf("reduce: %w: %d components requested for %d channels", models.ErrInvalidComponentCount, components, channels)
	}
	n := v.Shape.Observations()
	if n < 2 {
		return nil, fmt.Errorf("reduce: %w: %d observations, need at least 2", models.ErrDegenerateInput, n)
	}

	obs := Observations(v)

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, obs, nil)

	var eig mat.EigenSym
	if ok := eig.Factorize(&cov, true); !ok {
		return nil, fmt.Errorf("reduce: %w: eigendecomposition of channel covariance did not converge", models.ErrDegenerateInput)
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	order := descending(values)
	axes := mat.NewDense(channels, components, nil)
	explained := make([]float64, components)
	total := 0.0
	for _, val := range values {
		total += math.Max(val, 0)
	}
	for k := 0; k < components; k++ {
		col := mat.Col(nil, order[k], &vectors)
		pinSign(col)
		axes.SetCol(k, col)
		if total > 0 {
			explained[k] = math.Max(values[order[k]], 0) / total
		}
	}

	mean := make([]float64, channels)
	for c := range mean {
		mean[c] = stat.Mean(mat.Col(nil, c, obs), nil)
	}
	centre(obs, mean)

	var projected mat.Dense
	projected.Mul(obs, axes)

	shape := v.Shape
	shape[models.AxisChannel] = components
	return &models.ReductionResult{
		Components:        components,
		ExplainedVariance: explained,
		Data: &models.Volume{
			Data:  Unflatten(&projected, shape),
			Shape: shape,
			DType: models.Float64,
		},
		Mean: mean,
		Axes: axes,
	}, nil
}

// Reconstruct maps a reduced volume back into channel space using the
// principal directions and channel means recorded in res. With as many
// components as channels this reproduces the original volume.
func Reconstruct(res *models.ReductionResult) (*models.Volume, error) {
	channels, components := res.Axes.Dims()
	if components != res.Data.Channels() || len(res.Mean) != channels {
		return nil, fmt.Errorf("reconstruct: %w: %d components over %d channels do not match data %s", models.ErrInvalidComponentCount, components, channels, res.Data.Shape)
	}

	scores := Observations(res.Data)
	var restored mat.Dense
	restored.Mul(scores, res.Axes.T())
	rows, _ := restored.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(restored.RawRowView(i), res.Mean)
	}

	shape := res.Data.Shape
	shape[models.AxisChannel] = channels
	return &models.Volume{
		Data:  Unflatten(&restored, shape),
		Shape: shape,
		DType: models.Float64,
	}, nil
}

// Observations arranges v as a (time*z*y*x) x channels matrix. Row
// ((t*Z+z)*Y+y)*X+x holds the channel vector at (t, z, y, x).
func Observations(v *models.Volume) *mat.Dense {
	s := v.Shape
	channels := s[models.AxisChannel]
	plane := s.PlaneLen()
	m := mat.NewDense(s.Observations(), channels, nil)
	raw := m.RawMatrix()
	for t := 0; t < s[models.AxisTime]; t++ {
		for z := 0; z < s[models.AxisZ]; z++ {
			base := (t*s[models.AxisZ] + z) * plane
			for c := 0; c < channels; c++ {
				src := v.Data[s.PlaneOffset(t, z, c):]
				for p := 0; p < plane; p++ {
					raw.Data[(base+p)*raw.Stride+c] = src[p]
				}
			}
		}
	}
	return m
}

// Unflatten is the inverse of Observations: it scatters the rows of m back
// into a buffer laid out over shape, whose channel extent must equal the
// column count of m.
func Unflatten(m *mat.Dense, shape models.Shape) []float64 {
	channels := shape[models.AxisChannel]
	plane := shape.PlaneLen()
	out := make([]float64, shape.Len())
	for t := 0; t < shape[models.AxisTime]; t++ {
		for z := 0; z < shape[models.AxisZ]; z++ {
			base := (t*shape[models.AxisZ] + z) * plane
			for c := 0; c < channels; c++ {
				dst := out[shape.PlaneOffset(t, z, c):]
				for p := 0; p < plane; p++ {
					dst[p] = m.At(base+p, c)
				}
			}
		}
	}
	return out
}

// centre subtracts mean from every row of m in place.
func centre(m *mat.Dense, mean []float64) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		floats.Sub(m.RawRowView(i), mean)
	}
}

// descending returns the indices of values ordered from largest to
// smallest, keeping the lower index first on ties.
func descending(values []float64) []int {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return values[order[a]] > values[order[b]]
	})
	return order
}

// pinSign flips v so that its largest-magnitude entry is positive.
func pinSign(v []float64) {
	idx := 0
	for i := range v {
		if math.Abs(v[i]) > math.Abs(v[idx]) {
			idx = i
		}
	}
	if v[idx] < 0 {
		floats.Scale(-1, v)
	}
}
