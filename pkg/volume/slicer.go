package volume

import (
	"fmt"

	"microvolume/internal/models"
)

// Index returns a pointer to i, for filling a SliceRequest.
func Index(i int) *int {
	return &i
}

// Slice collapses each axis named in req to the requested index and keeps
// the full extent of the others. The result is still a 5-axis volume, with
// length 1 on collapsed axes, and owns a copy of its samples.
func Slice(v *models.Volume, req models.SliceRequest) (*models.Volume, error) {
	sel := [3]*int{req.Time, req.Z, req.Channel}
	var lo, hi [3]int
	for i, idx := range sel {
		axis := models.Axis(i)
		lo[i], hi[i] = 0, v.Shape[axis]
		if idx == nil {
			continue
		}
		if err := checkIndex("slice", axis, *idx, v.Shape[axis]); err != nil {
			return nil, err
		}
		lo[i], hi[i] = *idx, *idx+1
	}

	shape := v.Shape
	for i := range sel {
		shape[i] = hi[i] - lo[i]
	}

	plane := v.Shape.PlaneLen()
	data := make([]float64, 0, shape.Len())
	for t := lo[0]; t < hi[0]; t++ {
		for z := lo[1]; z < hi[1]; z++ {
			for c := lo[2]; c < hi[2]; c++ {
				off := v.Shape.PlaneOffset(t, z, c)
				data = append(data, v.Data[off:off+plane]...)
			}
		}
	}
	return &models.Volume{Data: data, Shape: shape, DType: v.DType}, nil
}

// Plane returns a copy of the (y, x) plane at time t, depth z and channel c.
func Plane(v *models.Volume, t, z, c int) ([]float64, error) {
	for i, idx := range [3]int{t, z, c} {
		if err := checkIndex("plane", models.Axis(i), idx, v.Shape[i]); err != nil {
			return nil, err
		}
	}
	off := v.Shape.PlaneOffset(t, z, c)
	out := make([]float64, v.Shape.PlaneLen())
	copy(out, v.Data[off:])
	return out, nil
}

func checkIndex(op string, axis models.Axis, idx, extent int) error {
	if idx < 0 || idx >= extent {
		return fmt.Errorf("%s: %w: %s index %d outside [0, %d)", op, models.ErrIndexOutOfRange, axis, idx, extent)
	}
	return nil
}
