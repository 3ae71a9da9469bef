package models

import (
	"fmt"
)

// Axis identifies one of the five positional axes of a Volume.
type Axis int

const (
	AxisTime Axis = iota
	AxisZ
	AxisChannel
	AxisY
	AxisX
)

// NumAxes is the rank every Volume carries.
const NumAxes = 5

var axisNames = [NumAxes]string{"time", "z", "channel", "y", "x"}

func (a Axis) String() string {
	if a < 0 || int(a) >= NumAxes {
		return fmt.Sprintf("axis(%d)", int(a))
	}
	return axisNames[a]
}

// Shape holds the extents of a Volume in [time, z, channel, y, x] order.
type Shape [NumAxes]int

// Len returns the total number of samples described by the shape.
func (s Shape) Len() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// PlaneLen returns the number of samples in one (y, x) plane.
func (s Shape) PlaneLen() int {
	return s[AxisY] * s[AxisX]
}

// Observations returns the number of (time, z, y, x) coordinates, i.e. the
// number of samples belonging to each channel.
func (s Shape) Observations() int {
	return s[AxisTime] * s[AxisZ] * s[AxisY] * s[AxisX]
}

// Offset returns the position of sample (t, z, c, y, x) in a contiguous
// buffer laid out in [time, z, channel, y, x] order.
func (s Shape) Offset(t, z, c, y, x int) int {
	return (((t*s[AxisZ]+z)*s[AxisChannel]+c)*s[AxisY]+y)*s[AxisX] + x
}

// PlaneOffset returns the offset of the first sample of plane (t, z, c).
func (s Shape) PlaneOffset(t, z, c int) int {
	return ((t*s[AxisZ]+z)*s[AxisChannel] + c) * s.PlaneLen()
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d, %d)", s[0], s[1], s[2], s[3], s[4])
}

// DType is the sample type of the container the volume was read from.
type DType int

const (
	Uint8 DType = iota
	Uint16
	Uint32
	Int8
	Int16
	Int32
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
	Float32: "float32",
	Float64: "float64",
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// IsFloat reports whether the sample type is floating point.
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// Size returns the size of one sample in bytes.
func (d DType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// ParseDType maps a name such as "uint16" or "float32" to a DType.
func ParseDType(name string) (DType, error) {
	for d, n := range dtypeNames {
		if n == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown sample type %q", name)
}

// Volume is a 5-axis [time, z, channel, y, x] array of samples.
//
// Samples are held as float64 in contiguous row-major order regardless of
// the source sample type; DType records what the source stored so results
// can be written back in the same format. A Volume is never mutated by the
// processing packages, so it is safe to share between concurrent readers.
type Volume struct {
	// Data holds Shape.Len() samples in [time, z, channel, y, x] order
	Data []float64

	// Shape is the extent of each axis
	Shape Shape

	// DType is the sample type of the source container
	DType DType

	// SourcePath is the file the volume was loaded from, empty for derived volumes
	SourcePath string
}

// NewVolume creates a volume over data, which must hold exactly shape.Len()
// samples.
func NewVolume(shape Shape, dtype DType, data []float64) (*Volume, error) {
	for i, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: %s axis has negative extent %d", ErrUnsupportedShape, Axis(i), d)
		}
	}
	if len(data) != shape.Len() {
		return nil, fmt.Errorf("%w: shape %s needs %d samples, got %d", ErrUnsupportedShape, shape, shape.Len(), len(data))
	}
	return &Volume{Data: data, Shape: shape, DType: dtype}, nil
}

// At returns the sample at (t, z, c, y, x).
func (v *Volume) At(t, z, c, y, x int) float64 {
	return v.Data[v.Shape.Offset(t, z, c, y, x)]
}

// Channels returns the extent of the channel axis.
func (v *Volume) Channels() int {
	return v.Shape[AxisChannel]
}

// SliceRequest selects a single index on any of the time, z and channel
// axes. A nil field keeps the full extent of that axis.
type SliceRequest struct {
	Time    *int
	Z       *int
	Channel *int
}

// ChannelStatistics summarizes every sample of one channel.
type ChannelStatistics struct {
	Channel int     `json:"channel" yaml:"channel"`
	Mean    float64 `json:"mean" yaml:"mean"`
	Std     float64 `json:"std" yaml:"std"`
	Min     float64 `json:"min" yaml:"min"`
	Max     float64 `json:"max" yaml:"max"`
}
