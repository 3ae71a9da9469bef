// Package statistics summarizes the samples of each channel of a volume.
package statistics

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"microvolume/internal/models"
)

// ComputeStatistics returns one summary per channel, ordered by channel
// index. Every (time, z, y, x) sample of a channel contributes on its raw
// scale; the standard deviation is the population one (divides by the
// sample count).
func ComputeStatistics(v *models.Volume) ([]models.ChannelStatistics, error) {
	channels := v.Channels()
	n := v.Shape.Observations()
	if channels > 0 && n == 0 {
		return nil, fmt.Errorf("compute statistics: %w: shape %s leaves no samples per channel", models.ErrEmptyChannel, v.Shape)
	}

	stats := make([]models.ChannelStatistics, channels)
	samples := make([]float64, n)
	for c := 0; c < channels; c++ {
		gatherChannel(samples, v, c)
		mean, std := stat.PopMeanStdDev(samples, nil)
		stats[c] = models.ChannelStatistics{
			Channel: c,
			Mean:    mean,
			Std:     std,
			Min:     floats.Min(samples),
			Max:     floats.Max(samples),
		}
	}
	return stats, nil
}

// gatherChannel copies every sample of channel c into dst in
// (time, z, y, x) order.
func gatherChannel(dst []float64, v *models.Volume, c int) {
	plane := v.Shape.PlaneLen()
	pos := 0
	for t := 0; t < v.Shape[models.AxisTime]; t++ {
		for z := 0; z < v.Shape[models.AxisZ]; z++ {
			off := v.Shape.PlaneOffset(t, z, c)
			pos += copy(dst[pos:], v.Data[off:off+plane])
		}
	}
}
