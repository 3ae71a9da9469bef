// Package pipeline runs the processing packages against registered images.
//
// A Runner resolves an image by request id or path fragment, loads it,
// invokes the requested operation synchronously, writes any result volume
// to the output directory and records derived rows in the store. Each call
// acquires and releases its own file mapping and database work; nothing is
// cached between calls.
package pipeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"microvolume/internal/models"
	"microvolume/pkg/preview"
	"microvolume/pkg/reduction"
	"microvolume/pkg/segmentation"
	"microvolume/pkg/statistics"
	"microvolume/pkg/store"
	"microvolume/pkg/tiff"
	"microvolume/pkg/volume"
)

// Params holds the settings shared by every operation of a Runner.
type Params struct {
	// OutputDir is where slice, reduction, mask and preview files are written.
	OutputDir string

	// OutputDType is the sample type reduction results are written in.
	// It must be a floating-point type.
	OutputDType models.DType

	// Segmentation tunes the segmentation methods.
	Segmentation segmentation.Options
}

// Runner executes operations on registered images.
type Runner struct {
	params *Params
	store  *store.Store
	logger *zap.SugaredLogger
}

// NewRunner creates a runner writing results under params.OutputDir and
// recording rows in st.
func NewRunner(params *Params, st *store.Store, logger *zap.SugaredLogger) *Runner {
	return &Runner{
		params: params,
		store:  st,
		logger: logger,
	}
}

// ReductionOutput describes a completed reduction.
type ReductionOutput struct {
	Record *store.ReductionRecord
	Result *models.ReductionResult
}

// SegmentationOutput describes a written segmentation mask.
type SegmentationOutput struct {
	FilePath string
	Mask     *models.SegmentationMask
}

// Upload validates the container at path and registers it.
func (r *Runner) Upload(ctx context.Context, path string) (*store.ImageRecord, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	src, err := volume.Open(abs)
	if err != nil {
		return nil, err
	}
	shape, dtype, size := src.Shape(), src.DType(), src.Size()
	src.Close()

	sum, err := Checksum(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum %s: %w", abs, err)
	}

	rec := &store.ImageRecord{
		Filename:   filepath.Base(abs),
		Dimensions: shape.String(),
		DType:      dtype.String(),
		FilePath:   abs,
		Checksum:   sum,
		SizeBytes:  size,
	}
	if _, err := r.store.RecordImage(ctx, rec); err != nil {
		return nil, err
	}
	r.logger.Infow("Registered image",
		"request_id", rec.RequestID,
		"shape", rec.Dimensions,
		"dtype", rec.DType,
		"size", humanize.Bytes(uint64(size)))
	return rec, nil
}

// Metadata returns the registration record of an image.
func (r *Runner) Metadata(ctx context.Context, key string) (*store.ImageRecord, error) {
	return r.store.FindImage(ctx, key)
}

// Slice extracts a sub-volume and writes it as slice_<request id>.tif.
func (r *Runner) Slice(ctx context.Context, key string, req models.SliceRequest) (string, error) {
	rec, v, err := r.load(ctx, key)
	if err != nil {
		return "", err
	}
	sub, err := volume.Slice(v, req)
	if err != nil {
		return "", err
	}
	out := r.outputPath("slice", rec, ".tif")
	if err := r.write(out, sub); err != nil {
		return "", err
	}
	r.logger.Infow("Wrote slice", "request_id", rec.RequestID, "shape", sub.Shape.String(), "path", out)
	return out, nil
}

// Statistics computes and records per-channel statistics.
func (r *Runner) Statistics(ctx context.Context, key string) ([]models.ChannelStatistics, error) {
	rec, v, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	stats, err := statistics.ComputeStatistics(v)
	if err != nil {
		return nil, err
	}
	if err := r.store.RecordStatistics(ctx, rec.ID, stats); err != nil {
		return nil, err
	}
	r.logger.Infow("Computed statistics", "request_id", rec.RequestID, "channels", len(stats), "elapsed", time.Since(start))
	return stats, nil
}

// Analyze reduces the image to components principal components, writes
// the projection as pca_<request id>.tif and records the reduction.
func (r *Runner) Analyze(ctx context.Context, key string, components int) (*ReductionOutput, error) {
	if !r.params.OutputDType.IsFloat() {
		return nil, fmt.Errorf("reduction output sample type must be floating point, got %s", r.params.OutputDType)
	}
	rec, v, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := reduction.Reduce(v, components)
	if err != nil {
		return nil, err
	}
	r.logger.Infow("Reduced channels",
		"request_id", rec.RequestID,
		"channels", v.Channels(),
		"components", components,
		"explained_variance", res.ExplainedVariance,
		"elapsed", time.Since(start))

	out := r.outputPath("pca", rec, ".tif")
	written := *res.Data
	written.DType = r.params.OutputDType
	if err := r.write(out, &written); err != nil {
		return nil, err
	}

	row := &store.ReductionRecord{
		ImageID:           rec.ID,
		Components:        components,
		ExplainedVariance: res.ExplainedVariance,
		FilePath:          out,
	}
	if _, err := r.store.RecordReduction(ctx, row); err != nil {
		return nil, err
	}
	return &ReductionOutput{Record: row, Result: res}, nil
}

// Segment segments one channel and writes the mask as mask_<request id>.tif.
func (r *Runner) Segment(ctx context.Context, key string, channel int, method string) (*SegmentationOutput, error) {
	if _, err := segmentation.CanonicalMethod(method); err != nil {
		return nil, err
	}
	rec, v, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}
	mask, err := segmentation.SegmentChannel(v, channel, method, r.params.Segmentation)
	if err != nil {
		return nil, err
	}

	out := r.outputPath("mask", rec, ".tif")
	if err := r.write(out, mask.Volume()); err != nil {
		return nil, err
	}
	r.logger.Infow("Wrote segmentation mask",
		"request_id", rec.RequestID,
		"channel", channel,
		"method", mask.Method,
		"foreground", mask.Count(1),
		"path", out)
	return &SegmentationOutput{FilePath: out, Mask: mask}, nil
}

// Preview renders one plane as preview_<request id>.png.
func (r *Runner) Preview(ctx context.Context, key string, t, z, c int) (string, error) {
	rec, v, err := r.load(ctx, key)
	if err != nil {
		return "", err
	}
	viewer := preview.NewViewer(v)
	img, err := viewer.ExtractPlane(t, z, c)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.params.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	out := r.outputPath("preview", rec, ".png")
	if err := viewer.SavePlane(img, out); err != nil {
		return "", fmt.Errorf("failed to write preview %s: %w", out, err)
	}
	return out, nil
}

// PreviewSequence renders every (time, z) plane of channel c into the
// directory preview_<request id> and returns the written files.
func (r *Runner) PreviewSequence(ctx context.Context, key string, c int) ([]string, error) {
	rec, v, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}
	dir := r.outputPath("preview", rec, "")
	paths, err := preview.NewViewer(v).SavePlaneSequence(c, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to write previews to %s: %w", dir, err)
	}
	r.logger.Infow("Wrote preview sequence", "request_id", rec.RequestID, "channel", c, "planes", len(paths), "dir", dir)
	return paths, nil
}

// load resolves key and decodes the image it names.
func (r *Runner) load(ctx context.Context, key string) (*store.ImageRecord, *models.Volume, error) {
	rec, err := r.store.FindImage(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	v, err := volume.Load(rec.FilePath)
	if err != nil {
		return nil, nil, err
	}
	r.logger.Debugw("Loaded volume", "request_id", rec.RequestID, "shape", v.Shape.String(), "dtype", v.DType.String())
	return rec, v, nil
}

func (r *Runner) outputPath(kind string, rec *store.ImageRecord, ext string) string {
	return filepath.Join(r.params.OutputDir, fmt.Sprintf("%s_%s%s", kind, rec.RequestID, ext))
}

func (r *Runner) write(path string, v *models.Volume) error {
	if err := tiff.WriteFile(path, v); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Checksum returns the hex BLAKE3 digest of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
