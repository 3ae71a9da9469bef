package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"microvolume/internal/models"
	"microvolume/pkg/segmentation"
	"microvolume/pkg/store"
	"microvolume/pkg/tiff"
	"microvolume/pkg/volume"
)

type fixture struct {
	runner *Runner
	store  *store.Store
	path   string
	outDir string
}

// newFixture writes a small two-channel volume and a runner around it
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	shape := models.Shape{2, 2, 3, 4, 4}
	data := make([]float64, shape.Len())
	for tt := 0; tt < 2; tt++ {
		for z := 0; z < 2; z++ {
			for y := 0; y < 4; y++ {
				for x := 0; x < 4; x++ {
					base := float64((tt*7+z*5+y*3+x)%11) * 10
					data[shape.Offset(tt, z, 0, y, x)] = base
					data[shape.Offset(tt, z, 1, y, x)] = 2*base + 5
					if x >= 2 {
						data[shape.Offset(tt, z, 2, y, x)] = 200
					}
				}
			}
		}
	}
	path := filepath.Join(dir, "sample.tif")
	if err := tiff.WriteFile(path, &models.Volume{Data: data, Shape: shape, DType: models.Uint8}); err != nil {
		t.Fatalf("Failed to write sample: %v", err)
	}

	logger := zap.NewNop().Sugar()
	st, err := store.Open(filepath.Join(dir, "results.db"), logger)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	outDir := filepath.Join(dir, "uploads")
	params := &Params{
		OutputDir:    outDir,
		OutputDType:  models.Float32,
		Segmentation: segmentation.DefaultOptions(),
	}
	return &fixture{runner: NewRunner(params, st, logger), store: st, path: path, outDir: outDir}
}

func (f *fixture) upload(t *testing.T) *store.ImageRecord {
	t.Helper()
	rec, err := f.runner.Upload(context.Background(), f.path)
	if err != nil {
		t.Fatalf("Failed to upload: %v", err)
	}
	return rec
}

func TestUploadAndMetadata(t *testing.T) {
	f := newFixture(t)
	rec := f.upload(t)

	if rec.Dimensions != "(2, 2, 3, 4, 4)" || rec.DType != "uint8" {
		t.Errorf("Unexpected metadata %+v", rec)
	}
	if len(rec.Checksum) != 64 {
		t.Errorf("Expected 64 hex digit checksum, got %q", rec.Checksum)
	}
	info, _ := os.Stat(f.path)
	if rec.SizeBytes != info.Size() {
		t.Errorf("Expected size %d, got %d", info.Size(), rec.SizeBytes)
	}

	got, err := f.runner.Metadata(context.Background(), rec.RequestID)
	if err != nil {
		t.Fatalf("Failed to read metadata: %v", err)
	}
	if got.ID != rec.ID || got.Filename != "sample.tif" {
		t.Errorf("Unexpected metadata %+v", got)
	}
}

func TestUploadRejectsUnreadable(t *testing.T) {
	f := newFixture(t)
	bad := filepath.Join(t.TempDir(), "bad.tif")
	os.WriteFile(bad, []byte("garbage"), 0644)
	if _, err := f.runner.Upload(context.Background(), bad); !errors.Is(err, models.ErrUnreadableFile) {
		t.Errorf("Expected ErrUnreadableFile, got %v", err)
	}
}

func TestUnknownImage(t *testing.T) {
	f := newFixture(t)
	if _, err := f.runner.Statistics(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStatisticsRecorded(t *testing.T) {
	f := newFixture(t)
	rec := f.upload(t)
	ctx := context.Background()

	stats, err := f.runner.Statistics(ctx, "sample")
	if err != nil {
		t.Fatalf("Failed to compute statistics: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("Expected 3 channels, got %d", len(stats))
	}
	if stats[2].Min != 0 || stats[2].Max != 200 || stats[2].Mean != 100 {
		t.Errorf("Unexpected channel 2 statistics %+v", stats[2])
	}

	rows, err := f.store.ListStatistics(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Failed to list statistics: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 stored rows, got %d", len(rows))
	}
	for i := range rows {
		if rows[i].ChannelStatistics != stats[i] {
			t.Errorf("Stored row %d %+v differs from %+v", i, rows[i].ChannelStatistics, stats[i])
		}
	}
}

func TestSliceWritten(t *testing.T) {
	f := newFixture(t)
	rec := f.upload(t)

	out, err := f.runner.Slice(context.Background(), rec.RequestID, models.SliceRequest{Z: volume.Index(1), Channel: volume.Index(0)})
	if err != nil {
		t.Fatalf("Failed to slice: %v", err)
	}
	if filepath.Dir(out) != f.outDir {
		t.Errorf("Expected slice under %s, got %s", f.outDir, out)
	}
	v, err := volume.Load(out)
	if err != nil {
		t.Fatalf("Failed to read slice back: %v", err)
	}
	if v.Shape != (models.Shape{2, 1, 1, 4, 4}) {
		t.Errorf("Expected shape (2, 1, 1, 4, 4), got %v", v.Shape)
	}

	_, err = f.runner.Slice(context.Background(), rec.RequestID, models.SliceRequest{Time: volume.Index(2)})
	if !errors.Is(err, models.ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestAnalyzeRecordsExplainedVariance(t *testing.T) {
	f := newFixture(t)
	rec := f.upload(t)
	ctx := context.Background()

	res, err := f.runner.Analyze(ctx, rec.RequestID, 2)
	if err != nil {
		t.Fatalf("Failed to analyze: %v", err)
	}
	v, err := volume.Load(res.Record.FilePath)
	if err != nil {
		t.Fatalf("Failed to read reduction back: %v", err)
	}
	if v.Shape != (models.Shape{2, 2, 2, 4, 4}) || v.DType != models.Float32 {
		t.Errorf("Unexpected reduction output %v %v", v.Shape, v.DType)
	}

	rows, err := f.store.ListReductions(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Failed to list reductions: %v", err)
	}
	if len(rows) != 1 || len(rows[0].ExplainedVariance) != 2 {
		t.Fatalf("Expected one reduction with two variances, got %+v", rows)
	}
	if rows[0].ExplainedVariance[0] < rows[0].ExplainedVariance[1] {
		t.Errorf("Expected descending explained variance, got %v", rows[0].ExplainedVariance)
	}

	if _, err := f.runner.Analyze(ctx, rec.RequestID, 4); !errors.Is(err, models.ErrInvalidComponentCount) {
		t.Errorf("Expected ErrInvalidComponentCount, got %v", err)
	}
	rows, _ = f.store.ListReductions(ctx, rec.ID)
	if len(rows) != 1 {
		t.Errorf("Expected failed reduction to record nothing, got %d rows", len(rows))
	}
}

func TestSegmentWritesMask(t *testing.T) {
	f := newFixture(t)
	rec := f.upload(t)
	ctx := context.Background()

	out, err := f.runner.Segment(ctx, rec.RequestID, 2, "threshold")
	if err != nil {
		t.Fatalf("Failed to segment: %v", err)
	}
	if out.Mask.Count(1) != out.Mask.Count(0) {
		t.Errorf("Expected half the samples in the foreground, got %d of %d", out.Mask.Count(1), len(out.Mask.Labels))
	}
	v, err := volume.Load(out.FilePath)
	if err != nil {
		t.Fatalf("Failed to read mask back: %v", err)
	}
	if v.DType != models.Uint8 || v.Shape != (models.Shape{2, 2, 1, 4, 4}) {
		t.Errorf("Unexpected mask file %v %v", v.DType, v.Shape)
	}

	if _, err := f.runner.Segment(ctx, rec.RequestID, 0, "region-growing"); !errors.Is(err, models.ErrUnknownMethod) {
		t.Errorf("Expected ErrUnknownMethod, got %v", err)
	}
	if _, err := os.Stat(out.FilePath); err != nil {
		t.Errorf("Earlier mask should be untouched: %v", err)
	}
}

func TestPreviewWritten(t *testing.T) {
	f := newFixture(t)
	rec := f.upload(t)

	out, err := f.runner.Preview(context.Background(), rec.RequestID, 1, 1, 0)
	if err != nil {
		t.Fatalf("Failed to render preview: %v", err)
	}
	if filepath.Ext(out) != ".png" {
		t.Errorf("Expected png output, got %s", out)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("Preview was not written: %v", err)
	}
}

func TestPreviewSequenceWritten(t *testing.T) {
	f := newFixture(t)
	rec := f.upload(t)

	paths, err := f.runner.PreviewSequence(context.Background(), rec.RequestID, 2)
	if err != nil {
		t.Fatalf("Failed to render previews: %v", err)
	}
	if len(paths) != 4 {
		t.Fatalf("Expected one preview per (time, z) plane, got %d", len(paths))
	}
	want := filepath.Join(f.outDir, "preview_"+rec.RequestID)
	for _, p := range paths {
		if filepath.Dir(p) != want {
			t.Errorf("Expected preview under %s, got %s", want, p)
		}
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Preview was not written: %v", err)
		}
	}

	if _, err := f.runner.PreviewSequence(context.Background(), rec.RequestID, 3); !errors.Is(err, models.ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestChecksumStable(t *testing.T) {
	f := newFixture(t)
	a, err := Checksum(f.path)
	if err != nil {
		t.Fatalf("Failed to checksum: %v", err)
	}
	b, _ := Checksum(f.path)
	if a != b {
		t.Errorf("Checksum not stable: %s vs %s", a, b)
	}
	if _, err := Checksum(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t)
	rec := f.upload(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.runner.Statistics(ctx, rec.RequestID); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
