package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"microvolume/internal/models"
	"microvolume/pkg/config"
	"microvolume/pkg/pipeline"
	"microvolume/pkg/store"
	"microvolume/pkg/volume"
)

const defaultTimeout = 30 * time.Minute

// app carries the persistent flags shared by every subcommand.
type app struct {
	configPath string
	dbPath     string
	outDir     string
	outputJSON bool
}

// session is one opened runner and the resources behind it.
type session struct {
	cfg    *config.Config
	runner *pipeline.Runner
	store  *store.Store
	logger *zap.Logger
}

func (s *session) close() {
	sugar := s.logger.Sugar()
	if err := s.store.Close(); err != nil {
		sugar.Warnf("Failed to close result store: %v", err)
	}
	_ = s.logger.Sync()
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "microvolume",
		Short: "Inspect and analyze multi-channel microscopy volumes",
		Long: `Register TIFF microscopy volumes and run slicing, per-channel statistics,
principal component analysis, segmentation and plane previews on them.

Images are addressed by the request id printed on upload or by any
fragment of their file path.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "microvolume.yaml", "Config file path")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "Result database path (overrides store.path)")
	root.PersistentFlags().StringVar(&a.outDir, "out", "", "Output directory (overrides output.dir)")
	root.PersistentFlags().BoolVar(&a.outputJSON, "json", false, "Output in JSON format")

	root.AddCommand(a.newUploadCmd())
	root.AddCommand(a.newInfoCmd())
	root.AddCommand(a.newSliceCmd())
	root.AddCommand(a.newStatsCmd())
	root.AddCommand(a.newReduceCmd())
	root.AddCommand(a.newSegmentCmd())
	root.AddCommand(a.newPreviewCmd())
	root.AddCommand(a.newInitConfigCmd())
	return root
}

// open loads configuration, applies flag overrides and opens the store.
func (a *app) open() (*session, error) {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if a.dbPath != "" {
		cfg.Store.Path = a.dbPath
	}
	if a.outDir != "" {
		cfg.Output.Dir = a.outDir
	}
	dtype, err := cfg.OutputDType()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar := logger.Sugar()

	st, err := store.Open(cfg.Store.Path, sugar)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	params := &pipeline.Params{
		OutputDir:    cfg.Output.Dir,
		OutputDType:  dtype,
		Segmentation: cfg.SegmentationOptions(),
	}
	return &session{
		cfg:    cfg,
		runner: pipeline.NewRunner(params, st, sugar),
		store:  st,
		logger: logger,
	}, nil
}

// newLogger builds a production or development logger at the configured level.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc.Level = level
	return zc.Build()
}

// run opens a session, invokes fn with a bounded context and closes it.
func (a *app) run(fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	s, err := a.open()
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

func (a *app) newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file.tif>",
		Short: "Validate and register a TIFF volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, s *session) error {
				rec, err := s.runner.Upload(ctx, args[0])
				if err != nil {
					return err
				}
				if a.outputJSON {
					return outputAsJSON(cmd.OutOrStdout(), rec)
				}
				printImage(cmd.OutOrStdout(), rec)
				return nil
			})
		},
	}
}

func (a *app) newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <image>",
		Short: "Show the registration record of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, s *session) error {
				rec, err := s.runner.Metadata(ctx, args[0])
				if err != nil {
					return err
				}
				if a.outputJSON {
					return outputAsJSON(cmd.OutOrStdout(), rec)
				}
				printImage(cmd.OutOrStdout(), rec)
				return nil
			})
		},
	}
}

func (a *app) newSliceCmd() *cobra.Command {
	var t, z, c int
	cmd := &cobra.Command{
		Use:   "slice <image>",
		Short: "Extract a sub-volume by time, z and channel index",
		Long: `Extract a sub-volume. Every index that is not given keeps its whole axis;
the result always keeps all five axes and is written as slice_<request id>.tif.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req models.SliceRequest
			if cmd.Flags().Changed("time") {
				req.Time = volume.Index(t)
			}
			if cmd.Flags().Changed("z") {
				req.Z = volume.Index(z)
			}
			if cmd.Flags().Changed("channel") {
				req.Channel = volume.Index(c)
			}
			return a.run(func(ctx context.Context, s *session) error {
				out, err := s.runner.Slice(ctx, args[0], req)
				if err != nil {
					return err
				}
				if a.outputJSON {
					return outputAsJSON(cmd.OutOrStdout(), map[string]string{"file_path": out})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Slice saved to: %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&t, "time", 0, "Time point index")
	cmd.Flags().IntVar(&z, "z", 0, "Z plane index")
	cmd.Flags().IntVar(&c, "channel", 0, "Channel index")
	return cmd
}

func (a *app) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <image>",
		Short: "Compute and record per-channel statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, s *session) error {
				stats, err := s.runner.Statistics(ctx, args[0])
				if err != nil {
					return err
				}
				if a.outputJSON {
					return outputAsJSON(cmd.OutOrStdout(), stats)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-8s %14s %14s %14s %14s\n", "CHANNEL", "MEAN", "STD", "MIN", "MAX")
				for _, st := range stats {
					fmt.Fprintf(w, "%-8d %14.6g %14.6g %14.6g %14.6g\n", st.Channel, st.Mean, st.Std, st.Min, st.Max)
				}
				return nil
			})
		},
	}
}

func (a *app) newReduceCmd() *cobra.Command {
	var components int
	cmd := &cobra.Command{
		Use:   "reduce <image>",
		Short: "Reduce the channel axis with principal component analysis",
		Long: `Project every voxel onto the leading principal components of the channel
axis. The projection is written as pca_<request id>.tif with one channel per
component and the explained variance ratios are recorded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, s *session) error {
				k := components
				if !cmd.Flags().Changed("components") {
					k = s.cfg.Reduction.Components
				}
				res, err := s.runner.Analyze(ctx, args[0], k)
				if err != nil {
					return err
				}
				if a.outputJSON {
					return outputAsJSON(cmd.OutOrStdout(), res.Record)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Reduction saved to: %s\n", res.Record.FilePath)
				fmt.Fprintln(w, "Explained variance ratio:")
				total := 0.0
				for i, r := range res.Result.ExplainedVariance {
					total += r
					fmt.Fprintf(w, "- PC%d: %.4f (cumulative %.4f)\n", i+1, r, total)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&components, "components", 3, "Number of principal components (defaults to reduction.components)")
	return cmd
}

func (a *app) newSegmentCmd() *cobra.Command {
	var (
		channel int
		method  string
	)
	cmd := &cobra.Command{
		Use:   "segment <image>",
		Short: "Segment one channel into background and foreground",
		Long: `Label every sample of one channel as background (0) or foreground (1)
with the threshold (otsu) or cluster (kmeans) method. The mask is written as
mask_<request id>.tif.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, s *session) error {
				m := method
				if m == "" {
					m = s.cfg.Segmentation.Method
				}
				out, err := s.runner.Segment(ctx, args[0], channel, m)
				if err != nil {
					return err
				}
				fg := out.Mask.Count(1)
				if a.outputJSON {
					return outputAsJSON(cmd.OutOrStdout(), map[string]any{
						"file_path":  out.FilePath,
						"method":     out.Mask.Method,
						"foreground": fg,
						"total":      len(out.Mask.Labels),
					})
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Mask saved to: %s\n", out.FilePath)
				fmt.Fprintf(w, "Method: %s\n", out.Mask.Method)
				fmt.Fprintf(w, "Foreground: %s of %s samples\n",
					humanize.Comma(int64(fg)), humanize.Comma(int64(len(out.Mask.Labels))))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&channel, "channel", 0, "Channel index")
	cmd.Flags().StringVar(&method, "method", "", "threshold or cluster (defaults to segmentation.method)")
	return cmd
}

func (a *app) newPreviewCmd() *cobra.Command {
	var (
		t, z, c int
		all     bool
	)
	cmd := &cobra.Command{
		Use:   "preview <image>",
		Short: "Render one plane as a contrast-stretched PNG",
		Long: `Render one plane as preview_<request id>.png. With --all every (time, z)
plane of the channel is written into the directory preview_<request id>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, s *session) error {
				if all {
					paths, err := s.runner.PreviewSequence(ctx, args[0], c)
					if err != nil {
						return err
					}
					if a.outputJSON {
						return outputAsJSON(cmd.OutOrStdout(), map[string][]string{"file_paths": paths})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Saved %d previews:\n", len(paths))
					for _, p := range paths {
						fmt.Fprintf(cmd.OutOrStdout(), "- %s\n", p)
					}
					return nil
				}
				out, err := s.runner.Preview(ctx, args[0], t, z, c)
				if err != nil {
					return err
				}
				if a.outputJSON {
					return outputAsJSON(cmd.OutOrStdout(), map[string]string{"file_path": out})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Preview saved to: %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&t, "time", 0, "Time point index")
	cmd.Flags().IntVar(&z, "z", 0, "Z plane index")
	cmd.Flags().IntVar(&c, "channel", 0, "Channel index")
	cmd.Flags().BoolVar(&all, "all", false, "Render every (time, z) plane of the channel")
	return cmd
}

func (a *app) newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a configuration file with default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfigFile(a.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to: %s\n", a.configPath)
			return nil
		},
	}
}

func printImage(w io.Writer, rec *store.ImageRecord) {
	fmt.Fprintf(w, "Request ID: %s\n", rec.RequestID)
	fmt.Fprintf(w, "File:       %s\n", rec.FilePath)
	fmt.Fprintf(w, "Shape:      %s (T, Z, C, Y, X)\n", rec.Dimensions)
	fmt.Fprintf(w, "Dtype:      %s\n", rec.DType)
	fmt.Fprintf(w, "Size:       %s\n", humanize.Bytes(uint64(rec.SizeBytes)))
	fmt.Fprintf(w, "Checksum:   %s\n", rec.Checksum)
	fmt.Fprintf(w, "Uploaded:   %s (%s)\n", rec.UploadTime.Format(time.RFC3339), humanize.Time(rec.UploadTime))
}

func outputAsJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
