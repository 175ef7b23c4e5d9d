package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"amifit/internal/bandpass"
	"amifit/internal/config"
	"amifit/internal/fsutil"
	"amifit/internal/pipeline"
	"amifit/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe pipelineClient) *cobra.Command {
	return NewRoot(pipe, cfg, log, store).command()
}

func (r *Root) command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "amifit",
		Short: "amifit extracts fringe observables from aperture-masking images",
		Long: `amifit fits a fringe model to JWST NIRISS AMI exposures, reduces the fitted
fringes to closure phases and closure amplitudes, and calibrates a target
against point-source calibrators.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newFitCmd(r))
	rootCmd.AddCommand(newCalibrateCmd(r))
	rootCmd.AddCommand(newMaskCmd(r))
	rootCmd.AddCommand(newJobsCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

func newFitCmd(root *Root) *cobra.Command {
	var (
		output     string
		filter     string
		holes      []string
		pixscale   float64
		oversample int
		firstFew   int
		cropSize   int
		noEnvelope bool
		bpSpec     []string
		affineSpec []float64
	)

	cmd := &cobra.Command{
		Use:   "fit <exposure.fits|dir> [more...]",
		Short: "Fit fringes in one or more exposures",
		Long: `Fit the fringe model to every slice of each exposure, then store and write
the aggregated fringe and closure observables.

Examples:
  amifit fit jw01093012001_calints.fits
  amifit fit ./calints/
  amifit fit target_calints.fits --first-few 5 --output ./results
  amifit fit cube.fits --filter F480M --holes B4,C2,B5,B2,C1
  amifit fit cube.fits --bandpass 1:4.3e-6
  amifit fit cube.fits --affine 1.01,0.99,0,0,0,0`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			opts := map[string]any{"source": "cli"}
			if filter != "" {
				opts["filter"] = strings.ToUpper(filter)
			}
			if len(holes) > 0 {
				opts["holes"] = holes
			}
			if pixscale > 0 {
				opts["pixel_scale_mas"] = pixscale
			}
			if oversample > 0 {
				opts["oversample"] = oversample
			}
			if firstFew > 0 {
				opts["first_few"] = firstFew
			}
			if cropSize > 0 {
				opts["crop_size"] = cropSize
			}
			if noEnvelope {
				opts["envelope"] = false
			}
			if len(bpSpec) > 0 {
				samples, err := parseBandpass(bpSpec)
				if err != nil {
					return err
				}
				opts["bandpass"] = samples
			}
			if len(affineSpec) > 0 {
				if len(affineSpec) != 6 {
					return fmt.Errorf("--affine needs mx,my,sx,sy,xo,yo, got %d values", len(affineSpec))
				}
				opts["affine"] = config.Affine{
					MX: affineSpec[0], MY: affineSpec[1],
					SX: affineSpec[2], SY: affineSpec[3],
					XO: affineSpec[4], YO: affineSpec[5],
				}
			}

			paths, err := fsutil.ExpandInputs(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no FITS exposures found in %s", strings.Join(args, ", "))
			}
			for _, path := range paths {
				job := pipeline.Job{
					ID:        pipeline.NewID("fit"),
					Type:      pipeline.JobFit,
					InputPath: path,
					Output:    output,
					Options:   opts,
				}
				res, err := root.enqueueAndWait(cmd.Context(), job)
				if err != nil {
					return fmt.Errorf("%s: %w", filepath.Base(path), err)
				}
				root.printf("%s  %s  fitted=%v skipped=%v closure_phases=%v\n",
					job.ID, filepath.Base(path), res.Meta["fitted"], res.Meta["skipped"], res.Meta["closure_phases"])
				if out, ok := res.Meta["output"].(string); ok {
					root.printf("  wrote %s\n", out)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory or .json file (default from config)")
	cmd.Flags().StringVar(&filter, "filter", "", "filter override (F277W, F380M, F430M, F480M)")
	cmd.Flags().StringSliceVar(&holes, "holes", nil, "subset of mask hole labels")
	cmd.Flags().Float64Var(&pixscale, "pixscale", 0, "pixel scale override in mas")
	cmd.Flags().IntVar(&oversample, "oversample", 0, "model oversampling factor")
	cmd.Flags().IntVar(&firstFew, "first-few", 0, "fit only the first N slices")
	cmd.Flags().IntVar(&cropSize, "crop", 0, "crop each slice to N x N around the peak")
	cmd.Flags().BoolVar(&noEnvelope, "no-envelope", false, "disable the hole primary beam envelope")
	cmd.Flags().StringSliceVar(&bpSpec, "bandpass", nil, "explicit bandpass as weight:wavelength[m] samples, replacing the filter")
	cmd.Flags().Float64SliceVar(&affineSpec, "affine", nil, "initial pupil affine mx,my,sx,sy,xo,yo")

	return cmd
}

// parseBandpass reads "weight:wavelength" samples.
func parseBandpass(specs []string) ([]bandpass.Sample, error) {
	out := make([]bandpass.Sample, 0, len(specs))
	for _, spec := range specs {
		w, l, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("bandpass sample %q: want weight:wavelength", spec)
		}
		weight, err := strconv.ParseFloat(strings.TrimSpace(w), 64)
		if err != nil {
			return nil, fmt.Errorf("bandpass sample %q: %w", spec, err)
		}
		wl, err := strconv.ParseFloat(strings.TrimSpace(l), 64)
		if err != nil {
			return nil, fmt.Errorf("bandpass sample %q: %w", spec, err)
		}
		out = append(out, bandpass.Sample{Weight: weight, Wavelength: wl})
	}
	if _, err := bandpass.New(out); err != nil {
		return nil, err
	}
	return out, nil
}

func newCalibrateCmd(root *Root) *cobra.Command {
	var (
		target      string
		calibrators []string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "calibrate --target <fit-job> --cal <fit-job> [--cal <fit-job>...]",
		Short: "Calibrate a fitted target against fitted calibrators",
		Long: `Subtract calibrator closure phases from the target's and divide closure
amplitudes, using the observables stored by earlier fit jobs. Several
calibrators are pooled before aggregation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || len(calibrators) == 0 {
				return fmt.Errorf("--target and at least one --cal are required")
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			job := pipeline.Job{
				ID:        pipeline.NewID("cal"),
				Type:      pipeline.JobCalibrate,
				InputPath: target,
				Output:    output,
				Options: map[string]any{
					"target":      target,
					"calibrators": calibrators,
					"source":      "cli",
				},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			root.printf("%s  target=%s calibrators=%s closure_phases=%v\n",
				job.ID, target, strings.Join(calibrators, ","), res.Meta["closure_phases"])
			if out, ok := res.Meta["output"].(string); ok {
				root.printf("  wrote %s\n", out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "fit job ID of the science target")
	cmd.Flags().StringSliceVar(&calibrators, "cal", nil, "fit job ID of a calibrator (repeatable)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory or .json file (default from config)")

	return cmd
}

func newMaskCmd(root *Root) *cobra.Command {
	var (
		holes   []string
		sky     bool
		pa      float64
		v3iYang float64
		vparity int
	)

	cmd := &cobra.Command{
		Use:   "mask [name]",
		Short: "Show mask geometry, baselines and closure triangles",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := root.cfg.Analysis.Mask
			if len(args) == 1 {
				name = args[0]
			}
			return root.showMask(name, holes, sky, pa, v3iYang, vparity)
		},
	}

	cmd.Flags().StringSliceVar(&holes, "holes", nil, "subset of hole labels")
	cmd.Flags().BoolVar(&sky, "sky", false, "also print hole centres rotated onto the sky")
	cmd.Flags().Float64Var(&pa, "pa", 0, "PA_V3 in degrees (with --sky)")
	cmd.Flags().Float64Var(&v3iYang, "v3i-yang", 0, "V3I_YANG in degrees (with --sky)")
	cmd.Flags().IntVar(&vparity, "vparity", -1, "VPARITY (with --sky)")

	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List recent jobs, or show the slices of one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("no job store configured")
			}
			if len(args) == 1 {
				return root.showJob(args[0])
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(root.out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tINPUT\tCREATED")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to list")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server with job API and live results",
		Long: `Start an HTTP server for submitting fit and calibrate jobs, listing jobs and
their stored observables, and streaming results over SSE (/stream) or a
websocket (/ws). With --watch new FITS files are fitted as they arrive.

Examples:
  amifit serve --addr :8080
  amifit serve --addr :8080 --watch /data/ami/incoming`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			root.log.Info("starting server", "addr", addr, "watch_paths", watchPaths)
			return root.serveFn(ctx, addr, watchPaths, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port, default from config)")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "directories to monitor for new exposures")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "watch [dir...]",
		Short: "Fit new FITS exposures as they appear",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = []string{root.cfg.Paths.WatchDir}
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return root.watchFn(ctx, dirs, output, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default from config)")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate amifit configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			root.printf("Configuration is valid\n")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
