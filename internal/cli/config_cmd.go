package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"text/tabwriter"

	"amifit/internal/bandpass"
	"amifit/internal/instrument"
	"amifit/internal/mask"
	"amifit/internal/watch"
)

func (r *Root) configShow() error {
	cfg := r.cfg
	path := os.Getenv("AMIFIT_CONFIG")
	if path == "" {
		path = "~/.config/amifit/config.json"
	}
	r.printf("Config file: %s\n\n", path)

	r.printf("Analysis:\n")
	r.printf("  Filter: %s\n", orHeader(cfg.Analysis.Filter))
	r.printf("  Mask: %s\n", cfg.Analysis.Mask)
	if len(cfg.Analysis.Holes) > 0 {
		r.printf("  Holes: %s\n", strings.Join(cfg.Analysis.Holes, ","))
	} else {
		r.printf("  Holes: all\n")
	}
	if cfg.Analysis.PixelScaleMas > 0 {
		r.printf("  Pixel Scale: %g mas\n", cfg.Analysis.PixelScaleMas)
	} else {
		r.printf("  Pixel Scale: from header\n")
	}
	r.printf("  Oversample: %d\n", cfg.Analysis.Oversample)
	r.printf("  Envelope: %t\n", cfg.Analysis.Envelope)
	if n := len(cfg.Analysis.Bandpass); n > 0 {
		r.printf("  Bandpass: %d explicit samples\n", n)
	} else {
		r.printf("  Bandpass: filter top hat\n")
	}
	if cfg.Analysis.Affine != nil {
		r.printf("  Affine: %s\n", cfg.Analysis.Affine.Transform())
	} else {
		r.printf("  Affine: identity\n")
	}
	r.printf("  Trim Rows: %d\n", cfg.Analysis.TrimRows)
	r.printf("  First Few: %d\n", cfg.Analysis.FirstFew)
	r.printf("  Crop Size: %d\n", cfg.Analysis.CropSize)
	r.printf("  Ignore DQ: %t\n", cfg.Analysis.IgnoreDQ)

	r.printf("\nSearch:\n")
	r.printf("  Radius: %g px\n", cfg.Search.Radius)
	r.printf("  Step: %g px\n", cfg.Search.Step)
	r.printf("  Rotations: %v\n", cfg.Search.Rotations)
	r.printf("  Workers: %d\n", cfg.Search.Workers)

	r.printf("\nProcessing:\n")
	r.printf("  Parallel Jobs: %d\n", cfg.Processing.ParallelJobs)
	r.printf("  Slice Workers: %d\n", cfg.Processing.SliceWorkers)
	r.printf("  Queue Size: %d\n", cfg.Processing.QueueSize)

	r.printf("\nLogging:\n")
	r.printf("  Level: %s\n", cfg.Logging.Level)
	r.printf("  Format: %s\n", cfg.Logging.Format)
	r.printf("  File Output: %t\n", cfg.Logging.FileOutput)
	r.printf("  Log Directory: %s\n", cfg.Logging.LogDir)

	r.printf("\nPaths:\n")
	r.printf("  Default Input: %s\n", cfg.Paths.DefaultInput)
	r.printf("  Default Output: %s\n", cfg.Paths.DefaultOutput)
	r.printf("  Database: %s\n", cfg.Paths.DatabasePath)
	r.printf("  Watch Directory: %s\n", cfg.Paths.WatchDir)

	r.printf("\nServer:\n")
	r.printf("  Address: %s\n", cfg.Server.Addr)
	return nil
}

func orHeader(s string) string {
	if s == "" {
		return "from header"
	}
	return s
}

func (r *Root) cmdVersion() error {
	r.printf("%s\n", version)
	r.printf("Built with Go %s\n", runtime.Version())
	r.printf("Masks: %s\n", strings.Join(mask.Catalog(), ", "))
	r.printf("Filters: %s\n", strings.Join(bandpass.Filters(), ", "))
	return nil
}

func (r *Root) showMask(name string, holes []string, sky bool, pa, v3iYang float64, vparity int) error {
	g, err := mask.Build(name, holes...)
	if err != nil {
		return err
	}
	r.printf("Mask %s (%s holes, d=%.4f m)\n", g.Key(), g.Shape(), g.HoleDiameter())
	r.printf("  holes=%d baselines=%d triples=%d quads=%d\n", g.NHoles(), g.NBaselines(), g.NTriples(), g.NQuads())

	tw := tabwriter.NewWriter(r.out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tLABEL\tX [m]\tY [m]")
	labels := g.Labels()
	for i, c := range g.Centers() {
		fmt.Fprintf(tw, "%d\t%s\t%+.4f\t%+.4f\n", i, labels[i], c.X, c.Y)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	tw = tabwriter.NewWriter(r.out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "BASELINE\tHOLES\tU [m]\tV [m]")
	vecs := g.BaselineVectors(nil)
	for k, p := range g.BaselineList() {
		fmt.Fprintf(tw, "%d\t%s-%s\t%+.4f\t%+.4f\n", k, labels[p.I], labels[p.J], vecs[k].X, vecs[k].Y)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !sky {
		return nil
	}
	filter := r.cfg.Analysis.Filter
	if filter == "" {
		filter = "F480M"
	}
	inst, err := instrument.New(instrument.Options{Filter: filter, Mask: name, Holes: holes})
	if err != nil {
		return err
	}
	r.printf("Sky-rotated centres (PA_V3=%g V3I_YANG=%g VPARITY=%d)\n", pa, v3iYang, vparity)
	for i, c := range inst.SkyCenters(pa, v3iYang, vparity) {
		r.printf("  %s  %+.4f  %+.4f\n", labels[i], c.X, c.Y)
	}
	return nil
}

func (r *Root) showJob(id string) error {
	meta, err := r.store.JobMeta(id)
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	for _, k := range []string{"input", "target", "filter", "mask", "fitted", "skipped", "closure_phases", "output"} {
		if v, ok := meta[k]; ok {
			r.printf("%s: %v\n", k, v)
		}
	}
	recs, err := r.store.SliceFits(id)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(r.out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "SLICE\tSTATUS\tRSS\tDX\tDY\tROT\tNPIX")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%.4g\t%+.3f\t%+.3f\t%.2f\t%d\n",
			rec.SliceIndex, rec.Status, rec.RSS, rec.OffsetX, rec.OffsetY, rec.RotationDeg, rec.NPixels)
	}
	return tw.Flush()
}

func defaultWatch(ctx context.Context, dirs []string, output string, pipe pipelineClient, log *slog.Logger) error {
	w, err := watch.New(dirs, output, pipe, log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	log.Info("watching for exposures", "dirs", dirs, "output", output)
	<-ctx.Done()
	return w.Stop()
}
