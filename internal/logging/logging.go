// Package logging configures slog for amifit and provides the job and slice
// log lines shared by the pipeline and the analysis layer.
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"amifit/internal/config"
)

// New returns a stdout logger at level (debug, info, warn, error) in text or
// json format.
func New(level string, format string) *slog.Logger {
	return slog.New(handlerFor(os.Stdout, format, parseLevel(level)))
}

// Setup builds the process logger from cfg: stdout always, plus a daily
// file amifit-YYYY-MM-DD.log in cfg.Logging.LogDir with an
// amifit-current.log symlink when file output is enabled. The logger also
// becomes the slog default.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)
	out := io.Writer(os.Stdout)

	if cfg.Logging.FileOutput {
		f, err := openDaily(cfg.Logging.LogDir, time.Now())
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
	}

	logger := slog.New(handlerFor(out, cfg.Logging.Format, level))
	slog.SetDefault(logger)
	logger.Info("amifit logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

func openDaily(dir string, day time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	name := fmt.Sprintf("amifit-%s.log", day.Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	current := filepath.Join(dir, "amifit-current.log")
	_ = os.Remove(current)
	_ = os.Symlink(name, current)
	return f, nil
}

func handlerFor(w io.Writer, format string, level slog.Level) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return NewTraditionalHandler(w, level)
}

// TraditionalHandler writes "[LEVEL] message [k=v ...]" lines through a
// standard library logger.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(_ context.Context, r slog.Record) error {
	kv := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		kv = append(kv, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		kv = append(kv, fmt.Sprintf("%s=%v", h.key(a.Key), a.Value))
		return true
	})

	msg := r.Message
	if len(kv) > 0 {
		msg += " [" + strings.Join(kv, " ") + "]"
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		c.attrs = append(c.attrs, slog.Attr{Key: h.key(a.Key), Value: a.Value})
	}
	return &c
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.group = h.key(name)
	return &c
}

func (h *TraditionalHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJobStart logs a job leaving the queue.
func LogJobStart(logger *slog.Logger, jobType, jobID, inputPath, outputPath string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"input", inputPath,
		"output", outputPath,
		"options", options,
	)
}

// LogJobComplete logs a successful job with its result metadata.
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, meta map[string]any) {
	logger.Info("job completed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"result", meta,
	)
}

func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogSliceFit logs the winning candidate of one slice.
func LogSliceFit(logger *slog.Logger, jobID string, slice int, rss, offsetX, offsetY, rotationDeg float64, candidates int) {
	logger.Debug("slice fitted",
		"job_id", jobID,
		"slice", slice,
		"rss", rss,
		"offset_x", offsetX,
		"offset_y", offsetY,
		"rotation_deg", rotationDeg,
		"candidates", candidates,
	)
}

// LogSliceSkipped logs a slice left out of the aggregate.
func LogSliceSkipped(logger *slog.Logger, jobID string, slice int, err error) {
	logger.Warn("slice skipped",
		"job_id", jobID,
		"slice", slice,
		"reason", err.Error(),
	)
}

// LogProcessingStep logs one stage of a job.
func LogProcessingStep(logger *slog.Logger, jobID, step, status string, details map[string]any) {
	logger.Info("processing step",
		"job_id", jobID,
		"step", step,
		"status", status,
		"details", details,
	)
}
