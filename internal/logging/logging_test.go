package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"amifit/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("job_id", "fit-1").WithGroup("fit").Info("slice fitted", "slice", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
	if !strings.Contains(out, "[INFO] slice fitted [job_id=fit-1 fit.slice=3]") {
		t.Fatalf("unexpected line %q", out)
	}
}

func TestJobHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelDebug))

	LogJobStart(logger, "fit", "fit-1", "a.fits", "out", nil)
	LogJobComplete(logger, "fit", "fit-1", 1500*time.Millisecond, map[string]any{"fitted": 2})
	LogJobError(logger, "fit", "fit-2", time.Second, errors.New("no SCI"), nil)
	LogSliceSkipped(logger, "fit-1", 4, errors.New("degenerate fringe fit"))

	out := buf.String()
	for _, want := range []string{"[INFO] job started", "duration_ms=1500", "[ERROR] job failed", "error=no SCI", "[WARN] slice skipped", "slice=4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.Logging.Level = "debug"

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Debug("probe line")

	b, err := os.ReadFile(filepath.Join(cfg.Logging.LogDir, "amifit-"+time.Now().Format("2006-01-02")+".log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "probe line") {
		t.Fatalf("log file missing probe line: %q", b)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "warning": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
