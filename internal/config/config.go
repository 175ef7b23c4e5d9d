package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"amifit/internal/affine"
	"amifit/internal/bandpass"
)

const (
	defaultConfigPath = "~/.config/amifit/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the fitter and its services.
type Config struct {
	Analysis   Analysis   `json:"analysis"`
	Search     Search     `json:"search"`
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Server     Server     `json:"server"`
}

// Analysis describes the instrument model and how exposures are read.
type Analysis struct {
	Filter        string   `json:"filter"` // empty: take FILTER from the header
	Mask          string   `json:"mask"`
	Holes         []string `json:"holes"`           // subset of mask labels, empty for all
	PixelScaleMas float64  `json:"pixel_scale_mas"` // 0: take from header
	Oversample    int      `json:"oversample"`
	Envelope      bool     `json:"envelope"`
	TrimRows      int      `json:"trim_rows"`
	FirstFew      int      `json:"first_few"`
	CropSize      int      `json:"crop_size"`
	IgnoreDQ      bool     `json:"ignore_dq"`
	// Bandpass replaces the filter's top hat with explicit samples.
	Bandpass []bandpass.Sample `json:"bandpass,omitempty"`
	Affine   *Affine           `json:"affine,omitempty"` // nil: identity
}

// Affine is the initial pupil distortion,
//
//	x' = mx*x + sx*y + xo
//	y' = sy*x + my*y + yo
type Affine struct {
	MX float64 `json:"mx"`
	MY float64 `json:"my"`
	SX float64 `json:"sx"`
	SY float64 `json:"sy"`
	XO float64 `json:"xo"`
	YO float64 `json:"yo"`
}

// Transform returns the affine map, labelled "Configured".
func (a Affine) Transform() affine.Affine2d {
	return affine.Affine2d{MX: a.MX, MY: a.MY, SX: a.SX, SY: a.SY, XO: a.XO, YO: a.YO, Name: "Configured"}
}

// Search is the centring and rotation grid explored per slice.
type Search struct {
	Radius    float64   `json:"radius"` // pixels
	Step      float64   `json:"step"`   // pixels
	Rotations []float64 `json:"rotations"`
	Workers   int       `json:"workers"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
	SliceWorkers int `json:"slice_workers"`
	QueueSize    int `json:"queue_size"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
	WatchDir      string `json:"watch_dir"`
}

type Server struct {
	Addr string `json:"addr"`
}

// Load reads configuration from disk, falling back to defaults. A .env file
// in the working directory may set AMIFIT_CONFIG.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()

	configPath := os.Getenv("AMIFIT_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the fitter cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Analysis.Oversample < 1:
		return fmt.Errorf("analysis.oversample must be >= 1, got %d", c.Analysis.Oversample)
	case c.Analysis.PixelScaleMas < 0:
		return fmt.Errorf("analysis.pixel_scale_mas must be >= 0, got %g", c.Analysis.PixelScaleMas)
	case c.Search.Radius < 0 || c.Search.Step < 0:
		return fmt.Errorf("search radius and step must be >= 0")
	case c.Search.Radius > 0 && c.Search.Step == 0:
		return fmt.Errorf("search.step must be > 0 when search.radius is set")
	case c.Processing.ParallelJobs < 1:
		return fmt.Errorf("processing.parallel_jobs must be >= 1, got %d", c.Processing.ParallelJobs)
	}
	if len(c.Analysis.Bandpass) > 0 {
		if _, err := bandpass.New(c.Analysis.Bandpass); err != nil {
			return fmt.Errorf("analysis.bandpass: %w", err)
		}
	}
	if c.Analysis.Affine != nil {
		if _, err := c.Analysis.Affine.Transform().Inverse(); err != nil {
			return fmt.Errorf("analysis.affine: %w", err)
		}
	}
	return nil
}

// Default returns the built-in settings.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Analysis: Analysis{
			Mask:       "jwst_g7s6c",
			Oversample: 3,
			Envelope:   true,
			TrimRows:   4,
		},
		Search: Search{
			Radius:    0.5,
			Step:      0.25,
			Rotations: []float64{0},
			Workers:   defaultParallel,
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			SliceWorkers: defaultParallel,
			QueueSize:    128,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "amifit.db"),
			WatchDir:      "./incoming",
		},
		Server: Server{
			Addr: ":8080",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
