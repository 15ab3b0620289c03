package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultConfigPath = "~/.config/panosearch/config.json"
	defaultAttempts   = 10
)

// Config holds user-editable settings for the search.
type Config struct {
	Search  Search  `json:"search"`
	Oracle  Oracle  `json:"oracle"`
	Input   Input   `json:"input"`
	Logging Logging `json:"logging"`
	Paths   Paths   `json:"paths"`
	Watch   Watch   `json:"watch"`
}

// Search tunes the multi-attempt search.
type Search struct {
	MaxAttempts     int      `json:"max_attempts"`
	TargetFraction  float64  `json:"target_fraction"`  // stop once best >= floor(target * N)
	FailureFraction float64  `json:"failure_fraction"` // per-attempt rejection budget, floor(fraction * N)
	Parallelism     int      `json:"parallelism"`      // attempts run concurrently per wave
	Deadline        Duration `json:"deadline"`         // total wall clock, 0 disables
	Seed            int64    `json:"seed"`             // 0 picks a time based seed
}

// Oracle selects and configures the stitching engine.
type Oracle struct {
	Preferred string      `json:"preferred"` // "ptgui", "hugin"
	Fallbacks []string    `json:"fallbacks"`
	Timeout   Duration    `json:"timeout"` // per stitch attempt
	WorkDir   string      `json:"work_dir"`
	KeepWork  bool        `json:"keep_work"`
	PTGui     PTGuiConfig `json:"ptgui"`
	Hugin     HuginConfig `json:"hugin"`
}

// PTGuiConfig configures the PTGui command line engine.
type PTGuiConfig struct {
	Path              string   `json:"path"`
	FailureIndicators []string `json:"failure_indicators"`
	ExtraArgs         []string `json:"extra_args"`
}

// HuginConfig configures the Hugin tool chain.
type HuginConfig struct {
	ToolsPath  string `json:"tools_path"`
	Projection string `json:"projection"` // cylindrical, spherical, planar, ...
	Aggression string `json:"aggression"` // low, moderate, high
}

// Input controls how image sets are discovered and ordered.
type Input struct {
	Extensions []string `json:"extensions"`
	Order      string   `json:"order"` // birth, mtime, exif
	Recursive  bool     `json:"recursive"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"` // empty publishes next to the inputs
	OutputFormat  string `json:"output_format"`  // jpg, tif; empty keeps the engine's format
	DatabasePath  string `json:"database_path"`
	WriteReport   bool   `json:"write_report"`
}

// Watch configures the directory watcher.
type Watch struct {
	Debounce    Duration `json:"debounce"`
	MinImages   int      `json:"min_images"`
	Concurrency int      `json:"concurrency"`
}

// Duration is a time.Duration that reads "90s" style strings or plain seconds from JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
		return nil
	case string:
		if val == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("PANOSEARCH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the config at path; a missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
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

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Search.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("search.max_attempts must be >= 1, got %d", c.Search.MaxAttempts))
	}
	if c.Search.TargetFraction <= 0 || c.Search.TargetFraction > 1 {
		errs = append(errs, fmt.Errorf("search.target_fraction must be in (0, 1], got %g", c.Search.TargetFraction))
	}
	if c.Search.FailureFraction <= 0 || c.Search.FailureFraction > 1 {
		errs = append(errs, fmt.Errorf("search.failure_fraction must be in (0, 1], got %g", c.Search.FailureFraction))
	}
	if c.Search.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("search.parallelism must be >= 1, got %d", c.Search.Parallelism))
	}
	if c.Search.Deadline.Duration < 0 {
		errs = append(errs, errors.New("search.deadline must not be negative"))
	}
	if c.Oracle.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("oracle.timeout must be positive"))
	}
	switch c.Input.Order {
	case "birth", "mtime", "exif":
	default:
		errs = append(errs, fmt.Errorf("input.order must be birth, mtime or exif, got %q", c.Input.Order))
	}
	switch c.Paths.OutputFormat {
	case "", "jpg", "jpeg", "tif", "tiff", "png":
	default:
		errs = append(errs, fmt.Errorf("paths.output_format must be jpg, tif or png, got %q", c.Paths.OutputFormat))
	}
	return errors.Join(errs...)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Search: Search{
			MaxAttempts:     defaultAttempts,
			TargetFraction:  0.75,
			FailureFraction: 0.25,
			Parallelism:     1,
		},
		Oracle: Oracle{
			Preferred: "ptgui",
			Fallbacks: []string{"hugin"},
			Timeout:   Duration{10 * time.Minute},
			WorkDir:   os.TempDir(),
			PTGui: PTGuiConfig{
				Path: "/Applications/PTGui.app/Contents/MacOS/PTGui",
				FailureIndicators: []string{
					"Could not find control points",
					"not stitching the panorama",
					"No control points found",
					"Unable to align images",
					"Optimization failed",
				},
			},
			Hugin: HuginConfig{
				Projection: "cylindrical",
				Aggression: "moderate",
			},
		},
		Input: Input{
			Extensions: []string{".jpg", ".jpeg"},
			Order:      "birth",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			OutputFormat: "jpg",
			DatabasePath: filepath.Join(os.TempDir(), "panosearch.db"),
			WriteReport:  true,
		},
		Watch: Watch{
			Debounce:    Duration{30 * time.Second},
			MinImages:   3,
			Concurrency: 1,
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
