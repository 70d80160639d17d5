package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/cpuid/v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultCheckpointPath  = "model.ckpt"
	defaultCheckpointEvery = 10
	defaultLossLog         = "loss.csv"
	defaultLogEvery        = 50
)

// Image describes the input shape shared by every network.
type Image struct {
	Channels int `yaml:"channels"`
	Height   int `yaml:"height"`
	Width    int `yaml:"width"`
}

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainRoots       []string  `yaml:"train_roots"`
	ValRoots         []string  `yaml:"val_roots"`
	ValFraction      float64   `yaml:"val_fraction"`
	Image            Image     `yaml:"image"`
	Targets          int       `yaml:"targets"`
	Epochs           int       `yaml:"epochs"`
	BatchSize        int       `yaml:"batch_size"`
	LearnRates       []float64 `yaml:"learn_rates"`
	CheckpointPath   string    `yaml:"checkpoint_path"`
	CheckpointEvery  int       `yaml:"checkpoint_every"`
	LossLog          string    `yaml:"loss_log"`
	Seed             int64     `yaml:"seed"`
	NumWorkers       int       `yaml:"num_workers"`
	TargetWorkers    int       `yaml:"target_workers"`
	OutputActivation string    `yaml:"output_activation"`
	Resume           bool      `yaml:"resume"`
	LogEvery         int       `yaml:"log_every"`
	LogLevel         string    `yaml:"log_level"`
	LogFormat        string    `yaml:"log_format"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TrainRoots     []string
	ValRoots       []string
	Epochs         int
	BatchSize      int
	LearnRates     []float64
	CheckpointPath string
	LossLog        string
	NumWorkers     int
	TargetWorkers  int
	Seed           int64
	LogEvery       int
	Resume         bool
}

// Load reads and validates a Config from YAML.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML without validating it. Unknown keys are rejected.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.TrainRoots) > 0 {
		c.TrainRoots = append([]string(nil), o.TrainRoots...)
	}
	if len(o.ValRoots) > 0 {
		c.ValRoots = append([]string(nil), o.ValRoots...)
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if len(o.LearnRates) > 0 {
		c.LearnRates = append([]float64(nil), o.LearnRates...)
	}
	if o.CheckpointPath != "" {
		c.CheckpointPath = o.CheckpointPath
	}
	if o.LossLog != "" {
		c.LossLog = o.LossLog
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.TargetWorkers > 0 {
		c.TargetWorkers = o.TargetWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Resume {
		c.Resume = true
	}
}

// Validate verifies the config is runnable and fills defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.TrainRoots) == 0 {
		return errors.New("at least one training root must be set")
	}
	if len(c.ValRoots) > 0 && c.ValFraction != 0 {
		return errors.New("val_roots and val_fraction are mutually exclusive")
	}
	if c.ValFraction < 0 || c.ValFraction >= 1 {
		return fmt.Errorf("val_fraction must be in [0, 1) (got %g)", c.ValFraction)
	}
	if c.Image.Channels != 1 && c.Image.Channels != 3 {
		return fmt.Errorf("image.channels must be 1 or 3 (got %d)", c.Image.Channels)
	}
	if c.Image.Height <= 0 || c.Image.Width <= 0 {
		return fmt.Errorf("image height and width must be > 0 (got %dx%d)", c.Image.Height, c.Image.Width)
	}
	if c.Targets <= 0 {
		return fmt.Errorf("targets must be > 0 (got %d)", c.Targets)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if _, err := c.RatesPerTarget(); err != nil {
		return err
	}
	switch c.OutputActivation {
	case "":
		c.OutputActivation = "identity"
	case "identity", "relu":
	default:
		return fmt.Errorf("output_activation must be identity or relu (got %q)", c.OutputActivation)
	}
	if c.CheckpointPath == "" {
		c.CheckpointPath = defaultCheckpointPath
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = defaultCheckpointEvery
	}
	if c.LossLog == "" {
		c.LossLog = defaultLossLog
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = DefaultWorkers()
	}
	if c.TargetWorkers <= 0 {
		c.TargetWorkers = 1
	}
	if c.LogEvery <= 0 {
		c.LogEvery = defaultLogEvery
	}
	switch c.LogLevel {
	case "":
		c.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error (got %q)", c.LogLevel)
	}
	switch c.LogFormat {
	case "":
		c.LogFormat = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json (got %q)", c.LogFormat)
	}
	return nil
}

// RatesPerTarget expands LearnRates to one value per target network.
// A single rate is broadcast; an empty list is an error.
func (c *Config) RatesPerTarget() ([]float64, error) {
	if len(c.LearnRates) == 0 {
		return nil, errors.New("learn_rates must not be empty")
	}
	for i, lr := range c.LearnRates {
		if lr <= 0 {
			return nil, fmt.Errorf("learn_rates[%d] must be > 0 (got %g)", i, lr)
		}
	}
	if len(c.LearnRates) == 1 {
		rates := make([]float64, c.Targets)
		for i := range rates {
			rates[i] = c.LearnRates[0]
		}
		return rates, nil
	}
	if len(c.LearnRates) != c.Targets {
		return nil, fmt.Errorf("learn_rates has %d entries, want 1 or %d", len(c.LearnRates), c.Targets)
	}
	return append([]float64(nil), c.LearnRates...), nil
}

// DefaultWorkers returns the physical core count, or 1 when it is unknown.
func DefaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return 1
}
