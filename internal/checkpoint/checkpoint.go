// Package checkpoint saves and restores the full trained state of a
// regression ensemble as a single gob file.
package checkpoint

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"convreg/internal/model"
)

const (
	magic   = "convreg-checkpoint"
	version = 1
)

// ErrBadCheckpoint is returned for files that decode but are not usable.
var ErrBadCheckpoint = errors.New("checkpoint: invalid checkpoint")

// Checkpoint is a snapshot of every target network plus what is needed to
// rebuild them.
type Checkpoint struct {
	Magic      string
	Version    int
	RunID      string
	CreatedAt  time.Time
	Epoch      int
	Channels   int
	Height     int
	Width      int
	BatchSize  int
	Output     string
	LearnRates []float64
	Networks   []model.State
}

// Targets returns the number of networks stored.
func (c *Checkpoint) Targets() int {
	return len(c.Networks)
}

// ModelConfig rebuilds the shared network config. LearnRate is left for the
// caller to fill per target.
func (c *Checkpoint) ModelConfig() model.Config {
	return model.Config{
		Channels:  c.Channels,
		Height:    c.Height,
		Width:     c.Width,
		BatchSize: c.BatchSize,
		Output:    model.Activation(c.Output),
	}
}

// Save writes c to path atomically: a temporary file in the same
// directory is renamed over path once fully written.
func Save(path string, c *Checkpoint) error {
	c.Magic = magic
	c.Version = version
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if err := c.validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("checkpoint temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(c); err != nil {
		tmp.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Load reads and validates the checkpoint at path.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	c := &Checkpoint{}
	if err := gob.NewDecoder(f).Decode(c); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrBadCheckpoint, err)
	}
	if c.Magic != magic {
		return nil, fmt.Errorf("%w: not a checkpoint file", ErrBadCheckpoint)
	}
	if c.Version != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadCheckpoint, c.Version)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Checkpoint) validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("%w: no networks", ErrBadCheckpoint)
	}
	if len(c.LearnRates) != len(c.Networks) {
		return fmt.Errorf("%w: %d learn rates for %d networks", ErrBadCheckpoint, len(c.LearnRates), len(c.Networks))
	}
	if c.Channels <= 0 || c.Height <= 0 || c.Width <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("%w: bad input shape %dx%dx%d batch %d", ErrBadCheckpoint, c.Channels, c.Height, c.Width, c.BatchSize)
	}
	for i, st := range c.Networks {
		if len(st.Params) == 0 {
			return fmt.Errorf("%w: network %d has no params", ErrBadCheckpoint, i)
		}
		for _, p := range st.Params {
			n := 1
			for _, d := range p.Shape {
				n *= d
			}
			if n != len(p.Data) {
				return fmt.Errorf("%w: network %d param %s has %d values for shape %v", ErrBadCheckpoint, i, p.Name, len(p.Data), p.Shape)
			}
		}
	}
	return nil
}

// Capture snapshots ens into a checkpoint.
func Capture(ens *model.Ensemble, runID string, epoch int) (*Checkpoint, error) {
	states, err := ens.Snapshot()
	if err != nil {
		return nil, err
	}
	base := ens.Network(0).Config()
	rates := make([]float64, ens.Len())
	for i := range rates {
		rates[i] = ens.Network(i).Config().LearnRate
	}
	return &Checkpoint{
		RunID:      runID,
		Epoch:      epoch,
		Channels:   base.Channels,
		Height:     base.Height,
		Width:      base.Width,
		BatchSize:  base.BatchSize,
		Output:     string(base.Output),
		LearnRates: rates,
		Networks:   states,
	}, nil
}

// Rebuild constructs a fresh ensemble from c and restores its parameters.
func Rebuild(c *Checkpoint, workers int) (*model.Ensemble, error) {
	ens, err := model.NewEnsemble(c.ModelConfig(), c.LearnRates, workers)
	if err != nil {
		return nil, err
	}
	if err := ens.Restore(c.Networks); err != nil {
		ens.Close()
		return nil, err
	}
	return ens, nil
}
