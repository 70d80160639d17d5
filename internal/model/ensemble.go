package model

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Ensemble is one independent Network per target column.
type Ensemble struct {
	nets    []*Network
	workers int
}

// NewEnsemble builds len(rates) networks from base, network i using
// rates[i] and seed base.Seed+i. workers bounds how many networks train
// concurrently.
func NewEnsemble(base Config, rates []float64, workers int) (*Ensemble, error) {
	if len(rates) == 0 {
		return nil, fmt.Errorf("model: ensemble needs at least one target")
	}
	if workers <= 0 {
		workers = 1
	}
	e := &Ensemble{nets: make([]*Network, 0, len(rates)), workers: workers}
	for i, lr := range rates {
		cfg := base
		cfg.LearnRate = lr
		cfg.Seed = base.Seed + int64(i)
		cfg.Name = fmt.Sprintf("target%d", i)
		n, err := New(cfg)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("build %s: %w", cfg.Name, err)
		}
		e.nets = append(e.nets, n)
	}
	return e, nil
}

// Len returns the number of target networks.
func (e *Ensemble) Len() int {
	return len(e.nets)
}

// Network returns the i-th target network.
func (e *Ensemble) Network(i int) *Network {
	return e.nets[i]
}

// TrainStep trains every network on the same images, network i against
// column i of targets. It returns one pre-update MSE per network.
func (e *Ensemble) TrainStep(ctx context.Context, images []float64, targets mat.Matrix) ([]float64, error) {
	rows, cols := targets.Dims()
	if cols != len(e.nets) {
		return nil, fmt.Errorf("%w: %d target columns for %d networks", ErrShapeMismatch, cols, len(e.nets))
	}
	losses := make([]float64, len(e.nets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, n := range e.nets {
		i, n := i, n
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			col := mat.Col(make([]float64, rows), i, targets)
			loss, err := n.TrainStep(Batch{Images: images, Targets: col})
			if err != nil {
				return err
			}
			losses[i] = loss
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return losses, nil
}

// Predict returns a count x targets matrix of outputs, or nil when count
// is zero.
func (e *Ensemble) Predict(ctx context.Context, images []float64, count int) (*mat.Dense, error) {
	if count == 0 {
		return nil, nil
	}
	out := mat.NewDense(count, len(e.nets), nil)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, n := range e.nets {
		i, n := i, n
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			col, err := n.Predict(images, count)
			if err != nil {
				return err
			}
			out.SetCol(i, col)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot copies every network's parameters.
func (e *Ensemble) Snapshot() ([]State, error) {
	states := make([]State, len(e.nets))
	for i, n := range e.nets {
		st, err := n.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", n.cfg.Name, err)
		}
		states[i] = st
	}
	return states, nil
}

// Restore loads one state per network.
func (e *Ensemble) Restore(states []State) error {
	if len(states) != len(e.nets) {
		return fmt.Errorf("%w: %d states for %d networks", ErrShapeMismatch, len(states), len(e.nets))
	}
	for i, n := range e.nets {
		if err := n.Restore(states[i]); err != nil {
			return fmt.Errorf("restore %s: %w", n.cfg.Name, err)
		}
	}
	return nil
}

// Close releases every network.
func (e *Ensemble) Close() error {
	var first error
	for _, n := range e.nets {
		if err := n.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
