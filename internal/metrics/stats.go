package metrics

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Window accumulates per-target losses and timing across batches.
type Window struct {
	samples int
	data    time.Duration
	compute time.Duration
	steps   int
	losses  [][]float64
}

// Record adds one batch: its size, time spent preparing and computing it,
// and the loss of every target network.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, losses []float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	if w.losses == nil {
		w.losses = make([][]float64, len(losses))
	}
	for i, l := range losses {
		if i < len(w.losses) {
			w.losses[i] = append(w.losses[i], l)
		}
	}
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.SamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	snap.MeanLoss = make([]float64, len(w.losses))
	for i, ls := range w.losses {
		if len(ls) == 0 {
			snap.MeanLoss[i] = math.NaN()
			continue
		}
		snap.MeanLoss[i] = stat.Mean(ls, nil)
	}

	w.samples = 0
	w.data = 0
	w.compute = 0
	w.steps = 0
	w.losses = nil
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps         int
	SamplesPerSec float64
	AvgDataMS     float64
	AvgComputeMS  float64
	MeanLoss      []float64
}

// RMSE converts mean squared errors to root mean squared errors.
func RMSE(mse []float64) []float64 {
	out := make([]float64, len(mse))
	for i, v := range mse {
		out[i] = math.Sqrt(v)
	}
	return out
}
