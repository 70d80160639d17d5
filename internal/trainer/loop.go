package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"convreg/internal/checkpoint"
	"convreg/internal/dataset"
	"convreg/internal/losslog"
	"convreg/internal/metrics"
	"convreg/internal/model"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Train           *dataset.Set
	Val             *dataset.Set
	Epochs          int
	BatchSize       int
	LearnRates      []float64
	Output          model.Activation
	CheckpointPath  string
	CheckpointEvery int
	LossLog         string
	Seed            int64
	TargetWorkers   int
	LogEvery        int
	Resume          bool
	RunID           string
	Logger          *slog.Logger
}

// Result summarises a finished run.
type Result struct {
	RunID      string
	StartEpoch int
	Records    []losslog.Record
}

func (cfg *RunConfig) normalize() error {
	if cfg.Train == nil || cfg.Train.Len() == 0 {
		return errors.New("trainer: training set is empty")
	}
	if cfg.Epochs <= 0 {
		return errors.New("trainer: epochs must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("trainer: batch size must be > 0")
	}
	if len(cfg.LearnRates) != cfg.Train.Width() {
		return fmt.Errorf("trainer: %d learn rates for %d targets", len(cfg.LearnRates), cfg.Train.Width())
	}
	if cfg.Val != nil && cfg.Val.Len() > 0 {
		if cfg.Val.Shape != cfg.Train.Shape || cfg.Val.Width() != cfg.Train.Width() {
			return fmt.Errorf("trainer: validation set %s/%d does not match training set %s/%d",
				cfg.Val.Shape, cfg.Val.Width(), cfg.Train.Shape, cfg.Train.Width())
		}
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.Output == "" {
		cfg.Output = model.Identity
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

// Run executes the training workload: per epoch, every full batch trains
// every target network, then losses are logged, the training set is
// reshuffled and a checkpoint is written on schedule.
func Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	logger := cfg.Logger.With("run", cfg.RunID)

	ens, start, err := prepare(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer ens.Close()

	lossLog, err := losslog.Open(cfg.LossLog)
	if err != nil {
		return nil, err
	}
	defer lossLog.Close()

	res := &Result{RunID: cfg.RunID, StartEpoch: start}
	rng := rand.New(rand.NewSource(cfg.Seed))
	train := cfg.Train
	targets := train.Width()
	// Replay the shuffles of the epochs already trained so a resumed run
	// sees the same sample order as an uninterrupted one.
	for i := 0; i < start; i++ {
		train.Shuffle(rng)
	}

	logger.Info("training started",
		"train", train.Len(),
		"val", cfg.Val.Len(),
		"targets", targets,
		"input", train.Shape.String(),
		"batch_size", cfg.BatchSize,
		"start_epoch", start,
		"epochs", cfg.Epochs,
	)

	for epoch := start; epoch < cfg.Epochs; epoch++ {
		t0 := time.Now()
		var window metrics.Window

		batch := 0
		for b0 := 0; b0+cfg.BatchSize <= train.Len(); b0 += cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return res, interrupted(ens, cfg, logger, epoch, batch > 0 || epoch > start, err)
			}
			startData := time.Now()
			images, batchTargets := train.Batch(b0, b0+cfg.BatchSize)
			dataTime := time.Since(startData)

			startCompute := time.Now()
			losses, err := ens.TrainStep(ctx, images, batchTargets)
			if err != nil {
				if ctx.Err() != nil {
					return res, interrupted(ens, cfg, logger, epoch, true, ctx.Err())
				}
				return res, fmt.Errorf("epoch %d batch %d: %w", epoch, batch, err)
			}
			window.Record(cfg.BatchSize, dataTime, time.Since(startCompute), losses)
			batch++

			if batch%cfg.LogEvery == 0 {
				logger.Debug("batch",
					"epoch", epoch,
					"batch", batch,
					"range", fmt.Sprintf("%d~%d", b0, b0+cfg.BatchSize),
					"rmse", losslog.Join(metrics.RMSE(losses)),
				)
			}
		}

		snap := window.Snapshot()
		trainRMSE := nanVector(targets)
		if snap.Steps == 0 {
			logger.Warn("no full batch in training set", "train", train.Len(), "batch_size", cfg.BatchSize)
		} else {
			trainRMSE = metrics.RMSE(snap.MeanLoss)
		}

		valRMSE, err := Evaluate(ctx, ens, cfg.Val)
		if err != nil {
			if ctx.Err() != nil {
				return res, interrupted(ens, cfg, logger, epoch, true, ctx.Err())
			}
			return res, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		if valRMSE == nil {
			valRMSE = nanVector(targets)
		}

		logger.Info("epoch",
			"epoch", epoch,
			"batches", snap.Steps,
			"elapsed", time.Since(t0).Round(time.Millisecond),
			"samples_per_sec", fmt.Sprintf("%.1f", snap.SamplesPerSec),
			"compute_ms", fmt.Sprintf("%.2f", snap.AvgComputeMS),
			"train_rmse", losslog.Join(trainRMSE),
			"val_rmse", losslog.Join(valRMSE),
		)

		train.Shuffle(rng)

		if epoch%cfg.CheckpointEvery == 0 && epoch > 0 {
			if err := save(ens, cfg, logger, epoch); err != nil {
				return res, err
			}
		}

		rec := losslog.Record{Epoch: epoch, Train: trainRMSE, Val: valRMSE}
		if err := lossLog.Append(rec); err != nil {
			return res, err
		}
		res.Records = append(res.Records, rec)
	}

	if start < cfg.Epochs {
		if err := save(ens, cfg, logger, cfg.Epochs-1); err != nil {
			return res, err
		}
	}
	logger.Info("training finished", "epochs", len(res.Records))
	return res, nil
}

// prepare builds a fresh ensemble or resumes one from the checkpoint.
func prepare(cfg RunConfig, logger *slog.Logger) (*model.Ensemble, int, error) {
	base := model.Config{
		Channels:  cfg.Train.Shape.Channels,
		Height:    cfg.Train.Shape.Height,
		Width:     cfg.Train.Shape.Width,
		BatchSize: cfg.BatchSize,
		Output:    cfg.Output,
	}

	if cfg.Resume {
		ckpt, err := checkpoint.Load(cfg.CheckpointPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("no checkpoint to resume from, starting fresh", "path", cfg.CheckpointPath)
		case err != nil:
			return nil, 0, err
		default:
			if got := ckpt.ModelConfig(); got != base {
				return nil, 0, fmt.Errorf("checkpoint %s was built for %+v, run needs %+v", cfg.CheckpointPath, got, base)
			}
			if ckpt.Targets() != len(cfg.LearnRates) {
				return nil, 0, fmt.Errorf("checkpoint %s has %d targets, run has %d", cfg.CheckpointPath, ckpt.Targets(), len(cfg.LearnRates))
			}
			ckpt.LearnRates = cfg.LearnRates
			ens, err := checkpoint.Rebuild(ckpt, cfg.TargetWorkers)
			if err != nil {
				return nil, 0, err
			}
			logger.Info("resumed", "path", cfg.CheckpointPath, "from_run", ckpt.RunID, "epoch", ckpt.Epoch)
			return ens, ckpt.Epoch + 1, nil
		}
	}

	base.Seed = cfg.Seed
	ens, err := model.NewEnsemble(base, cfg.LearnRates, cfg.TargetWorkers)
	if err != nil {
		return nil, 0, err
	}
	return ens, 0, nil
}

// Evaluate returns the RMSE of every target network over set, or nil when
// the set is empty.
func Evaluate(ctx context.Context, ens *model.Ensemble, set *dataset.Set) ([]float64, error) {
	if set.Len() == 0 {
		return nil, nil
	}
	preds, err := ens.Predict(ctx, set.Images, set.Len())
	if err != nil {
		return nil, err
	}
	return columnRMSE(preds, set.Targets), nil
}

func columnRMSE(preds, targets mat.Matrix) []float64 {
	rows, cols := preds.Dims()
	out := make([]float64, cols)
	diff := make([]float64, rows)
	for i := 0; i < cols; i++ {
		mat.Col(diff, i, preds)
		floats.Sub(diff, mat.Col(nil, i, targets))
		out[i] = math.Sqrt(floats.Dot(diff, diff) / float64(rows))
	}
	return out
}

func save(ens *model.Ensemble, cfg RunConfig, logger *slog.Logger, epoch int) error {
	ckpt, err := checkpoint.Capture(ens, cfg.RunID, epoch)
	if err != nil {
		return err
	}
	logger.Info("saving model", "path", cfg.CheckpointPath, "epoch", epoch)
	if err := checkpoint.Save(cfg.CheckpointPath, ckpt); err != nil {
		return err
	}
	return nil
}

// interrupted saves what has been trained so far under the last completed
// epoch, so a resumed run repeats the interrupted one.
func interrupted(ens *model.Ensemble, cfg RunConfig, logger *slog.Logger, epoch int, trained bool, cause error) error {
	logger.Warn("training interrupted", "epoch", epoch, "cause", cause)
	if trained {
		if err := save(ens, cfg, logger, epoch-1); err != nil {
			return errors.Join(cause, err)
		}
	}
	return cause
}

func nanVector(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
