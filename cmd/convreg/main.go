package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"convreg/internal/checkpoint"
	"convreg/internal/config"
	"convreg/internal/dataset"
	"convreg/internal/losslog"
	"convreg/internal/trainer"
)

const usage = `usage: convreg <command> [flags]

commands:
  train     train one CNN regressor per target from tar shards
  predict   run a checkpoint over image shards and write CSV predictions
  losses    print a loss log as a table
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "train":
		err = runTrain(ctx, os.Args[2:])
	case "predict":
		err = runPredict(ctx, os.Args[2:])
	case "losses":
		err = runLosses(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "err", err)
		os.Exit(1)
	}
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	cfgPath := fs.String("config", "configs/example.yaml", "Path to YAML config")
	var trainRoots, valRoots listFlag
	fs.Var(&trainRoots, "train-root", "Override training roots (repeatable)")
	fs.Var(&valRoots, "val-root", "Override validation roots (repeatable)")
	epochs := fs.Int("epochs", 0, "Number of epochs")
	batchSize := fs.Int("batch-size", 0, "Batch size")
	rates := fs.String("learn-rates", "", "Comma separated AdaGrad learning rates, one or one per target")
	ckptPath := fs.String("checkpoint", "", "Checkpoint path")
	lossLog := fs.String("loss-log", "", "Loss log path")
	numWorkers := fs.Int("num-workers", 0, "Number of shard loader workers")
	targetWorkers := fs.Int("target-workers", 0, "Number of target networks trained concurrently")
	seed := fs.Int64("seed", 0, "PRNG seed")
	logEvery := fs.Int("log-every", 0, "Log every N batches at debug level")
	resume := fs.Bool("resume", false, "Resume from the checkpoint if it exists")
	if err := fs.Parse(args); err != nil {
		return err
	}

	raw, err := os.ReadFile(*cfgPath)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	// Overrides apply before validation so flags can fill required fields.
	cfg, err := config.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	overrides := config.Overrides{
		TrainRoots:     trainRoots,
		ValRoots:       valRoots,
		Epochs:         *epochs,
		BatchSize:      *batchSize,
		CheckpointPath: *ckptPath,
		LossLog:        *lossLog,
		NumWorkers:     *numWorkers,
		TargetWorkers:  *targetWorkers,
		Seed:           *seed,
		LogEvery:       *logEvery,
		Resume:         *resume,
	}
	if *rates != "" {
		if overrides.LearnRates, err = parseRates(*rates); err != nil {
			return err
		}
	}
	cfg.ApplyOverrides(overrides)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	shape := dataset.Shape{Channels: cfg.Image.Channels, Height: cfg.Image.Height, Width: cfg.Image.Width}
	train, err := loadRoots(ctx, cfg.TrainRoots, dataset.LoadOptions{
		Shape:      shape,
		Targets:    cfg.Targets,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
	})
	if err != nil {
		return fmt.Errorf("load training set: %w", err)
	}

	val := &dataset.Set{Shape: shape}
	switch {
	case len(cfg.ValRoots) > 0:
		val, err = loadRoots(ctx, cfg.ValRoots, dataset.LoadOptions{
			Shape:      shape,
			Targets:    cfg.Targets,
			Seed:       cfg.Seed,
			NumWorkers: cfg.NumWorkers,
		})
		if err != nil {
			return fmt.Errorf("load validation set: %w", err)
		}
	case cfg.ValFraction > 0:
		if val, err = train.Split(cfg.ValFraction, rand.New(rand.NewSource(cfg.Seed))); err != nil {
			return err
		}
	}
	logger.Info("datasets loaded", "train", train.Len(), "val", val.Len(), "input", shape.String())

	learnRates, err := cfg.RatesPerTarget()
	if err != nil {
		return err
	}

	_, err = trainer.Run(ctx, trainer.RunConfig{
		Train:           train,
		Val:             val,
		Epochs:          cfg.Epochs,
		BatchSize:       cfg.BatchSize,
		LearnRates:      learnRates,
		Output:          activation(cfg.OutputActivation),
		CheckpointPath:  cfg.CheckpointPath,
		CheckpointEvery: cfg.CheckpointEvery,
		LossLog:         cfg.LossLog,
		Seed:            cfg.Seed,
		TargetWorkers:   cfg.TargetWorkers,
		LogEvery:        cfg.LogEvery,
		Resume:          cfg.Resume,
		Logger:          logger,
	})
	return err
}

func runPredict(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	ckptPath := fs.String("checkpoint", "model.ckpt", "Checkpoint to load")
	var roots listFlag
	fs.Var(&roots, "root", "Root holding image shards (repeatable)")
	outPath := fs.String("out", "", "CSV output path (default stdout)")
	numWorkers := fs.Int("num-workers", 0, "Number of shard loader workers")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn or error")
	logFormat := fs.String("log-format", "text", "Log format: text or json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	if len(roots) == 0 {
		return fmt.Errorf("predict: at least one -root is required")
	}
	if *numWorkers <= 0 {
		*numWorkers = config.DefaultWorkers()
	}

	ckpt, err := checkpoint.Load(*ckptPath)
	if err != nil {
		return err
	}
	logger = logger.With("run", ckpt.RunID)
	logger.Info("loaded model", "path", *ckptPath, "epoch", ckpt.Epoch, "targets", ckpt.Targets())

	ens, err := checkpoint.Rebuild(ckpt, *numWorkers)
	if err != nil {
		return err
	}
	defer ens.Close()

	set, err := loadRoots(ctx, roots, dataset.LoadOptions{
		Shape:      dataset.Shape{Channels: ckpt.Channels, Height: ckpt.Height, Width: ckpt.Width},
		NumWorkers: *numWorkers,
		ImagesOnly: true,
	})
	if err != nil {
		return err
	}
	preds, err := ens.Predict(ctx, set.Images, set.Len())
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	w := csv.NewWriter(out)
	header := []string{"key"}
	for i := 0; i < ckpt.Targets(); i++ {
		header = append(header, "t"+strconv.Itoa(i))
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for i := 0; i < set.Len(); i++ {
		row := []string{set.Keys[i]}
		for j := 0; j < ckpt.Targets(); j++ {
			row = append(row, strconv.FormatFloat(preds.At(i, j), 'g', -1, 64))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	logger.Info("predictions written", "samples", set.Len())
	return nil
}

func runLosses(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("losses", flag.ExitOnError)
	logPath := fs.String("log", "loss.csv", "Loss log to read")
	if err := fs.Parse(args); err != nil {
		return err
	}
	records, err := losslog.Read(*logPath)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EPOCH\tTRAIN RMSE\tVAL RMSE")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", r.Epoch, losslog.Join(r.Train), losslog.Join(r.Val))
	}
	return tw.Flush()
}

func loadRoots(ctx context.Context, roots []string, opts dataset.LoadOptions) (*dataset.Set, error) {
	byRoot, err := dataset.DiscoverByRoot(roots)
	if err != nil {
		return nil, err
	}
	for root, shards := range byRoot {
		slog.Info("discovered shards", "root", root, "shards", len(shards))
	}
	opts.Roots = byRoot
	return dataset.Load(ctx, opts)
}

func parseRates(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("learn rate %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}
