package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"
)

// LoadOptions configures a full pass over a set of shard roots.
type LoadOptions struct {
	Roots      map[string][]string
	Shape      Shape
	Targets    int
	Seed       int64
	NumWorkers int
	PendingCap int
	// ImagesOnly loads images without targets; the set has nil Targets.
	ImagesOnly bool
}

// Load reads every shard under opts.Roots into memory.
//
// Shards are interleaved across roots in a seeded round-robin order and
// decoded by up to NumWorkers goroutines; the resulting sample order depends
// only on the seed and the shard contents.
func Load(ctx context.Context, opts LoadOptions) (*Set, error) {
	if len(opts.Roots) == 0 {
		return nil, errors.New("loader: no dataset roots provided")
	}
	if opts.ImagesOnly {
		opts.Targets = 0
	} else if opts.Targets <= 0 {
		return nil, fmt.Errorf("loader: targets must be > 0 (got %d)", opts.Targets)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	order := buildRoundRobinOrder(opts.Roots, rand.New(rand.NewSource(opts.Seed)))
	if len(order) == 0 {
		return nil, ErrNoShards
	}

	results := make([]shardResult, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.NumWorkers)
	for i, entry := range order {
		i, entry := i, entry
		g.Go(func() error {
			res, err := readShard(gctx, entry.path, opts)
			if err != nil {
				return fmt.Errorf("shard %s: %w", entry.path, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		images  []float64
		targets []float64
		keys    []string
	)
	for _, res := range results {
		images = append(images, res.images...)
		targets = append(targets, res.targets...)
		keys = append(keys, res.keys...)
	}
	return NewSet(opts.Shape, images, targets, opts.Targets, keys)
}

type shardResult struct {
	images  []float64
	targets []float64
	keys    []string
}

func readShard(ctx context.Context, path string, opts LoadOptions) (shardResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples, errCh := StreamShard(ctx, path, opts.PendingCap, opts.ImagesOnly)

	var batch []Sample
	for sample := range samples {
		batch = append(batch, sample)
	}
	if err := <-errCh; err != nil {
		return shardResult{}, err
	}

	// Tar entry order is not meaningful once pairs are joined; sort by key
	// so the layout only depends on shard contents.
	sort.Slice(batch, func(i, j int) bool { return batch[i].Key < batch[j].Key })

	res := shardResult{
		images:  make([]float64, 0, len(batch)*opts.Shape.Size()),
		targets: make([]float64, 0, len(batch)*opts.Targets),
		keys:    make([]string, 0, len(batch)),
	}
	for _, sample := range batch {
		if !opts.ImagesOnly && len(sample.Target) != opts.Targets {
			return shardResult{}, fmt.Errorf("sample %s: target has %d values, want %d", sample.Key, len(sample.Target), opts.Targets)
		}
		pixels, err := DecodeImage(sample.Image, opts.Shape)
		if err != nil {
			return shardResult{}, fmt.Errorf("sample %s: decode: %w", sample.Key, err)
		}
		res.images = append(res.images, pixels...)
		res.targets = append(res.targets, sample.Target...)
		res.keys = append(res.keys, sample.Key)
	}
	return res, nil
}

type orderEntry struct {
	root string
	path string
}

// buildRoundRobinOrder shuffles each root's shards and then alternates roots
// in sorted name order until every shard is listed once.
func buildRoundRobinOrder(roots map[string][]string, rng *rand.Rand) []orderEntry {
	rootNames := make([]string, 0, len(roots))
	copied := make(map[string][]string, len(roots))
	for root, shards := range roots {
		if len(shards) == 0 {
			continue
		}
		rootNames = append(rootNames, root)
		copied[root] = append([]string(nil), shards...)
	}
	sort.Strings(rootNames)
	if rng != nil {
		for _, root := range rootNames {
			shards := copied[root]
			rng.Shuffle(len(shards), func(i, j int) {
				shards[i], shards[j] = shards[j], shards[i]
			})
		}
	}
	var order []orderEntry
	for {
		advanced := false
		for _, root := range rootNames {
			shards := copied[root]
			if len(shards) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: shards[0]})
			copied[root] = shards[1:]
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return order
}
