package model

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testConfig() Config {
	return Config{
		Channels:  1,
		Height:    12,
		Width:     12,
		BatchSize: 4,
		LearnRate: 0.05,
		Output:    Identity,
		Name:      "test",
	}
}

func randomImages(rng *rand.Rand, n, size int) []float64 {
	out := make([]float64, n*size)
	for i := range out {
		out[i] = rng.Float64()
	}
	return out
}

func TestPooledDims(t *testing.T) {
	cfg := testConfig()
	h, w, err := cfg.pooledDims()
	require.NoError(t, err)
	assert.Equal(t, 1, h)
	assert.Equal(t, 1, w)

	cfg.Height, cfg.Width = 28, 32
	h, w, err = cfg.pooledDims()
	require.NoError(t, err)
	assert.Equal(t, 9, h)
	assert.Equal(t, 11, w)

	cfg.Height = 10
	_, _, err = cfg.pooledDims()
	assert.True(t, errors.Is(err, ErrTooSmall))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Width = 8
	_, err := New(cfg)
	assert.True(t, errors.Is(err, ErrTooSmall))

	cfg = testConfig()
	cfg.LearnRate = 0
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Output = "softplus"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestTrainStepReducesLoss(t *testing.T) {
	cfg := testConfig()
	net, err := New(cfg)
	require.NoError(t, err)
	defer net.Close()

	rng := rand.New(rand.NewSource(1))
	batch := Batch{
		Images:  randomImages(rng, cfg.BatchSize, cfg.InputSize()),
		Targets: []float64{0.2, 0.4, 0.6, 0.8},
	}

	first, err := net.TrainStep(batch)
	require.NoError(t, err)
	last := first
	for i := 0; i < 30; i++ {
		last, err = net.TrainStep(batch)
		require.NoError(t, err)
	}
	assert.Less(t, last, first)
}

func TestTrainStepRejectsWrongBatch(t *testing.T) {
	net, err := New(testConfig())
	require.NoError(t, err)
	defer net.Close()

	_, err = net.TrainStep(Batch{Images: make([]float64, 10), Targets: make([]float64, 4)})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestPredictPadsPartialChunk(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	net, err := New(cfg)
	require.NoError(t, err)
	defer net.Close()

	size := cfg.InputSize()
	images := randomImages(rand.New(rand.NewSource(2)), 3, size)

	all, err := net.Predict(images, 3)
	require.NoError(t, err)
	require.Len(t, all, 3)

	for i := 0; i < 3; i++ {
		one, err := net.Predict(images[i*size:(i+1)*size], 1)
		require.NoError(t, err)
		assert.InDelta(t, all[i], one[0], 1e-9)
	}
}

func TestSnapshotRestore(t *testing.T) {
	cfg := testConfig()
	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Close()
	b, err := New(cfg)
	require.NoError(t, err)
	defer b.Close()

	st, err := a.Snapshot()
	require.NoError(t, err)
	require.Len(t, st.Params, 8)
	assert.Equal(t, "conv1_w", st.Params[0].Name)
	assert.Equal(t, []int{32, 1, 5, 5}, st.Params[0].Shape)

	require.NoError(t, b.Restore(st))

	images := randomImages(rand.New(rand.NewSource(3)), 4, cfg.InputSize())
	pa, err := a.Predict(images, 4)
	require.NoError(t, err)
	pb, err := b.Predict(images, 4)
	require.NoError(t, err)
	assert.InDeltaSlice(t, pa, pb, 1e-12)

	st.Params[0].Shape = []int{1}
	assert.True(t, errors.Is(b.Restore(st), ErrShapeMismatch))
}

func TestEnsembleTrainsEachColumn(t *testing.T) {
	cfg := testConfig()
	ens, err := NewEnsemble(cfg, []float64{0.05, 0.01}, 2)
	require.NoError(t, err)
	defer ens.Close()
	require.Equal(t, 2, ens.Len())
	assert.Equal(t, 0.01, ens.Network(1).Config().LearnRate)

	images := randomImages(rand.New(rand.NewSource(4)), cfg.BatchSize, cfg.InputSize())
	targets := mat.NewDense(cfg.BatchSize, 2, []float64{
		0.1, -0.1,
		0.2, -0.2,
		0.3, -0.3,
		0.4, -0.4,
	})
	losses, err := ens.TrainStep(context.Background(), images, targets)
	require.NoError(t, err)
	assert.Len(t, losses, 2)

	preds, err := ens.Predict(context.Background(), images, cfg.BatchSize)
	require.NoError(t, err)
	r, c := preds.Dims()
	assert.Equal(t, cfg.BatchSize, r)
	assert.Equal(t, 2, c)

	_, err = ens.TrainStep(context.Background(), images, mat.NewDense(cfg.BatchSize, 3, nil))
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestNewIsSeeded(t *testing.T) {
	cfg := testConfig()
	cfg.Seed = 11
	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Close()
	b, err := New(cfg)
	require.NoError(t, err)
	defer b.Close()
	cfg.Seed = 12
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	sa, err := a.Snapshot()
	require.NoError(t, err)
	sb, err := b.Snapshot()
	require.NoError(t, err)
	sc, err := c.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, sa, sb)
	assert.NotEqual(t, sa.Params[0].Data, sc.Params[0].Data)
	assert.Equal(t, make([]float64, 32), sa.Params[1].Data, "biases start at zero")
}

func TestEnsembleSeedsPerTarget(t *testing.T) {
	cfg := testConfig()
	cfg.Seed = 5
	ens, err := NewEnsemble(cfg, []float64{0.05, 0.05}, 1)
	require.NoError(t, err)
	defer ens.Close()

	assert.Equal(t, int64(5), ens.Network(0).Config().Seed)
	assert.Equal(t, int64(6), ens.Network(1).Config().Seed)

	states, err := ens.Snapshot()
	require.NoError(t, err)
	assert.NotEqual(t, states[0].Params[0].Data, states[1].Params[0].Data)
}

func TestGlorotNormal(t *testing.T) {
	zero := glorotNormal(nil, 3, 2)
	assert.Equal(t, make([]float64, 6), zero.Data())

	w := glorotNormal(rand.New(rand.NewSource(1)), 400, 400)
	data := w.Data().([]float64)
	var sq float64
	for _, v := range data {
		sq += v * v
	}
	// Variance should sit near 2/(400+400).
	assert.InDelta(t, 2.0/800, sq/float64(len(data)), 2.0/800*0.05)
}
