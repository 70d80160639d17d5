package checkpoint

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convreg/internal/model"
)

func tinyEnsemble(t *testing.T) *model.Ensemble {
	t.Helper()
	ens, err := model.NewEnsemble(model.Config{
		Channels:  1,
		Height:    11,
		Width:     11,
		BatchSize: 2,
		Output:    model.Identity,
	}, []float64{0.01, 0.2}, 1)
	require.NoError(t, err)
	t.Cleanup(func() { ens.Close() })
	return ens
}

func TestSaveLoadRebuild(t *testing.T) {
	ens := tinyEnsemble(t)
	path := filepath.Join(t.TempDir(), "sub", "model.ckpt")

	c, err := Capture(ens, "run-1", 10)
	require.NoError(t, err)
	require.NoError(t, Save(path, c))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, 10, loaded.Epoch)
	assert.Equal(t, 2, loaded.Targets())
	assert.Equal(t, []float64{0.01, 0.2}, loaded.LearnRates)
	assert.False(t, loaded.CreatedAt.IsZero())

	rebuilt, err := Rebuild(loaded, 1)
	require.NoError(t, err)
	defer rebuilt.Close()

	images := make([]float64, 3*11*11)
	rng := rand.New(rand.NewSource(5))
	for i := range images {
		images[i] = rng.Float64()
	}
	want, err := ens.Predict(context.Background(), images, 3)
	require.NoError(t, err)
	got, err := rebuilt.Predict(context.Background(), images, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.RawMatrix().Data, got.RawMatrix().Data, 1e-12)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("not gob"), 0o644))
	_, err := Load(path)
	assert.True(t, errors.Is(err, ErrBadCheckpoint))

	_, err = Load(filepath.Join(t.TempDir(), "missing.ckpt"))
	assert.Error(t, err)
}

func TestSaveRejectsInconsistentState(t *testing.T) {
	c := &Checkpoint{
		Channels: 1, Height: 11, Width: 11, BatchSize: 1,
		LearnRates: []float64{0.1},
		Networks: []model.State{{Params: []model.Param{
			{Name: "w", Shape: []int{2, 2}, Data: []float64{1, 2, 3}},
		}}},
	}
	err := Save(filepath.Join(t.TempDir(), "x.ckpt"), c)
	assert.True(t, errors.Is(err, ErrBadCheckpoint))
}
