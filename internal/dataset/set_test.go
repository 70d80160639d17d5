package dataset

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// tinySet builds n single-pixel samples whose pixel equals the first
// target, so alignment can be checked after permutations.
func tinySet(t *testing.T, n int) *Set {
	t.Helper()
	images := make([]float64, n)
	targets := make([]float64, 2*n)
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		images[i] = float64(i)
		targets[2*i] = float64(i)
		targets[2*i+1] = float64(-i)
		keys[i] = string(rune('a' + i))
	}
	set, err := NewSet(Shape{Channels: 1, Height: 1, Width: 1}, images, targets, 2, keys)
	require.NoError(t, err)
	return set
}

func assertAligned(t *testing.T, s *Set) {
	t.Helper()
	for i := 0; i < s.Len(); i++ {
		v := s.Images[i]
		assert.Equal(t, v, s.Targets.At(i, 0))
		assert.Equal(t, -v, s.Targets.At(i, 1))
		assert.Equal(t, string(rune('a'+int(v))), s.Keys[i])
	}
}

func TestNewSetRejectsMisalignment(t *testing.T) {
	shape := Shape{Channels: 1, Height: 2, Width: 2}
	_, err := NewSet(shape, make([]float64, 8), make([]float64, 3), 2, nil)
	assert.Error(t, err)
	_, err = NewSet(shape, make([]float64, 7), make([]float64, 4), 2, nil)
	assert.Error(t, err)
}

func TestShuffleKeepsAlignment(t *testing.T) {
	set := tinySet(t, 10)
	set.Shuffle(rand.New(rand.NewSource(3)))
	assertAligned(t, set)
	assert.NotEqual(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, set.Images)
}

func TestSplit(t *testing.T) {
	set := tinySet(t, 10)
	val, err := set.Split(0.3, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	assert.Equal(t, 7, set.Len())
	assert.Equal(t, 3, val.Len())
	assertAligned(t, set)
	assertAligned(t, val)

	seen := map[float64]bool{}
	for _, v := range append(append([]float64(nil), set.Images...), val.Images...) {
		seen[v] = true
	}
	assert.Len(t, seen, 10)
}

func TestSplitZeroFraction(t *testing.T) {
	set := tinySet(t, 4)
	val, err := set.Split(0, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 0, val.Len())
	assert.Equal(t, 4, set.Len())
}

func TestBatchViews(t *testing.T) {
	set := tinySet(t, 5)
	images, targets := set.Batch(1, 3)
	assert.Equal(t, []float64{1, 2}, images)
	assert.Equal(t, []float64{-1, -2}, mat.Col(nil, 1, targets))
}

func TestShuffleImagesOnly(t *testing.T) {
	set, err := NewSet(Shape{Channels: 1, Height: 1, Width: 1}, []float64{0, 1, 2, 3}, nil, 0, []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	set.Shuffle(rand.New(rand.NewSource(3)))

	assert.Nil(t, set.Targets)
	for i, key := range set.Keys {
		assert.Equal(t, float64(key[0]-'a'), set.Images[i])
	}
}
