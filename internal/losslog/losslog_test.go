package losslog

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	got := Format(Record{Epoch: 3, Train: []float64{0.12345, 1}, Val: []float64{2.5, 0.00004}})
	assert.Equal(t, "EP#3,\nT:0.1235,1.0000\nV:2.5000,0.0000\n", got)
}

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.csv")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(Record{Epoch: 0, Train: []float64{1, 2}, Val: []float64{3, 4}}))
	require.NoError(t, w.Close())

	// Reopening must append, not truncate.
	w, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(Record{Epoch: 1, Train: []float64{0.5, math.NaN()}, Val: []float64{0.25, 0.75}}))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(string(raw), "\n"))

	records, err := Read(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].Epoch)
	assert.Equal(t, []float64{3, 4}, records[0].Val)
	assert.Equal(t, 1, records[1].Epoch)
	assert.Equal(t, 0.5, records[1].Train[0])
	assert.True(t, math.IsNaN(records[1].Train[1]))
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{
		"T:1,2\n",
		"EP#0,\nT:1\n",
		"EP#x,\n",
		"EP#0,\nT:1\nEP#1,\n",
		"EP#0,\nT:a\nV:1\n",
		"garbage\n",
	} {
		_, err := Parse(strings.NewReader(in))
		assert.Error(t, err, "input %q", in)
	}
}
