package model

import (
	"errors"
	"fmt"
)

// Batch represents a minibatch of NCHW images and one target per image.
type Batch struct {
	Images  []float64
	Targets []float64
}

var (
	// ErrTooSmall means the image cannot pass through the layer stack.
	ErrTooSmall = errors.New("model: image too small for layer stack")
	// ErrShapeMismatch means a batch or state does not fit the network.
	ErrShapeMismatch = errors.New("model: shape mismatch")
)

// Activation selects the nonlinearity applied to the single output unit.
type Activation string

const (
	Identity Activation = "identity"
	ReLU     Activation = "relu"
)

// Layer stack. Every target network uses the same one.
const (
	conv1Filters = 32
	conv1Kernel  = 5
	conv2Filters = 32
	conv2Kernel  = 3
	poolKernel   = 5
	poolStride   = 2
	hiddenUnits  = 64
)

// Config describes one target network.
type Config struct {
	Channels  int
	Height    int
	Width     int
	BatchSize int
	LearnRate float64
	Output    Activation
	Name      string
	// Seed drives weight initialisation; equal seeds give equal networks.
	Seed int64
}

// InputSize is the number of values in one sample.
func (c Config) InputSize() int {
	return c.Channels * c.Height * c.Width
}

// pooledDims returns the spatial size after conv1, conv2 and the pool.
func (c Config) pooledDims() (h, w int, err error) {
	h = pooledLen(c.Height)
	w = pooledLen(c.Width)
	if h < 1 || w < 1 {
		return 0, 0, fmt.Errorf("%w: %dx%d", ErrTooSmall, c.Height, c.Width)
	}
	return h, w, nil
}

func pooledLen(n int) int {
	n = n - conv1Kernel + 1
	n = n - conv2Kernel + 1
	if n < poolKernel {
		return 0
	}
	return (n-poolKernel)/poolStride + 1
}

func (c Config) validate() error {
	if c.Channels <= 0 {
		return fmt.Errorf("model: channels must be > 0 (got %d)", c.Channels)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("model: batch size must be > 0 (got %d)", c.BatchSize)
	}
	if c.LearnRate <= 0 {
		return fmt.Errorf("model: learn rate must be > 0 (got %g)", c.LearnRate)
	}
	switch c.Output {
	case Identity, ReLU:
	default:
		return fmt.Errorf("model: unknown output activation %q", c.Output)
	}
	_, _, err := c.pooledDims()
	return err
}
