package dataset

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Set is an in-memory image batch tensor with its target matrix.
//
// Images holds N samples laid out NCHW; Targets is N x targets. Row i of
// Targets belongs to the i-th image.
type Set struct {
	Shape   Shape
	Images  []float64
	Targets *mat.Dense
	Keys    []string
}

// NewSet checks shape alignment and wraps the slices. targets is row-major
// N x width; a zero width builds an image-only set with nil Targets.
func NewSet(shape Shape, images []float64, targets []float64, width int, keys []string) (*Set, error) {
	if shape.Size() <= 0 {
		return nil, fmt.Errorf("invalid shape %s", shape)
	}
	if width < 0 {
		return nil, fmt.Errorf("target width must be >= 0 (got %d)", width)
	}
	if len(images)%shape.Size() != 0 {
		return nil, fmt.Errorf("image data length %d is not a multiple of %s", len(images), shape)
	}
	n := len(images) / shape.Size()
	if len(targets) != n*width {
		return nil, fmt.Errorf("have %d images but %d target values (want %d)", n, len(targets), n*width)
	}
	if keys != nil && len(keys) != n {
		return nil, fmt.Errorf("have %d images but %d keys", n, len(keys))
	}
	s := &Set{Shape: shape, Images: images, Keys: keys}
	if n > 0 && width > 0 {
		s.Targets = mat.NewDense(n, width, targets)
	}
	return s, nil
}

// Len returns the number of samples.
func (s *Set) Len() int {
	if s == nil || s.Shape.Size() == 0 {
		return 0
	}
	return len(s.Images) / s.Shape.Size()
}

// Width returns the target vector length.
func (s *Set) Width() int {
	if s == nil || s.Targets == nil {
		return 0
	}
	_, c := s.Targets.Dims()
	return c
}

// Batch returns views of images and targets for samples [b0, b1).
func (s *Set) Batch(b0, b1 int) ([]float64, *mat.Dense) {
	size := s.Shape.Size()
	return s.Images[b0*size : b1*size], s.Targets.Slice(b0, b1, 0, s.Width()).(*mat.Dense)
}

// Shuffle permutes images, targets and keys jointly.
func (s *Set) Shuffle(rng *rand.Rand) {
	n := s.Len()
	if n < 2 {
		return
	}
	perm := rng.Perm(n)
	s.permute(perm)
}

func (s *Set) permute(perm []int) {
	n := len(perm)
	size := s.Shape.Size()
	width := s.Width()

	images := make([]float64, len(s.Images))
	var targets *mat.Dense
	if width > 0 {
		targets = mat.NewDense(n, width, nil)
	}
	var keys []string
	if s.Keys != nil {
		keys = make([]string, n)
	}
	for dst, src := range perm {
		copy(images[dst*size:(dst+1)*size], s.Images[src*size:(src+1)*size])
		if targets != nil {
			targets.SetRow(dst, s.Targets.RawRowView(src))
		}
		if keys != nil {
			keys[dst] = s.Keys[src]
		}
	}
	s.Images, s.Targets, s.Keys = images, targets, keys
}

// Split shuffles the set and moves the trailing fraction into a new
// validation set. The receiver keeps the rest.
func (s *Set) Split(fraction float64, rng *rand.Rand) (*Set, error) {
	n := s.Len()
	held := int(float64(n) * fraction)
	if fraction > 0 && held == 0 && n > 1 {
		held = 1
	}
	if held >= n && n > 0 {
		return nil, fmt.Errorf("validation fraction %g leaves no training samples out of %d", fraction, n)
	}
	if held == 0 {
		return &Set{Shape: s.Shape}, nil
	}
	s.Shuffle(rng)

	keep := n - held
	size := s.Shape.Size()
	width := s.Width()

	val := &Set{
		Shape:  s.Shape,
		Images: append([]float64(nil), s.Images[keep*size:]...),
	}
	if width > 0 {
		val.Targets = mat.DenseCopyOf(s.Targets.Slice(keep, n, 0, width))
		s.Targets = mat.DenseCopyOf(s.Targets.Slice(0, keep, 0, width))
	}
	if s.Keys != nil {
		val.Keys = append([]string(nil), s.Keys[keep:]...)
		s.Keys = s.Keys[:keep]
	}
	s.Images = s.Images[:keep*size]
	return val, nil
}
