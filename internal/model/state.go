package model

import (
	"fmt"
)

// Param is a named copy of one learnable tensor.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
}

// State is a copy of every learnable tensor of one network, in build order.
type State struct {
	Params []Param
}

// Snapshot copies the current parameters out of the network.
func (n *Network) Snapshot() (State, error) {
	st := State{Params: make([]Param, 0, len(n.train.params))}
	for _, p := range n.train.params {
		data, err := floats(p)
		if err != nil {
			return State{}, err
		}
		st.Params = append(st.Params, Param{
			Name:  p.Name(),
			Shape: append([]int(nil), p.Shape()...),
			Data:  append([]float64(nil), data...),
		})
	}
	return st, nil
}

// Restore overwrites the network parameters with st. Names and shapes must
// match the network's layer stack exactly.
func (n *Network) Restore(st State) error {
	if len(st.Params) != len(n.train.params) {
		return fmt.Errorf("%w: state has %d params, network has %d", ErrShapeMismatch, len(st.Params), len(n.train.params))
	}
	for i, p := range n.train.params {
		saved := st.Params[i]
		if saved.Name != p.Name() {
			return fmt.Errorf("%w: param %d is %q, want %q", ErrShapeMismatch, i, saved.Name, p.Name())
		}
		if !sameShape(saved.Shape, p.Shape()) {
			return fmt.Errorf("%w: %s has shape %v, want %v", ErrShapeMismatch, saved.Name, saved.Shape, p.Shape())
		}
		dst, err := floats(p)
		if err != nil {
			return err
		}
		if len(saved.Data) != len(dst) {
			return fmt.Errorf("%w: %s has %d values, want %d", ErrShapeMismatch, saved.Name, len(saved.Data), len(dst))
		}
	}
	for i, p := range n.train.params {
		dst, _ := floats(p)
		copy(dst, st.Params[i].Data)
	}
	return nil
}

func sameShape(a []int, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
