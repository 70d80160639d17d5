package model

import (
	"fmt"
	"math"
	"math/rand"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const adagradEps = 1e-6

// stack holds the nodes of one built layer stack.
type stack struct {
	g      *G.ExprGraph
	x      *G.Node
	out    *G.Node
	params []*G.Node
}

// buildStack constructs conv-conv-pool-dense-dense on a fresh graph. Weights
// are drawn from rng; a nil rng leaves them zero for graphs whose values are
// copied in later.
func buildStack(cfg Config, rng *rand.Rand) (*stack, error) {
	ph, pw, err := cfg.pooledDims()
	if err != nil {
		return nil, err
	}
	g := G.NewGraph()
	s := &stack{g: g}
	dt := tensor.Float64

	s.x = G.NewTensor(g, dt, 4, G.WithShape(cfg.BatchSize, cfg.Channels, cfg.Height, cfg.Width), G.WithName("x"))

	weight := func(name string, shape ...int) *G.Node {
		return G.NewTensor(g, dt, len(shape), G.WithShape(shape...), G.WithName(name), G.WithValue(glorotNormal(rng, shape...)))
	}
	bias := func(name string, shape ...int) *G.Node {
		return G.NewTensor(g, dt, len(shape), G.WithShape(shape...), G.WithName(name), G.WithInit(G.Zeroes()))
	}

	flat := conv2Filters * ph * pw
	c1w := weight("conv1_w", conv1Filters, cfg.Channels, conv1Kernel, conv1Kernel)
	c1b := bias("conv1_b", 1, conv1Filters, 1, 1)
	c2w := weight("conv2_w", conv2Filters, conv1Filters, conv2Kernel, conv2Kernel)
	c2b := bias("conv2_b", 1, conv2Filters, 1, 1)
	d1w := weight("dense1_w", flat, hiddenUnits)
	d1b := bias("dense1_b", 1, hiddenUnits)
	d2w := weight("dense2_w", hiddenUnits, 1)
	d2b := bias("dense2_b", 1, 1)
	s.params = []*G.Node{c1w, c1b, c2w, c2b, d1w, d1b, d2w, d2b}

	var h *G.Node
	if h, err = convBlock(s.x, c1w, c1b, conv1Kernel); err != nil {
		return nil, fmt.Errorf("conv1: %w", err)
	}
	if h, err = convBlock(h, c2w, c2b, conv2Kernel); err != nil {
		return nil, fmt.Errorf("conv2: %w", err)
	}
	if h, err = G.MaxPool2D(h, tensor.Shape{poolKernel, poolKernel}, []int{0, 0}, []int{poolStride, poolStride}); err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	if h, err = G.Reshape(h, tensor.Shape{cfg.BatchSize, flat}); err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	if h, err = denseBlock(h, d1w, d1b, true); err != nil {
		return nil, fmt.Errorf("dense1: %w", err)
	}
	if s.out, err = denseBlock(h, d2w, d2b, cfg.Output == ReLU); err != nil {
		return nil, fmt.Errorf("dense2: %w", err)
	}
	return s, nil
}

// glorotNormal fills a tensor of shape with N(0, 2/(fanIn+fanOut)) values.
// Fans follow the usual convention: dense weights are (in, out), conv
// filters are (out, in, kh, kw).
func glorotNormal(rng *rand.Rand, shape ...int) *tensor.Dense {
	data := make([]float64, tensor.Shape(shape).TotalSize())
	if rng != nil {
		var fanIn, fanOut int
		if len(shape) == 4 {
			field := shape[2] * shape[3]
			fanIn, fanOut = shape[1]*field, shape[0]*field
		} else {
			fanIn, fanOut = shape[0], shape[1]
		}
		std := math.Sqrt(2 / float64(fanIn+fanOut))
		for i := range data {
			data[i] = rng.NormFloat64() * std
		}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func convBlock(x, w, b *G.Node, k int) (*G.Node, error) {
	c, err := G.Conv2d(x, w, tensor.Shape{k, k}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, err
	}
	if c, err = G.BroadcastAdd(c, b, nil, []byte{0, 2, 3}); err != nil {
		return nil, err
	}
	return G.Rectify(c)
}

func denseBlock(x, w, b *G.Node, rectify bool) (*G.Node, error) {
	h, err := G.Mul(x, w)
	if err != nil {
		return nil, err
	}
	if h, err = G.BroadcastAdd(h, b, nil, []byte{0}); err != nil {
		return nil, err
	}
	if !rectify {
		return h, nil
	}
	return G.Rectify(h)
}

// Network is one convolutional regressor for a single target scalar.
//
// Training and inference run on two graphs of the same shape; the inference
// graph's parameters are refreshed from the training graph before use.
type Network struct {
	cfg Config

	train  *stack
	y      *G.Node
	cost   *G.Node
	vm     G.VM
	solver G.Solver

	infer   *stack
	inferVM G.VM

	xBuf    []float64
	xT      *tensor.Dense
	yBuf    []float64
	yT      *tensor.Dense
	costVal G.Value
	outVal  G.Value
}

// New builds the graphs, loss, gradients and AdaGrad solver for cfg.
func New(cfg Config) (*Network, error) {
	if cfg.Output == "" {
		cfg.Output = Identity
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n := &Network{cfg: cfg}

	var err error
	if n.train, err = buildStack(cfg, rand.New(rand.NewSource(cfg.Seed))); err != nil {
		return nil, err
	}
	g := n.train.g
	n.y = G.NewMatrix(g, tensor.Float64, G.WithShape(cfg.BatchSize, 1), G.WithName("y"))

	diff, err := G.Sub(n.train.out, n.y)
	if err != nil {
		return nil, fmt.Errorf("loss: %w", err)
	}
	sq, err := G.Square(diff)
	if err != nil {
		return nil, fmt.Errorf("loss: %w", err)
	}
	if n.cost, err = G.Mean(sq); err != nil {
		return nil, fmt.Errorf("loss: %w", err)
	}
	if _, err = G.Grad(n.cost, n.train.params...); err != nil {
		return nil, fmt.Errorf("grad: %w", err)
	}
	G.Read(n.cost, &n.costVal)

	if n.infer, err = buildStack(cfg, nil); err != nil {
		return nil, err
	}
	G.Read(n.infer.out, &n.outVal)

	n.xBuf = make([]float64, cfg.BatchSize*cfg.InputSize())
	n.xT = tensor.New(tensor.WithShape(cfg.BatchSize, cfg.Channels, cfg.Height, cfg.Width), tensor.WithBacking(n.xBuf))
	n.yBuf = make([]float64, cfg.BatchSize)
	n.yT = tensor.New(tensor.WithShape(cfg.BatchSize, 1), tensor.WithBacking(n.yBuf))

	n.vm = G.NewTapeMachine(g, G.BindDualValues(n.train.params...))
	n.inferVM = G.NewTapeMachine(n.infer.g)
	n.solver = G.NewAdaGradSolver(G.WithLearnRate(cfg.LearnRate), G.WithEps(adagradEps))
	return n, nil
}

// Config returns the configuration the network was built with.
func (n *Network) Config() Config {
	return n.cfg
}

// TrainStep runs one forward/backward pass on batch and applies one AdaGrad
// update. The returned MSE is measured before the update.
func (n *Network) TrainStep(batch Batch) (float64, error) {
	if len(batch.Images) != len(n.xBuf) || len(batch.Targets) != len(n.yBuf) {
		return 0, fmt.Errorf("%w: batch has %d image values and %d targets, want %d and %d",
			ErrShapeMismatch, len(batch.Images), len(batch.Targets), len(n.xBuf), len(n.yBuf))
	}
	copy(n.xBuf, batch.Images)
	copy(n.yBuf, batch.Targets)

	if err := G.Let(n.train.x, n.xT); err != nil {
		return 0, err
	}
	if err := G.Let(n.y, n.yT); err != nil {
		return 0, err
	}
	defer n.vm.Reset()
	if err := n.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("%s: forward/backward: %w", n.cfg.Name, err)
	}
	loss, err := scalar(n.costVal)
	if err != nil {
		return 0, err
	}
	if err := n.solver.Step(G.NodesToValueGrads(n.train.params)); err != nil {
		return 0, fmt.Errorf("%s: solver step: %w", n.cfg.Name, err)
	}
	return loss, nil
}

// Predict returns the network output for count images laid out NCHW.
// The last partial chunk is zero padded and the padded rows dropped.
func (n *Network) Predict(images []float64, count int) ([]float64, error) {
	size := n.cfg.InputSize()
	if len(images) != count*size {
		return nil, fmt.Errorf("%w: %d image values for %d samples of %d", ErrShapeMismatch, len(images), count, size)
	}
	if err := n.syncInference(); err != nil {
		return nil, err
	}

	out := make([]float64, 0, count)
	bs := n.cfg.BatchSize
	for b0 := 0; b0 < count; b0 += bs {
		k := bs
		if b0+k > count {
			k = count - b0
		}
		copy(n.xBuf, images[b0*size:(b0+k)*size])
		for i := k * size; i < len(n.xBuf); i++ {
			n.xBuf[i] = 0
		}
		rows, err := n.forward()
		if err != nil {
			return nil, err
		}
		out = append(out, rows[:k]...)
	}
	return out, nil
}

func (n *Network) forward() ([]float64, error) {
	if err := G.Let(n.infer.x, n.xT); err != nil {
		return nil, err
	}
	defer n.inferVM.Reset()
	if err := n.inferVM.RunAll(); err != nil {
		return nil, fmt.Errorf("%s: forward: %w", n.cfg.Name, err)
	}
	data, ok := n.outVal.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", n.cfg.Name, n.outVal.Data())
	}
	return data, nil
}

// syncInference copies the training parameters into the inference graph.
func (n *Network) syncInference() error {
	for i, p := range n.train.params {
		src, err := floats(p)
		if err != nil {
			return err
		}
		dst, err := floats(n.infer.params[i])
		if err != nil {
			return err
		}
		copy(dst, src)
	}
	return nil
}

// Close releases the tape machines.
func (n *Network) Close() error {
	err := n.vm.Close()
	if ierr := n.inferVM.Close(); err == nil {
		err = ierr
	}
	return err
}

func floats(node *G.Node) ([]float64, error) {
	v := node.Value()
	if v == nil {
		return nil, fmt.Errorf("%s has no value", node.Name())
	}
	data, ok := v.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected value type %T", node.Name(), v.Data())
	}
	return data, nil
}

func scalar(v G.Value) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("cost was not computed")
	}
	switch d := v.Data().(type) {
	case float64:
		return d, nil
	case []float64:
		if len(d) == 1 {
			return d[0], nil
		}
	}
	return 0, fmt.Errorf("cost is not a scalar: %v", v)
}
