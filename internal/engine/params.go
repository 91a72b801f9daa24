package engine

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"nnvisual/internal/model"
	"nnvisual/internal/nn"
)

const (
	KindKernel          = "kernel"
	KindBias            = "bias"
	KindRecurrentKernel = "recurrent_kernel"
)

type param struct {
	name  string
	layer string
	kind  string
	shape []int
	value []float64
	grad  []float64
}

func newParam(layer, kind string, shape ...int) *param {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &param{
		name:  layer + "." + kind,
		layer: layer,
		kind:  kind,
		shape: shape,
		value: make([]float64, size),
		grad:  make([]float64, size),
	}
}

func (p *param) tensor(grads bool) Tensor {
	src := p.value
	if grads {
		src = p.grad
	}
	return Tensor{
		Name:  p.name,
		Layer: p.layer,
		Kind:  p.kind,
		Shape: append([]int(nil), p.shape...),
		Data:  append([]float64(nil), src...),
	}
}

// decays reports whether weight decay applies; biases are never regularized.
func (p *param) decays() bool { return p.kind != KindBias }

func (p *param) zeroGrad() {
	for i := range p.grad {
		p.grad[i] = 0
	}
}

func initialize(rng *rand.Rand, name string, p *param, fanIn, fanOut int) error {
	fill, err := nn.GetInitializer(name)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	fill(rng, fanIn, fanOut, p.value)
	return nil
}

// l2Penalty returns decay * sum(w^2) over regularized parameters and adds its gradient.
func l2Penalty(params []*param, decay float64) float64 {
	if decay <= 0 {
		return 0
	}
	total := 0.0
	for _, p := range params {
		if !p.decays() {
			continue
		}
		total += floats.Dot(p.value, p.value)
		floats.AddScaled(p.grad, 2*decay, p.value)
	}
	return decay * total
}

func clipGradients(params []*param, limit float64) {
	for _, p := range params {
		nn.ClipByValue(p.grad, limit)
	}
}

// optimizer applies one update from the accumulated gradients.
type optimizer interface {
	apply(params []*param)
}

func newOptimizer(name string, lr float64, params []*param) (optimizer, error) {
	switch name {
	case model.OptimizerSGD:
		return &sgd{lr: lr}, nil
	case model.OptimizerAdam:
		return &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7, m: moments(params), v: moments(params)}, nil
	case model.OptimizerRMSProp:
		return &rmsprop{lr: lr, rho: 0.9, eps: 1e-7, acc: moments(params)}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported optimizer %q", model.ErrInvalidInput, name)
	}
}

func moments(params []*param) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = make([]float64, len(p.value))
	}
	return out
}

type sgd struct {
	lr float64
}

func (o *sgd) apply(params []*param) {
	for _, p := range params {
		floats.AddScaled(p.value, -o.lr, p.grad)
	}
}

type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  [][]float64
}

func (o *adam) apply(params []*param) {
	o.t++
	correction1 := 1 - math.Pow(o.beta1, float64(o.t))
	correction2 := 1 - math.Pow(o.beta2, float64(o.t))
	for i, p := range params {
		m, v := o.m[i], o.v[i]
		for j, g := range p.grad {
			m[j] = o.beta1*m[j] + (1-o.beta1)*g
			v[j] = o.beta2*v[j] + (1-o.beta2)*g*g
			p.value[j] -= o.lr * (m[j] / correction1) / (math.Sqrt(v[j]/correction2) + o.eps)
		}
	}
}

type rmsprop struct {
	lr, rho, eps float64
	acc          [][]float64
}

func (o *rmsprop) apply(params []*param) {
	for i, p := range params {
		acc := o.acc[i]
		for j, g := range p.grad {
			acc[j] = o.rho*acc[j] + (1-o.rho)*g*g
			p.value[j] -= o.lr * g / (math.Sqrt(acc[j]) + o.eps)
		}
	}
}

// trainable holds the parameter list and update rule shared by every engine.
type trainable struct {
	cfg    model.TrainingConfig
	params []*param
	opt    optimizer
	rng    *rand.Rand
	steps  int
}

func (t *trainable) setup(cfg model.TrainingConfig, params []*param) error {
	opt, err := newOptimizer(cfg.Optimizer, cfg.LearningRate, params)
	if err != nil {
		return err
	}
	t.cfg = cfg
	t.params = params
	t.opt = opt
	return nil
}

func (t *trainable) zeroGrads() {
	for _, p := range t.params {
		p.zeroGrad()
	}
}

// update regularizes, clips, and applies the accumulated gradients. It returns the L2 penalty.
func (t *trainable) update() float64 {
	penalty := l2Penalty(t.params, t.cfg.WeightDecay)
	clipGradients(t.params, t.cfg.GradientClip)
	t.opt.apply(t.params)
	t.steps++
	return penalty
}

func (t *trainable) find(name string) *param {
	for _, p := range t.params {
		if p.name == name {
			return p
		}
	}
	return nil
}

// load copies tensors into the matching parameters by name and shape.
func (t *trainable) load(tensors []Tensor) error {
	seen := make(map[string]bool, len(tensors))
	for _, tensor := range tensors {
		p := t.find(tensor.Name)
		if p == nil {
			return fmt.Errorf("%w: unknown tensor %q", model.ErrInvalidInput, tensor.Name)
		}
		if len(tensor.Data) != len(p.value) || !sameShape(tensor.Shape, p.shape) {
			return fmt.Errorf("%w: tensor %q shape %v does not match %v", model.ErrInvalidInput, tensor.Name, tensor.Shape, p.shape)
		}
		copy(p.value, tensor.Data)
		seen[tensor.Name] = true
	}
	for _, p := range t.params {
		if !seen[p.name] {
			return fmt.Errorf("%w: missing tensor %q", model.ErrInvalidInput, p.name)
		}
	}
	return nil
}

func (t *trainable) totalParams() int {
	n := 0
	for _, p := range t.params {
		n += len(p.value)
	}
	return n
}

func sameShape(a, b []int) bool {
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
