package engine

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"nnvisual/internal/model"
	"nnvisual/internal/nn"
)

// denseLayer is a fully connected layer whose kernel is stored [in, out] row-major.
type denseLayer struct {
	name   string
	in     int
	out    int
	act    nn.Activation
	kernel *param
	bias   *param
}

func newDenseLayer(name string, in, out int, activation string) (*denseLayer, error) {
	act, err := nn.GetActivation(activation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	return &denseLayer{
		name:   name,
		in:     in,
		out:    out,
		act:    act,
		kernel: newParam(name, KindKernel, in, out),
		bias:   newParam(name, KindBias, out),
	}, nil
}

func (l *denseLayer) params() []*param { return []*param{l.kernel, l.bias} }

func (l *denseLayer) initialize(rng *rand.Rand, initializer string) error {
	return initialize(rng, initializer, l.kernel, l.in, l.out)
}

func (l *denseLayer) weights() *mat.Dense {
	return mat.NewDense(l.in, l.out, l.kernel.value)
}

// forward returns the pre-activation Z = XW + b.
func (l *denseLayer) forward(x mat.Matrix) *mat.Dense {
	var z mat.Dense
	z.Mul(x, l.weights())
	addBias(&z, l.bias.value)
	return &z
}

func (l *denseLayer) activate(z *mat.Dense) *mat.Dense {
	var a mat.Dense
	a.Apply(func(_, _ int, v float64) float64 { return l.act.Func(v) }, z)
	return &a
}

// backward accumulates parameter gradients from dA and returns dX when wantInput is set.
// A nil z means dA is already the pre-activation gradient.
func (l *denseLayer) backward(x mat.Matrix, z, dA *mat.Dense, wantInput bool) *mat.Dense {
	dz := dA
	if z != nil {
		var scaled mat.Dense
		scaled.Apply(func(i, j int, v float64) float64 { return v * l.act.Derivative(z.At(i, j)) }, dA)
		dz = &scaled
	}
	addProduct(l.kernel.grad, l.in, l.out, x.T(), dz)
	addColumnSums(l.bias.grad, dz)
	if !wantInput {
		return nil
	}
	var dx mat.Dense
	dx.Mul(dz, l.weights().T())
	return &dx
}

func (l *denseLayer) info() LayerInfo {
	activation := l.act.Name
	return LayerInfo{
		Name:        l.name,
		Type:        "Dense",
		Params:      l.in*l.out + l.out,
		Activation:  activation,
		Units:       l.out,
		OutputShape: []int{l.out},
	}
}

func (l *denseLayer) pair(name, source string, edgeCap int) LayerPair {
	return LayerPair{Name: name, Source: source, Dest: l.name, Kernel: l.kernel.tensor(false), EdgeCap: edgeCap}
}

func addBias(z *mat.Dense, bias []float64) {
	rows, _ := z.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(z.RawRowView(i), bias)
	}
}

func addColumnSums(dst []float64, m *mat.Dense) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(dst, m.RawRowView(i))
	}
}

// addProduct adds a*b into the rows x cols matrix backed by dst.
func addProduct(dst []float64, rows, cols int, a, b mat.Matrix) {
	var product mat.Dense
	product.Mul(a, b)
	grad := mat.NewDense(rows, cols, dst)
	grad.Add(grad, &product)
}

// dropout zeroes activations with probability rate and rescales the survivors.
// It returns the mask so the backward pass can apply the same pattern.
func dropout(rng *rand.Rand, a *mat.Dense, rate float64) *mat.Dense {
	if rate <= 0 {
		return nil
	}
	rows, cols := a.Dims()
	mask := mat.NewDense(rows, cols, nil)
	keep := 1 / (1 - rate)
	for i := 0; i < rows; i++ {
		row := mask.RawRowView(i)
		for j := range row {
			if rng.Float64() >= rate {
				row[j] = keep
			}
		}
	}
	a.MulElem(a, mask)
	return mask
}

func applyMask(d, mask *mat.Dense) {
	if mask != nil {
		d.MulElem(d, mask)
	}
}

func rowVector(values []float64) *mat.Dense {
	return mat.NewDense(1, len(values), append([]float64(nil), values...))
}
