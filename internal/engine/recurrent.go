package engine

import (
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"nnvisual/internal/model"
	"nnvisual/internal/nn"
)

const (
	rnnTimesteps = ImageSide
	rnnFeatures  = ImageSide
	rnnDense     = 32

	rnnLayerName = "rnn"
)

// Recurrent reads the image one row per timestep through a tanh recurrent layer,
// then classifies the final hidden state with Dense(32) -> Dense(10).
type Recurrent struct {
	mu sync.RWMutex
	trainable
	units     int
	kernel    *param
	recurrent *param
	bias      *param
	dense     *denseLayer
	output    *denseLayer
}

// unrolled keeps every timestep input and hidden state; states[0] is the zero state.
type unrolled struct {
	inputs []*mat.Dense
	states []*mat.Dense
}

func (u unrolled) final() *mat.Dense { return u.states[len(u.states)-1] }

func NewRecurrent(cfg model.TrainingConfig) (*Recurrent, error) {
	units := cfg.RecurrentUnits
	dense, err := newDenseLayer("dense", units, rnnDense, cfg.Activation)
	if err != nil {
		return nil, err
	}
	output, err := newDenseLayer("output", rnnDense, NumClasses, "identity")
	if err != nil {
		return nil, err
	}
	r := &Recurrent{
		units:     units,
		kernel:    newParam(rnnLayerName, KindKernel, rnnFeatures, units),
		recurrent: newParam(rnnLayerName, KindRecurrentKernel, units, units),
		bias:      newParam(rnnLayerName, KindBias, units),
		dense:     dense,
		output:    output,
	}
	r.rng = rand.New(rand.NewSource(cfg.Seed))
	if err := initialize(r.rng, cfg.Initializer, r.kernel, rnnFeatures, units); err != nil {
		return nil, err
	}
	if err := initialize(r.rng, cfg.Initializer, r.recurrent, units, units); err != nil {
		return nil, err
	}
	params := []*param{r.kernel, r.recurrent, r.bias}
	for _, layer := range []*denseLayer{dense, output} {
		if err := layer.initialize(r.rng, cfg.Initializer); err != nil {
			return nil, err
		}
		params = append(params, layer.params()...)
	}
	if err := r.setup(cfg, params); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recurrent) Architecture() model.Architecture { return model.ArchRecurrent }
func (r *Recurrent) Config() model.TrainingConfig     { return r.cfg }
func (r *Recurrent) InputShape() []int                { return []int{rnnTimesteps, rnnFeatures} }
func (r *Recurrent) InputSize() int                   { return ImageSize }
func (r *Recurrent) NumClasses() int                  { return NumClasses }

func (r *Recurrent) unroll(inputs [][]float64) unrolled {
	batch := len(inputs)
	wx := mat.NewDense(rnnFeatures, r.units, r.kernel.value)
	wh := mat.NewDense(r.units, r.units, r.recurrent.value)
	u := unrolled{
		inputs: make([]*mat.Dense, 0, rnnTimesteps),
		states: []*mat.Dense{mat.NewDense(batch, r.units, nil)},
	}
	for t := 0; t < rnnTimesteps; t++ {
		xt := mat.NewDense(batch, rnnFeatures, nil)
		for i, img := range inputs {
			copy(xt.RawRowView(i), img[t*rnnFeatures:(t+1)*rnnFeatures])
		}
		var z, carry mat.Dense
		z.Mul(xt, wx)
		carry.Mul(u.final(), wh)
		z.Add(&z, &carry)
		addBias(&z, r.bias.value)
		var h mat.Dense
		h.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, &z)
		u.inputs = append(u.inputs, xt)
		u.states = append(u.states, &h)
	}
	return u
}

// backpropThroughTime accumulates recurrent gradients from the gradient of the final state.
func (r *Recurrent) backpropThroughTime(u unrolled, dh *mat.Dense) {
	wh := mat.NewDense(r.units, r.units, r.recurrent.value)
	for t := rnnTimesteps - 1; t >= 0; t-- {
		h := u.states[t+1]
		var dz mat.Dense
		dz.Apply(func(i, j int, v float64) float64 {
			hv := h.At(i, j)
			return v * (1 - hv*hv)
		}, dh)
		addProduct(r.kernel.grad, rnnFeatures, r.units, u.inputs[t].T(), &dz)
		addProduct(r.recurrent.grad, r.units, r.units, u.states[t].T(), &dz)
		addColumnSums(r.bias.grad, &dz)
		if t > 0 {
			var next mat.Dense
			next.Mul(&dz, wh.T())
			dh = &next
		}
	}
}

func (r *Recurrent) Forward(input []float64) (result model.PredictionResult, err error) {
	if err := ValidateInput(r, input); err != nil {
		return model.PredictionResult{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	defer guard("rnn forward", &err)

	u := r.unroll([][]float64{input})
	hidden := r.dense.activate(r.dense.forward(u.final()))
	probs := nn.Softmax(r.output.forward(hidden).RawRowView(0))
	pred := nn.Argmax(probs)

	timesteps := make([][]float64, rnnTimesteps)
	for t := range timesteps {
		timesteps[t] = append([]float64(nil), u.states[t+1].RawRowView(0)...)
	}
	return model.PredictionResult{
		Architecture:  model.ArchRecurrent,
		Input:         append([]float64(nil), input...),
		Prediction:    pred,
		Confidence:    probs[pred],
		Probabilities: probs,
		Layers: []model.LayerActivation{
			{Name: rnnLayerName, Values: append([]float64(nil), u.final().RawRowView(0)...)},
			{Name: r.dense.name, Values: append([]float64(nil), hidden.RawRowView(0)...)},
			{Name: r.output.name, Values: append([]float64(nil), probs...)},
		},
		Timesteps: timesteps,
	}, nil
}

func (r *Recurrent) TrainStep(batch Batch) (result StepResult, err error) {
	if err := validateBatch(r, batch); err != nil {
		return StepResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	defer guard("rnn train step", &err)

	u := r.unroll(batch.Inputs)
	zDense := r.dense.forward(u.final())
	aDense := r.dense.activate(zDense)
	mask := dropout(r.rng, aDense, r.cfg.Dropout)
	logits := r.output.forward(aDense)
	loss, acc, dLogits := softmaxLoss(logits, batch.Labels)

	r.zeroGrads()
	dDense := r.output.backward(aDense, nil, dLogits, true)
	applyMask(dDense, mask)
	dh := r.dense.backward(u.final(), zDense, dDense, true)
	r.backpropThroughTime(u, dh)
	loss += r.update()

	return StepResult{Loss: loss, Accuracy: acc, Gradients: copyTensors(r.params, true)}, nil
}

func (r *Recurrent) Evaluate(batch Batch) (result EvalResult, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defer guard("rnn evaluate", &err)
	return evaluateBatched(r, batch, evalChunk, func(inputs [][]float64) (*mat.Dense, error) {
		u := r.unroll(inputs)
		hidden := r.dense.activate(r.dense.forward(u.final()))
		return r.output.forward(hidden), nil
	})
}

func (r *Recurrent) Params() []Tensor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyTensors(r.params, false)
}

func (r *Recurrent) LayerPairs() []LayerPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return []LayerPair{
		r.dense.pair("rnn_dense", rnnLayerName, 160),
		r.output.pair("dense_output", r.dense.name, 160),
	}
}

func (r *Recurrent) OutputKernel() (string, Tensor) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dense.name, r.output.kernel.tensor(false)
}

func (r *Recurrent) Steps() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.steps
}

func (r *Recurrent) Info() Info {
	layers := []LayerInfo{
		{Name: "reshape", Type: "Reshape", OutputShape: []int{rnnTimesteps, rnnFeatures}},
		{
			Name:        rnnLayerName,
			Type:        "SimpleRNN",
			Params:      rnnFeatures*r.units + r.units*r.units + r.units,
			Activation:  "tanh",
			Units:       r.units,
			OutputShape: []int{r.units},
		},
		r.dense.info(),
	}
	if r.cfg.Dropout > 0 {
		layers = append(layers, LayerInfo{Name: "dropout", Type: "Dropout", Rate: r.cfg.Dropout, OutputShape: []int{rnnDense}})
	}
	out := r.output.info()
	out.Activation = "softmax"
	layers = append(layers, out)
	return Info{
		Architecture: model.ArchRecurrent,
		Layers:       layers,
		TotalParams:  r.totalParams(),
		InputShape:   r.InputShape(),
		OutputShape:  []int{NumClasses},
	}
}

func (r *Recurrent) restore(tensors []Tensor, steps int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(tensors); err != nil {
		return err
	}
	r.steps = steps
	return nil
}
