package engine

import (
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"nnvisual/internal/model"
	"nnvisual/internal/nn"
)

const (
	denseHidden1 = 128
	denseHidden2 = 64
)

// Dense is the fully connected 784-128-64-10 classifier.
type Dense struct {
	mu sync.RWMutex
	trainable
	hidden1 *denseLayer
	hidden2 *denseLayer
	output  *denseLayer
}

func NewDense(cfg model.TrainingConfig) (*Dense, error) {
	hidden1, err := newDenseLayer("hidden1", ImageSize, denseHidden1, cfg.Activation)
	if err != nil {
		return nil, err
	}
	hidden2, err := newDenseLayer("hidden2", denseHidden1, denseHidden2, cfg.Activation)
	if err != nil {
		return nil, err
	}
	output, err := newDenseLayer("output", denseHidden2, NumClasses, "identity")
	if err != nil {
		return nil, err
	}
	d := &Dense{hidden1: hidden1, hidden2: hidden2, output: output}
	d.rng = rand.New(rand.NewSource(cfg.Seed))
	var params []*param
	for _, layer := range []*denseLayer{hidden1, hidden2, output} {
		if err := layer.initialize(d.rng, cfg.Initializer); err != nil {
			return nil, err
		}
		params = append(params, layer.params()...)
	}
	if err := d.setup(cfg, params); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dense) Architecture() model.Architecture { return model.ArchDense }
func (d *Dense) Config() model.TrainingConfig     { return d.cfg }
func (d *Dense) InputShape() []int                { return []int{ImageSize} }
func (d *Dense) InputSize() int                   { return ImageSize }
func (d *Dense) NumClasses() int                  { return NumClasses }

func (d *Dense) Forward(input []float64) (result model.PredictionResult, err error) {
	if err := ValidateInput(d, input); err != nil {
		return model.PredictionResult{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	defer guard("dense forward", &err)

	x := rowVector(input)
	a1 := d.hidden1.activate(d.hidden1.forward(x))
	a2 := d.hidden2.activate(d.hidden2.forward(a1))
	logits := d.output.forward(a2)
	probs := nn.Softmax(logits.RawRowView(0))
	pred := nn.Argmax(probs)
	return model.PredictionResult{
		Architecture:  model.ArchDense,
		Input:         append([]float64(nil), input...),
		Prediction:    pred,
		Confidence:    probs[pred],
		Probabilities: probs,
		Layers: []model.LayerActivation{
			{Name: d.hidden1.name, Values: append([]float64(nil), a1.RawRowView(0)...)},
			{Name: d.hidden2.name, Values: append([]float64(nil), a2.RawRowView(0)...)},
			{Name: d.output.name, Values: append([]float64(nil), probs...)},
		},
	}, nil
}

func (d *Dense) TrainStep(batch Batch) (result StepResult, err error) {
	if err := validateBatch(d, batch); err != nil {
		return StepResult{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	defer guard("dense train step", &err)

	x := batchMatrix(batch.Inputs, ImageSize)
	z1 := d.hidden1.forward(x)
	a1 := d.hidden1.activate(z1)
	mask1 := dropout(d.rng, a1, d.cfg.Dropout)
	z2 := d.hidden2.forward(a1)
	a2 := d.hidden2.activate(z2)
	mask2 := dropout(d.rng, a2, d.cfg.Dropout)
	logits := d.output.forward(a2)
	loss, acc, dLogits := softmaxLoss(logits, batch.Labels)

	d.zeroGrads()
	dA2 := d.output.backward(a2, nil, dLogits, true)
	applyMask(dA2, mask2)
	dA1 := d.hidden2.backward(a1, z2, dA2, true)
	applyMask(dA1, mask1)
	d.hidden1.backward(x, z1, dA1, false)
	loss += d.update()

	return StepResult{Loss: loss, Accuracy: acc, Gradients: copyTensors(d.params, true)}, nil
}

func (d *Dense) Evaluate(batch Batch) (result EvalResult, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	defer guard("dense evaluate", &err)
	return evaluateBatched(d, batch, evalChunk, func(inputs [][]float64) (*mat.Dense, error) {
		x := batchMatrix(inputs, ImageSize)
		a1 := d.hidden1.activate(d.hidden1.forward(x))
		a2 := d.hidden2.activate(d.hidden2.forward(a1))
		return d.output.forward(a2), nil
	})
}

func (d *Dense) Params() []Tensor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyTensors(d.params, false)
}

func (d *Dense) LayerPairs() []LayerPair {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return []LayerPair{
		d.hidden2.pair("hidden1_hidden2", d.hidden1.name, 240),
		d.output.pair("hidden2_output", d.hidden2.name, 160),
	}
}

func (d *Dense) OutputKernel() (string, Tensor) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hidden2.name, d.output.kernel.tensor(false)
}

func (d *Dense) Steps() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.steps
}

func (d *Dense) Info() Info {
	layers := []LayerInfo{d.hidden1.info()}
	if d.cfg.Dropout > 0 {
		layers = append(layers, LayerInfo{Name: "dropout", Type: "Dropout", Rate: d.cfg.Dropout, OutputShape: []int{denseHidden1}})
	}
	layers = append(layers, d.hidden2.info())
	if d.cfg.Dropout > 0 {
		layers = append(layers, LayerInfo{Name: "dropout_1", Type: "Dropout", Rate: d.cfg.Dropout, OutputShape: []int{denseHidden2}})
	}
	out := d.output.info()
	out.Activation = "softmax"
	layers = append(layers, out)
	return Info{
		Architecture: model.ArchDense,
		Layers:       layers,
		TotalParams:  d.totalParams(),
		InputShape:   d.InputShape(),
		OutputShape:  []int{NumClasses},
	}
}

func (d *Dense) restore(tensors []Tensor, steps int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.load(tensors); err != nil {
		return err
	}
	d.steps = steps
	return nil
}
