package engine

import (
	"fmt"
	"math"
	"runtime/debug"

	"gonum.org/v1/gonum/mat"

	"nnvisual/internal/model"
	"nnvisual/internal/nn"
)

const (
	ImageSide  = 28
	ImageSize  = ImageSide * ImageSide
	NumClasses = 10

	evalChunk = 256
)

// Tensor is a named, flattened parameter (or gradient) in row-major order.
type Tensor struct {
	Name  string    `json:"name"`
	Layer string    `json:"layer"`
	Kind  string    `json:"type"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Batch is a labeled mini-batch; every input must have the engine's InputSize.
type Batch struct {
	Inputs [][]float64
	Labels []int
}

func (b Batch) Len() int { return len(b.Inputs) }

type StepResult struct {
	Loss      float64
	Accuracy  float64
	Gradients []Tensor
}

type EvalResult struct {
	Loss        float64
	Accuracy    float64
	Predictions []int
}

// LayerPair exposes the weight matrix between two adjacent layers for edge ranking.
// Kernel rows index source units and columns index destination units.
type LayerPair struct {
	Name    string
	Source  string
	Dest    string
	Kernel  Tensor
	EdgeCap int
}

type LayerInfo struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Params      int     `json:"params"`
	Activation  string  `json:"activation,omitempty"`
	Units       int     `json:"units,omitempty"`
	Filters     int     `json:"filters,omitempty"`
	KernelSize  []int   `json:"kernel_size,omitempty"`
	PoolSize    []int   `json:"pool_size,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	OutputShape []int   `json:"output_shape"`
}

type Info struct {
	Architecture model.Architecture `json:"type"`
	Layers       []LayerInfo        `json:"layers"`
	TotalParams  int                `json:"total_params"`
	InputShape   []int              `json:"input_shape"`
	OutputShape  []int              `json:"output_shape"`
}

// Engine is the numeric model contract driven by the training controller and
// the inference engine. Forward is safe for concurrent use with any other method.
type Engine interface {
	Architecture() model.Architecture
	Config() model.TrainingConfig
	InputShape() []int
	InputSize() int
	NumClasses() int
	Forward(input []float64) (model.PredictionResult, error)
	TrainStep(batch Batch) (StepResult, error)
	Evaluate(batch Batch) (EvalResult, error)
	Params() []Tensor
	LayerPairs() []LayerPair
	// OutputKernel returns the name of the layer feeding the output layer and the connecting kernel.
	OutputKernel() (string, Tensor)
	Info() Info
	Steps() int
}

// New builds a freshly initialized engine for cfg.Architecture.
func New(cfg model.TrainingConfig) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		e   Engine
		err error
	)
	switch cfg.Architecture {
	case model.ArchDense:
		e, err = NewDense(cfg)
	case model.ArchConvolutional:
		e, err = NewConv(cfg)
	case model.ArchRecurrent:
		e, err = NewRecurrent(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownModel, cfg.Architecture)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ValidateInput checks a single flat input vector against an engine's expected length.
func ValidateInput(e Engine, input []float64) error {
	if len(input) != e.InputSize() {
		return fmt.Errorf("%w: expected %d values for %s, got %d", model.ErrInvalidInput, e.InputSize(), e.Architecture(), len(input))
	}
	for i, v := range input {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value at %d is not finite", model.ErrInvalidInput, i)
		}
	}
	return nil
}

func validateBatch(e Engine, batch Batch) error {
	if batch.Len() == 0 {
		return fmt.Errorf("%w: empty batch", model.ErrInvalidInput)
	}
	if len(batch.Labels) != batch.Len() {
		return fmt.Errorf("%w: %d inputs but %d labels", model.ErrInvalidInput, batch.Len(), len(batch.Labels))
	}
	for i, input := range batch.Inputs {
		if len(input) != e.InputSize() {
			return fmt.Errorf("%w: sample %d has %d values, expected %d", model.ErrInvalidInput, i, len(input), e.InputSize())
		}
		if batch.Labels[i] < 0 || batch.Labels[i] >= e.NumClasses() {
			return fmt.Errorf("%w: sample %d label %d out of range", model.ErrInvalidInput, i, batch.Labels[i])
		}
	}
	return nil
}

// guard converts a panic inside numeric code into ErrEngineFault.
func guard(op string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %s: %v\n%s", model.ErrEngineFault, op, r, debug.Stack())
	}
}

func batchMatrix(inputs [][]float64, cols int) *mat.Dense {
	data := make([]float64, 0, len(inputs)*cols)
	for _, row := range inputs {
		data = append(data, row...)
	}
	return mat.NewDense(len(inputs), cols, data)
}

// softmaxLoss turns logits into probabilities in place and returns the mean
// cross-entropy, accuracy, and dLogits = (P - Y) / B.
func softmaxLoss(logits *mat.Dense, labels []int) (float64, float64, *mat.Dense) {
	rows, cols := logits.Dims()
	grad := mat.NewDense(rows, cols, nil)
	loss, correct := 0.0, 0
	for i := 0; i < rows; i++ {
		row := logits.RawRowView(i)
		probs := nn.Softmax(row)
		copy(row, probs)
		loss += nn.CrossEntropy(probs, labels[i])
		if nn.Argmax(probs) == labels[i] {
			correct++
		}
		g := grad.RawRowView(i)
		for j := range g {
			g[j] = probs[j] / float64(rows)
		}
		g[labels[i]] -= 1 / float64(rows)
	}
	return loss / float64(rows), float64(correct) / float64(rows), grad
}

func evaluateBatched(e Engine, batch Batch, chunk int, logits func(inputs [][]float64) (*mat.Dense, error)) (EvalResult, error) {
	if err := validateBatch(e, batch); err != nil {
		return EvalResult{}, err
	}
	result := EvalResult{Predictions: make([]int, 0, batch.Len())}
	totalLoss, correct := 0.0, 0
	for start := 0; start < batch.Len(); start += chunk {
		end := start + chunk
		if end > batch.Len() {
			end = batch.Len()
		}
		out, err := logits(batch.Inputs[start:end])
		if err != nil {
			return EvalResult{}, err
		}
		for i := 0; i < end-start; i++ {
			probs := nn.Softmax(out.RawRowView(i))
			label := batch.Labels[start+i]
			totalLoss += nn.CrossEntropy(probs, label)
			pred := nn.Argmax(probs)
			if pred == label {
				correct++
			}
			result.Predictions = append(result.Predictions, pred)
		}
	}
	result.Loss = totalLoss / float64(batch.Len())
	result.Accuracy = float64(correct) / float64(batch.Len())
	return result, nil
}

func copyTensors(params []*param, grads bool) []Tensor {
	out := make([]Tensor, 0, len(params))
	for _, p := range params {
		out = append(out, p.tensor(grads))
	}
	return out
}
