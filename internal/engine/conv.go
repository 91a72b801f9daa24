package engine

import (
	"math/rand"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"nnvisual/internal/model"
	"nnvisual/internal/nn"
)

const (
	convKernel   = 3
	convSide     = ImageSide - convKernel + 1
	poolSide     = convSide / 2
	convDense    = 64
	featureMapsK = 16

	convLayerName = "conv2d"
	poolLayerName = "max_pooling2d"
)

// Conv is Conv2D(F, 3x3) -> MaxPool(2x2) -> Flatten -> Dense(64) -> Dense(10).
// The conv kernel is stored [kh, kw, 1, F] row-major.
type Conv struct {
	mu sync.RWMutex
	trainable
	filters int
	act     nn.Activation
	kernel  *param
	bias    *param
	dense   *denseLayer
	output  *denseLayer
}

// convTrace holds the per-sample intermediates needed for backpropagation.
type convTrace struct {
	z      []float64
	a      []float64
	pooled []float64
	argmax []int
}

func NewConv(cfg model.TrainingConfig) (*Conv, error) {
	act, err := nn.GetActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}
	filters := cfg.ConvFilters
	dense, err := newDenseLayer("dense", poolSide*poolSide*filters, convDense, cfg.Activation)
	if err != nil {
		return nil, err
	}
	output, err := newDenseLayer("output", convDense, NumClasses, "identity")
	if err != nil {
		return nil, err
	}
	c := &Conv{
		filters: filters,
		act:     act,
		kernel:  newParam(convLayerName, KindKernel, convKernel, convKernel, 1, filters),
		bias:    newParam(convLayerName, KindBias, filters),
		dense:   dense,
		output:  output,
	}
	c.rng = rand.New(rand.NewSource(cfg.Seed))
	area := convKernel * convKernel
	if err := initialize(c.rng, cfg.Initializer, c.kernel, area, area*filters); err != nil {
		return nil, err
	}
	params := []*param{c.kernel, c.bias}
	for _, layer := range []*denseLayer{dense, output} {
		if err := layer.initialize(c.rng, cfg.Initializer); err != nil {
			return nil, err
		}
		params = append(params, layer.params()...)
	}
	if err := c.setup(cfg, params); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conv) Architecture() model.Architecture { return model.ArchConvolutional }
func (c *Conv) Config() model.TrainingConfig     { return c.cfg }
func (c *Conv) InputShape() []int                { return []int{ImageSide, ImageSide, 1} }
func (c *Conv) InputSize() int                   { return ImageSize }
func (c *Conv) NumClasses() int                  { return NumClasses }

// convolve runs the valid 3x3 convolution and pooling for one image.
// Feature map values are laid out [y, x, f].
func (c *Conv) convolve(img []float64) convTrace {
	f := c.filters
	tr := convTrace{
		z: make([]float64, convSide*convSide*f),
		a: make([]float64, convSide*convSide*f),
	}
	for y := 0; y < convSide; y++ {
		for x := 0; x < convSide; x++ {
			base := (y*convSide + x) * f
			cell := tr.z[base : base+f]
			copy(cell, c.bias.value)
			for ky := 0; ky < convKernel; ky++ {
				for kx := 0; kx < convKernel; kx++ {
					v := img[(y+ky)*ImageSide+x+kx]
					if v == 0 {
						continue
					}
					k := (ky*convKernel + kx) * f
					floats.AddScaled(cell, v, c.kernel.value[k:k+f])
				}
			}
			for i, v := range cell {
				tr.a[base+i] = c.act.Func(v)
			}
		}
	}
	tr.pooled = make([]float64, poolSide*poolSide*f)
	tr.argmax = make([]int, len(tr.pooled))
	for py := 0; py < poolSide; py++ {
		for px := 0; px < poolSide; px++ {
			for ch := 0; ch < f; ch++ {
				out := (py*poolSide+px)*f + ch
				best := -1
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						idx := ((2*py+dy)*convSide+2*px+dx)*f + ch
						if best < 0 || tr.a[idx] > tr.a[best] {
							best = idx
						}
					}
				}
				tr.pooled[out] = tr.a[best]
				tr.argmax[out] = best
			}
		}
	}
	return tr
}

func (c *Conv) flatten(inputs [][]float64) (*mat.Dense, []convTrace) {
	width := poolSide * poolSide * c.filters
	flat := mat.NewDense(len(inputs), width, nil)
	traces := make([]convTrace, len(inputs))
	for i, img := range inputs {
		traces[i] = c.convolve(img)
		copy(flat.RawRowView(i), traces[i].pooled)
	}
	return flat, traces
}

func (c *Conv) Forward(input []float64) (result model.PredictionResult, err error) {
	if err := ValidateInput(c, input); err != nil {
		return model.PredictionResult{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	defer guard("conv forward", &err)

	flat, traces := c.flatten([][]float64{input})
	hidden := c.dense.activate(c.dense.forward(flat))
	probs := nn.Softmax(c.output.forward(hidden).RawRowView(0))
	pred := nn.Argmax(probs)

	convMaps := featureMaps(convLayerName, "Conv2D", traces[0].a, convSide, c.filters)
	poolMaps := featureMaps(poolLayerName, "MaxPooling2D", traces[0].pooled, poolSide, c.filters)
	return model.PredictionResult{
		Architecture:  model.ArchConvolutional,
		Input:         append([]float64(nil), input...),
		Prediction:    pred,
		Confidence:    probs[pred],
		Probabilities: probs,
		Layers: []model.LayerActivation{
			{Name: c.dense.name, Values: append([]float64(nil), hidden.RawRowView(0)...)},
			{Name: c.output.name, Values: append([]float64(nil), probs...)},
		},
		FeatureMaps: []model.FeatureMap{convMaps, poolMaps},
		Kernels:     []model.KernelSet{c.kernelSet(convMaps.Ranking[:convMaps.TopK])},
	}, nil
}

// featureMaps ranks the channels of a [side, side, channels] volume by mean activation.
func featureMaps(layer, kind string, volume []float64, side, channels int) model.FeatureMap {
	means := make([]float64, channels)
	for i, v := range volume {
		means[i%channels] += v
	}
	area := float64(side * side)
	for ch := range means {
		means[ch] /= area
	}
	ranking := make([]int, channels)
	for i := range ranking {
		ranking[i] = i
	}
	sort.SliceStable(ranking, func(i, j int) bool { return means[ranking[i]] > means[ranking[j]] })
	topK := featureMapsK
	if channels < topK {
		topK = channels
	}
	maps := make(map[int][][]float64, topK)
	for _, ch := range ranking[:topK] {
		grid := make([][]float64, side)
		for y := range grid {
			grid[y] = make([]float64, side)
			for x := range grid[y] {
				grid[y][x] = volume[(y*side+x)*channels+ch]
			}
		}
		maps[ch] = grid
	}
	return model.FeatureMap{
		Layer:           layer,
		Kind:            kind,
		Shape:           []int{side, side, channels},
		TopK:            topK,
		Ranking:         ranking,
		MeanActivations: means,
		Maps:            maps,
	}
}

func (c *Conv) kernelSet(filters []int) model.KernelSet {
	kernels := make(map[int][][]float64, len(filters))
	for _, ch := range filters {
		grid := make([][]float64, convKernel)
		for ky := range grid {
			grid[ky] = make([]float64, convKernel)
			for kx := range grid[ky] {
				grid[ky][kx] = c.kernel.value[(ky*convKernel+kx)*c.filters+ch]
			}
		}
		kernels[ch] = grid
	}
	return model.KernelSet{
		Layer:   convLayerName,
		Shape:   append([]int(nil), c.kernel.shape...),
		Kernels: kernels,
	}
}

func (c *Conv) TrainStep(batch Batch) (result StepResult, err error) {
	if err := validateBatch(c, batch); err != nil {
		return StepResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	defer guard("conv train step", &err)

	flat, traces := c.flatten(batch.Inputs)
	zDense := c.dense.forward(flat)
	aDense := c.dense.activate(zDense)
	mask := dropout(c.rng, aDense, c.cfg.Dropout)
	logits := c.output.forward(aDense)
	loss, acc, dLogits := softmaxLoss(logits, batch.Labels)

	c.zeroGrads()
	dDense := c.output.backward(aDense, nil, dLogits, true)
	applyMask(dDense, mask)
	dFlat := c.dense.backward(flat, zDense, dDense, true)
	for i, img := range batch.Inputs {
		c.backpropConv(img, traces[i], dFlat.RawRowView(i))
	}
	loss += c.update()

	return StepResult{Loss: loss, Accuracy: acc, Gradients: copyTensors(c.params, true)}, nil
}

// backpropConv routes pooled gradients to their argmax positions and accumulates kernel gradients.
func (c *Conv) backpropConv(img []float64, tr convTrace, dPooled []float64) {
	f := c.filters
	for j, g := range dPooled {
		if g == 0 {
			continue
		}
		pos := tr.argmax[j]
		dz := g * c.act.Derivative(tr.z[pos])
		if dz == 0 {
			continue
		}
		ch := pos % f
		cell := pos / f
		y, x := cell/convSide, cell%convSide
		c.bias.grad[ch] += dz
		for ky := 0; ky < convKernel; ky++ {
			for kx := 0; kx < convKernel; kx++ {
				c.kernel.grad[(ky*convKernel+kx)*f+ch] += dz * img[(y+ky)*ImageSide+x+kx]
			}
		}
	}
}

func (c *Conv) Evaluate(batch Batch) (result EvalResult, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	defer guard("conv evaluate", &err)
	return evaluateBatched(c, batch, evalChunk, func(inputs [][]float64) (*mat.Dense, error) {
		flat, _ := c.flatten(inputs)
		hidden := c.dense.activate(c.dense.forward(flat))
		return c.output.forward(hidden), nil
	})
}

func (c *Conv) Params() []Tensor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyTensors(c.params, false)
}

func (c *Conv) LayerPairs() []LayerPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return []LayerPair{c.output.pair("dense_output", c.dense.name, 160)}
}

func (c *Conv) OutputKernel() (string, Tensor) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dense.name, c.output.kernel.tensor(false)
}

func (c *Conv) Steps() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.steps
}

func (c *Conv) Info() Info {
	flatWidth := poolSide * poolSide * c.filters
	layers := []LayerInfo{
		{
			Name:        convLayerName,
			Type:        "Conv2D",
			Params:      convKernel*convKernel*c.filters + c.filters,
			Activation:  c.act.Name,
			Filters:     c.filters,
			KernelSize:  []int{convKernel, convKernel},
			OutputShape: []int{convSide, convSide, c.filters},
		},
		{Name: poolLayerName, Type: "MaxPooling2D", PoolSize: []int{2, 2}, OutputShape: []int{poolSide, poolSide, c.filters}},
		{Name: "flatten", Type: "Flatten", OutputShape: []int{flatWidth}},
		c.dense.info(),
	}
	if c.cfg.Dropout > 0 {
		layers = append(layers, LayerInfo{Name: "dropout", Type: "Dropout", Rate: c.cfg.Dropout, OutputShape: []int{convDense}})
	}
	out := c.output.info()
	out.Activation = "softmax"
	layers = append(layers, out)
	return Info{
		Architecture: model.ArchConvolutional,
		Layers:       layers,
		TotalParams:  c.totalParams(),
		InputShape:   c.InputShape(),
		OutputShape:  []int{NumClasses},
	}
}

func (c *Conv) restore(tensors []Tensor, steps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.load(tensors); err != nil {
		return err
	}
	c.steps = steps
	return nil
}
