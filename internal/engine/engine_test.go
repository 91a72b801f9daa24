package engine

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"gonum.org/v1/gonum/diff/fd"

	"nnvisual/internal/model"
)

func testConfig(arch model.Architecture) model.TrainingConfig {
	cfg := model.DefaultTrainingConfig()
	cfg.Architecture = arch
	cfg.ConvFilters = 4
	cfg.RecurrentUnits = 8
	cfg.LearningRate = 0.01
	return cfg
}

func randomBatch(seed int64, n int) Batch {
	rng := rand.New(rand.NewSource(seed))
	batch := Batch{}
	for i := 0; i < n; i++ {
		img := make([]float64, ImageSize)
		for j := range img {
			img[j] = rng.Float64()
		}
		batch.Inputs = append(batch.Inputs, img)
		batch.Labels = append(batch.Labels, i%NumClasses)
	}
	return batch
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("transformer")
	if _, err := New(cfg); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	cfg = testConfig(model.ArchDense)
	cfg.Optimizer = "lbfgs"
	if _, err := New(cfg); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for optimizer, got %v", err)
	}
}

func TestForwardProducesDistribution(t *testing.T) {
	for _, arch := range model.Architectures() {
		e, err := New(testConfig(arch))
		if err != nil {
			t.Fatalf("%s: new: %v", arch, err)
		}
		result, err := e.Forward(randomBatch(1, 1).Inputs[0])
		if err != nil {
			t.Fatalf("%s: forward: %v", arch, err)
		}
		if result.Architecture != arch {
			t.Fatalf("%s: unexpected architecture %q", arch, result.Architecture)
		}
		if len(result.Probabilities) != NumClasses {
			t.Fatalf("%s: expected %d probabilities, got %d", arch, NumClasses, len(result.Probabilities))
		}
		sum := 0.0
		for _, p := range result.Probabilities {
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("%s: probabilities sum to %v", arch, sum)
		}
		if result.Confidence != result.Probabilities[result.Prediction] {
			t.Fatalf("%s: confidence %v does not match predicted class", arch, result.Confidence)
		}
		for _, p := range result.Probabilities {
			if p > result.Confidence {
				t.Fatalf("%s: prediction is not the argmax", arch)
			}
		}
		if out, ok := result.Layer("output"); !ok || len(out) != NumClasses {
			t.Fatalf("%s: expected output layer activations", arch)
		}
	}
}

func TestForwardRejectsWrongLength(t *testing.T) {
	for _, arch := range model.Architectures() {
		e, err := New(testConfig(arch))
		if err != nil {
			t.Fatalf("%s: new: %v", arch, err)
		}
		if _, err := e.Forward(make([]float64, 100)); !errors.Is(err, model.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", arch, err)
		}
	}
}

func TestDenseLayerShapes(t *testing.T) {
	e, err := New(testConfig(model.ArchDense))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result, err := e.Forward(randomBatch(2, 1).Inputs[0])
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	want := map[string]int{"hidden1": 128, "hidden2": 64, "output": 10}
	for name, size := range want {
		values, ok := result.Layer(name)
		if !ok || len(values) != size {
			t.Fatalf("layer %s: expected %d values, got %d", name, size, len(values))
		}
	}
	pairs := e.LayerPairs()
	if len(pairs) != 2 || pairs[0].Name != "hidden1_hidden2" || pairs[0].EdgeCap != 240 || pairs[1].EdgeCap != 160 {
		t.Fatalf("unexpected layer pairs: %+v", pairs)
	}
	if pairs[0].Kernel.Shape[0] != 128 || pairs[0].Kernel.Shape[1] != 64 {
		t.Fatalf("unexpected hidden1_hidden2 kernel shape %v", pairs[0].Kernel.Shape)
	}
	source, kernel := e.OutputKernel()
	if source != "hidden2" || kernel.Shape[0] != 64 || kernel.Shape[1] != 10 {
		t.Fatalf("unexpected output kernel %s %v", source, kernel.Shape)
	}
	if info := e.Info(); info.TotalParams != 784*128+128+128*64+64+64*10+10 {
		t.Fatalf("unexpected total params %d", info.TotalParams)
	}
}

func TestConvForwardFeatureMaps(t *testing.T) {
	cfg := testConfig(model.ArchConvolutional)
	cfg.ConvFilters = 20
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result, err := e.Forward(randomBatch(3, 1).Inputs[0])
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(result.FeatureMaps) != 2 {
		t.Fatalf("expected conv and pool feature maps, got %d", len(result.FeatureMaps))
	}
	conv := result.FeatureMaps[0]
	if conv.TopK != 16 || len(conv.Maps) != 16 || len(conv.Ranking) != 20 {
		t.Fatalf("unexpected top-k selection: top_k=%d maps=%d ranking=%d", conv.TopK, len(conv.Maps), len(conv.Ranking))
	}
	for i := 1; i < len(conv.Ranking); i++ {
		if conv.MeanActivations[conv.Ranking[i]] > conv.MeanActivations[conv.Ranking[i-1]] {
			t.Fatalf("ranking not sorted by mean activation at %d", i)
		}
	}
	grid := conv.Maps[conv.Ranking[0]]
	if len(grid) != 26 || len(grid[0]) != 26 {
		t.Fatalf("expected 26x26 conv map, got %dx%d", len(grid), len(grid[0]))
	}
	if pool := result.FeatureMaps[1]; pool.Shape[0] != 13 {
		t.Fatalf("expected 13x13 pooled map, got %v", pool.Shape)
	}
	if len(result.Kernels) != 1 || len(result.Kernels[0].Kernels) != 16 {
		t.Fatalf("expected kernels for the ranked filters, got %+v", result.Kernels)
	}
}

func TestRecurrentForwardTimesteps(t *testing.T) {
	e, err := New(testConfig(model.ArchRecurrent))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result, err := e.Forward(randomBatch(4, 1).Inputs[0])
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(result.Timesteps) != 28 || len(result.Timesteps[0]) != 8 {
		t.Fatalf("unexpected timestep states %dx%d", len(result.Timesteps), len(result.Timesteps[0]))
	}
	final, _ := result.Layer("rnn")
	for i, v := range final {
		if v != result.Timesteps[27][i] {
			t.Fatalf("rnn layer should equal the final timestep state")
		}
	}
	if pairs := e.LayerPairs(); len(pairs) != 2 || pairs[0].Name != "rnn_dense" || pairs[1].Name != "dense_output" {
		t.Fatalf("unexpected layer pairs: %+v", pairs)
	}
}

func TestTrainStepReducesLoss(t *testing.T) {
	for _, arch := range model.Architectures() {
		e, err := New(testConfig(arch))
		if err != nil {
			t.Fatalf("%s: new: %v", arch, err)
		}
		batch := randomBatch(5, 4)
		first, err := e.TrainStep(batch)
		if err != nil {
			t.Fatalf("%s: train step: %v", arch, err)
		}
		last := first
		for i := 0; i < 25; i++ {
			if last, err = e.TrainStep(batch); err != nil {
				t.Fatalf("%s: train step %d: %v", arch, i, err)
			}
		}
		if last.Loss >= first.Loss {
			t.Fatalf("%s: expected loss to drop, first=%v last=%v", arch, first.Loss, last.Loss)
		}
		if e.Steps() != 26 {
			t.Fatalf("%s: expected 26 steps, got %d", arch, e.Steps())
		}
		if len(last.Gradients) != len(e.Params()) {
			t.Fatalf("%s: expected one gradient per parameter", arch)
		}
	}
}

func TestTrainStepClipsGradients(t *testing.T) {
	cfg := testConfig(model.ArchDense)
	cfg.GradientClip = 1e-4
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result, err := e.TrainStep(randomBatch(6, 8))
	if err != nil {
		t.Fatalf("train step: %v", err)
	}
	for _, g := range result.Gradients {
		for _, v := range g.Data {
			if math.Abs(v) > cfg.GradientClip {
				t.Fatalf("%s: gradient %v exceeds clip", g.Name, v)
			}
		}
	}
}

func TestTrainStepRejectsBadBatch(t *testing.T) {
	e, err := New(testConfig(model.ArchDense))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	batch := randomBatch(7, 2)
	batch.Labels[1] = 10
	if _, err := e.TrainStep(batch); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for label, got %v", err)
	}
	if _, err := e.TrainStep(Batch{}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty batch, got %v", err)
	}
	if e.Steps() != 0 {
		t.Fatalf("rejected batches must not advance the step counter")
	}
}

// Analytic gradients must match central differences of the evaluation loss.
func TestGradientsMatchFiniteDifferences(t *testing.T) {
	const eps = 1e-5
	for _, arch := range model.Architectures() {
		cfg := testConfig(arch)
		cfg.Optimizer = model.OptimizerSGD
		cfg.Activation = "tanh"
		cfg.GradientClip = 0
		cfg.ConvFilters = 2
		cfg.RecurrentUnits = 4
		e, err := New(cfg)
		if err != nil {
			t.Fatalf("%s: new: %v", arch, err)
		}
		batch := randomBatch(8, 3)
		cp := Snapshot(e)
		step, err := e.TrainStep(batch)
		if err != nil {
			t.Fatalf("%s: train step: %v", arch, err)
		}
		lossAt := func(tensor, index int, delta float64) float64 {
			shifted := cp
			shifted.Tensors = make([]Tensor, len(cp.Tensors))
			for i, src := range cp.Tensors {
				shifted.Tensors[i] = src
				shifted.Tensors[i].Data = append([]float64(nil), src.Data...)
			}
			shifted.Tensors[tensor].Data[index] += delta
			probe, err := FromCheckpoint(shifted)
			if err != nil {
				t.Fatalf("%s: restore: %v", arch, err)
			}
			res, err := probe.Evaluate(batch)
			if err != nil {
				t.Fatalf("%s: evaluate: %v", arch, err)
			}
			return res.Loss
		}
		for ti, grad := range step.Gradients {
			n := len(grad.Data)
			for _, idx := range []int{0, n / 2, n - 1} {
				numeric := fd.Derivative(func(delta float64) float64 {
					return lossAt(ti, idx, delta)
				}, 0, &fd.Settings{Formula: fd.Central, Step: eps})
				analytic := grad.Data[idx]
				tol := 1e-6 + 1e-3*math.Max(math.Abs(numeric), math.Abs(analytic))
				if math.Abs(numeric-analytic) > tol {
					t.Fatalf("%s %s[%d]: analytic %v numeric %v", arch, grad.Name, idx, analytic, numeric)
				}
			}
		}
	}
}

func TestRestoredCheckpointIsIndependent(t *testing.T) {
	e, err := New(testConfig(model.ArchDense))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	input := randomBatch(9, 1).Inputs[0]
	clone, err := FromCheckpoint(Snapshot(e))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	before, _ := clone.Forward(input)
	for i := 0; i < 3; i++ {
		if _, err := e.TrainStep(randomBatch(10, 4)); err != nil {
			t.Fatalf("train step: %v", err)
		}
	}
	after, _ := clone.Forward(input)
	for i := range before.Probabilities {
		if before.Probabilities[i] != after.Probabilities[i] {
			t.Fatalf("training the source changed the clone")
		}
	}
	if clone.Steps() != 0 {
		t.Fatalf("clone should keep the source step count at clone time")
	}
}

func TestFromCheckpointRejectsMismatchedTensors(t *testing.T) {
	e, err := New(testConfig(model.ArchRecurrent))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cp := Snapshot(e)
	cp.Tensors = cp.Tensors[1:]
	if _, err := FromCheckpoint(cp); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing tensor, got %v", err)
	}
	cp = Snapshot(e)
	cp.Architecture = model.ArchDense
	if _, err := FromCheckpoint(cp); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for architecture mismatch, got %v", err)
	}
}

func TestForwardConcurrentWithTraining(t *testing.T) {
	e, err := New(testConfig(model.ArchConvolutional))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	input := randomBatch(11, 1).Inputs[0]
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				if _, err := e.Forward(input); err != nil {
					t.Errorf("forward: %v", err)
				}
			}
		}()
	}
	for i := 0; i < 3; i++ {
		if _, err := e.TrainStep(randomBatch(12, 2)); err != nil {
			t.Fatalf("train step: %v", err)
		}
	}
	wg.Wait()
}

func TestEvaluateReportsPredictions(t *testing.T) {
	e, err := New(testConfig(model.ArchRecurrent))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	batch := randomBatch(13, 5)
	res, err := e.Evaluate(batch)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Predictions) != 5 || res.Accuracy < 0 || res.Accuracy > 1 || res.Loss <= 0 {
		t.Fatalf("unexpected evaluation %+v", res)
	}
}

func TestValidateInputRejectsNonFinite(t *testing.T) {
	e, err := New(testConfig(model.ArchDense))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		input := make([]float64, ImageSize)
		input[0] = bad
		if err := ValidateInput(e, input); !errors.Is(err, model.ErrInvalidInput) {
			t.Fatalf("expected invalid input for %v, got %v", bad, err)
		}
	}
	if err := ValidateInput(e, make([]float64, ImageSize)); err != nil {
		t.Fatalf("zero input: %v", err)
	}
}
