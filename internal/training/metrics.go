package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"nnvisual/internal/engine"
	"nnvisual/internal/model"
	"nnvisual/internal/nn"
)

// weightValueLimit bounds how many raw values a weight snapshot may carry per tensor.
const weightValueLimit = 8192

// ConfusionMatrix counts predictions indexed [true class][predicted class].
type ConfusionMatrix struct {
	Matrix [][]int
	Total  int
}

func NewConfusionMatrix(classes int) *ConfusionMatrix {
	m := make([][]int, classes)
	for i := range m {
		m[i] = make([]int, classes)
	}
	return &ConfusionMatrix{Matrix: m}
}

func (cm *ConfusionMatrix) Update(labels, predictions []int) error {
	if len(labels) != len(predictions) {
		return fmt.Errorf("%w: %d labels but %d predictions", model.ErrInvalidInput, len(labels), len(predictions))
	}
	classes := len(cm.Matrix)
	for i, truth := range labels {
		pred := predictions[i]
		if truth < 0 || truth >= classes || pred < 0 || pred >= classes {
			continue
		}
		cm.Matrix[truth][pred]++
		cm.Total++
	}
	return nil
}

// PerClass returns precision, recall and F1 for every class. Classes that were
// never predicted (or never present) report zero for the undefined ratio.
func (cm *ConfusionMatrix) PerClass() []model.ClassMetrics {
	classes := len(cm.Matrix)
	out := make([]model.ClassMetrics, classes)
	for c := 0; c < classes; c++ {
		tp := float64(cm.Matrix[c][c])
		predicted, support := 0, 0
		for other := 0; other < classes; other++ {
			predicted += cm.Matrix[other][c]
			support += cm.Matrix[c][other]
		}
		m := model.ClassMetrics{Class: c, Support: support}
		if predicted > 0 {
			m.Precision = tp / float64(predicted)
		}
		if support > 0 {
			m.Recall = tp / float64(support)
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		out[c] = m
	}
	return out
}

// MacroF1 averages F1 over the classes present in the labels.
func MacroF1(perClass []model.ClassMetrics) float64 {
	sum, n := 0.0, 0
	for _, m := range perClass {
		if m.Support == 0 {
			continue
		}
		sum += m.F1
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// GradientSummary returns per-tensor statistics and the combined L2 norm.
func GradientSummary(grads []engine.Tensor) (map[string]model.GradientStats, float64) {
	out := make(map[string]model.GradientStats, len(grads))
	sumSquares := 0.0
	for _, g := range grads {
		s := nn.Summarize(g.Data)
		out[g.Name] = model.GradientStats{
			Size:   len(g.Data),
			Norm:   s.Norm,
			Mean:   s.Mean,
			Std:    s.Std,
			MaxAbs: s.MaxAbs,
		}
		sumSquares += s.Norm * s.Norm
	}
	return out, math.Sqrt(sumSquares)
}

// WeightSnapshots captures each layer-pair kernel, summarizing tensors above weightValueLimit.
func WeightSnapshots(pairs []engine.LayerPair) map[string]model.WeightSnapshot {
	out := make(map[string]model.WeightSnapshot, len(pairs))
	for _, pair := range pairs {
		s := nn.Summarize(pair.Kernel.Data)
		snap := model.WeightSnapshot{
			Shape: append([]int(nil), pair.Kernel.Shape...),
			Mean:  s.Mean,
			Std:   s.Std,
			Min:   s.Min,
			Max:   s.Max,
		}
		if len(pair.Kernel.Data) > weightValueLimit {
			snap.Summary = true
		} else {
			snap.Values = append([]float64(nil), pair.Kernel.Data...)
		}
		out[pair.Name] = snap
	}
	return out
}

// ActivationSummary flattens a forward pass into per-layer vectors. Spatial
// layers contribute their per-filter mean activation.
func ActivationSummary(result model.PredictionResult) map[string][]float64 {
	out := make(map[string][]float64, len(result.Layers)+len(result.FeatureMaps))
	for _, layer := range result.Layers {
		out[layer.Name] = append([]float64(nil), layer.Values...)
	}
	for _, fm := range result.FeatureMaps {
		out[fm.Layer] = append([]float64(nil), fm.MeanActivations...)
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}
