package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Avg returns the arithmetic mean of values.
func Avg(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("values must not be empty")
	}
	return floats.Sum(values) / float64(len(values)), nil
}

// Summary holds the descriptive statistics reported for tensors in telemetry.
type Summary struct {
	Mean   float64
	Std    float64
	Min    float64
	Max    float64
	Norm   float64
	MaxAbs float64
}

// Summarize returns a zero Summary for empty input.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	min, max := floats.Min(values), floats.Max(values)
	return Summary{
		Mean:   mean,
		Std:    std,
		Min:    min,
		Max:    max,
		Norm:   floats.Norm(values, 2),
		MaxAbs: math.Max(math.Abs(min), math.Abs(max)),
	}
}

// Softmax is computed against the max logit for numerical stability.
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxLogit := floats.Max(logits)
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
	return out
}

// Argmax returns the first index of the largest value, or -1 for empty input.
func Argmax(values []float64) int {
	if len(values) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

// ClipByValue clamps every element of values to [-limit, limit]. A non-positive limit disables clipping.
func ClipByValue(values []float64, limit float64) {
	if limit <= 0 {
		return
	}
	for i, v := range values {
		if v > limit {
			values[i] = limit
		} else if v < -limit {
			values[i] = -limit
		}
	}
}

// CrossEntropy returns -log(p[label]) with p clamped away from zero.
func CrossEntropy(probabilities []float64, label int) float64 {
	const eps = 1e-12
	p := probabilities[label]
	if p < eps {
		p = eps
	}
	return -math.Log(p)
}
