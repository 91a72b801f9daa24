// Package edges ranks activation-times-weight contributions between adjacent layers.
package edges

import (
	"fmt"
	"math"
	"sort"

	"nnvisual/internal/model"
)

// TopK returns the k strongest edges of C[i][j] = a[i] * W[i][j], ordered by
// descending |strength|. Ties keep (i, j) ascending order.
func TopK(activations []float64, weights [][]float64, k int) ([]model.Edge, error) {
	if len(weights) != len(activations) {
		return nil, fmt.Errorf("%w: %d activations but %d weight rows", model.ErrInvalidInput, len(activations), len(weights))
	}
	cols := 0
	if len(weights) > 0 {
		cols = len(weights[0])
	}
	flat := make([]float64, 0, len(weights)*cols)
	for i, row := range weights {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: weight row %d has %d columns, expected %d", model.ErrInvalidInput, i, len(row), cols)
		}
		flat = append(flat, row...)
	}
	return TopKFlat(activations, flat, cols, k)
}

// TopKFlat is TopK over a row-major kernel with the given column count.
func TopKFlat(activations, kernel []float64, cols, k int) ([]model.Edge, error) {
	if cols < 0 || len(kernel) != len(activations)*cols {
		return nil, fmt.Errorf("%w: kernel of %d values does not fit %d x %d", model.ErrInvalidInput, len(kernel), len(activations), cols)
	}
	if k <= 0 || cols == 0 {
		return []model.Edge{}, nil
	}
	all := make([]model.Edge, 0, len(kernel))
	for i, a := range activations {
		row := kernel[i*cols : (i+1)*cols]
		for j, w := range row {
			all = append(all, model.Edge{From: i, To: j, Strength: a * w})
		}
	}
	sort.SliceStable(all, func(x, y int) bool {
		return math.Abs(all[x].Strength) > math.Abs(all[y].Strength)
	})
	if k < len(all) {
		all = all[:k:k]
	}
	return all, nil
}

// Column returns a[i] * W[i][col] for every source unit i.
func Column(activations, kernel []float64, cols, col int) ([]float64, error) {
	if cols <= 0 || len(kernel) != len(activations)*cols {
		return nil, fmt.Errorf("%w: kernel of %d values does not fit %d x %d", model.ErrInvalidInput, len(kernel), len(activations), cols)
	}
	if col < 0 || col >= cols {
		return nil, fmt.Errorf("%w: column %d out of range [0, %d)", model.ErrInvalidInput, col, cols)
	}
	out := make([]float64, len(activations))
	for i, a := range activations {
		out[i] = a * kernel[i*cols+col]
	}
	return out, nil
}

// PositiveSupport sums the positive entries of contributions.
func PositiveSupport(contributions []float64) float64 {
	total := 0.0
	for _, c := range contributions {
		if c > 0 {
			total += c
		}
	}
	return total
}
