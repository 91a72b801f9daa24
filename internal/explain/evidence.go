package explain

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"

	"nnvisual/internal/model"
)

const (
	topFilters   = 3
	topTimesteps = 3
	convKind     = "Conv2D"
)

var quadrantOrder = []string{"upper-left", "upper-right", "lower-left", "lower-right"}

type denseExplainer struct{}

func (denseExplainer) Architecture() model.Architecture { return model.ArchDense }

func (denseExplainer) addEvidence(in Input, exp *model.Explanation) error {
	quads, ok := Quadrants(in.Result.Input)
	if !ok {
		return nil
	}
	exp.Quadrants = quads
	exp.Evidence = append(exp.Evidence, fmt.Sprintf("Strongest stroke energy appears in the %s quadrant.", strongestQuadrant(quads)))
	return nil
}

// Quadrants returns the mean intensity of the four quadrants of a square image
// with an even side. ok is false for any other input length.
func Quadrants(pixels []float64) (map[string]float64, bool) {
	side := int(math.Sqrt(float64(len(pixels))))
	if side == 0 || side*side != len(pixels) || side%2 != 0 {
		return nil, false
	}
	half := side / 2
	sums := make([]float64, 4)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			q := 0
			if y >= half {
				q += 2
			}
			if x >= half {
				q++
			}
			sums[q] += pixels[y*side+x]
		}
	}
	area := float64(half * half)
	out := make(map[string]float64, 4)
	for i, name := range quadrantOrder {
		out[name] = sums[i] / area
	}
	return out, true
}

func strongestQuadrant(quads map[string]float64) string {
	best := quadrantOrder[0]
	for _, name := range quadrantOrder[1:] {
		if quads[name] > quads[best] {
			best = name
		}
	}
	return best
}

type convExplainer struct{}

func (convExplainer) Architecture() model.Architecture { return model.ArchConvolutional }

func (convExplainer) addEvidence(in Input, exp *model.Explanation) error {
	found := false
	for _, fm := range in.Result.FeatureMaps {
		if fm.Kind != convKind {
			continue
		}
		found = true
		limit := topFilters
		if fm.TopK < limit {
			limit = fm.TopK
		}
		for _, filter := range fm.Ranking[:limit] {
			grid, ok := fm.Maps[filter]
			if !ok {
				return fmt.Errorf("%w: feature map %d of %s missing", model.ErrInvalidInput, filter, fm.Layer)
			}
			row, col := Centroid(grid)
			region := Region(row, col, len(grid))
			exp.Filters = append(exp.Filters, model.FilterEvidence{
				Layer:          fm.Layer,
				Filter:         filter,
				MeanActivation: fm.MeanActivations[filter],
				CentroidRow:    row,
				CentroidCol:    col,
				Region:         region,
			})
			exp.Evidence = append(exp.Evidence, fmt.Sprintf("Filter %d of %s responds most strongly in the %s region.", filter, fm.Layer, region))
		}
	}
	if !found {
		return fmt.Errorf("%w: convolutional prediction carries no feature maps", model.ErrInvalidInput)
	}
	return nil
}

// Centroid is the positive-activation-weighted mean position of a grid; an
// inactive grid reports its geometric center.
func Centroid(grid [][]float64) (row, col float64) {
	total := 0.0
	for y, values := range grid {
		for x, v := range values {
			if v <= 0 {
				continue
			}
			total += v
			row += v * float64(y)
			col += v * float64(x)
		}
	}
	if total == 0 {
		center := float64(len(grid)-1) / 2
		return center, center
	}
	return row / total, col / total
}

// Region labels a position on a side x side grid with one cell of a 3x3 partition.
func Region(row, col float64, side int) string {
	band := func(v float64) int {
		b := int(v * 3 / float64(side))
		if b < 0 {
			return 0
		}
		if b > 2 {
			return 2
		}
		return b
	}
	rows := []string{"top", "middle", "bottom"}
	cols := []string{"left", "center", "right"}
	r, c := band(row), band(col)
	if r == 1 && c == 1 {
		return "center"
	}
	return rows[r] + "-" + cols[c]
}

type recurrentExplainer struct{}

func (recurrentExplainer) Architecture() model.Architecture { return model.ArchRecurrent }

func (recurrentExplainer) addEvidence(in Input, exp *model.Explanation) error {
	if len(in.Result.Timesteps) == 0 {
		return fmt.Errorf("%w: recurrent prediction carries no timestep states", model.ErrInvalidInput)
	}
	exp.Timesteps = TimestepImportance(in.Result.Timesteps)
	limit := topTimesteps
	if len(exp.Timesteps) < limit {
		limit = len(exp.Timesteps)
	}
	steps := make([]string, 0, limit)
	for _, ts := range exp.Timesteps[:limit] {
		steps = append(steps, fmt.Sprintf("%d", ts.Step))
	}
	exp.Evidence = append(exp.Evidence, fmt.Sprintf("Input rows %s shift the recurrent state the most.", strings.Join(steps, ", ")))
	return nil
}

// TimestepImportance ranks timesteps by the L2 change they make to the hidden
// state, starting from a zero state. Ties keep step order.
func TimestepImportance(states [][]float64) []model.TimestepImportance {
	out := make([]model.TimestepImportance, len(states))
	var prev []float64
	for t, h := range states {
		delta := append([]float64(nil), h...)
		if prev != nil && len(prev) == len(h) {
			floats.Sub(delta, prev)
		}
		out[t] = model.TimestepImportance{Step: t, Importance: floats.Norm(delta, 2)}
		prev = h
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Importance > out[j].Importance })
	return out
}
