package dataset

import (
	"context"
	"math/rand"
)

// Synthetic generates noisy, shifted per-digit stroke patterns. The same seed
// always yields the same splits.
type Synthetic struct {
	Train      int
	Validation int
	Seed       int64
	Noise      float64
}

func DefaultSynthetic() Synthetic {
	return Synthetic{Train: 2048, Validation: 512, Seed: 7, Noise: 0.1}
}

func (s Synthetic) Name() string { return "synthetic" }

func (s Synthetic) Load(ctx context.Context) (Split, Split, error) {
	if err := ctx.Err(); err != nil {
		return Split{}, Split{}, loadError(s.Name(), err)
	}
	rng := rand.New(rand.NewSource(s.Seed))
	return s.generate(rng, s.Train), s.generate(rng, s.Validation), nil
}

func (s Synthetic) generate(rng *rand.Rand, n int) Split {
	split := Split{Inputs: make([][]float64, n), Labels: make([]int, n)}
	for i := 0; i < n; i++ {
		label := i % NumClasses
		split.Inputs[i] = s.render(rng, label)
		split.Labels[i] = label
	}
	return split
}

// render draws a vertical bar whose column and a horizontal bar whose row both
// depend on the digit, shifted by up to one pixel.
func (s Synthetic) render(rng *rand.Rand, digit int) []float64 {
	img := make([]float64, ImageSize)
	dx, dy := rng.Intn(3)-1, rng.Intn(3)-1
	set := func(y, x int) {
		y, x = y+dy, x+dx
		if y >= 0 && y < ImageSide && x >= 0 && x < ImageSide {
			img[y*ImageSide+x] = 1
		}
	}
	col := 4 + 2*digit
	row := 4 + 2*digit
	for y := 4; y < 24; y++ {
		set(y, col)
		set(y, col+1)
	}
	for x := 4; x < 24; x++ {
		set(row, x)
	}
	if s.Noise > 0 {
		for i := range img {
			v := img[i] + rng.NormFloat64()*s.Noise
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			img[i] = v
		}
	}
	return img
}
