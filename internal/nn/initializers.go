package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Initializer fills out with initial weights for a kernel with the given fan-in and fan-out.
type Initializer func(rng *rand.Rand, fanIn, fanOut int, out []float64)

var initializers = map[string]Initializer{
	"glorot_uniform": func(rng *rand.Rand, fanIn, fanOut int, out []float64) {
		limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
		fillUniform(rng, limit, out)
	},
	"glorot_normal": func(rng *rand.Rand, fanIn, fanOut int, out []float64) {
		fillTruncatedNormal(rng, math.Sqrt(2.0/float64(fanIn+fanOut)), out)
	},
	"he_uniform": func(rng *rand.Rand, fanIn, _ int, out []float64) {
		fillUniform(rng, math.Sqrt(6.0/float64(fanIn)), out)
	},
	"he_normal": func(rng *rand.Rand, fanIn, _ int, out []float64) {
		fillTruncatedNormal(rng, math.Sqrt(2.0/float64(fanIn)), out)
	},
	"lecun_normal": func(rng *rand.Rand, fanIn, _ int, out []float64) {
		fillTruncatedNormal(rng, math.Sqrt(1.0/float64(fanIn)), out)
	},
	"random_normal": func(rng *rand.Rand, _, _ int, out []float64) {
		for i := range out {
			out[i] = rng.NormFloat64() * 0.05
		}
	},
}

func GetInitializer(name string) (Initializer, error) {
	fn, ok := initializers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported initializer: %s", name)
	}
	return fn, nil
}

func fillUniform(rng *rand.Rand, limit float64, out []float64) {
	for i := range out {
		out[i] = (rng.Float64()*2 - 1) * limit
	}
}

// fillTruncatedNormal redraws samples beyond two standard deviations.
func fillTruncatedNormal(rng *rand.Rand, std float64, out []float64) {
	for i := range out {
		v := rng.NormFloat64()
		for math.Abs(v) > 2 {
			v = rng.NormFloat64()
		}
		out[i] = v * std
	}
}
