package nn

import (
	"fmt"
	"math"
)

func Derivative(name string, x float64) (float64, error) {
	switch name {
	case "identity":
		return 1, nil
	case "relu":
		if x > 0 {
			return 1, nil
		}
		return 0, nil
	case "leaky_relu":
		if x > 0 {
			return 1, nil
		}
		return leakyReLUSlope, nil
	case "tanh":
		y := math.Tanh(x)
		return 1 - (y * y), nil
	case "sigmoid":
		s := sigmoid(x)
		return s * (1 - s), nil
	case "elu":
		if x > 0 {
			return 1, nil
		}
		return eluAlpha * math.Exp(x), nil
	default:
		return 0, fmt.Errorf("unsupported derivative: %s", name)
	}
}
