package nn

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	leakyReLUSlope = 0.3
	eluAlpha       = 1.0
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

type ActivationFunc func(x float64) float64

// Activation pairs a function with its derivative, both taking the pre-activation value.
type Activation struct {
	Name       string
	Func       ActivationFunc
	Derivative ActivationFunc
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]Activation
}{
	m: make(map[string]Activation),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	MustRegisterActivation("identity", func(x float64) float64 { return x }, func(float64) float64 { return 1 })
	MustRegisterActivation("relu", func(x float64) float64 {
		if x < 0 {
			return 0
		}
		return x
	}, derivativeOf("relu"))
	MustRegisterActivation("leaky_relu", func(x float64) float64 {
		if x < 0 {
			return leakyReLUSlope * x
		}
		return x
	}, derivativeOf("leaky_relu"))
	MustRegisterActivation("tanh", math.Tanh, derivativeOf("tanh"))
	MustRegisterActivation("sigmoid", sigmoid, derivativeOf("sigmoid"))
	MustRegisterActivation("elu", func(x float64) float64 {
		if x < 0 {
			return eluAlpha * (math.Exp(x) - 1)
		}
		return x
	}, derivativeOf("elu"))
}

func derivativeOf(name string) ActivationFunc {
	return func(x float64) float64 {
		d, _ := Derivative(name, x)
		return d
	}
}

// RegisterActivation adds a named activation usable from TrainingConfig.Activation.
func RegisterActivation(name string, fn, derivative ActivationFunc) error {
	if name == "" {
		return errors.New("activation name is required")
	}
	if fn == nil {
		return errors.New("activation function is required")
	}
	if derivative == nil {
		return errors.New("activation derivative is required")
	}

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, name)
	}
	activationRegistry.m[name] = Activation{Name: name, Func: fn, Derivative: derivative}
	return nil
}

func MustRegisterActivation(name string, fn, derivative ActivationFunc) {
	if err := RegisterActivation(name, fn, derivative); err != nil {
		panic(err)
	}
}

func GetActivation(name string) (Activation, error) {
	activationRegistry.mu.RLock()
	act, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return Activation{}, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return act, nil
}
func resetActivationRegistryForTests() {
	activationRegistry.mu.Lock()
	activationRegistry.m = make(map[string]Activation)
	activationRegistry.mu.Unlock()
	initializeBuiltInActivations()
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
