// Package inference serves predictions, network state and bookkeeping for the
// loaded engines, backed by a bounded LRU result cache.
package inference

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"

	"nnvisual/internal/edges"
	"nnvisual/internal/engine"
	"nnvisual/internal/explain"
	"nnvisual/internal/model"
)

const (
	DefaultCacheSize = 32
	// keyPrecision is the rounding scale applied to inputs before hashing.
	keyPrecision = 1e4
)

type Options struct {
	CacheSize  int
	Thresholds explain.Thresholds
	Logger     *slog.Logger
}

// Prediction is a forward pass plus its explanation.
type Prediction struct {
	model.PredictionResult
	Explanation model.Explanation `json:"explanation"`
}

type Weights struct {
	Architecture model.Architecture `json:"model_type"`
	Tensors      []engine.Tensor    `json:"weights"`
}

type ModelInfo struct {
	engine.Info
	Active      bool   `json:"active"`
	Steps       int    `json:"steps"`
	ParamsHuman string `json:"params_human"`
}

// AvailableModel reports one known architecture.
type AvailableModel struct {
	Architecture model.Architecture `json:"model_type"`
	Loaded       bool               `json:"loaded"`
	Active       bool               `json:"active"`
}

// Engine owns the architecture registry. Predictions run concurrently under a
// read lock; switching or publishing models takes the write lock.
type Engine struct {
	mu     sync.RWMutex
	models map[model.Architecture]engine.Engine
	active model.Architecture

	cache     *lru.Cache[string, model.PredictionResult]
	explainer *explain.Builder
	logger    *slog.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Thresholds == (explain.Thresholds{}) {
		opts.Thresholds = explain.DefaultThresholds()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache, err := lru.New[string, model.PredictionResult](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: cache: %v", model.ErrInvalidInput, err)
	}
	return &Engine{
		models:    make(map[model.Architecture]engine.Engine),
		cache:     cache,
		explainer: explain.NewBuilder(opts.Thresholds),
		logger:    opts.Logger,
	}, nil
}

// Publish registers e under its architecture, replacing any previous engine.
// The first published engine, or any engine published with activate, becomes active.
func (ie *Engine) Publish(e engine.Engine, activate bool) error {
	if e == nil {
		return fmt.Errorf("%w: nil engine", model.ErrInvalidInput)
	}
	arch := e.Architecture()
	if !arch.Valid() {
		return fmt.Errorf("%w: %q", model.ErrUnknownModel, arch)
	}
	ie.mu.Lock()
	defer ie.mu.Unlock()
	ie.models[arch] = e
	if activate || ie.active == "" {
		ie.active = arch
	}
	ie.cache.Purge()
	ie.logger.Info("model published", "architecture", arch, "active", ie.active, "steps", e.Steps())
	return nil
}

// Unload removes the architecture from the registry.
func (ie *Engine) Unload(arch model.Architecture) {
	ie.mu.Lock()
	defer ie.mu.Unlock()
	if _, ok := ie.models[arch]; !ok {
		return
	}
	delete(ie.models, arch)
	if ie.active == arch {
		ie.active = ""
	}
	ie.cache.Purge()
}

// SetActiveModel fails with ErrUnknownModel unless arch is loaded.
func (ie *Engine) SetActiveModel(arch model.Architecture) error {
	ie.mu.Lock()
	defer ie.mu.Unlock()
	if _, ok := ie.models[arch]; !ok {
		return fmt.Errorf("%w: %q is not loaded", model.ErrUnknownModel, arch)
	}
	if ie.active != arch {
		ie.active = arch
		ie.cache.Purge()
		ie.logger.Info("active model switched", "architecture", arch)
	}
	return nil
}

func (ie *Engine) ActiveModel() model.Architecture {
	ie.mu.RLock()
	defer ie.mu.RUnlock()
	return ie.active
}

// Model returns the loaded engine for arch, or the active one when arch is empty.
func (ie *Engine) Model(arch model.Architecture) (engine.Engine, error) {
	ie.mu.RLock()
	defer ie.mu.RUnlock()
	return ie.resolveLocked(arch)
}

func (ie *Engine) AvailableModels() []AvailableModel {
	ie.mu.RLock()
	defer ie.mu.RUnlock()
	out := make([]AvailableModel, 0, len(model.Architectures()))
	for _, arch := range model.Architectures() {
		_, loaded := ie.models[arch]
		out = append(out, AvailableModel{Architecture: arch, Loaded: loaded, Active: arch == ie.active})
	}
	return out
}

func (ie *Engine) CacheLen() int { return ie.cache.Len() }

func (ie *Engine) resolveLocked(arch model.Architecture) (engine.Engine, error) {
	if arch == "" {
		arch = ie.active
		if arch == "" {
			return nil, fmt.Errorf("%w: no model loaded", model.ErrModelUnavailable)
		}
	}
	if !arch.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownModel, arch)
	}
	e, ok := ie.models[arch]
	if !ok {
		return nil, fmt.Errorf("%w: %s model is not loaded", model.ErrModelUnavailable, arch)
	}
	return e, nil
}

// Predict runs (or recalls) a forward pass and explains it.
func (ie *Engine) Predict(input []float64, arch model.Architecture) (Prediction, error) {
	ie.mu.RLock()
	defer ie.mu.RUnlock()
	e, err := ie.resolveLocked(arch)
	if err != nil {
		return Prediction{}, err
	}
	result, err := ie.forwardLocked(e, input)
	if err != nil {
		return Prediction{}, err
	}
	source, kernel := e.OutputKernel()
	exp, err := ie.explainer.Build(explain.Input{Result: result, SourceLayer: source, OutputKernel: kernel.Data})
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{PredictionResult: result, Explanation: exp}, nil
}

// State is Predict without the explanation plus ranked edges for every adjacent layer pair.
func (ie *Engine) State(input []float64, arch model.Architecture) (model.NetworkState, error) {
	ie.mu.RLock()
	defer ie.mu.RUnlock()
	e, err := ie.resolveLocked(arch)
	if err != nil {
		return model.NetworkState{}, err
	}
	result, err := ie.forwardLocked(e, input)
	if err != nil {
		return model.NetworkState{}, err
	}
	state := model.NetworkState{PredictionResult: result, Edges: make(map[string][]model.Edge)}
	for _, pair := range e.LayerPairs() {
		activations, ok := result.Layer(pair.Source)
		if !ok {
			return model.NetworkState{}, fmt.Errorf("%w: %s forward pass is missing layer %q", model.ErrEngineFault, e.Architecture(), pair.Source)
		}
		if len(pair.Kernel.Shape) != 2 {
			return model.NetworkState{}, fmt.Errorf("%w: pair %s kernel shape %v", model.ErrEngineFault, pair.Name, pair.Kernel.Shape)
		}
		ranked, err := edges.TopKFlat(activations, pair.Kernel.Data, pair.Kernel.Shape[1], pair.EdgeCap)
		if err != nil {
			return model.NetworkState{}, fmt.Errorf("%w: pair %s: %v", model.ErrEngineFault, pair.Name, err)
		}
		state.Edges[pair.Name] = ranked
	}
	return state, nil
}

func (ie *Engine) Weights(arch model.Architecture) (Weights, error) {
	e, err := ie.Model(arch)
	if err != nil {
		return Weights{}, err
	}
	return Weights{Architecture: e.Architecture(), Tensors: e.Params()}, nil
}

func (ie *Engine) ModelInfo(arch model.Architecture) (ModelInfo, error) {
	ie.mu.RLock()
	defer ie.mu.RUnlock()
	e, err := ie.resolveLocked(arch)
	if err != nil {
		return ModelInfo{}, err
	}
	info := e.Info()
	return ModelInfo{
		Info:        info,
		Active:      e.Architecture() == ie.active,
		Steps:       e.Steps(),
		ParamsHuman: humanize.Comma(int64(info.TotalParams)),
	}, nil
}

// forwardLocked consults the cache first. Failed passes are never cached and
// callers always receive a copy.
func (ie *Engine) forwardLocked(e engine.Engine, input []float64) (result model.PredictionResult, err error) {
	if err := engine.ValidateInput(e, input); err != nil {
		return model.PredictionResult{}, err
	}
	key := cacheKey(e.Architecture(), input)
	if cached, ok := ie.cache.Get(key); ok {
		return cached.Clone(), nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s forward panicked: %v", model.ErrEngineFault, e.Architecture(), r)
		}
	}()
	result, err = e.Forward(input)
	if err != nil {
		if errors.Is(err, model.ErrInvalidInput) || errors.Is(err, model.ErrEngineFault) {
			return model.PredictionResult{}, err
		}
		return model.PredictionResult{}, fmt.Errorf("%w: %v", model.ErrEngineFault, err)
	}
	ie.cache.Add(key, result.Clone())
	return result, nil
}

func cacheKey(arch model.Architecture, input []float64) string {
	h := sha256.New()
	h.Write([]byte(arch))
	h.Write([]byte{0})
	var buf [8]byte
	for _, v := range input {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(math.Round(v*keyPrecision))))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
