package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	OptimizerSGD     = "sgd"
	OptimizerAdam    = "adam"
	OptimizerRMSProp = "rmsprop"
)

// Option sets accepted by TrainingConfig.Validate. The nn package registers an
// implementation for every activation and initializer listed here.
var (
	Optimizers   = []string{OptimizerSGD, OptimizerAdam, OptimizerRMSProp}
	Activations  = []string{"relu", "leaky_relu", "tanh", "sigmoid", "elu"}
	Initializers = []string{"glorot_uniform", "glorot_normal", "he_uniform", "he_normal", "lecun_normal", "random_normal"}
)

// TrainingConfig is immutable while a run is active; Controller.Configure replaces it wholesale.
type TrainingConfig struct {
	Architecture        Architecture `json:"architecture"`
	LearningRate        float64      `json:"learning_rate"`
	BatchSize           int          `json:"batch_size"`
	Epochs              int          `json:"epochs"`
	Optimizer           string       `json:"optimizer"`
	Activation          string       `json:"activation"`
	WeightDecay         float64      `json:"weight_decay"`
	Dropout             float64      `json:"dropout"`
	Initializer         string       `json:"initializer"`
	RecurrentUnits      int          `json:"recurrent_units"`
	ConvFilters         int          `json:"conv_filters"`
	GradientClip        float64      `json:"gradient_clip"`
	WeightSnapshotEvery int          `json:"weight_snapshot_every"`
	TrainLimit          int          `json:"train_limit,omitempty"`
	ValidationLimit     int          `json:"validation_limit,omitempty"`
	Seed                int64        `json:"seed"`
}

func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Architecture:        ArchDense,
		LearningRate:        0.001,
		BatchSize:           64,
		Epochs:              5,
		Optimizer:           OptimizerAdam,
		Activation:          "relu",
		Initializer:         "glorot_uniform",
		RecurrentUnits:      64,
		ConvFilters:         16,
		GradientClip:        5,
		WeightSnapshotEvery: 20,
		Seed:                1,
	}
}

// DecodeTrainingConfig overlays the JSON object in data onto base. Unknown fields are rejected.
func DecodeTrainingConfig(data []byte, base TrainingConfig) (TrainingConfig, error) {
	cfg := base
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return cfg, cfg.Validate()
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return base, fmt.Errorf("%w: decode training config: %v", ErrInvalidInput, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return base, fmt.Errorf("%w: trailing data after training config", ErrInvalidInput)
	}
	cfg.Architecture = Architecture(strings.ToLower(string(cfg.Architecture)))
	cfg.Optimizer = strings.ToLower(cfg.Optimizer)
	cfg.Activation = strings.ToLower(cfg.Activation)
	cfg.Initializer = strings.ToLower(cfg.Initializer)
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}

// Validate rejects out-of-range or unknown values instead of coercing them.
func (c TrainingConfig) Validate() error {
	if !c.Architecture.Valid() {
		return fmt.Errorf("%w: unsupported architecture %q", ErrInvalidInput, c.Architecture)
	}
	if !(c.LearningRate > 0 && c.LearningRate <= 1) {
		return fmt.Errorf("%w: learning_rate must be in (0, 1], got %v", ErrInvalidInput, c.LearningRate)
	}
	if c.BatchSize < 1 || c.BatchSize > 4096 {
		return fmt.Errorf("%w: batch_size must be in [1, 4096], got %d", ErrInvalidInput, c.BatchSize)
	}
	if c.Epochs < 1 || c.Epochs > 1000 {
		return fmt.Errorf("%w: epochs must be in [1, 1000], got %d", ErrInvalidInput, c.Epochs)
	}
	if !contains(Optimizers, c.Optimizer) {
		return fmt.Errorf("%w: unsupported optimizer %q", ErrInvalidInput, c.Optimizer)
	}
	if !contains(Activations, c.Activation) {
		return fmt.Errorf("%w: unsupported activation %q", ErrInvalidInput, c.Activation)
	}
	if !contains(Initializers, c.Initializer) {
		return fmt.Errorf("%w: unsupported initializer %q", ErrInvalidInput, c.Initializer)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("%w: weight_decay must be >= 0, got %v", ErrInvalidInput, c.WeightDecay)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout must be in [0, 1), got %v", ErrInvalidInput, c.Dropout)
	}
	if c.RecurrentUnits < 1 || c.RecurrentUnits > 512 {
		return fmt.Errorf("%w: recurrent_units must be in [1, 512], got %d", ErrInvalidInput, c.RecurrentUnits)
	}
	if c.ConvFilters < 1 || c.ConvFilters > 128 {
		return fmt.Errorf("%w: conv_filters must be in [1, 128], got %d", ErrInvalidInput, c.ConvFilters)
	}
	if c.GradientClip < 0 {
		return fmt.Errorf("%w: gradient_clip must be >= 0, got %v", ErrInvalidInput, c.GradientClip)
	}
	if c.WeightSnapshotEvery < 0 {
		return fmt.Errorf("%w: weight_snapshot_every must be >= 0, got %d", ErrInvalidInput, c.WeightSnapshotEvery)
	}
	if c.TrainLimit < 0 || c.ValidationLimit < 0 {
		return fmt.Errorf("%w: sample limits must be >= 0", ErrInvalidInput)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
