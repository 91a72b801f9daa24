package model

import (
	"errors"
	"testing"
)

func TestDefaultTrainingConfigIsValid(t *testing.T) {
	if err := DefaultTrainingConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDecodeTrainingConfigOverlaysBase(t *testing.T) {
	cfg, err := DecodeTrainingConfig([]byte(`{"learning_rate":0.01,"batch_size":32,"epochs":1,"optimizer":"SGD"}`), DefaultTrainingConfig())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.LearningRate != 0.01 || cfg.BatchSize != 32 || cfg.Epochs != 1 {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
	if cfg.Optimizer != OptimizerSGD {
		t.Fatalf("expected optimizer to be normalized, got %q", cfg.Optimizer)
	}
	if cfg.Activation != "relu" || cfg.Architecture != ArchDense {
		t.Fatalf("expected untouched fields from base, got %+v", cfg)
	}
}

func TestDecodeTrainingConfigRejectsUnknownFields(t *testing.T) {
	base := DefaultTrainingConfig()
	cfg, err := DecodeTrainingConfig([]byte(`{"learning_rate":0.01,"momentum":0.9}`), base)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if cfg != base {
		t.Fatalf("expected base config on error, got %+v", cfg)
	}
}

func TestDecodeTrainingConfigRejectsOutOfRange(t *testing.T) {
	cases := []string{
		`{"learning_rate":0}`,
		`{"learning_rate":2}`,
		`{"batch_size":0}`,
		`{"epochs":0}`,
		`{"optimizer":"lbfgs"}`,
		`{"activation":"softsign"}`,
		`{"initializer":"orthogonal"}`,
		`{"dropout":1}`,
		`{"weight_decay":-0.1}`,
		`{"architecture":"transformer"}`,
		`{"recurrent_units":0}`,
		`{"batch_size":"64"}`,
	}
	for _, raw := range cases {
		if _, err := DecodeTrainingConfig([]byte(raw), DefaultTrainingConfig()); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", raw, err)
		}
	}
}

func TestDecodeTrainingConfigEmptyKeepsBase(t *testing.T) {
	base := DefaultTrainingConfig()
	cfg, err := DecodeTrainingConfig(nil, base)
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if cfg != base {
		t.Fatalf("expected base config, got %+v", cfg)
	}
}

func TestDecodeTrainingConfigNormalizesNames(t *testing.T) {
	cfg, err := DecodeTrainingConfig([]byte(`{"architecture":"CNN","optimizer":"Adam","activation":"TANH","initializer":"He_Normal"}`), DefaultTrainingConfig())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Architecture != ArchConvolutional || cfg.Optimizer != OptimizerAdam || cfg.Activation != "tanh" || cfg.Initializer != "he_normal" {
		t.Fatalf("expected lowercase names, got %+v", cfg)
	}
}
