package engine

import (
	"fmt"

	"nnvisual/internal/model"
)

// Checkpoint is the persisted form of a trained engine.
type Checkpoint struct {
	model.VersionedRecord
	Architecture model.Architecture   `json:"architecture"`
	Config       model.TrainingConfig `json:"config"`
	Steps        int                  `json:"steps"`
	Tensors      []Tensor             `json:"tensors"`
}

type restorer interface {
	restore(tensors []Tensor, steps int) error
}

// Snapshot copies the parameters of e. Callers must not train e concurrently.
func Snapshot(e Engine) Checkpoint {
	return Checkpoint{
		Architecture: e.Architecture(),
		Config:       e.Config(),
		Steps:        e.Steps(),
		Tensors:      e.Params(),
	}
}

// FromCheckpoint rebuilds an engine and loads the checkpoint tensors into it.
func FromCheckpoint(cp Checkpoint) (Engine, error) {
	if cp.Architecture != cp.Config.Architecture {
		return nil, fmt.Errorf("%w: checkpoint architecture %q disagrees with config %q", model.ErrInvalidInput, cp.Architecture, cp.Config.Architecture)
	}
	e, err := New(cp.Config)
	if err != nil {
		return nil, err
	}
	r, ok := e.(restorer)
	if !ok {
		return nil, fmt.Errorf("%w: %s engine cannot be restored", model.ErrEngineFault, cp.Architecture)
	}
	if err := r.restore(cp.Tensors, cp.Steps); err != nil {
		return nil, err
	}
	return e, nil
}

