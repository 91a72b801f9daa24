package storage

import (
	"context"
	"fmt"
	"regexp"

	"nnvisual/internal/engine"
	"nnvisual/internal/model"
)

// Store persists trained models and per-run epoch histories.
type Store interface {
	Init(ctx context.Context) error
	// SaveModel overwrites any model with the same name and returns the stored record.
	SaveModel(ctx context.Context, record model.ModelRecord, checkpoint engine.Checkpoint) (model.ModelRecord, error)
	GetModel(ctx context.Context, name string) (model.ModelRecord, engine.Checkpoint, bool, error)
	ListModels(ctx context.Context) ([]model.ModelRecord, error)
	DeleteModel(ctx context.Context, name string) (bool, error)
	SaveEpochHistory(ctx context.Context, runID string, epochs []model.EpochSummary) error
	GetEpochHistory(ctx context.Context, runID string) ([]model.EpochSummary, bool, error)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidateName accepts names that are safe as file names and table keys.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid model name %q", model.ErrInvalidInput, name)
	}
	return nil
}

// stamp fills the version fields the store is responsible for.
func stamp(record model.ModelRecord, checkpoint engine.Checkpoint) (model.ModelRecord, engine.Checkpoint, error) {
	if err := ValidateName(record.Name); err != nil {
		return record, checkpoint, err
	}
	if checkpoint.Architecture == "" || checkpoint.Architecture != record.Architecture {
		return record, checkpoint, fmt.Errorf("%w: record architecture %q disagrees with checkpoint %q", model.ErrInvalidInput, record.Architecture, checkpoint.Architecture)
	}
	version := model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
	record.VersionedRecord = version
	checkpoint.VersionedRecord = version
	return record, checkpoint, nil
}
