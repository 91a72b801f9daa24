package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"nnvisual/internal/engine"
	"nnvisual/internal/model"
)

const (
	recordFile     = "record.json"
	checkpointFile = "weights.bin"
	runsDir        = "_runs"
)

// FileStore keeps one directory per model under root: record.json plus the
// binary checkpoint. Epoch histories live under root/_runs.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Init(_ context.Context) error {
	if s.root == "" {
		return errors.New("file store directory is required")
	}
	return os.MkdirAll(filepath.Join(s.root, runsDir), 0o755)
}

func (s *FileStore) SaveModel(_ context.Context, record model.ModelRecord, checkpoint engine.Checkpoint) (model.ModelRecord, error) {
	record, checkpoint, err := stamp(record, checkpoint)
	if err != nil {
		return model.ModelRecord{}, err
	}
	dir := filepath.Join(s.root, record.Name)
	record.Path = dir

	weights, err := EncodeCheckpointBinary(checkpoint)
	if err != nil {
		return model.ModelRecord{}, err
	}
	meta, err := EncodeModelRecord(record)
	if err != nil {
		return model.ModelRecord{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.ModelRecord{}, err
	}
	if err := writeAtomic(filepath.Join(dir, checkpointFile), weights); err != nil {
		return model.ModelRecord{}, err
	}
	if err := writeAtomic(filepath.Join(dir, recordFile), meta); err != nil {
		return model.ModelRecord{}, err
	}
	return record, nil
}

func (s *FileStore) GetModel(_ context.Context, name string) (model.ModelRecord, engine.Checkpoint, bool, error) {
	if ValidateName(name) != nil {
		return model.ModelRecord{}, engine.Checkpoint{}, false, nil
	}
	dir := filepath.Join(s.root, name)
	meta, err := os.ReadFile(filepath.Join(dir, recordFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.ModelRecord{}, engine.Checkpoint{}, false, nil
		}
		return model.ModelRecord{}, engine.Checkpoint{}, false, err
	}
	record, err := DecodeModelRecord(meta)
	if err != nil {
		return model.ModelRecord{}, engine.Checkpoint{}, false, fmt.Errorf("decode model %s: %w", name, err)
	}
	weights, err := os.ReadFile(filepath.Join(dir, checkpointFile))
	if err != nil {
		return model.ModelRecord{}, engine.Checkpoint{}, false, err
	}
	checkpoint, err := DecodeCheckpointBinary(weights)
	if err != nil {
		return model.ModelRecord{}, engine.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	return record, checkpoint, true, nil
}

func (s *FileStore) ListModels(_ context.Context) ([]model.ModelRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []model.ModelRecord{}, nil
		}
		return nil, err
	}
	out := make([]model.ModelRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateName(entry.Name()) != nil {
			continue
		}
		meta, err := os.ReadFile(filepath.Join(s.root, entry.Name(), recordFile))
		if err != nil {
			continue
		}
		record, err := DecodeModelRecord(meta)
		if err != nil {
			continue
		}
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

func (s *FileStore) DeleteModel(_ context.Context, name string) (bool, error) {
	if ValidateName(name) != nil {
		return false, nil
	}
	dir := filepath.Join(s.root, name)
	if _, err := os.Stat(filepath.Join(dir, recordFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) SaveEpochHistory(_ context.Context, runID string, epochs []model.EpochSummary) error {
	if err := ValidateName(runID); err != nil {
		return err
	}
	payload, err := EncodeEpochHistory(epochs)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.root, runsDir, runID+".json"), payload)
}

func (s *FileStore) GetEpochHistory(_ context.Context, runID string) ([]model.EpochSummary, bool, error) {
	if ValidateName(runID) != nil {
		return nil, false, nil
	}
	payload, err := os.ReadFile(filepath.Join(s.root, runsDir, runID+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	epochs, err := DecodeEpochHistory(payload)
	if err != nil {
		return nil, false, err
	}
	return epochs, true, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
