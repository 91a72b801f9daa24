package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"nnvisual/internal/engine"
	"nnvisual/internal/model"
)

// MemoryStore keeps encoded checkpoints so callers never share tensors with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	records     map[string]model.ModelRecord
	checkpoints map[string][]byte
	epochs      map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.records = make(map[string]model.ModelRecord)
	s.checkpoints = make(map[string][]byte)
	s.epochs = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) SaveModel(_ context.Context, record model.ModelRecord, checkpoint engine.Checkpoint) (model.ModelRecord, error) {
	record, checkpoint, err := stamp(record, checkpoint)
	if err != nil {
		return model.ModelRecord{}, err
	}
	payload, err := EncodeCheckpointBinary(checkpoint)
	if err != nil {
		return model.ModelRecord{}, err
	}
	record.Path = "memory://" + record.Name

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return model.ModelRecord{}, errNotInitialized
	}
	s.records[record.Name] = record
	s.checkpoints[record.Name] = payload
	return record, nil
}

func (s *MemoryStore) GetModel(_ context.Context, name string) (model.ModelRecord, engine.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[name]
	if !ok {
		return model.ModelRecord{}, engine.Checkpoint{}, false, nil
	}
	checkpoint, err := DecodeCheckpointBinary(s.checkpoints[name])
	if err != nil {
		return model.ModelRecord{}, engine.Checkpoint{}, false, err
	}
	return record, checkpoint, true, nil
}

func (s *MemoryStore) ListModels(_ context.Context) ([]model.ModelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ModelRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) DeleteModel(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; !ok {
		return false, nil
	}
	delete(s.records, name)
	delete(s.checkpoints, name)
	return true, nil
}

func (s *MemoryStore) SaveEpochHistory(_ context.Context, runID string, epochs []model.EpochSummary) error {
	payload, err := EncodeEpochHistory(epochs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	s.epochs[runID] = payload
	return nil
}

func (s *MemoryStore) GetEpochHistory(_ context.Context, runID string) ([]model.EpochSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.epochs[runID]
	if !ok {
		return nil, false, nil
	}
	epochs, err := DecodeEpochHistory(payload)
	if err != nil {
		return nil, false, err
	}
	return epochs, true, nil
}

var errNotInitialized = errors.New("store is not initialized")

// sortRecords orders newest first, then by name.
func sortRecords(records []model.ModelRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].Name < records[j].Name
	})
}
