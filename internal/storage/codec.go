package storage

import (
	"encoding/json"
	"errors"

	"nnvisual/internal/engine"
	"nnvisual/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeModelRecord(r model.ModelRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeModelRecord(data []byte) (model.ModelRecord, error) {
	var record model.ModelRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.ModelRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.ModelRecord{}, err
	}
	return record, nil
}

// EncodeCheckpoint is the JSON form used by exports; stores use the binary form.
func EncodeCheckpoint(cp engine.Checkpoint) ([]byte, error) {
	return json.Marshal(cp)
}

func DecodeCheckpoint(data []byte) (engine.Checkpoint, error) {
	var cp engine.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return engine.Checkpoint{}, err
	}
	if err := checkVersion(cp.VersionedRecord); err != nil {
		return engine.Checkpoint{}, err
	}
	return cp, nil
}

func EncodeEpochHistory(epochs []model.EpochSummary) ([]byte, error) {
	return json.Marshal(epochs)
}

func DecodeEpochHistory(data []byte) ([]model.EpochSummary, error) {
	var epochs []model.EpochSummary
	if err := json.Unmarshal(data, &epochs); err != nil {
		return nil, err
	}
	return epochs, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
