//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"nnvisual/internal/engine"
	"nnvisual/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveModel(ctx context.Context, record model.ModelRecord, checkpoint engine.Checkpoint) (model.ModelRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return model.ModelRecord{}, err
	}

	record, checkpoint, err = stamp(record, checkpoint)
	if err != nil {
		return model.ModelRecord{}, err
	}
	record.Path = fmt.Sprintf("sqlite://%s#%s", s.path, record.Name)

	meta, err := EncodeModelRecord(record)
	if err != nil {
		return model.ModelRecord{}, err
	}
	weights, err := EncodeCheckpointBinary(checkpoint)
	if err != nil {
		return model.ModelRecord{}, err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO models (name, schema_version, codec_version, architecture, created_at, record, checkpoint)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			architecture = excluded.architecture,
			created_at = excluded.created_at,
			record = excluded.record,
			checkpoint = excluded.checkpoint
	`, record.Name, record.SchemaVersion, record.CodecVersion, string(record.Architecture), record.CreatedAt.UnixNano(), meta, weights)
	if err != nil {
		return model.ModelRecord{}, err
	}
	return record, nil
}

func (s *SQLiteStore) GetModel(ctx context.Context, name string) (model.ModelRecord, engine.Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.ModelRecord{}, engine.Checkpoint{}, false, err
	}

	var meta, weights []byte
	err = db.QueryRowContext(ctx, `SELECT record, checkpoint FROM models WHERE name = ?`, name).Scan(&meta, &weights)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ModelRecord{}, engine.Checkpoint{}, false, nil
		}
		return model.ModelRecord{}, engine.Checkpoint{}, false, err
	}

	record, err := DecodeModelRecord(meta)
	if err != nil {
		return model.ModelRecord{}, engine.Checkpoint{}, false, fmt.Errorf("decode model %s: %w", name, err)
	}
	checkpoint, err := DecodeCheckpointBinary(weights)
	if err != nil {
		return model.ModelRecord{}, engine.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	return record, checkpoint, true, nil
}

func (s *SQLiteStore) ListModels(ctx context.Context) ([]model.ModelRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT name, record FROM models ORDER BY created_at DESC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ModelRecord{}
	for rows.Next() {
		var (
			name string
			meta []byte
		)
		if err := rows.Scan(&name, &meta); err != nil {
			return nil, err
		}
		record, err := DecodeModelRecord(meta)
		if err != nil {
			return nil, fmt.Errorf("decode model %s: %w", name, err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, name string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}

	res, err := db.ExecContext(ctx, `DELETE FROM models WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) SaveEpochHistory(ctx context.Context, runID string, epochs []model.EpochSummary) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeEpochHistory(epochs)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO epoch_history (run_id, payload)
		VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			payload = excluded.payload
	`, runID, payload)
	return err
}

func (s *SQLiteStore) GetEpochHistory(ctx context.Context, runID string) ([]model.EpochSummary, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM epoch_history WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	epochs, err := DecodeEpochHistory(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode epoch history %s: %w", runID, err)
	}
	return epochs, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS models (
			name TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			architecture TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			record BLOB NOT NULL,
			checkpoint BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS epoch_history (
			run_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
	`)
	return err
}
