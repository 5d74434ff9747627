package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/adaptex/internal/model"
)

const (
	checkpointKey   = "checkpoint"
	importKeyPrefix = "import_hash:"
)

// SetMetadata upserts a key-value pair in the exam_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO exam_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM exam_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// GetImportedFileHash returns the content hash recorded for a questions
// file, or an empty string if it was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	return s.GetMetadata(importKeyPrefix + path)
}

// SetImportedFileHash records the content hash of an imported questions file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	return s.SetMetadata(importKeyPrefix+path, hash)
}

// SaveCheckpoint stores cp, replacing the previous checkpoint.
func (s *Store) SaveCheckpoint(cp model.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return s.SetMetadata(checkpointKey, string(data))
}

// LoadCheckpoint returns the stored checkpoint.
// Returns nil and nil error if none was saved.
func (s *Store) LoadCheckpoint() (*model.Checkpoint, error) {
	data, err := s.GetMetadata(checkpointKey)
	if err != nil || data == "" {
		return nil, err
	}
	var cp model.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if cp.Version != model.CheckpointVersion {
		return nil, fmt.Errorf("checkpoint version %d, want %d", cp.Version, model.CheckpointVersion)
	}
	return &cp, nil
}
