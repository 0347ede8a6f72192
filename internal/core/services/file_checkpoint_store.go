package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/internal/utils"
)

// FileCheckpointStore keeps the latest checkpoint as a JSON file. Writes go
// to a temporary file first and are renamed into place.
type FileCheckpointStore struct {
	path string
}

func NewFileCheckpointStore(path string) *FileCheckpointStore {
	return &FileCheckpointStore{path: path}
}

func (s *FileCheckpointStore) Save(_ context.Context, checkpoint *models.Checkpoint) error {
	sealCheckpoint(checkpoint)
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

func (s *FileCheckpointStore) Load(_ context.Context) (*models.Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, models.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var checkpoint models.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if err := verifyCheckpoint(&checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

// sealCheckpoint stamps the weight digest before a checkpoint is written.
func sealCheckpoint(checkpoint *models.Checkpoint) {
	checkpoint.Digest = utils.ComputeWeightsHash(checkpoint.Model.Weights)
}

func verifyCheckpoint(checkpoint *models.Checkpoint) error {
	if !utils.VerifyWeightsHash(checkpoint.Model.Weights, checkpoint.Digest) {
		return fmt.Errorf("checkpoint for round %d is corrupt: weight digest mismatch", checkpoint.Model.Round)
	}
	return nil
}
