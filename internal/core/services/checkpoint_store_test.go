package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theblitlabs/parity-fl/internal/core/models"
)

func testCheckpoint() *models.Checkpoint {
	return &models.Checkpoint{
		RunID: uuid.New(),
		Model: models.GlobalModel{
			Round:       7,
			Weights:     []float64{0.1, -2.5, 1e-300, 3.14159},
			LastUpdated: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
		SavedAt: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC),
	}
}

func TestFileCheckpointStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "model.json")
	store := NewFileCheckpointStore(path)

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, models.ErrCheckpointNotFound)

	checkpoint := testCheckpoint()
	require.NoError(t, store.Save(context.Background(), checkpoint))
	assert.NotEmpty(t, checkpoint.Digest)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RunID, loaded.RunID)
	assert.Equal(t, checkpoint.Model.Round, loaded.Model.Round)
	assert.Equal(t, checkpoint.Model.Weights, loaded.Model.Weights)
	assert.True(t, checkpoint.SavedAt.Equal(loaded.SavedAt))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileCheckpointStoreDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	store := NewFileCheckpointStore(path)
	require.NoError(t, store.Save(context.Background(), testCheckpoint()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw models.Checkpoint
	require.NoError(t, json.Unmarshal(data, &raw))
	raw.Model.Weights[0] = 99
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = store.Load(context.Background())
	assert.ErrorContains(t, err, "digest mismatch")
}

type fakeS3 struct {
	mutex   sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	data, ok := f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3CheckpointStoreRoundTrip(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}}
	store := NewS3CheckpointStoreWithClient(client, "fl-bucket", "")

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, models.ErrCheckpointNotFound)

	checkpoint := testCheckpoint()
	require.NoError(t, store.Save(context.Background(), checkpoint))
	assert.Contains(t, client.objects, "fl-bucket/checkpoints/global_model.json")

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Model.Weights, loaded.Model.Weights)
	assert.Equal(t, checkpoint.Digest, loaded.Digest)
}
