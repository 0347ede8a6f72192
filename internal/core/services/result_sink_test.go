package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/rs/zerolog"
	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

func TestParseResultColumns(t *testing.T) {
	columns, err := ParseResultColumns("accuracy, elapsed_time,comm_time , round_time, accuracy")
	require.NoError(t, err)
	assert.Equal(t, []string{"round", "accuracy", "elapsed_time", "comm_time", "round_time"}, columns)

	columns, err = ParseResultColumns("")
	require.NoError(t, err)
	assert.Equal(t, []string{"round"}, columns)

	_, err = ParseResultColumns("accuracy, loss")
	assert.Error(t, err)
}

func TestCSVResultSinkWritesRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "run.csv")
	columns, err := ParseResultColumns("accuracy, round_time, escape")
	require.NoError(t, err)

	sink, err := NewCSVResultSink(path, columns)
	require.NoError(t, err)

	require.NoError(t, sink.Record(context.Background(), models.RoundResult{
		Round:     1,
		Accuracy:  0.5,
		RoundTime: 1500 * time.Millisecond,
	}))
	require.NoError(t, sink.Record(context.Background(), models.RoundResult{
		Round:    2,
		Accuracy: 0.75,
		Escape:   true,
	}))
	require.NoError(t, sink.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"round", "accuracy", "round_time", "escape"},
		{"1", "0.500000", "1.500000", "false"},
		{"2", "0.750000", "0.000000", "true"},
	}, rows)
}

type failingSink struct{ err error }

func (s failingSink) Record(context.Context, models.RoundResult) error { return s.err }
func (s failingSink) Close() error { return s.err }

type memoryRoundRepository struct {
	records []*models.RoundRecord
	err     error
}

func (r *memoryRoundRepository) Create(_ context.Context, record *models.RoundRecord) error {
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, record)
	return nil
}

func (r *memoryRoundRepository) GetByRun(_ context.Context, runID uuid.UUID) ([]*models.RoundRecord, error) {
	var out []*models.RoundRecord
	for _, rec := range r.records {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memoryRoundRepository) GetLatest(ctx context.Context, runID uuid.UUID) (*models.RoundRecord, error) {
	records, _ := r.GetByRun(ctx, runID)
	if len(records) == 0 {
		return nil, errors.New("not found")
	}
	return records[len(records)-1], nil
}

func (r *memoryRoundRepository) DeleteByRun(context.Context, uuid.UUID) error {
	r.records = nil
	return nil
}

func TestMultiSinkFansOutAndJoinsErrors(t *testing.T) {
	repo := &memoryRoundRepository{}
	recorder := &recordingSink{}
	boom := errors.New("boom")

	sink := MultiSink{recorder, NewRepositoryResultSink(repo), failingSink{err: boom}}

	runID := uuid.New()
	err := sink.Record(context.Background(), models.RoundResult{
		RunID:       runID,
		Round:       3,
		Accuracy:    0.9,
		ElapsedTime: 2 * time.Second,
	})
	assert.ErrorIs(t, err, boom)

	require.Len(t, recorder.Results(), 1)
	require.Len(t, repo.records, 1)
	assert.Equal(t, runID, repo.records[0].RunID)
	assert.Equal(t, 3, repo.records[0].Round)
	assert.InDelta(t, 2.0, repo.records[0].ElapsedSeconds, 1e-12)

	assert.ErrorIs(t, sink.Close(), boom)
	assert.True(t, recorder.closed)
}

func TestRepositoryResultSinkLogsStoreFailure(t *testing.T) {
	defer logger.InitWithMode(logger.LogModeTest)

	var buf bytes.Buffer
	logger.Init(logger.Config{Level: zerolog.DebugLevel, TimeFormat: time.RFC3339, Output: &buf})

	boom := errors.New("connection refused")
	sink := NewRepositoryResultSink(&memoryRoundRepository{err: boom})

	runID := uuid.New()
	err := sink.Record(context.Background(), models.RoundResult{RunID: runID, Round: 4})
	require.ErrorIs(t, err, boom)

	var entry map[string]any
	require.NoError(t, json.NewDecoder(&buf).Decode(&entry))
	assert.Equal(t, "result_sink", entry["component"])
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "Failed to store round record", entry["message"])
	assert.Equal(t, runID.String(), entry["run_id"])
	assert.Equal(t, float64(4), entry["round"])
	assert.Equal(t, "connection refused", entry["error"])
}
