package ports

import (
	"context"

	"github.com/google/uuid"
	"github.com/theblitlabs/parity-fl/internal/core/models"
)

// Detector screens a buffered window of candidate updates against the
// previous global model.
type Detector interface {
	Name() string
	Screen(previous models.GlobalModel, candidates []*models.Update) (accepted, rejected []*models.Update)
}

// Attack turns an honest payload into an adversarial one.
type Attack interface {
	Name() string
	Perturb(previous, honest []float64) []float64
}

// Evaluator estimates the accuracy of a set of global weights.
type Evaluator interface {
	Evaluate(weights []float64) float64
}

type ResultSink interface {
	Record(ctx context.Context, result models.RoundResult) error
	Close() error
}

type CheckpointStore interface {
	Save(ctx context.Context, checkpoint *models.Checkpoint) error
	Load(ctx context.Context) (*models.Checkpoint, error)
}

type RoundRecordRepository interface {
	Create(ctx context.Context, record *models.RoundRecord) error
	GetByRun(ctx context.Context, runID uuid.UUID) ([]*models.RoundRecord, error)
	GetLatest(ctx context.Context, runID uuid.UUID) (*models.RoundRecord, error)
	DeleteByRun(ctx context.Context, runID uuid.UUID) error
}

// UpdateSubmitter is the coordinator surface used by clients and the API.
type UpdateSubmitter interface {
	Submit(ctx context.Context, update *models.Update) error
	Latest() models.GlobalModel
	Status() models.CoordinatorStatus
}
