package models

import (
	"time"

	"github.com/google/uuid"
)

// RoundRecord is the persisted form of a RoundResult.
type RoundRecord struct {
	ID               uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	RunID            uuid.UUID `json:"run_id" gorm:"type:uuid;not null;index"`
	Round            int       `json:"round" gorm:"not null"`
	Accuracy         float64   `json:"accuracy"`
	AccuracyStd      float64   `json:"accuracy_std"`
	ElapsedSeconds   float64   `json:"elapsed_seconds"`
	ProcessingMillis float64   `json:"processing_millis"`
	CommSeconds      float64   `json:"comm_seconds"`
	RoundSeconds     float64   `json:"round_seconds"`
	Admitted         int       `json:"admitted"`
	Rejected         int       `json:"rejected"`
	Stale            int       `json:"stale"`
	Escape           bool      `json:"escape"`
	CreatedAt        time.Time `json:"created_at" gorm:"type:timestamp"`
}

func NewRoundRecord(result RoundResult) *RoundRecord {
	return &RoundRecord{
		ID:               uuid.New(),
		RunID:            result.RunID,
		Round:            result.Round,
		Accuracy:         result.Accuracy,
		AccuracyStd:      result.AccuracyStd,
		ElapsedSeconds:   result.ElapsedTime.Seconds(),
		ProcessingMillis: float64(result.ProcessingTime) / float64(time.Millisecond),
		CommSeconds:      result.CommTime.Seconds(),
		RoundSeconds:     result.RoundTime.Seconds(),
		Admitted:         result.Admitted,
		Rejected:         result.Rejected,
		Stale:            result.Stale,
		Escape:           result.Escape,
		CreatedAt:        time.Now(),
	}
}

// Checkpoint is the durable form of the global model.
type Checkpoint struct {
	RunID   uuid.UUID   `json:"run_id"`
	Model   GlobalModel `json:"model"`
	Digest  string      `json:"digest"`
	SavedAt time.Time   `json:"saved_at"`
}
