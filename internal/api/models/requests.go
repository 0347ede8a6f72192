package models

import (
	"time"

	coremodels "github.com/theblitlabs/parity-fl/internal/core/models"
)

type SubmitUpdateRequest struct {
	ClientID       int       `json:"client_id" binding:"required,min=1"`
	OriginRound    *int      `json:"origin_round" binding:"required"`
	Payload        []float64 `json:"payload" binding:"required"`
	NumSamples     int       `json:"num_samples"`
	Accuracy       float64   `json:"accuracy"`
	TrainingTimeMs int64     `json:"training_time_ms"`
	CommTimeMs     int64     `json:"comm_time_ms"`
}

func (r *SubmitUpdateRequest) ToUpdate() *coremodels.Update {
	update := coremodels.NewUpdate(r.ClientID, *r.OriginRound, r.Payload)
	if r.NumSamples > 0 {
		update.NumSamples = r.NumSamples
	}
	update.Accuracy = r.Accuracy
	update.TrainingTime = time.Duration(r.TrainingTimeMs) * time.Millisecond
	update.CommTime = time.Duration(r.CommTimeMs) * time.Millisecond
	return update
}

type SubmitUpdateResponse struct {
	UpdateID    string `json:"update_id"`
	ClientID    int    `json:"client_id"`
	OriginRound int    `json:"origin_round"`
	Status      string `json:"status"`
}

type ModelResponse struct {
	Round       int       `json:"round"`
	Weights     []float64 `json:"weights"`
	LastUpdated string    `json:"last_updated"`
}

type StatusResponse struct {
	State               string `json:"state"`
	Round               int    `json:"round"`
	WindowAdmitted      int    `json:"window_admitted"`
	WindowThreshold     int    `json:"window_threshold"`
	WindowOpenedAt      string `json:"window_opened_at,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Stalled             bool   `json:"stalled"`
}
