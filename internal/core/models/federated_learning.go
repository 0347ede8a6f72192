package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ClientRecord describes one simulated participant. It is created at
// registration and never changes afterwards.
type ClientRecord struct {
	ID         int     `json:"client_id"`
	IsAttacker bool    `json:"is_attacker"`
	SpeedClass float64 `json:"speed_class"`
}

// Update is a single client contribution computed against the global model of
// OriginRound.
type Update struct {
	ID           uuid.UUID     `json:"id"`
	ClientID     int           `json:"client_id"`
	OriginRound  int           `json:"origin_round"`
	Payload      []float64     `json:"payload"`
	NumSamples   int           `json:"num_samples"`
	Accuracy     float64       `json:"accuracy"`
	TrainingTime time.Duration `json:"training_time"`
	CommTime     time.Duration `json:"comm_time"`
	SubmitTime   time.Time     `json:"submit_time"`
}

func NewUpdate(clientID, originRound int, payload []float64) *Update {
	return &Update{
		ID:          uuid.New(),
		ClientID:    clientID,
		OriginRound: originRound,
		Payload:     payload,
		NumSamples:  1,
		SubmitTime:  time.Now(),
	}
}

// GlobalModel is the coordinator-owned model. Weights are opaque.
type GlobalModel struct {
	Round       int       `json:"round"`
	Weights     []float64 `json:"weights"`
	LastUpdated time.Time `json:"last_updated"`
}

func NewGlobalModel(dimension int) *GlobalModel {
	return &GlobalModel{
		Round:       0,
		Weights:     make([]float64, dimension),
		LastUpdated: time.Now(),
	}
}

// Snapshot returns a deep copy that is safe to hand to other goroutines.
func (m *GlobalModel) Snapshot() GlobalModel {
	weights := make([]float64, len(m.Weights))
	copy(weights, m.Weights)
	return GlobalModel{
		Round:       m.Round,
		Weights:     weights,
		LastUpdated: m.LastUpdated,
	}
}

// AggregationWindow tracks which clients have been admitted for TargetRound.
type AggregationWindow struct {
	TargetRound int
	Threshold   int
	OpenedAt    time.Time
	admitted    map[int]struct{}
}

func NewAggregationWindow(targetRound, threshold int, openedAt time.Time) *AggregationWindow {
	return &AggregationWindow{
		TargetRound: targetRound,
		Threshold:   threshold,
		OpenedAt:    openedAt,
		admitted:    make(map[int]struct{}),
	}
}

// Admit records clientID and reports false if it was already present.
func (w *AggregationWindow) Admit(clientID int) bool {
	if _, exists := w.admitted[clientID]; exists {
		return false
	}
	w.admitted[clientID] = struct{}{}
	return true
}

// Release forgets clientID so a later resubmission can be admitted again.
func (w *AggregationWindow) Release(clientID int) {
	delete(w.admitted, clientID)
}

func (w *AggregationWindow) Contains(clientID int) bool {
	_, ok := w.admitted[clientID]
	return ok
}

func (w *AggregationWindow) Count() int {
	return len(w.admitted)
}

func (w *AggregationWindow) QuorumReached() bool {
	return len(w.admitted) >= w.Threshold
}

// Admitted returns the admitted client ids in ascending order.
func (w *AggregationWindow) Admitted() []int {
	ids := make([]int, 0, len(w.admitted))
	for id := range w.admitted {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

type AttackerSet struct {
	ids map[int]struct{}
}

func NewAttackerSet(ids []int) AttackerSet {
	set := AttackerSet{ids: make(map[int]struct{}, len(ids))}
	for _, id := range ids {
		set.ids[id] = struct{}{}
	}
	return set
}

func (s AttackerSet) Contains(clientID int) bool {
	_, ok := s.ids[clientID]
	return ok
}

func (s AttackerSet) Len() int {
	return len(s.ids)
}

type CoordinatorState string

const (
	CoordinatorStateIdle        CoordinatorState = "idle"
	CoordinatorStateWindowOpen  CoordinatorState = "window_open"
	CoordinatorStateAggregating CoordinatorState = "aggregating"
	CoordinatorStateAdvancing   CoordinatorState = "advancing"
	CoordinatorStateStopped     CoordinatorState = "stopped"
)

// CoordinatorStatus is a read-only view of the coordinator used by the API
// and the stall monitor.
type CoordinatorStatus struct {
	State               CoordinatorState `json:"state"`
	Round               int              `json:"round"`
	WindowAdmitted      int              `json:"window_admitted"`
	WindowThreshold     int              `json:"window_threshold"`
	WindowOpenedAt      time.Time        `json:"window_opened_at"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Stalled             bool             `json:"stalled"`
}

// RoundResult is produced once per completed window.
type RoundResult struct {
	RunID          uuid.UUID     `json:"run_id"`
	Round          int           `json:"round"`
	Accuracy       float64       `json:"accuracy"`
	AccuracyStd    float64       `json:"accuracy_std"`
	ElapsedTime    time.Duration `json:"elapsed_time"`
	ProcessingTime time.Duration `json:"processing_time"`
	CommTime       time.Duration `json:"comm_time"`
	RoundTime      time.Duration `json:"round_time"`
	Admitted       int           `json:"admitted"`
	Rejected       int           `json:"rejected"`
	Stale          int           `json:"stale"`
	Escape         bool          `json:"escape"`
	CompletedAt    time.Time     `json:"completed_at"`
}
