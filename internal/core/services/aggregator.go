package services

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

type WeightingScheme string

const (
	WeightingUniform WeightingScheme = "uniform"
	WeightingSamples WeightingScheme = "samples"
)

// Aggregator combines screened updates into the next global model with
// federated averaging.
type Aggregator struct {
	weighting WeightingScheme
	serverLR  float64
	now       func() time.Time
}

func NewAggregator(weighting WeightingScheme, serverLR float64) *Aggregator {
	if serverLR <= 0 {
		serverLR = 1.0
	}
	return &Aggregator{
		weighting: weighting,
		serverLR:  serverLR,
		now:       time.Now,
	}
}

func (a *Aggregator) Aggregate(updates []*models.Update, previous models.GlobalModel) (*models.GlobalModel, error) {
	log := logger.WithComponent("aggregator")

	if len(updates) == 0 {
		log.Warn().Int("round", previous.Round).Msg("Aggregation called with an empty window")
		return nil, fmt.Errorf("no updates to aggregate: %w", models.ErrAggregationFailure)
	}

	// Summation order is fixed so that any permutation of the same set
	// produces bit-identical weights.
	ordered := make([]*models.Update, len(updates))
	copy(ordered, updates)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].ClientID != ordered[j].ClientID {
			return ordered[i].ClientID < ordered[j].ClientID
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	dimension := len(previous.Weights)
	averaged := make([]float64, dimension)
	totalWeight := 0.0

	for _, update := range ordered {
		if len(update.Payload) != dimension {
			log.Error().
				Int("round", previous.Round).
				Int("client_id", update.ClientID).
				Int("payload_len", len(update.Payload)).
				Int("dimension", dimension).
				Msg("Update payload does not match model dimension")
			return nil, fmt.Errorf("client %d sent %d weights, model has %d: %w",
				update.ClientID, len(update.Payload), dimension, models.ErrAggregationFailure)
		}

		weight := a.weightOf(update)
		totalWeight += weight
		for i, v := range update.Payload {
			averaged[i] += v * weight
		}
	}

	if totalWeight <= 0 {
		log.Error().Int("round", previous.Round).Float64("total_weight", totalWeight).Msg("Window carries no aggregation weight")
		return nil, fmt.Errorf("total weight is %v: %w", totalWeight, models.ErrAggregationFailure)
	}

	next := make([]float64, dimension)
	for i := range averaged {
		avg := averaged[i] / totalWeight
		next[i] = previous.Weights[i] + a.serverLR*(avg-previous.Weights[i])
		if math.IsNaN(next[i]) || math.IsInf(next[i], 0) {
			log.Error().Int("round", previous.Round).Int("index", i).Msg("Aggregate produced a non-finite weight")
			return nil, fmt.Errorf("non-finite weight at index %d: %w", i, models.ErrAggregationFailure)
		}
	}

	return &models.GlobalModel{
		Round:       previous.Round + 1,
		Weights:     next,
		LastUpdated: a.now(),
	}, nil
}

func (a *Aggregator) weightOf(update *models.Update) float64 {
	if a.weighting == WeightingSamples {
		return float64(update.NumSamples)
	}
	return 1.0
}

// AccuracyMeanStd is the sample-weighted mean and standard deviation of the
// accuracies clients reported with their updates.
func AccuracyMeanStd(updates []*models.Update) (float64, float64) {
	total := 0
	for _, u := range updates {
		total += u.NumSamples
	}
	if total == 0 {
		return 0, 0
	}

	mean := 0.0
	for _, u := range updates {
		mean += u.Accuracy * float64(u.NumSamples) / float64(total)
	}

	variance := 0.0
	for _, u := range updates {
		d := u.Accuracy - mean
		variance += d * d * float64(u.NumSamples) / float64(total)
	}

	return mean, math.Sqrt(variance)
}
