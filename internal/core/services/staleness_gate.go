package services

import (
	"fmt"

	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

// StalenessGate admits an update only while it is at most Bound rounds
// behind the coordinator and its payload matches the model Dimension. A
// zero Dimension accepts any non-empty payload.
type StalenessGate struct {
	Bound     int
	Dimension int
}

func NewStalenessGate(bound, dimension int) *StalenessGate {
	return &StalenessGate{Bound: bound, Dimension: dimension}
}

func (g *StalenessGate) Admit(update *models.Update, currentRound int) error {
	if err := g.check(update, currentRound); err != nil {
		log := logger.WithComponent("staleness_gate")
		event := log.Debug().Err(err).Int("round", currentRound)
		if update != nil {
			event = event.Int("client_id", update.ClientID).Int("origin_round", update.OriginRound)
		}
		event.Msg("Update refused at admission")
		return err
	}
	return nil
}

func (g *StalenessGate) check(update *models.Update, currentRound int) error {
	if update == nil || len(update.Payload) == 0 {
		return fmt.Errorf("empty update: %w", models.ErrInvalidRound)
	}
	if g.Dimension > 0 && len(update.Payload) != g.Dimension {
		return fmt.Errorf("payload has %d weights, model has %d: %w", len(update.Payload), g.Dimension, models.ErrInvalidRound)
	}
	if update.OriginRound < 0 {
		return fmt.Errorf("negative origin round %d: %w", update.OriginRound, models.ErrInvalidRound)
	}
	if update.OriginRound > currentRound {
		return fmt.Errorf("origin round %d is ahead of round %d: %w", update.OriginRound, currentRound, models.ErrInvalidRound)
	}
	if staleness := currentRound - update.OriginRound; staleness > g.Bound {
		return fmt.Errorf("update is %d rounds old, bound is %d: %w", staleness, g.Bound, models.ErrStaleUpdate)
	}
	return nil
}
