package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theblitlabs/parity-fl/internal/core/models"
)

func TestStalenessGateAdmitsExactlyWithinBound(t *testing.T) {
	for bound := 0; bound <= 4; bound++ {
		gate := NewStalenessGate(bound, 0)
		for current := 0; current <= 6; current++ {
			for origin := -1; origin <= current+2; origin++ {
				err := gate.Admit(testUpdate(1, origin, 1.0), current)

				switch {
				case origin < 0 || origin > current:
					assert.ErrorIs(t, err, models.ErrInvalidRound, "bound=%d current=%d origin=%d", bound, current, origin)
				case current-origin > bound:
					assert.ErrorIs(t, err, models.ErrStaleUpdate, "bound=%d current=%d origin=%d", bound, current, origin)
				default:
					assert.NoError(t, err, "bound=%d current=%d origin=%d", bound, current, origin)
				}
			}
		}
	}
}

func TestStalenessGateRejectsEmptyPayload(t *testing.T) {
	gate := NewStalenessGate(3, 0)

	err := gate.Admit(models.NewUpdate(1, 0, nil), 0)
	require.ErrorIs(t, err, models.ErrInvalidRound)

	err = gate.Admit(nil, 0)
	require.ErrorIs(t, err, models.ErrInvalidRound)
}

func TestStalenessGateSynchronousBound(t *testing.T) {
	gate := NewStalenessGate(0, 0)

	assert.NoError(t, gate.Admit(testUpdate(1, 5, 1.0), 5))
	assert.ErrorIs(t, gate.Admit(testUpdate(1, 4, 1.0), 5), models.ErrStaleUpdate)
}

func TestStalenessGateRejectsWrongDimension(t *testing.T) {
	gate := NewStalenessGate(2, 3)

	assert.NoError(t, gate.Admit(testUpdate(1, 0, 1, 2, 3), 0))
	assert.ErrorIs(t, gate.Admit(testUpdate(1, 0, 1, 2), 0), models.ErrInvalidRound)
	assert.ErrorIs(t, gate.Admit(testUpdate(1, 0, 1, 2, 3, 4), 0), models.ErrInvalidRound)
}
