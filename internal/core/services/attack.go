package services

import (
	"fmt"
	"math"

	"github.com/theblitlabs/parity-fl/internal/core/ports"
)

type AttackType string

const (
	AttackNone     AttackType = "none"
	AttackScale    AttackType = "scale"
	AttackBias     AttackType = "bias"
	AttackSignFlip AttackType = "signflip"
)

func NewAttack(kind AttackType, strength float64) (ports.Attack, error) {
	switch kind {
	case AttackNone, "":
		return noAttack{}, nil
	case AttackScale:
		return scaleAttack{strength: strength}, nil
	case AttackBias:
		return biasAttack{strength: strength}, nil
	case AttackSignFlip:
		return signFlipAttack{strength: strength}, nil
	default:
		return nil, fmt.Errorf("unknown attack type %q", kind)
	}
}

type noAttack struct{}

func (noAttack) Name() string { return string(AttackNone) }

func (noAttack) Perturb(_, honest []float64) []float64 {
	out := make([]float64, len(honest))
	copy(out, honest)
	return out
}

// scaleAttack amplifies the honest delta: prev + (1+strength)·Δ.
type scaleAttack struct {
	strength float64
}

func (scaleAttack) Name() string { return string(AttackScale) }

func (a scaleAttack) Perturb(previous, honest []float64) []float64 {
	out := make([]float64, len(honest))
	for i := range honest {
		delta := honest[i] - at(previous, i)
		out[i] = at(previous, i) + (1+a.strength)*delta
	}
	return out
}

// biasAttack shifts every coordinate by strength times the mean absolute
// honest delta, keeping the perturbation proportional to a normal step.
type biasAttack struct {
	strength float64
}

func (biasAttack) Name() string { return string(AttackBias) }

func (a biasAttack) Perturb(previous, honest []float64) []float64 {
	meanAbs := 0.0
	for i := range honest {
		meanAbs += math.Abs(honest[i] - at(previous, i))
	}
	if len(honest) > 0 {
		meanAbs /= float64(len(honest))
	}

	out := make([]float64, len(honest))
	for i := range honest {
		out[i] = honest[i] + a.strength*meanAbs
	}
	return out
}

// signFlipAttack reverses the honest delta: prev − strength·Δ.
type signFlipAttack struct {
	strength float64
}

func (signFlipAttack) Name() string { return string(AttackSignFlip) }

func (a signFlipAttack) Perturb(previous, honest []float64) []float64 {
	out := make([]float64, len(honest))
	for i := range honest {
		delta := honest[i] - at(previous, i)
		out[i] = at(previous, i) - a.strength*delta
	}
	return out
}

func at(v []float64, i int) float64 {
	if i < len(v) {
		return v[i]
	}
	return 0
}
