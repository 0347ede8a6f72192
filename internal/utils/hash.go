package utils

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// ComputeWeightsHash digests the exact bit pattern of a weight vector, so two
// models hash equal only if they are bit-identical.
func ComputeWeightsHash(weights []float64) string {
	h := sha256.New()
	var buf [8]byte
	for _, w := range weights {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(w))
		h.Write(buf[:])
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func VerifyWeightsHash(weights []float64, expected string) bool {
	if expected == "" {
		return true
	}
	return ComputeWeightsHash(weights) == expected
}
