package services

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/theblitlabs/parity-fl/internal/core/models"
)

func testUpdate(clientID, originRound int, payload ...float64) *models.Update {
	return models.NewUpdate(clientID, originRound, payload)
}

func filled(dimension int, value float64) []float64 {
	out := make([]float64, dimension)
	for i := range out {
		out[i] = value
	}
	return out
}

type recordingSink struct {
	mutex   sync.Mutex
	results []models.RoundResult
	closed  bool
}

func (s *recordingSink) Record(_ context.Context, result models.RoundResult) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *recordingSink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Results() []models.RoundResult {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]models.RoundResult, len(s.results))
	copy(out, s.results)
	return out
}

// fakeClock is advanced by hand in engine tests.
type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

func newSeededRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
