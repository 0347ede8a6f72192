package services

import (
	"sort"
	"sync"

	"github.com/theblitlabs/parity-fl/internal/core/models"
)

// UpdateStore buffers admitted updates per window round until the window
// is drained.
type UpdateStore struct {
	mutex   sync.Mutex
	pending map[int][]*models.Update
}

func NewUpdateStore() *UpdateStore {
	return &UpdateStore{
		pending: make(map[int][]*models.Update),
	}
}

func (s *UpdateStore) Add(round int, update *models.Update) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pending[round] = append(s.pending[round], update)
}

func (s *UpdateStore) Size(round int) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.pending[round])
}

// Drain removes and returns every update buffered for round, ordered by
// client id then submit time.
func (s *UpdateStore) Drain(round int) []*models.Update {
	s.mutex.Lock()
	updates := s.pending[round]
	delete(s.pending, round)
	s.mutex.Unlock()

	sort.SliceStable(updates, func(i, j int) bool {
		if updates[i].ClientID != updates[j].ClientID {
			return updates[i].ClientID < updates[j].ClientID
		}
		return updates[i].SubmitTime.Before(updates[j].SubmitTime)
	})
	return updates
}

// Discard drops a partial window and reports how many updates were lost.
func (s *UpdateStore) Discard(round int) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n := len(s.pending[round])
	delete(s.pending, round)
	return n
}

func (s *UpdateStore) Rounds() []int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rounds := make([]int, 0, len(s.pending))
	for r := range s.pending {
		rounds = append(rounds, r)
	}
	sort.Ints(rounds)
	return rounds
}
