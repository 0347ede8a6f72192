package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// SimulationService drives simulated clients against a coordinator in real
// time. It keeps PerRound clients training; whenever one reports, another
// idle client is started on the latest global model.
type SimulationService struct {
	coordinator    *RoundCoordinator
	simulator      *ClientSimulator
	perRound       int
	maxConcurrency int
	selection      *rand.Rand
}

func NewSimulationService(coordinator *RoundCoordinator, simulator *ClientSimulator, perRound, maxConcurrency int, seed int64) *SimulationService {
	if perRound <= 0 {
		perRound = 1
	}
	if maxConcurrency <= 0 {
		maxConcurrency = perRound
	}
	return &SimulationService{
		coordinator:    coordinator,
		simulator:      simulator,
		perRound:       perRound,
		maxConcurrency: maxConcurrency,
		selection:      rand.New(rand.NewSource(seed)),
	}
}

// Run blocks until the coordinator stops or ctx is cancelled. Client
// goroutines are bounded by maxConcurrency.
func (s *SimulationService) Run(ctx context.Context) error {
	log := logger.WithComponent("simulation_service")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)

	pool := newIdlePool(s.simulator.Clients(), s.selection)
	finished := make(chan int, len(pool.ids))
	inFlight := 0

	dispatch := func() {
		for inFlight < s.perRound {
			clientID, ok := pool.take()
			if !ok {
				return
			}
			inFlight++
			g.Go(func() error {
				defer func() { finished <- clientID }()
				return s.runClient(gctx, clientID)
			})
		}
	}

	log.Info().
		Int("clients", len(pool.ids)).
		Int("per_round", s.perRound).
		Int("max_concurrency", s.maxConcurrency).
		Msg("Starting client simulation")

	dispatch()

loop:
	for {
		select {
		case clientID := <-finished:
			inFlight--
			pool.put(clientID)
			dispatch()
		case <-s.coordinator.Done():
			break loop
		case <-gctx.Done():
			break loop
		}
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("client simulation failed: %w", err)
	}

	log.Info().Int("round", s.coordinator.Latest().Round).Msg("Client simulation finished")
	return nil
}

func (s *SimulationService) runClient(ctx context.Context, clientID int) error {
	log := logger.WithComponent("simulated_client")

	snapshot := s.coordinator.Latest()
	trainingTime := s.simulator.TrainingTime(clientID)

	if delay := s.simulator.sleepFor(trainingTime); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	update, err := s.simulator.Train(clientID, snapshot, trainingTime)
	if err != nil {
		return fmt.Errorf("client %d failed to train: %w", clientID, err)
	}

	err = s.coordinator.Submit(ctx, update)
	switch {
	case err == nil:
		log.Debug().Int("client_id", clientID).Int("origin_round", update.OriginRound).Msg("Update admitted")
	case errors.Is(err, models.ErrStaleUpdate), errors.Is(err, models.ErrDuplicateUpdate):
		log.Debug().Err(err).Int("client_id", clientID).Msg("Update not admitted")
	case errors.Is(err, models.ErrCoordinatorStopped), errors.Is(err, context.Canceled):
	default:
		log.Warn().Err(err).Int("client_id", clientID).Msg("Update rejected")
	}
	return nil
}

// idlePool hands out idle clients in a seeded random order.
type idlePool struct {
	ids  []int
	rng  *rand.Rand
	idle map[int]struct{}
}

func newIdlePool(clients []models.ClientRecord, rng *rand.Rand) *idlePool {
	p := &idlePool{
		ids:  make([]int, 0, len(clients)),
		rng:  rng,
		idle: make(map[int]struct{}, len(clients)),
	}
	for _, c := range clients {
		p.ids = append(p.ids, c.ID)
		p.idle[c.ID] = struct{}{}
	}
	return p
}

func (p *idlePool) take() (int, bool) {
	if len(p.idle) == 0 {
		return 0, false
	}
	candidates := make([]int, 0, len(p.idle))
	for id := range p.idle {
		candidates = append(candidates, id)
	}
	sort.Ints(candidates)
	id := candidates[p.rng.Intn(len(candidates))]
	delete(p.idle, id)
	return id, true
}

func (p *idlePool) put(clientID int) {
	p.idle[clientID] = struct{}{}
}
