package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theblitlabs/parity-fl/internal/core/models"
)

func TestSimulationServiceDrivesCoordinatorToCompletion(t *testing.T) {
	sim, err := NewClientSimulator(SimulatorConfig{
		TotalClients:    20,
		Distribution:    DistributionPareto,
		Shape:           2,
		SpeedSimulation: true,
		SleepSimulation: true,
		AvgTrainingTime: 5 * time.Millisecond,
		Seed:            11,
		Dimension:       4,
		LearningRate:    0.5,
	})
	require.NoError(t, err)

	c := NewRoundCoordinator(CoordinatorConfig{
		Quorum:         4,
		StalenessBound: 2,
		TotalClients:   20,
		WindowDeadline: time.Second,
		MaxRounds:      3,
	}, models.NewGlobalModel(4), nil, NewAggregator(WeightingUniform, 1.0))
	sink := &recordingSink{}
	c.SetResultSink(sink)
	c.SetEvaluator(sim)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	service := NewSimulationService(c, sim, 8, 3, 11)
	require.NoError(t, service.Run(ctx))

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("coordinator did not finish")
	}

	assert.Equal(t, 3, c.Latest().Round)
	assert.Len(t, sink.Results(), 3)
	assert.True(t, c.Stopped())
}

func TestSimulationServiceStopsOnCancel(t *testing.T) {
	sim, err := NewClientSimulator(SimulatorConfig{
		TotalClients:    5,
		Distribution:    DistributionNormal,
		Shape:           0.1,
		SleepSimulation: true,
		AvgTrainingTime: time.Hour,
		Seed:            1,
		Dimension:       2,
		LearningRate:    0.5,
	})
	require.NoError(t, err)

	c := NewRoundCoordinator(CoordinatorConfig{
		Quorum:         5,
		StalenessBound: 1,
		TotalClients:   5,
		WindowDeadline: time.Hour,
	}, models.NewGlobalModel(2), nil, NewAggregator(WeightingUniform, 1.0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()

	serviceDone := make(chan error, 1)
	go func() { serviceDone <- NewSimulationService(c, sim, 5, 5, 1).Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-serviceDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("simulation did not stop after cancel")
	}
	assert.Equal(t, 0, c.Latest().Round)
}

func TestIdlePoolNeverHandsOutBusyClients(t *testing.T) {
	clients := []models.ClientRecord{{ID: 1}, {ID: 2}, {ID: 3}}
	pool := newIdlePool(clients, newSeededRand(5))

	taken := map[int]bool{}
	for i := 0; i < 3; i++ {
		id, ok := pool.take()
		require.True(t, ok)
		assert.False(t, taken[id])
		taken[id] = true
	}
	_, ok := pool.take()
	assert.False(t, ok)

	pool.put(2)
	id, ok := pool.take()
	require.True(t, ok)
	assert.Equal(t, 2, id)
}
