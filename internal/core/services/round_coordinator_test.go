package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theblitlabs/parity-fl/internal/core/models"
)

func newTestCoordinator(t *testing.T, cfg CoordinatorConfig, detector DetectorType) (*RoundCoordinator, *recordingSink, *fakeClock) {
	t.Helper()

	if cfg.TotalClients == 0 {
		cfg.TotalClients = 100
	}
	if cfg.WindowDeadline == 0 {
		cfg.WindowDeadline = time.Minute
	}

	d, err := NewDetector(detector, FilterParams{Tolerance: 3, Margin: 0.5})
	require.NoError(t, err)

	c := NewRoundCoordinator(cfg, models.NewGlobalModel(2), d, NewAggregator(WeightingUniform, 1.0))
	sink := &recordingSink{}
	c.SetResultSink(sink)

	clock := newFakeClock()
	c.SetClock(clock.Now)
	return c, sink, clock
}

func TestCoordinatorAggregatesOnQuorum(t *testing.T) {
	c, sink, _ := newTestCoordinator(t, CoordinatorConfig{Quorum: 3, StalenessBound: 1}, DetectorNone)
	c.Start()

	require.NoError(t, c.Offer(testUpdate(1, 0, 1, 1)))
	require.NoError(t, c.Offer(testUpdate(2, 0, 2, 2)))
	assert.False(t, c.QuorumReached())
	require.NoError(t, c.Offer(testUpdate(3, 0, 3, 3)))
	require.True(t, c.QuorumReached())

	result, err := c.CloseWindow(false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Round)
	assert.Equal(t, 3, result.Admitted)
	assert.False(t, result.Escape)

	latest := c.Latest()
	assert.Equal(t, 1, latest.Round)
	assert.InDeltaSlice(t, []float64{2, 2}, latest.Weights, 1e-12)

	status := c.Status()
	assert.Equal(t, models.CoordinatorStateWindowOpen, status.State)
	assert.Equal(t, 1, status.Round)
	assert.Equal(t, 0, status.WindowAdmitted)

	require.Len(t, sink.Results(), 1)
}

func TestCoordinatorRejectsDuplicatesAndProtocolViolations(t *testing.T) {
	c, _, _ := newTestCoordinator(t, CoordinatorConfig{Quorum: 5, StalenessBound: 0, TotalClients: 10}, DetectorNone)
	c.Start()

	require.NoError(t, c.Offer(testUpdate(1, 0, 1, 1)))
	assert.ErrorIs(t, c.Offer(testUpdate(1, 0, 1, 1)), models.ErrDuplicateUpdate)
	assert.ErrorIs(t, c.Offer(testUpdate(2, 1, 1, 1)), models.ErrInvalidRound)
	assert.ErrorIs(t, c.Offer(testUpdate(0, 0, 1, 1)), models.ErrInvalidRound)
	assert.ErrorIs(t, c.Offer(testUpdate(11, 0, 1, 1)), models.ErrInvalidRound)
	assert.Equal(t, 1, c.Status().WindowAdmitted)
}

func TestCoordinatorRefusesWrongDimensionAtAdmission(t *testing.T) {
	c, sink, _ := newTestCoordinator(t, CoordinatorConfig{Quorum: 3, StalenessBound: 1}, DetectorNone)
	c.Start()

	require.NoError(t, c.Offer(testUpdate(1, 0, 1, 1)))
	require.NoError(t, c.Offer(testUpdate(2, 0, 1, 1)))
	assert.ErrorIs(t, c.Offer(testUpdate(3, 0, 1, 1, 1)), models.ErrInvalidRound)
	assert.ErrorIs(t, c.Offer(testUpdate(3, 0, 1)), models.ErrInvalidRound)
	assert.Equal(t, 2, c.Status().WindowAdmitted)
	assert.False(t, c.QuorumReached())

	// The malformed client can still send a well-formed update.
	require.NoError(t, c.Offer(testUpdate(3, 0, 4, 4)))
	result, err := c.CloseWindow(false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Round)
	assert.Equal(t, 3, result.Admitted)
	assert.InDeltaSlice(t, []float64{2, 2}, c.Latest().Weights, 1e-12)
	require.Len(t, sink.Results(), 1)
}

func TestCoordinatorDropsStaleUpdates(t *testing.T) {
	c, sink, _ := newTestCoordinator(t, CoordinatorConfig{Quorum: 1, StalenessBound: 1}, DetectorNone)
	c.Start()

	for round := 0; round < 3; round++ {
		require.NoError(t, c.Offer(testUpdate(1, round, 1, 1)))
		_, err := c.CloseWindow(false)
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.Latest().Round)

	assert.ErrorIs(t, c.Offer(testUpdate(2, 1, 1, 1)), models.ErrStaleUpdate)
	require.NoError(t, c.Offer(testUpdate(2, 2, 1, 1)))

	_, err := c.CloseWindow(false)
	require.NoError(t, err)

	results := sink.Results()
	require.Len(t, results, 4)
	assert.Equal(t, 1, results[3].Stale)
}

func TestCoordinatorQuorumNeverTriggersBelowThreshold(t *testing.T) {
	c, _, _ := newTestCoordinator(t, CoordinatorConfig{Quorum: 5, StalenessBound: 2}, DetectorAsyncFilter)
	c.Start()

	for id := 1; id <= 3; id++ {
		require.NoError(t, c.Offer(testUpdate(id, 0, 1, 1)))
	}
	require.NoError(t, c.Offer(testUpdate(4, 0, 100, 100)))
	require.NoError(t, c.Offer(testUpdate(5, 0, -100, 100)))

	// Screening removes the two outliers, leaving the window short.
	result, err := c.CloseWindow(false)
	require.ErrorIs(t, err, models.ErrQuorumStall)
	assert.Nil(t, result)
	assert.Equal(t, 0, c.Latest().Round)

	status := c.Status()
	assert.True(t, status.Stalled)
	assert.Equal(t, 3, status.WindowAdmitted)

	// Rejected clients may resubmit into the still open window.
	require.NoError(t, c.Offer(testUpdate(4, 0, 1, 1)))
	require.NoError(t, c.Offer(testUpdate(5, 0, 1, 1)))

	result, err = c.CloseWindow(false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Round)
	assert.Equal(t, 5, result.Admitted)
	assert.Equal(t, 2, result.Rejected)
	assert.False(t, result.Escape)
	assert.InDeltaSlice(t, []float64{1, 1}, c.Latest().Weights, 1e-12)
}

func TestCoordinatorDeadlineEscapeIsTagged(t *testing.T) {
	c, sink, clock := newTestCoordinator(t, CoordinatorConfig{Quorum: 10, StalenessBound: 1}, DetectorNone)
	c.Start()

	require.NoError(t, c.Offer(testUpdate(1, 0, 2, 4)))
	require.NoError(t, c.Offer(testUpdate(2, 0, 4, 8)))

	clock.Advance(time.Minute)
	result, err := c.CloseWindow(true)
	require.NoError(t, err)
	assert.True(t, result.Escape)
	assert.Equal(t, 2, result.Admitted)
	assert.Equal(t, 1, c.Latest().Round)
	assert.Equal(t, clock.Now(), c.WindowOpenedAt())

	require.Len(t, sink.Results(), 1)
	assert.True(t, sink.Results()[0].Escape)
}

func TestCoordinatorEmptyWindowIsAggregationFailure(t *testing.T) {
	c, sink, _ := newTestCoordinator(t, CoordinatorConfig{Quorum: 2, StalenessBound: 1, MaxAggregationFailures: 2}, DetectorNone)
	c.Start()

	_, err := c.CloseWindow(true)
	require.ErrorIs(t, err, models.ErrAggregationFailure)
	_, err = c.CloseWindow(true)
	require.ErrorIs(t, err, models.ErrAggregationFailure)

	status := c.Status()
	assert.Equal(t, 2, status.ConsecutiveFailures)
	assert.Equal(t, models.CoordinatorStateWindowOpen, status.State)
	assert.Equal(t, 0, c.Latest().Round)
	assert.Empty(t, sink.Results())

	// The round is retried and the failure counter resets on success.
	require.NoError(t, c.Offer(testUpdate(1, 0, 1, 1)))
	require.NoError(t, c.Offer(testUpdate(2, 0, 1, 1)))
	_, err = c.CloseWindow(false)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Status().ConsecutiveFailures)
}

func TestCoordinatorStopsAtMaxRoundsAndCheckpoints(t *testing.T) {
	c, sink, _ := newTestCoordinator(t, CoordinatorConfig{Quorum: 1, StalenessBound: 1, MaxRounds: 2}, DetectorNone)
	store := NewFileCheckpointStore(filepath.Join(t.TempDir(), "model.json"))
	c.SetCheckpointStore(store)
	c.Start()

	for round := 0; round < 2; round++ {
		require.NoError(t, c.Offer(testUpdate(1, round, float64(round+1), 0)))
		_, err := c.CloseWindow(false)
		require.NoError(t, err)
	}

	assert.True(t, c.Stopped())
	assert.ErrorIs(t, c.Offer(testUpdate(2, 2, 1, 1)), models.ErrCoordinatorStopped)
	assert.True(t, sink.closed)

	checkpoint, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, checkpoint.Model.Round)
	assert.Equal(t, c.RunID(), checkpoint.RunID)

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}

	_, err = c.WaitForAdvance(context.Background(), 2)
	assert.ErrorIs(t, err, models.ErrCoordinatorStopped)
}

func TestCoordinatorStopsAtTargetAccuracy(t *testing.T) {
	c, _, _ := newTestCoordinator(t, CoordinatorConfig{Quorum: 1, MaxRounds: 100, TargetAccuracy: 0.9}, DetectorNone)
	c.Start()

	u := testUpdate(1, 0, 1, 1)
	u.Accuracy = 0.95
	require.NoError(t, c.Offer(u))
	_, err := c.CloseWindow(false)
	require.NoError(t, err)

	assert.True(t, c.Stopped())
}

func TestCoordinatorStopDiscardsPartialWindow(t *testing.T) {
	c, _, _ := newTestCoordinator(t, CoordinatorConfig{Quorum: 3, StalenessBound: 1}, DetectorNone)
	store := NewFileCheckpointStore(filepath.Join(t.TempDir(), "model.json"))
	c.SetCheckpointStore(store)
	c.Start()

	require.NoError(t, c.Offer(testUpdate(1, 0, 5, 5)))
	c.Stop()
	c.Stop()

	assert.Equal(t, models.CoordinatorStateStopped, c.Status().State)
	assert.Equal(t, 0, c.Latest().Round)
	assert.InDeltaSlice(t, []float64{0, 0}, c.Latest().Weights, 0)

	checkpoint, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, checkpoint.Model.Round)
}

func TestCoordinatorRunRecoversFromStallWithinDeadline(t *testing.T) {
	deadline := 100 * time.Millisecond

	d, err := NewDetector(DetectorAsyncFilter, FilterParams{Tolerance: 3, Margin: 0.5})
	require.NoError(t, err)
	c := NewRoundCoordinator(CoordinatorConfig{
		Quorum:         5,
		StalenessBound: 1,
		TotalClients:   10,
		WindowDeadline: deadline,
	}, models.NewGlobalModel(2), d, NewAggregator(WeightingUniform, 1.0))
	sink := &recordingSink{}
	c.SetResultSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	started := time.Now()
	payloads := [][]float64{{1, 1}, {1.01, 1}, {1, 0.99}, {500, -500}, {-500, 500}}
	for i, p := range payloads {
		require.NoError(t, c.Submit(ctx, testUpdate(i+1, 0, p...)))
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	model, err := c.WaitForAdvance(waitCtx, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, model.Round)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.InDelta(t, 1.0, model.Weights[0], 0.02)

	results := sink.Results()
	require.Len(t, results, 1)
	assert.True(t, results[0].Escape)
	assert.Equal(t, 3, results[0].Admitted)
	assert.Equal(t, 2, results[0].Rejected)

	cancel()
	require.NoError(t, <-runErr)
	assert.ErrorIs(t, c.Submit(context.Background(), testUpdate(1, 1, 1, 1)), models.ErrCoordinatorStopped)
}

func TestCoordinatorRunAdvancesOnQuorum(t *testing.T) {
	c := NewRoundCoordinator(CoordinatorConfig{
		Quorum:         2,
		StalenessBound: 1,
		TotalClients:   10,
		WindowDeadline: time.Hour,
		MaxRounds:      3,
	}, models.NewGlobalModel(1), nil, NewAggregator(WeightingUniform, 1.0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { _ = c.Run(ctx) }()

	for round := 0; round < 3; round++ {
		require.NoError(t, c.Submit(ctx, testUpdate(1, round, 1)))
		require.NoError(t, c.Submit(ctx, testUpdate(2, round, 3)))

		model, err := c.WaitForAdvance(ctx, round)
		if round < 2 {
			require.NoError(t, err)
		}
		assert.Equal(t, round+1, model.Round)
	}

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("coordinator did not stop after the last round")
	}
}
