package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/internal/core/ports"
	"github.com/theblitlabs/parity-fl/internal/observability"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

type CoordinatorConfig struct {
	RunID                  uuid.UUID
	Quorum                 int
	StalenessBound         int
	TotalClients           int
	WindowDeadline         time.Duration
	MaxRounds              int
	TargetAccuracy         float64
	CheckpointInterval     int
	MaxAggregationFailures int
	ServerSideEvaluation   bool
}

type submission struct {
	update *models.Update
	reply  chan error
}

// RoundCoordinator owns the global model and the aggregation window. All
// mutations happen on a single goroutine, either Run or a virtual-time
// driver calling the engine methods directly; other goroutines only see
// snapshots.
type RoundCoordinator struct {
	cfg         CoordinatorConfig
	gate        *StalenessGate
	detector    ports.Detector
	store       *UpdateStore
	aggregator  *Aggregator
	evaluator   ports.Evaluator
	sink        ports.ResultSink
	checkpoints ports.CheckpointStore
	metrics     *observability.FLCollector
	clock       func() time.Time
	log         zerolog.Logger

	// engine-owned
	window    *models.AggregationWindow
	stale     int
	rejected  int
	failures  int
	startedAt time.Time

	mutex    sync.RWMutex
	model    *models.GlobalModel
	state    models.CoordinatorState
	status   models.CoordinatorStatus
	advanced chan struct{}

	inbox    chan submission
	done     chan struct{}
	stopOnce sync.Once
}

func NewRoundCoordinator(
	cfg CoordinatorConfig,
	initial *models.GlobalModel,
	detector ports.Detector,
	aggregator *Aggregator,
) *RoundCoordinator {
	if cfg.RunID == uuid.Nil {
		cfg.RunID = uuid.New()
	}
	if cfg.MaxAggregationFailures <= 0 {
		cfg.MaxAggregationFailures = 3
	}
	if detector == nil {
		detector = passThrough{}
	}

	return &RoundCoordinator{
		cfg:        cfg,
		gate:       NewStalenessGate(cfg.StalenessBound, len(initial.Weights)),
		detector:   detector,
		store:      NewUpdateStore(),
		aggregator: aggregator,
		clock:      time.Now,
		log:        logger.WithComponent("coordinator").With().Str("run_id", cfg.RunID.String()).Logger(),
		model:      initial,
		state:      models.CoordinatorStateIdle,
		advanced:   make(chan struct{}),
		inbox:      make(chan submission),
		done:       make(chan struct{}),
	}
}

func (c *RoundCoordinator) SetEvaluator(evaluator ports.Evaluator) {
	c.evaluator = evaluator
}

func (c *RoundCoordinator) SetResultSink(sink ports.ResultSink) {
	c.sink = sink
}

func (c *RoundCoordinator) SetCheckpointStore(store ports.CheckpointStore) {
	c.checkpoints = store
}

func (c *RoundCoordinator) SetMetrics(metrics *observability.FLCollector) {
	c.metrics = metrics
}

func (c *RoundCoordinator) SetClock(clock func() time.Time) {
	c.clock = clock
	c.aggregator.now = clock
}

func (c *RoundCoordinator) RunID() uuid.UUID {
	return c.cfg.RunID
}

func (c *RoundCoordinator) WindowDeadline() time.Duration {
	return c.cfg.WindowDeadline
}

// Latest returns a deep copy of the current global model.
func (c *RoundCoordinator) Latest() models.GlobalModel {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.model.Snapshot()
}

func (c *RoundCoordinator) Status() models.CoordinatorStatus {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.status
}

func (c *RoundCoordinator) Stopped() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state == models.CoordinatorStateStopped
}

// Done is closed once the coordinator reaches its terminal state.
func (c *RoundCoordinator) Done() <-chan struct{} {
	return c.done
}

// WaitForAdvance blocks until the global model is newer than round and
// returns it. This is how new models are broadcast to clients.
func (c *RoundCoordinator) WaitForAdvance(ctx context.Context, round int) (models.GlobalModel, error) {
	for {
		c.mutex.RLock()
		current := c.model
		advanced := c.advanced
		stopped := c.state == models.CoordinatorStateStopped
		c.mutex.RUnlock()

		if current.Round > round {
			return current.Snapshot(), nil
		}
		if stopped {
			return current.Snapshot(), models.ErrCoordinatorStopped
		}

		select {
		case <-advanced:
		case <-c.done:
		case <-ctx.Done():
			return current.Snapshot(), ctx.Err()
		}
	}
}

// Submit hands an update to the running coordinator and returns the gate
// verdict.
func (c *RoundCoordinator) Submit(ctx context.Context, update *models.Update) error {
	reply := make(chan error, 1)

	select {
	case c.inbox <- submission{update: update, reply: reply}:
	case <-c.done:
		return models.ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the coordinator in real time until ctx is cancelled or the
// configured stop condition is reached. Each window closes on quorum or on
// its deadline, whichever fires first.
func (c *RoundCoordinator) Run(ctx context.Context) error {
	c.Start()
	defer c.Stop()

	timer := time.NewTimer(c.cfg.WindowDeadline)
	defer timer.Stop()

	for !c.Stopped() {
		window := c.window

		select {
		case <-ctx.Done():
			c.log.Info().Msg("Stop signal received")
			return nil
		case sub := <-c.inbox:
			err := c.Offer(sub.update)
			sub.reply <- err
			if err == nil && c.QuorumReached() {
				c.closeWindow(false)
			}
		case <-timer.C:
			c.closeWindow(true)
			if c.window == window {
				timer.Reset(c.cfg.WindowDeadline)
			}
		}

		if c.window != window {
			timer.Reset(c.cfg.WindowDeadline)
		}
	}

	return nil
}

func (c *RoundCoordinator) closeWindow(escape bool) {
	if _, err := c.CloseWindow(escape); err != nil && !errors.Is(err, models.ErrQuorumStall) {
		c.log.Debug().Err(err).Msg("Window did not produce a model")
	}
}

// Start opens the first window: Idle → WindowOpen.
func (c *RoundCoordinator) Start() {
	now := c.clock()
	c.startedAt = now

	c.mutex.RLock()
	round := c.model.Round
	c.mutex.RUnlock()

	c.log.Info().
		Int("round", round).
		Int("quorum", c.cfg.Quorum).
		Int("staleness_bound", c.cfg.StalenessBound).
		Str("detector", c.detector.Name()).
		Msg("Starting round coordinator")

	c.openWindow(round, now)
}

func (c *RoundCoordinator) openWindow(round int, now time.Time) {
	c.window = models.NewAggregationWindow(round, c.cfg.Quorum, now)
	c.stale = 0
	c.rejected = 0
	c.setState(models.CoordinatorStateWindowOpen, false)
	c.metrics.SetWindowAdmitted(0)
}

func (c *RoundCoordinator) setState(state models.CoordinatorState, stalled bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = state
	c.status = models.CoordinatorStatus{
		State:               state,
		Round:               c.model.Round,
		ConsecutiveFailures: c.failures,
		Stalled:             stalled,
	}
	if c.window != nil {
		c.status.WindowAdmitted = c.window.Count()
		c.status.WindowThreshold = c.window.Threshold
		c.status.WindowOpenedAt = c.window.OpenedAt
	}
}

func (c *RoundCoordinator) QuorumReached() bool {
	return c.window != nil && c.window.QuorumReached()
}

// WindowOpenedAt is the time the current window opened, in coordinator clock.
func (c *RoundCoordinator) WindowOpenedAt() time.Time {
	if c.window == nil {
		return time.Time{}
	}
	return c.window.OpenedAt
}

// Offer runs an update through the staleness gate and buffers it in the
// open window.
func (c *RoundCoordinator) Offer(update *models.Update) error {
	if c.state != models.CoordinatorStateWindowOpen || c.window == nil {
		return models.ErrCoordinatorStopped
	}

	if update == nil || update.ClientID < 1 || (c.cfg.TotalClients > 0 && update.ClientID > c.cfg.TotalClients) {
		c.metrics.ObserveUpdate("invalid_round")
		return fmt.Errorf("unknown client: %w", models.ErrInvalidRound)
	}

	if err := c.gate.Admit(update, c.window.TargetRound); err != nil {
		switch {
		case errors.Is(err, models.ErrStaleUpdate):
			c.stale++
			c.metrics.ObserveUpdate("stale")
			c.log.Debug().Int("client_id", update.ClientID).Int("origin_round", update.OriginRound).Msg("Discarded stale update")
		default:
			c.metrics.ObserveUpdate("invalid_round")
			c.log.Warn().Err(err).Int("client_id", update.ClientID).Msg("Protocol violation")
		}
		return err
	}

	if !c.window.Admit(update.ClientID) {
		c.metrics.ObserveUpdate("duplicate")
		return fmt.Errorf("client %d already has an update in round %d: %w",
			update.ClientID, c.window.TargetRound, models.ErrDuplicateUpdate)
	}
	c.store.Add(c.window.TargetRound, update)
	c.metrics.ObserveUpdate("admitted")
	c.metrics.SetWindowAdmitted(c.window.Count())
	c.setState(models.CoordinatorStateWindowOpen, c.status.Stalled)

	return nil
}

// CloseWindow screens the buffered window and aggregates it. Without escape
// the window stays open when screening leaves fewer than quorum updates;
// with escape whatever survived screening is aggregated.
func (c *RoundCoordinator) CloseWindow(escape bool) (*models.RoundResult, error) {
	if c.state != models.CoordinatorStateWindowOpen {
		return nil, models.ErrCoordinatorStopped
	}

	started := time.Now()
	now := c.clock()
	round := c.window.TargetRound
	previous := c.Latest()

	c.setState(models.CoordinatorStateAggregating, false)

	candidates := c.store.Drain(round)
	accepted, rejected := c.detector.Screen(previous, candidates)
	c.metrics.ObserveScreening(c.detector.Name(), len(accepted), len(rejected))

	for _, u := range rejected {
		c.window.Release(u.ClientID)
		c.log.Info().
			Int("client_id", u.ClientID).
			Int("round", round).
			Str("detector", c.detector.Name()).
			Msg("Rejected suspected adversarial update")
	}
	c.rejected += len(rejected)

	if !escape && len(accepted) < c.cfg.Quorum {
		for _, u := range accepted {
			c.store.Add(round, u)
		}
		c.log.Warn().
			Int("round", round).
			Int("accepted", len(accepted)).
			Int("rejected", len(rejected)).
			Int("quorum", c.cfg.Quorum).
			Msg("Window short of quorum after screening")
		c.metrics.SetWindowAdmitted(c.window.Count())
		c.setState(models.CoordinatorStateWindowOpen, true)
		return nil, fmt.Errorf("round %d: %d of %d accepted: %w", round, len(accepted), c.cfg.Quorum, models.ErrQuorumStall)
	}

	if escape && c.rejected > 0 && len(accepted) < c.cfg.Quorum {
		c.metrics.IncQuorumStall()
		c.log.Warn().
			Err(models.ErrQuorumStall).
			Int("round", round).
			Int("accepted", len(accepted)).
			Int("rejected", c.rejected).
			Msg("Quorum stall resolved by window deadline")
	}

	next, err := c.aggregator.Aggregate(accepted, previous)
	if err != nil {
		return nil, c.failWindow(round, now, err)
	}

	c.setState(models.CoordinatorStateAdvancing, false)

	result := c.roundResult(next, accepted, escape, now, time.Since(started))

	c.mutex.Lock()
	c.model = next
	close(c.advanced)
	c.advanced = make(chan struct{})
	c.mutex.Unlock()

	c.failures = 0
	c.metrics.ObserveRound(next.Round, result.Accuracy, escape, now.Sub(c.window.OpenedAt))

	c.log.Info().
		Int("round", next.Round).
		Int("aggregated", len(accepted)).
		Int("rejected", c.rejected).
		Int("stale", c.stale).
		Bool("escape", escape).
		Float64("accuracy", result.Accuracy).
		Msg("Global model advanced")

	c.record(result)
	if c.cfg.CheckpointInterval > 0 && next.Round%c.cfg.CheckpointInterval == 0 {
		c.checkpoint()
	}

	if c.finished(next.Round, result.Accuracy) {
		c.Stop()
		return &result, nil
	}

	c.openWindow(next.Round, now)
	return &result, nil
}

func (c *RoundCoordinator) failWindow(round int, now time.Time, cause error) error {
	c.failures++
	c.metrics.IncAggregationFailure()

	event := c.log.Warn()
	if c.failures >= c.cfg.MaxAggregationFailures {
		event = c.log.Error()
	}
	event.Err(cause).
		Int("round", round).
		Int("consecutive_failures", c.failures).
		Msg("Aggregation failed, retrying round with a fresh window")

	c.store.Discard(round)
	c.openWindow(round, now)
	return fmt.Errorf("round %d: %w", round, cause)
}

func (c *RoundCoordinator) roundResult(next *models.GlobalModel, accepted []*models.Update, escape bool, now time.Time, processing time.Duration) models.RoundResult {
	accuracy, std := AccuracyMeanStd(accepted)
	if c.cfg.ServerSideEvaluation && c.evaluator != nil {
		accuracy = c.evaluator.Evaluate(next.Weights)
	}

	var commTime, roundTime time.Duration
	for _, u := range accepted {
		if u.CommTime > commTime {
			commTime = u.CommTime
		}
		if t := u.TrainingTime + u.CommTime; t > roundTime {
			roundTime = t
		}
	}

	return models.RoundResult{
		RunID:          c.cfg.RunID,
		Round:          next.Round,
		Accuracy:       accuracy,
		AccuracyStd:    std,
		ElapsedTime:    now.Sub(c.startedAt),
		ProcessingTime: processing,
		CommTime:       commTime,
		RoundTime:      roundTime,
		Admitted:       len(accepted),
		Rejected:       c.rejected,
		Stale:          c.stale,
		Escape:         escape,
		CompletedAt:    now,
	}
}

func (c *RoundCoordinator) record(result models.RoundResult) {
	if c.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.sink.Record(ctx, result); err != nil {
		c.log.Error().Err(err).Int("round", result.Round).Msg("Failed to record round result")
	}
}

func (c *RoundCoordinator) checkpoint() {
	if c.checkpoints == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checkpoint := &models.Checkpoint{
		RunID:   c.cfg.RunID,
		Model:   c.Latest(),
		SavedAt: c.clock(),
	}
	if err := c.checkpoints.Save(ctx, checkpoint); err != nil {
		c.log.Error().Err(err).Int("round", checkpoint.Model.Round).Msg("Failed to save checkpoint")
		return
	}
	c.log.Debug().Int("round", checkpoint.Model.Round).Msg("Checkpoint saved")
}

func (c *RoundCoordinator) finished(round int, accuracy float64) bool {
	if c.cfg.MaxRounds > 0 && round >= c.cfg.MaxRounds {
		c.log.Info().Int("round", round).Msg("Configured round count reached")
		return true
	}
	if c.cfg.TargetAccuracy > 0 && accuracy >= c.cfg.TargetAccuracy {
		c.log.Info().Float64("accuracy", accuracy).Msg("Target accuracy reached")
		return true
	}
	return false
}

// Stop discards any partial window, persists the last aggregated model and
// moves to the terminal state. Calling it more than once is harmless.
func (c *RoundCoordinator) Stop() {
	c.stopOnce.Do(func() {
		if c.window != nil {
			if dropped := c.store.Discard(c.window.TargetRound); dropped > 0 {
				c.log.Info().Int("round", c.window.TargetRound).Int("dropped", dropped).Msg("Discarded partial window")
			}
		}
		c.checkpoint()

		c.setState(models.CoordinatorStateStopped, false)
		close(c.done)

		if c.sink != nil {
			if err := c.sink.Close(); err != nil {
				c.log.Error().Err(err).Msg("Failed to close result sink")
			}
		}

		c.log.Info().Int("round", c.Latest().Round).Msg("Round coordinator stopped")
	})
}
