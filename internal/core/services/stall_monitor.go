package services

import (
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/internal/observability"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

// StatusSource is anything that can report coordinator status.
type StatusSource interface {
	Status() models.CoordinatorStatus
}

// StallMonitor periodically checks how long the aggregation window has been
// open and reports a quorum stall to the operator once it exceeds stallAfter.
type StallMonitor struct {
	source        StatusSource
	metrics       *observability.FLCollector
	scheduler     *gocron.Scheduler
	mutex         sync.Mutex
	checkInterval time.Duration
	stallAfter    time.Duration
	clock         func() time.Time
	isRunning     bool
	stopCh        chan struct{}
	reported      time.Time
}

func NewStallMonitor(source StatusSource, metrics *observability.FLCollector) *StallMonitor {
	return &StallMonitor{
		source:        source,
		metrics:       metrics,
		checkInterval: 5 * time.Second,
		stallAfter:    1 * time.Minute,
		clock:         time.Now,
		stopCh:        make(chan struct{}),
	}
}

func (s *StallMonitor) SetCheckInterval(interval time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkInterval = interval
}

func (s *StallMonitor) SetStallAfter(timeout time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stallAfter = timeout
}

func (s *StallMonitor) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return nil
	}

	log := logger.WithComponent("stall_monitor")
	log.Info().
		Dur("check_interval", s.checkInterval).
		Dur("stall_after", s.stallAfter).
		Msg("Starting quorum stall monitor")

	s.scheduler = gocron.NewScheduler(time.UTC)
	s.stopCh = make(chan struct{})

	job, err := s.scheduler.Every(s.checkInterval).Do(func() {
		select {
		case <-s.stopCh:
			return
		default:
			s.Check()
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to schedule stall check")
		return err
	}

	s.scheduler.StartAsync()
	s.isRunning = true

	log.Info().
		Str("next_run", job.NextRun().String()).
		Msg("Quorum stall monitor started")

	return nil
}

// Check inspects the coordinator once and reports whether the open window
// is stalled. Each window is reported at most once.
func (s *StallMonitor) Check() bool {
	log := logger.WithComponent("stall_monitor")

	status := s.source.Status()
	if status.State != models.CoordinatorStateWindowOpen {
		return false
	}

	s.mutex.Lock()
	stallAfter := s.stallAfter
	openFor := s.clock().Sub(status.WindowOpenedAt)
	alreadyReported := s.reported.Equal(status.WindowOpenedAt)
	s.mutex.Unlock()

	if openFor < stallAfter {
		log.Debug().
			Int("round", status.Round).
			Int("admitted", status.WindowAdmitted).
			Dur("open_for", openFor).
			Msg("Window healthy")
		return false
	}

	if !alreadyReported {
		s.mutex.Lock()
		s.reported = status.WindowOpenedAt
		s.mutex.Unlock()

		s.metrics.IncQuorumStall()
		log.Warn().
			Err(models.ErrQuorumStall).
			Int("round", status.Round).
			Int("admitted", status.WindowAdmitted).
			Int("threshold", status.WindowThreshold).
			Bool("short_after_screening", status.Stalled).
			Dur("open_for", openFor).
			Msg("Aggregation window is stalled")
	}
	return true
}

func (s *StallMonitor) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isRunning {
		return
	}

	close(s.stopCh)

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	s.isRunning = false

	log := logger.WithComponent("stall_monitor")
	log.Info().Msg("Quorum stall monitor stopped")
}

func (s *StallMonitor) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.isRunning
}
