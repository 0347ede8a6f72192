package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/theblitlabs/parity-fl/internal/api"
	"github.com/theblitlabs/parity-fl/internal/api/handlers"
	"github.com/theblitlabs/parity-fl/internal/core/config"
	"github.com/theblitlabs/parity-fl/internal/core/models"
	"github.com/theblitlabs/parity-fl/internal/core/ports"
	"github.com/theblitlabs/parity-fl/internal/core/services"
	"github.com/theblitlabs/parity-fl/internal/observability"
	"github.com/theblitlabs/parity-fl/internal/storage/db"
	"github.com/theblitlabs/parity-fl/internal/utils"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

type Server struct {
	Config       *config.Config
	HttpServer   *http.Server
	DBManager    *db.DBManager
	Coordinator  *services.RoundCoordinator
	Simulator    *services.ClientSimulator
	StallMonitor *services.StallMonitor
	Metrics      *observability.FLCollector
	runCancel    context.CancelFunc
	runWg        *sync.WaitGroup
}

// Start runs the coordinator and, when configured, the simulated clients in
// the background, then serves the HTTP API if one was built.
func (s *Server) Start(ctx context.Context) {
	log := logger.Get()

	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.runWg = &sync.WaitGroup{}

	s.runWg.Add(1)
	go func() {
		defer s.runWg.Done()
		if err := s.Coordinator.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("Round coordinator exited with error")
		}
	}()

	if s.Config.Clients.Simulate {
		simulation := s.simulationService()
		s.runWg.Add(1)
		go func() {
			defer s.runWg.Done()
			if err := simulation.Run(runCtx); err != nil {
				log.Error().Err(err).Msg("Client simulation exited with error")
			}
		}()
	}

	if s.StallMonitor != nil {
		if err := s.StallMonitor.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start stall monitor")
		}
	}
}

// Simulate runs a headless experiment to completion. With simulated wall
// time the coordinator is driven on a virtual clock instead of timers.
func (s *Server) Simulate(ctx context.Context) error {
	if s.Config.Server.SimulateWallTime {
		driver := services.NewVirtualClockDriver(s.Coordinator, s.Simulator, s.Config.Clients.PerRound, s.Config.Clients.Seed)
		return driver.Run(ctx)
	}

	s.Start(ctx)
	select {
	case <-s.Coordinator.Done():
	case <-ctx.Done():
	}
	s.stopRun()
	return nil
}

func (s *Server) simulationService() *services.SimulationService {
	return services.NewSimulationService(
		s.Coordinator,
		s.Simulator,
		s.Config.Clients.PerRound,
		s.Config.Trainer.MaxConcurrency,
		s.Config.Clients.Seed,
	)
}

func (s *Server) stopRun() {
	if s.StallMonitor != nil {
		s.StallMonitor.Stop()
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	if s.runWg != nil {
		s.runWg.Wait()
	}
	s.Coordinator.Stop()
}

func (s *Server) Shutdown(ctx context.Context) {
	log := logger.Get()

	serverShutdownCtx, serverShutdownCancel := context.WithTimeout(ctx, 15*time.Second)
	defer serverShutdownCancel()

	if s.HttpServer != nil {
		log.Info().Int("shutdown_timeout_seconds", 15).Msg("Initiating server shutdown sequence")
		shutdownStart := time.Now()

		if err := s.HttpServer.Shutdown(serverShutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
			if errors.Is(err, context.DeadlineExceeded) {
				log.Warn().Msg("Server shutdown deadline exceeded, forcing immediate shutdown")
			}
		} else {
			log.Info().Dur("duration_ms", time.Since(shutdownStart)).Msg("Server HTTP connections gracefully closed")
		}
	}

	s.stopRun()
	log.Info().Int("round", s.Coordinator.Latest().Round).Msg("Stopped round coordinator")

	if s.DBManager != nil {
		dbCloseStart := time.Now()
		if err := s.DBManager.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		} else {
			log.Info().Dur("duration_ms", time.Since(dbCloseStart)).Msg("Database connection closed successfully")
		}
	}

	log.Info().Msg("Shutdown complete")
}

type ServerBuilder struct {
	config       *config.Config
	registerer   prometheus.Registerer
	dbManager    *db.DBManager
	repoFactory  *db.RepositoryFactory
	metrics      *observability.FLCollector
	simulator    *services.ClientSimulator
	coordinator  *services.RoundCoordinator
	stallMonitor *services.StallMonitor
	httpServer   *http.Server
	runID        uuid.UUID
	err          error
}

func NewServerBuilder(cfg *config.Config) *ServerBuilder {
	return &ServerBuilder{
		config: cfg,
		runID:  uuid.New(),
	}
}

// WithRegisterer swaps the Prometheus registry, mostly for tests.
func (sb *ServerBuilder) WithRegisterer(reg prometheus.Registerer) *ServerBuilder {
	sb.registerer = reg
	return sb
}

func (sb *ServerBuilder) InitDatabase() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	log := logger.Get()

	if !sb.config.Database.Enabled() {
		log.Info().Msg("No results database configured, round records are written to CSV only")
		return sb
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sb.dbManager = db.GetDBManager()
	if err := sb.dbManager.Connect(ctx, sb.config.Database.GetConnectionURL()); err != nil {
		sb.err = fmt.Errorf("failed to connect to database: %w", err)
		return sb
	}
	sb.repoFactory = db.NewRepositoryFactory(sb.dbManager)

	log.Info().Msg("Successfully connected to database")
	return sb
}

func (sb *ServerBuilder) InitMetrics() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	metrics, err := observability.NewFLCollector(sb.registerer)
	if err != nil {
		sb.err = fmt.Errorf("failed to register metrics: %w", err)
		return sb
	}
	sb.metrics = metrics
	return sb
}

func (sb *ServerBuilder) InitServices() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	cfg := sb.config

	simulator, err := NewClientSimulator(cfg)
	if err != nil {
		sb.err = fmt.Errorf("failed to initialize client simulator: %w", err)
		return sb
	}
	sb.simulator = simulator

	detector, err := services.NewDetector(services.DetectorType(cfg.Server.Detector), services.FilterParams{
		Tolerance: cfg.Filter.Tolerance,
		Margin:    cfg.Filter.Margin,
	})
	if err != nil {
		sb.err = fmt.Errorf("failed to initialize robustness filter: %w", err)
		return sb
	}

	aggregator := services.NewAggregator(services.WeightingScheme(cfg.Algorithm.Weighting), cfg.Algorithm.ServerLR)

	sb.coordinator = services.NewRoundCoordinator(services.CoordinatorConfig{
		RunID:                  sb.runID,
		Quorum:                 cfg.Quorum(),
		StalenessBound:         cfg.StalenessBound(),
		TotalClients:           cfg.Clients.TotalClients,
		WindowDeadline:         cfg.Server.WindowDeadline,
		MaxRounds:              cfg.Trainer.Rounds,
		TargetAccuracy:         cfg.Trainer.TargetAccuracy,
		CheckpointInterval:     cfg.Server.CheckpointInterval,
		MaxAggregationFailures: cfg.Server.MaxAggregationFailures,
		ServerSideEvaluation:   cfg.Server.DoTest,
	}, models.NewGlobalModel(cfg.Data.ModelDimension), detector, aggregator)

	sb.coordinator.SetEvaluator(simulator)
	sb.coordinator.SetMetrics(sb.metrics)

	checkpoints, err := NewCheckpointStore(cfg)
	if err != nil {
		sb.err = fmt.Errorf("failed to initialize checkpoint store: %w", err)
		return sb
	}
	sb.coordinator.SetCheckpointStore(checkpoints)

	sink, err := sb.resultSink()
	if err != nil {
		sb.err = fmt.Errorf("failed to initialize result sink: %w", err)
		return sb
	}
	sb.coordinator.SetResultSink(sink)

	return sb
}

func (sb *ServerBuilder) resultSink() (ports.ResultSink, error) {
	columns, err := services.ParseResultColumns(sb.config.Results.Types)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(sb.config.Results.ResultPath, sb.runID.String()+".csv")
	csvSink, err := services.NewCSVResultSink(path, columns)
	if err != nil {
		return nil, err
	}

	log := logger.Get()
	log.Info().Str("path", path).Strs("columns", columns).Msg("Writing round results")

	sinks := services.MultiSink{csvSink}
	if sb.repoFactory != nil {
		sinks = append(sinks, services.NewRepositoryResultSink(sb.repoFactory.RoundRecordRepository()))
	}
	return sinks, nil
}

func (sb *ServerBuilder) InitStallMonitor() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	sb.stallMonitor = services.NewStallMonitor(sb.coordinator, sb.metrics)
	if sb.config.Monitor.CheckInterval > 0 {
		sb.stallMonitor.SetCheckInterval(sb.config.Monitor.CheckInterval)
	}
	if sb.config.Monitor.StallAfter > 0 {
		sb.stallMonitor.SetStallAfter(sb.config.Monitor.StallAfter)
	}

	return sb
}

func (sb *ServerBuilder) InitRouter() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	updateHandler := handlers.NewUpdateHandler(sb.coordinator)
	router := api.NewRouter(updateHandler, sb.metrics.Handler(), sb.config.Server.Endpoint)

	addr, err := utils.ListenAddress(sb.config.Server.Host, sb.config.Server.Port)
	if err != nil {
		sb.err = fmt.Errorf("server port is not available: %w", err)
		return sb
	}

	sb.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return sb
}

func (sb *ServerBuilder) Build() (*Server, error) {
	if sb.err != nil {
		return nil, sb.err
	}

	return &Server{
		Config:       sb.config,
		HttpServer:   sb.httpServer,
		DBManager:    sb.dbManager,
		Coordinator:  sb.coordinator,
		Simulator:    sb.simulator,
		StallMonitor: sb.stallMonitor,
		Metrics:      sb.metrics,
	}, nil
}

func NewClientSimulator(cfg *config.Config) (*services.ClientSimulator, error) {
	attack, err := services.NewAttack(services.AttackType(cfg.Clients.AttackType), cfg.Clients.AttackStrength)
	if err != nil {
		return nil, err
	}

	return services.NewClientSimulator(services.SimulatorConfig{
		TotalClients:    cfg.Clients.TotalClients,
		Attackers:       models.NewAttackerSet(cfg.Clients.Attackers),
		Attack:          attack,
		SpeedSimulation: cfg.Clients.SpeedSimulation,
		SleepSimulation: cfg.Clients.SleepSimulation,
		Distribution:    services.SpeedDistribution(cfg.Clients.SimulationDistribution.Distribution),
		Shape:           cfg.Clients.SimulationDistribution.Shape,
		AvgTrainingTime: time.Duration(cfg.Clients.AvgTrainingTime * float64(time.Second)),
		BandwidthMbps:   cfg.Clients.BandwidthMbps,
		Seed:            cfg.Clients.Seed,
		Dimension:       cfg.Data.ModelDimension,
		LearningRate:    cfg.Trainer.LearningRate,
		Concentration:   cfg.Data.Concentration,
		PartitionSize:   cfg.Data.PartitionSize,
	})
}

// NewCheckpointStore uses S3 when a bucket is configured and the local
// checkpoint path otherwise.
func NewCheckpointStore(cfg *config.Config) (ports.CheckpointStore, error) {
	if cfg.AWS.Enabled() {
		return services.NewS3CheckpointStore(cfg)
	}
	return services.NewFileCheckpointStore(cfg.Server.CheckpointPath), nil
}
