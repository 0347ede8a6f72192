package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/theblitlabs/parity-fl/internal/core/app"
	"github.com/theblitlabs/parity-fl/internal/core/config"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

func RunSimulation(virtualTime bool, rounds int) {
	log := logger.Get()

	cfg, err := config.GetConfigManager().GetConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if virtualTime {
		cfg.Server.SimulateWallTime = true
	}
	if rounds > 0 {
		cfg.Trainer.Rounds = rounds
	}
	cfg.Clients.Simulate = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := app.NewServerBuilder(cfg).
		InitDatabase().
		InitMetrics().
		InitServices().
		InitStallMonitor().
		Build()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation")
	}

	log.Info().
		Str("run_id", server.Coordinator.RunID().String()).
		Bool("simulate_wall_time", cfg.Server.SimulateWallTime).
		Int("rounds", cfg.Trainer.Rounds).
		Msg("Starting simulation")

	if err := server.Simulate(ctx); err != nil {
		log.Error().Err(err).Msg("Simulation failed")
	}

	latest := server.Coordinator.Latest()
	log.Info().
		Int("round", latest.Round).
		Float64("accuracy", server.Simulator.Evaluate(latest.Weights)).
		Msg("Simulation complete")

	if server.DBManager != nil {
		if err := server.DBManager.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database connection")
		}
	}
}
