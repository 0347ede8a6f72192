package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/theblitlabs/parity-fl/cmd/cli"
	"github.com/theblitlabs/parity-fl/internal/core/config"
	"github.com/theblitlabs/parity-fl/pkg/logger"
)

var (
	logMode    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "parity-fl",
	Short: "Asynchronous federated learning aggregation server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.InitWithMode(logger.ParseMode(logMode))
		config.GetConfigManager().SetConfigPath(configPath)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cli.RunServer()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logMode, "log", "pretty", "Log mode: debug, pretty, info, prod, test")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "Path to the YAML configuration file")

	simulateCmd.Flags().Bool("virtual-time", false, "Drive the run on a simulated wall clock")
	simulateCmd.Flags().Int("rounds", 0, "Override trainer.rounds")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(checkpointCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the aggregation server",
	Run: func(cmd *cobra.Command, args []string) {
		cli.RunServer()
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a headless simulation with in-process clients",
	Run: func(cmd *cobra.Command, args []string) {
		virtualTime, _ := cmd.Flags().GetBool("virtual-time")
		rounds, _ := cmd.Flags().GetInt("rounds")
		cli.RunSimulation(virtualTime, rounds)
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Print the stored global model checkpoint",
	Run: func(cmd *cobra.Command, args []string) {
		if err := cli.PrintCheckpoint(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read checkpoint: %v\n", err)
			os.Exit(1)
		}
	},
}
