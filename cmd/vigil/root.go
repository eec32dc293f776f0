package main

import (
	"github.com/spf13/cobra"

	"vigil/internal/config"
	"vigil/internal/logger"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Telemetry threshold rule evaluator",
	Long: `vigil ingests device telemetry, queues it on Kafka or Azure Service Bus
and evaluates each event against per-device threshold rules, persisting
the alerts that fire.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.yaml)")
}

// loadConfig reads configuration, initializes logging and validates the
// settings role needs
func loadConfig(role string) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Level, cfg.IsDevelopment())

	if err := cfg.Validate(role); err != nil {
		return nil, err
	}
	return cfg, nil
}
