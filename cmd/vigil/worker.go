package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/processor"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued events and evaluate threshold rules",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(config.RoleWorker)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := processor.New(cfg).Run(ctx); err != nil {
		return err
	}

	log := logger.WithComponent("worker")
	log.Info().Msg("exited")
	return nil
}
