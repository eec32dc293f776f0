package main

import (
	"os"

	"vigil/internal/logger"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Logger.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
}
