package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vigil/internal/config"
	"vigil/internal/handlers"
	"vigil/internal/kafka"
	"vigil/internal/logger"
	"vigil/internal/queue"
	"vigil/internal/servicebus"
	"vigil/internal/state"
	"vigil/internal/storage"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the HTTP API server",
	Long:  `Serve rule management, alert queries and event ingestion.`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(config.RoleAPI)
	if err != nil {
		return err
	}
	log := logger.WithComponent("api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	deps := handlers.Deps{
		Store:   db,
		DB:      db,
		APIKeys: cfg.HTTP.APIKeys,
	}

	if cfg.Redis.Enabled {
		cache, err := state.NewRuleCache(cfg.Redis, db)
		if err != nil {
			return err
		}
		defer cache.Close()
		deps.Rules = cache
	}

	q, closeQueue, err := newEnqueuer(cfg)
	if err != nil {
		return err
	}
	defer closeQueue()
	deps.Queue = q
	if hc, ok := q.(interface{ HealthCheck(context.Context) error }); ok {
		deps.DB = handlers.Pingers{db, handlers.PingFunc(hc.HealthCheck)}
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handlers.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newEnqueuer opens the producer side of the configured queue backend
func newEnqueuer(cfg *config.Config) (queue.Enqueuer, func(), error) {
	log := logger.WithComponent("api")

	switch cfg.Queue.Backend {
	case config.BackendKafka:
		p, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Producer)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		return p, func() {
			if err := p.Close(); err != nil {
				log.Error().Err(err).Msg("producer close error")
			}
		}, nil

	case config.BackendServiceBus:
		client, err := servicebus.NewClient(cfg.ServiceBus.ConnectionString)
		if err != nil {
			return nil, nil, err
		}
		s, err := servicebus.NewSender(client, cfg.ServiceBus.Queue)
		if err != nil {
			_ = client.Close(context.Background())
			return nil, nil, err
		}
		return s, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Close(ctx); err != nil {
				log.Error().Err(err).Msg("sender close error")
			}
			if err := client.Close(ctx); err != nil {
				log.Error().Err(err).Msg("service bus client close error")
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}
