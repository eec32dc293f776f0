package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"vigil/internal/alerts"
	"vigil/internal/config"
	"vigil/internal/evaluator"
	"vigil/internal/handlers"
	"vigil/internal/kafka"
	"vigil/internal/logger"
	"vigil/internal/middleware"
	"vigil/internal/queue"
	"vigil/internal/retention"
	"vigil/internal/servicebus"
	"vigil/internal/state"
	"vigil/internal/storage"
	"vigil/internal/worker"
)

// Store is what the worker needs from the database.
type Store interface {
	handlers.Pinger
	storage.RuleStore
	storage.AlertStore
}

// statser is implemented by consumers that track batch statistics
type statser interface {
	Stats() worker.Stats
}

// Processor is the high-level coordinator for the evaluation worker: it
// consumes event batches, expires old alerts and serves ops endpoints.
type Processor struct {
	cfg *config.Config

	store      Store
	evaluator  *evaluator.Evaluator
	consumer   queue.Consumer
	producers  map[string]*kafka.Producer
	janitor    *retention.Janitor
	httpServer *http.Server

	// closers run in reverse order once the consumer has stopped
	closers []func() error
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{cfg: cfg}
}

// Run validates configuration, connects every dependency and blocks until
// ctx is cancelled or the consumer fails.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")

	if err := p.cfg.Validate(config.RoleWorker); err != nil {
		return err
	}

	log.Info().Str("backend", p.cfg.Queue.Backend).Msg("processor starting")
	defer p.close()

	if err := p.init(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize processor")
		return err
	}

	return p.serve(ctx)
}

// init connects the store, optional rule cache, dead-letter sink, evaluator
// and consumer
func (p *Processor) init(ctx context.Context) error {
	log := logger.WithComponent("processor")

	if p.store == nil {
		db, err := storage.Open(ctx, p.cfg.Database.DSN, p.cfg.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		p.store = db
		p.closers = append(p.closers, func() error {
			db.Close()
			return nil
		})
	}

	var rules alerts.RuleSource = p.store
	if p.cfg.Redis.Enabled {
		cache, err := state.NewRuleCache(p.cfg.Redis, p.store)
		if err != nil {
			return err
		}
		rules = cache
		p.closers = append(p.closers, cache.Close)
		log.Info().Str("addr", p.cfg.Redis.Addr).Dur("ttl", p.cfg.Redis.RuleTTL).Msg("rule cache enabled")
	}

	var err error
	switch p.cfg.Queue.Backend {
	case config.BackendKafka:
		err = p.initKafka(rules)
	case config.BackendServiceBus:
		err = p.initServiceBus(rules)
	default:
		err = fmt.Errorf("unknown queue backend %q", p.cfg.Queue.Backend)
	}
	if err != nil {
		return err
	}

	p.janitor = retention.NewJanitor(p.store, p.cfg.Retention.PurgeInterval)
	p.initHTTPServer()
	return nil
}

func (p *Processor) newEvaluator(rules alerts.RuleSource, sink queue.DeadLetterSink) (*evaluator.Evaluator, error) {
	return evaluator.New(evaluator.Config{
		Rules:            rules,
		Alerts:           p.store,
		DeadLetter:       sink,
		Concurrency:      p.cfg.Evaluator.Concurrency,
		MessageTimeout:   p.cfg.Evaluator.MessageTimeout,
		Retention:        p.cfg.Alerts.Retention,
		IdempotentAlerts: p.cfg.Evaluator.IdempotentAlerts,
	})
}

// initKafka wires the dead-letter topic, the retry producer and the group
// consumer
func (p *Processor) initKafka(rules alerts.RuleSource) error {
	kc := p.cfg.Kafka

	dlq, err := kafka.NewProducer(kc.Brokers, kc.DeadLetterTopic, kc.Producer)
	if err != nil {
		return fmt.Errorf("failed to create dead-letter producer: %w", err)
	}
	p.closers = append(p.closers, dlq.Close)
	p.addProducer("dead_letter", dlq)
	sink := kafka.NewDeadLetterSink(dlq)

	ev, err := p.newEvaluator(rules, sink)
	if err != nil {
		return err
	}
	p.evaluator = ev

	retry, err := kafka.NewProducer(kc.Brokers, kc.Topic, kc.Producer)
	if err != nil {
		return fmt.Errorf("failed to create retry producer: %w", err)
	}
	p.closers = append(p.closers, retry.Close)
	p.addProducer("retry", retry)

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       kc.Brokers,
		Topic:         kc.Topic,
		GroupID:       kc.GroupID,
		BatchSize:     p.cfg.Queue.BatchSize,
		BatchTimeout:  p.cfg.Queue.BatchTimeout,
		MaxDeliveries: p.cfg.Queue.MaxDeliveries,
		RetryBackoff:  p.cfg.Queue.RetryBackoff,
		Handler:       ev,
		Retry:         retry,
		DeadLetter:    sink,
	})
	if err != nil {
		return err
	}
	p.consumer = consumer

	log := logger.WithComponent("processor")
	log.Info().
		Strs("brokers", kc.Brokers).
		Str("topic", kc.Topic).
		Str("dead_letter_topic", kc.DeadLetterTopic).
		Msg("kafka backend initialized")
	return nil
}

func (p *Processor) addProducer(name string, prod *kafka.Producer) {
	if p.producers == nil {
		p.producers = make(map[string]*kafka.Producer)
	}
	p.producers[name] = prod
}

// initServiceBus wires the dead-letter queue sender and the peek-lock
// consumer
func (p *Processor) initServiceBus(rules alerts.RuleSource) error {
	sc := p.cfg.ServiceBus

	client, err := servicebus.NewClient(sc.ConnectionString)
	if err != nil {
		return err
	}
	p.closers = append(p.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return client.Close(ctx)
	})

	dlq, err := servicebus.NewSender(client, sc.DeadLetterQueue)
	if err != nil {
		return err
	}
	p.closers = append(p.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return dlq.Close(ctx)
	})

	ev, err := p.newEvaluator(rules, dlq)
	if err != nil {
		return err
	}
	p.evaluator = ev

	consumer, err := servicebus.NewConsumer(client, servicebus.ConsumerConfig{
		Queue:         sc.Queue,
		BatchSize:     p.cfg.Queue.BatchSize,
		MaxDeliveries: p.cfg.Queue.MaxDeliveries,
		RetryBackoff:  p.cfg.Queue.RetryBackoff,
		Handler:       ev,
		DeadLetter:    dlq,
	})
	if err != nil {
		return err
	}
	p.consumer = consumer

	log := logger.WithComponent("processor")
	log.Info().
		Str("queue", sc.Queue).
		Str("dead_letter_queue", sc.DeadLetterQueue).
		Msg("service bus backend initialized")
	return nil
}

// initHTTPServer builds the ops server
func (p *Processor) initHTTPServer() {
	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      p.opsHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (p *Processor) opsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.Health)
	mux.Handle("GET /ready", handlers.Ready(p.readiness()))
	mux.HandleFunc("GET /stats", p.statsHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	return middleware.Chain(mux, middleware.Logging, middleware.Recovery)
}

// readiness checks the store, then each producer by name
func (p *Processor) readiness() handlers.Pinger {
	checks := handlers.Pingers{p.store}
	for _, name := range slices.Sorted(maps.Keys(p.producers)) {
		prod := p.producers[name]
		checks = append(checks, handlers.PingFunc(func(ctx context.Context) error {
			if err := prod.HealthCheck(ctx); err != nil {
				return fmt.Errorf("%s producer: %w", name, err)
			}
			return nil
		}))
	}
	return checks
}

// serve runs the consumer, janitor and ops server until one fails or ctx
// ends
func (p *Processor) serve(ctx context.Context) error {
	log := logger.WithComponent("processor")
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.consumer.Start(gctx)
	})

	g.Go(func() error {
		return p.janitor.Run(gctx)
	})

	g.Go(func() error {
		log.Info().Str("addr", p.httpServer.Addr).Msg("starting ops HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return p.httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		p.reportStats(gctx)
		return nil
	})

	err := g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("processor stopped with error")
	}
	return err
}

// close stops the consumer, then releases everything init opened
func (p *Processor) close() {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	if p.consumer != nil {
		if err := p.consumer.Stop(); err != nil {
			log.Error().Err(err).Msg("consumer stop error")
		}
	}

	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}
	p.closers = nil

	log.Info().Msg("processor stopped gracefully")
}

// Stats is the /stats payload
type Stats struct {
	Evaluator evaluator.Stats                `json:"evaluator"`
	Consumer  *worker.Stats                  `json:"consumer,omitempty"`
	Producers map[string]kafka.ProducerStats `json:"producers,omitempty"`
}

// Stats returns current evaluator, consumer and producer counters
func (p *Processor) Stats() Stats {
	var s Stats
	if p.evaluator != nil {
		s.Evaluator = p.evaluator.Stats()
	}
	if c, ok := p.consumer.(statser); ok {
		cs := c.Stats()
		s.Consumer = &cs
	}
	if len(p.producers) > 0 {
		s.Producers = make(map[string]kafka.ProducerStats, len(p.producers))
		for name, prod := range p.producers {
			s.Producers[name] = prod.Stats()
		}
	}
	return s
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			event := log.Info().
				Uint64("acknowledged", s.Evaluator.Acknowledged).
				Uint64("failed", s.Evaluator.Failed).
				Uint64("quarantined", s.Evaluator.Quarantined).
				Uint64("alerts_fired", s.Evaluator.AlertsFired)
			if s.Consumer != nil {
				event = event.
					Uint64("batches", s.Consumer.Batches).
					Uint64("items", s.Consumer.Items)
			}
			for name, ps := range s.Producers {
				event = event.
					Uint64(name+"_sent", ps.MessagesSent).
					Uint64(name+"_failed", ps.MessagesFailed)
			}
			event.Msg("stats")
		}
	}
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(p.Stats()); err != nil {
		log := logger.WithComponent("processor")
		log.Warn().Err(err).Msg("failed to encode stats")
	}
}
