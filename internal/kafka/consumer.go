package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/queue"
	"vigil/internal/worker"
)

// Consumer errors
var (
	ErrNoHandler    = errors.New("kafka consumer: batch handler is required")
	ErrNoRetry      = errors.New("kafka consumer: retry publisher is required")
	ErrNoDeadLetter = errors.New("kafka consumer: dead-letter sink is required")
)

// settleTimeout bounds handling, requeueing and committing one batch
const settleTimeout = 2 * time.Minute

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	BatchSize    int
	BatchTimeout time.Duration

	// MaxDeliveries is how many times one payload is handed to the handler
	// before it is dead-lettered
	MaxDeliveries int

	// RetryBackoff is the base delay before failed messages are requeued
	RetryBackoff time.Duration

	Handler queue.BatchHandler

	// Retry republishes failed messages to the source topic
	Retry Publisher

	DeadLetter queue.DeadLetterSink

	// Reader overrides the group reader built from Brokers/Topic/GroupID
	Reader MessageReader
}

// Consumer reads the event topic through a consumer group and settles each
// batch from the handler's failure report. Kafka has no per-message
// redelivery, so failed messages are republished with an incremented attempt
// header before the batch offsets are committed.
type Consumer struct {
	cfg    ConsumerConfig
	reader MessageReader

	mu                  sync.Mutex
	cancel              context.CancelFunc
	done                chan struct{}
	consecutiveFailures int
	batcher             *worker.Batcher[kafka.Message]
}

// NewConsumer creates a consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Handler == nil {
		return nil, ErrNoHandler
	}
	if cfg.Retry == nil {
		return nil, ErrNoRetry
	}
	if cfg.DeadLetter == nil {
		return nil, ErrNoDeadLetter
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}

	reader := cfg.Reader
	if reader == nil {
		if len(cfg.Brokers) == 0 {
			return nil, ErrNoBrokers
		}
		if cfg.Topic == "" {
			return nil, ErrNoTopic
		}
		reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
			// Offsets are committed explicitly after each batch settles
			CommitInterval: 0,
		})
	}

	return &Consumer{cfg: cfg, reader: reader}, nil
}

// Start fetches and settles batches until ctx is cancelled, Stop is called
// or a batch cannot be settled.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()
	defer close(done)
	defer cancel()

	log := logger.WithComponent("kafka_consumer")
	log.Info().
		Str("topic", c.cfg.Topic).
		Str("group_id", c.cfg.GroupID).
		Int("max_deliveries", c.cfg.MaxDeliveries).
		Msg("starting kafka consumer")

	fetched := make(chan kafka.Message, c.cfg.BatchSize)
	batcher := worker.NewBatcher(worker.Config[kafka.Message]{
		Name:         "kafka_batcher",
		Input:        fetched,
		Flush:        c.settle,
		BatchSize:    c.cfg.BatchSize,
		BatchTimeout: c.cfg.BatchTimeout,
	})
	c.mu.Lock()
	c.batcher = batcher
	c.mu.Unlock()

	go c.fetchLoop(ctx, fetched)

	err := batcher.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("kafka consumer stopped on settle failure")
	}
	return err
}

// fetchLoop feeds fetched messages to the batcher until ctx is done
func (c *Consumer) fetchLoop(ctx context.Context, out chan<- kafka.Message) {
	log := logger.WithComponent("kafka_consumer")
	backoff := c.cfg.RetryBackoff

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("kafka fetch failed")
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// settle runs one batch through the handler, requeues or dead-letters the
// failures and commits the batch offsets. Any error leaves the batch
// uncommitted.
func (c *Consumer) settle(ctx context.Context, batch []kafka.Message) error {
	log := logger.WithComponent("kafka_consumer")

	// a shutdown mid-batch still requeues and commits what was handled,
	// within whatever drain deadline the caller set
	timeout := settleTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	msgs := make([]queue.Message, len(batch))
	for i, m := range batch {
		msgs[i] = toQueueMessage(m)
	}

	res := c.cfg.Handler.HandleBatch(ctx, msgs)

	if len(res.Failures) == 0 {
		c.consecutiveFailures = 0
	} else {
		c.consecutiveFailures++
		if err := c.backoff(ctx); err != nil {
			return err
		}
	}

	failed := res.FailureSet()
	var retries []Record
	for i, m := range batch {
		qm := msgs[i]
		if _, ok := failed[qm.ID]; !ok {
			continue
		}

		if qm.Attempt+1 >= c.cfg.MaxDeliveries {
			dl := queue.DeadLetter{Message: qm, Reason: queue.ReasonDeliveriesExhausted}
			if err := outcomeErr(res, qm.ID); err != nil {
				dl.Detail = []string{err.Error()}
			}
			if err := c.cfg.DeadLetter.Forward(ctx, dl); err != nil {
				return fmt.Errorf("dead-letter exhausted message %s: %w", qm.ID, err)
			}
			metrics.DeadLetterTotal.WithLabelValues(dl.Reason).Inc()
			log.Error().
				Str("message_id", qm.ID).
				Int("deliveries", qm.Attempt+1).
				Msg("message exceeded max deliveries, dead-lettered")
			continue
		}

		retries = append(retries, Record{
			Key:     m.Key,
			Value:   m.Value,
			Headers: withAttempt(m.Headers, qm.Attempt+1),
			Time:    time.Now(),
		})
	}

	if len(retries) > 0 {
		if err := c.cfg.Retry.PublishBatch(ctx, retries); err != nil {
			return fmt.Errorf("requeue %d failed messages: %w", len(retries), err)
		}
		metrics.RedeliveriesTotal.WithLabelValues("kafka").Add(float64(len(retries)))
	}

	if err := c.reader.CommitMessages(ctx, batch...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}

	log.Debug().
		Int("batch_size", len(batch)).
		Int("requeued", len(retries)).
		Msg("batch settled")
	return nil
}

// backoff waits before requeueing, growing with consecutive failing batches
func (c *Consumer) backoff(ctx context.Context) error {
	shift := c.consecutiveFailures - 1
	if shift > 5 {
		shift = 5
	}
	delay := c.cfg.RetryBackoff << shift

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels consumption and closes the reader
func (c *Consumer) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return c.reader.Close()
}

// Stats returns batcher statistics
func (c *Consumer) Stats() worker.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batcher == nil {
		return worker.Stats{}
	}
	return c.batcher.Stats()
}

func toQueueMessage(m kafka.Message) queue.Message {
	attempt := 0
	if v, ok := header(m.Headers, HeaderAttempt); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			attempt = n
		}
	}
	return queue.Message{
		ID:      fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset),
		Key:     string(m.Key),
		Body:    m.Value,
		Attempt: attempt,
	}
}

func outcomeErr(res queue.BatchResult, id string) error {
	for _, o := range res.Outcomes {
		if o.MessageID == id {
			return o.Err
		}
	}
	return nil
}
