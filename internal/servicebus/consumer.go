package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog"

	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/queue"
)

// Consumer errors
var (
	ErrNoHandler    = errors.New("service bus consumer: batch handler is required")
	ErrNoDeadLetter = errors.New("service bus consumer: dead-letter sink is required")
)

// messageReceiver is the subset of *azservicebus.Receiver used here.
type messageReceiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	Close(ctx context.Context) error
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Queue         string
	BatchSize     int
	MaxDeliveries int

	// RetryBackoff is the delay after a failed receive
	RetryBackoff time.Duration

	Handler    queue.BatchHandler
	DeadLetter queue.DeadLetterSink
}

// Consumer receives peek-locked batches from a queue. Successful messages
// are completed and failed ones abandoned so the broker redelivers them.
type Consumer struct {
	cfg      ConsumerConfig
	receiver messageReceiver

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer opens a peek-lock receiver on cfg.Queue.
func NewConsumer(client *azservicebus.Client, cfg ConsumerConfig) (*Consumer, error) {
	receiver, err := client.NewReceiverForQueue(cfg.Queue, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver for queue %s: %w", cfg.Queue, err)
	}
	return newConsumer(receiver, cfg)
}

func newConsumer(r messageReceiver, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Handler == nil {
		return nil, ErrNoHandler
	}
	if cfg.DeadLetter == nil {
		return nil, ErrNoDeadLetter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Consumer{cfg: cfg, receiver: r}, nil
}

// Start receives and settles batches until ctx is cancelled or Stop is called
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()
	defer close(done)
	defer cancel()

	log := logger.WithComponent("servicebus_consumer")
	log.Info().
		Str("queue", c.cfg.Queue).
		Int("batch_size", c.cfg.BatchSize).
		Msg("starting service bus consumer")

	for {
		msgs, err := c.receiver.ReceiveMessages(ctx, c.cfg.BatchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Dur("backoff", c.cfg.RetryBackoff).Msg("service bus receive failed")
			select {
			case <-time.After(c.cfg.RetryBackoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		if len(msgs) == 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		// settle on a detached context so a shutdown mid-batch still
		// completes or abandons what was handled
		sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		c.settle(sctx, msgs)
		scancel()
	}
}

// settle runs one batch through the handler and completes, abandons or
// dead-letters each message. Settlement errors are logged; an unsettled
// message is redelivered when its lock expires.
func (c *Consumer) settle(ctx context.Context, received []*azservicebus.ReceivedMessage) {
	log := logger.WithComponent("servicebus_consumer")

	msgs := make([]queue.Message, len(received))
	for i, m := range received {
		msgs[i] = toQueueMessage(c.cfg.Queue, m)
	}

	res := c.cfg.Handler.HandleBatch(ctx, msgs)
	failed := res.FailureSet()

	var abandoned int
	for i, m := range received {
		qm := msgs[i]
		mlog := log.With().Str("message_id", qm.ID).Logger()

		if _, ok := failed[qm.ID]; !ok {
			if err := c.receiver.CompleteMessage(ctx, m, nil); err != nil {
				mlog.Warn().Err(err).Msg("failed to complete message")
			}
			continue
		}

		if qm.Attempt+1 >= c.cfg.MaxDeliveries {
			dl := queue.DeadLetter{Message: qm, Reason: queue.ReasonDeliveriesExhausted}
			for _, o := range res.Outcomes {
				if o.MessageID == qm.ID && o.Err != nil {
					dl.Detail = []string{o.Err.Error()}
				}
			}
			if err := c.cfg.DeadLetter.Forward(ctx, dl); err != nil {
				mlog.Error().Err(err).Msg("failed to dead-letter exhausted message, abandoning")
				c.abandon(ctx, m, mlog)
				continue
			}
			metrics.DeadLetterTotal.WithLabelValues(dl.Reason).Inc()
			mlog.Error().Int("deliveries", qm.Attempt+1).Msg("message exceeded max deliveries, dead-lettered")
			if err := c.receiver.CompleteMessage(ctx, m, nil); err != nil {
				mlog.Warn().Err(err).Msg("failed to complete dead-lettered message")
			}
			continue
		}

		c.abandon(ctx, m, mlog)
		abandoned++
	}

	metrics.RedeliveriesTotal.WithLabelValues("servicebus").Add(float64(abandoned))
	log.Debug().
		Int("batch_size", len(received)).
		Int("abandoned", abandoned).
		Msg("batch settled")
}

func (c *Consumer) abandon(ctx context.Context, m *azservicebus.ReceivedMessage, log zerolog.Logger) {
	if err := c.receiver.AbandonMessage(ctx, m, nil); err != nil {
		log.Warn().Err(err).Msg("failed to abandon message")
	}
}

// Stop cancels consumption and closes the receiver
func (c *Consumer) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	ctx, cancelClose := closeTimeout()
	defer cancelClose()
	return c.receiver.Close(ctx)
}
