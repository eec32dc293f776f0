// Package servicebus adapts Azure Service Bus queues to the broker-neutral
// queue interfaces.
package servicebus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"vigil/internal/queue"
)

// Application properties set by vigil.
const (
	PropAttempt    = "vigil-attempt"
	PropDeadReason = "vigil-dead-letter-reason"
	PropDeadDetail = "vigil-dead-letter-detail"
	PropSourceID   = "vigil-source-id"
	PropDeviceID   = "device_id"
)

// NewClient connects to a namespace with a connection string.
func NewClient(connectionString string) (*azservicebus.Client, error) {
	client, err := azservicebus.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}
	return client, nil
}

// messageSender is the subset of *azservicebus.Sender used here.
type messageSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// Sender publishes to one queue. It serves both as the producer-side
// Enqueuer and as a dead-letter sink.
type Sender struct {
	queue  string
	sender messageSender
}

// NewSender opens a sender for queueName.
func NewSender(client *azservicebus.Client, queueName string) (*Sender, error) {
	s, err := client.NewSender(queueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender for queue %s: %w", queueName, err)
	}
	return &Sender{queue: queueName, sender: s}, nil
}

// Enqueue sends a raw event payload.
func (s *Sender) Enqueue(ctx context.Context, key string, body []byte) error {
	contentType := "application/json"
	msg := &azservicebus.Message{
		Body:        body,
		ContentType: &contentType,
		ApplicationProperties: map[string]any{
			PropDeviceID: key,
		},
	}
	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", s.queue, err)
	}
	return nil
}

// Forward sends a quarantined message, body unmodified, with its reason as
// application properties.
func (s *Sender) Forward(ctx context.Context, dl queue.DeadLetter) error {
	msg := &azservicebus.Message{
		Body: dl.Message.Body,
		ApplicationProperties: map[string]any{
			PropDeadReason: dl.Reason,
			PropDeadDetail: strings.Join(dl.Detail, "; "),
			PropSourceID:   dl.Message.ID,
			PropAttempt:    int64(dl.Message.Attempt),
		},
	}
	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return fmt.Errorf("failed to dead-letter message %s to %s: %w", dl.Message.ID, s.queue, err)
	}
	return nil
}

// Close closes the underlying sender
func (s *Sender) Close(ctx context.Context) error {
	return s.sender.Close(ctx)
}

func toQueueMessage(queueName string, m *azservicebus.ReceivedMessage) queue.Message {
	id := m.MessageID
	if m.SequenceNumber != nil {
		id = queueName + "/" + strconv.FormatInt(*m.SequenceNumber, 10)
	}

	attempt := 0
	if m.DeliveryCount > 0 {
		attempt = int(m.DeliveryCount) - 1
	}

	key := ""
	if v, ok := m.ApplicationProperties[PropDeviceID].(string); ok {
		key = v
	}

	return queue.Message{ID: id, Key: key, Body: m.Body, Attempt: attempt}
}

func closeTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
