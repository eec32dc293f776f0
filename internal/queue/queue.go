// Package queue holds the broker-neutral message and batch types shared by
// the Kafka and Service Bus adapters and the evaluator.
package queue

import "context"

// Message is one delivery taken off the durable queue.
type Message struct {
	// Broker-assigned identifier, used in the redelivery report
	ID string

	// Partitioning key, if the broker has one
	Key string

	// Raw payload, forwarded verbatim when quarantined
	Body []byte

	// Number of earlier deliveries of this payload
	Attempt int
}

// BatchResult is the partial-failure report for one batch. Every message
// whose ID is not in Failures is acknowledged.
type BatchResult struct {
	Failures []string
	Outcomes []Outcome
}

// FailureSet returns the failure list as a set.
func (r BatchResult) FailureSet() map[string]struct{} {
	set := make(map[string]struct{}, len(r.Failures))
	for _, id := range r.Failures {
		set[id] = struct{}{}
	}
	return set
}

// BatchHandler processes one delivered batch.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []Message) BatchResult
}

// DeadLetter is a message routed to the dead-letter sink.
type DeadLetter struct {
	Message Message
	Reason  string
	Detail  []string
}

// Dead-letter reasons.
const (
	ReasonParseError          = "parse_error"
	ReasonValidationError     = "validation_error"
	ReasonDeliveriesExhausted = "deliveries_exhausted"
)

// DeadLetterSink durably holds messages that cannot be processed.
type DeadLetterSink interface {
	Forward(ctx context.Context, dl DeadLetter) error
}

// Consumer pulls batches from a broker and settles them from a BatchResult.
type Consumer interface {
	Start(ctx context.Context) error
	Stop() error
}

// Enqueuer publishes a raw event payload for asynchronous evaluation.
type Enqueuer interface {
	Enqueue(ctx context.Context, key string, body []byte) error
}
