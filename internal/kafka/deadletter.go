package kafka

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"vigil/internal/queue"
)

// Message headers set by vigil.
const (
	HeaderAttempt      = "vigil-attempt"
	HeaderDeadReason   = "vigil-dead-letter-reason"
	HeaderDeadDetail   = "vigil-dead-letter-detail"
	HeaderSourceID     = "vigil-source-id"
	HeaderDeadLetterAt = "vigil-dead-letter-at"
)

// DeadLetterSink forwards quarantined messages, unmodified, to a dead-letter
// topic. The reason travels in headers.
type DeadLetterSink struct {
	publisher Publisher
	now       func() time.Time
}

// NewDeadLetterSink creates a sink publishing through p.
func NewDeadLetterSink(p Publisher) *DeadLetterSink {
	return &DeadLetterSink{publisher: p, now: time.Now}
}

// Forward publishes the original payload with its reason headers.
func (s *DeadLetterSink) Forward(ctx context.Context, dl queue.DeadLetter) error {
	return s.publisher.Publish(ctx, Record{
		Key:   []byte(dl.Message.Key),
		Value: dl.Message.Body,
		Headers: []kafka.Header{
			{Key: HeaderDeadReason, Value: []byte(dl.Reason)},
			{Key: HeaderDeadDetail, Value: []byte(strings.Join(dl.Detail, "; "))},
			{Key: HeaderSourceID, Value: []byte(dl.Message.ID)},
			{Key: HeaderAttempt, Value: []byte(strconv.Itoa(dl.Message.Attempt))},
			{Key: HeaderDeadLetterAt, Value: []byte(s.now().UTC().Format(time.RFC3339Nano))},
		},
		Time: s.now(),
	})
}

// header returns the value of the named header, if present.
func header(headers []kafka.Header, key string) (string, bool) {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

// withAttempt returns headers with the attempt header set to n.
func withAttempt(headers []kafka.Header, n int) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != HeaderAttempt {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: HeaderAttempt, Value: []byte(strconv.Itoa(n))})
}
