package models

import (
	"encoding/json"
	"fmt"
)

const (
	MaxDeviceIDLength = 128
	MaxMetricLength   = 64
)

// Event is a validated telemetry measurement taken off the queue.
type Event struct {
	// Device that produced the measurement
	DeviceID string `json:"device_id"`

	// Metric type, e.g. "temperature"
	Type string `json:"type"`

	// Measured value, kept as the literal decimal text from the payload
	Value json.Number `json:"value"`

	// Epoch milliseconds when the measurement was taken
	TS int64 `json:"ts"`

	// Optional correlation id from the producer
	RequestID string `json:"request_id,omitempty"`

	// Provenance reference, not enforced unique
	EventID string `json:"event_id"`

	// Optional free-form object stored with the event by the producer.
	// It is not forwarded to the evaluator.
	Raw json.RawMessage `json:"raw,omitempty"`

	// Epoch milliseconds when the producer stored the event
	IngestedAt int64 `json:"ingested_at,omitempty"`
}

// Float returns the numeric value used for threshold comparison.
func (e Event) Float() float64 {
	f, _ := e.Value.Float64()
	return f
}

// DeviceEventID builds the provenance id the producer assigns to a stored
// event: DEVICE#<device_id>:TS#<ts>.
func DeviceEventID(deviceID string, ts int64) string {
	return fmt.Sprintf("DEVICE#%s:TS#%d", deviceID, ts)
}
