package models

import (
	"encoding/json"
	"time"
)

// AlertRetention is how long a triggered alert is kept before expiry.
const AlertRetention = 90 * 24 * time.Hour

// PendingAlert is a rule match that has not been persisted yet. It copies the
// rule fields so later rule changes never rewrite history.
type PendingAlert struct {
	RuleID      string
	DeviceID    string
	Metric      string
	Operator    Operator
	Threshold   float64
	ActualValue json.Number
	EventID     string
}

// NewPendingAlert snapshots rule for the event that triggered it.
func NewPendingAlert(rule Rule, event Event) PendingAlert {
	return PendingAlert{
		RuleID:      rule.RuleID,
		DeviceID:    rule.DeviceID,
		Metric:      rule.Metric,
		Operator:    rule.Operator,
		Threshold:   rule.Threshold,
		ActualValue: event.Value,
		EventID:     event.EventID,
	}
}

// Alert is a persisted rule trigger. Within a device, alerts are ordered by
// (FiredAt, AlertID).
type Alert struct {
	AlertID     string      `json:"alert_id"`
	DeviceID    string      `json:"device_id"`
	RuleID      string      `json:"rule_id"`
	Metric      string      `json:"metric"`
	Operator    Operator    `json:"operator"`
	Threshold   float64     `json:"threshold"`
	ActualValue json.Number `json:"actual_value"`
	FiredAt     time.Time   `json:"fired_at"`
	EventID     string      `json:"event_id"`
	ExpiresAt   time.Time   `json:"expires_at"`
}
