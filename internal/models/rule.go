package models

import "time"

// Rule is a per-device, per-metric threshold condition. Rules are immutable
// once created.
type Rule struct {
	RuleID    string    `json:"rule_id"`
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Operator  Operator  `json:"operator"`
	Threshold float64   `json:"threshold"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
