// Package storage persists rules, alerts and raw events in PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"vigil/internal/models"
)

// Storage errors
var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEvent = errors.New("event already exists for device and timestamp")
)

// Page limits for list queries.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// RuleStore holds threshold rules.
type RuleStore interface {
	CreateRule(ctx context.Context, rule models.Rule) error
	ListRules(ctx context.Context, deviceID string, limit int) ([]models.Rule, error)
	EnabledRules(ctx context.Context, deviceID, metric string) ([]models.Rule, error)
}

// AlertStore holds triggered alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert models.Alert) (bool, error)
	ListAlerts(ctx context.Context, deviceID string, limit int) ([]models.Alert, error)
	PurgeExpiredAlerts(ctx context.Context, now time.Time) (int64, error)
}

// EventQuery selects stored events for one device. Zero bounds are open.
type EventQuery struct {
	DeviceID string
	FromTS   int64
	ToTS     int64
	Limit    int
}

// EventStore holds raw telemetry accepted by the producer endpoint.
type EventStore interface {
	InsertEvent(ctx context.Context, event models.Event) error
	ListEvents(ctx context.Context, q EventQuery) ([]models.Event, error)
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
