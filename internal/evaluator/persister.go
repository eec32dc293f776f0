package evaluator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// AlertWriter appends alerts to the alert store. inserted is false when an
// alert with the same id already exists.
type AlertWriter interface {
	InsertAlert(ctx context.Context, alert models.Alert) (inserted bool, err error)
}

// alertNamespace seeds deterministic alert ids in idempotent mode.
var alertNamespace = uuid.MustParse("5b0f8c1e-2d63-4c7a-9f43-8a1d6c2e7b90")

// Persister turns pending alerts into stored alert records.
type Persister struct {
	store      AlertWriter
	now        func() time.Time
	retention  time.Duration
	idempotent bool
}

// NewPersister creates a persister. With idempotent set, the alert id is
// derived from (event id, rule id) so redelivery cannot add a second record.
func NewPersister(store AlertWriter, retention time.Duration, idempotent bool, now func() time.Time) *Persister {
	if retention <= 0 {
		retention = models.AlertRetention
	}
	if now == nil {
		now = time.Now
	}
	return &Persister{
		store:      store,
		now:        now,
		retention:  retention,
		idempotent: idempotent,
	}
}

// Persist writes one alert and returns its id.
func (p *Persister) Persist(ctx context.Context, pending models.PendingAlert) (string, error) {
	alertID, err := p.alertID(pending)
	if err != nil {
		return "", &TransientError{Op: "generate alert id", Err: err}
	}

	firedAt := p.now().UTC()
	alert := models.Alert{
		AlertID:     alertID,
		DeviceID:    pending.DeviceID,
		RuleID:      pending.RuleID,
		Metric:      pending.Metric,
		Operator:    pending.Operator,
		Threshold:   pending.Threshold,
		ActualValue: pending.ActualValue,
		FiredAt:     firedAt,
		EventID:     pending.EventID,
		ExpiresAt:   firedAt.Add(p.retention),
	}

	inserted, err := p.store.InsertAlert(ctx, alert)
	if err != nil {
		metrics.AlertsPersistedTotal.WithLabelValues("failed").Inc()
		return "", &TransientError{Op: "persist alert", Err: err}
	}

	if !inserted {
		metrics.AlertsPersistedTotal.WithLabelValues("duplicate").Inc()
		log := logger.WithComponent("persister")
		log.Debug().
			Str("alert_id", alertID).
			Str("event_id", pending.EventID).
			Str("rule_id", pending.RuleID).
			Msg("alert already recorded for event")
		return alertID, nil
	}

	metrics.AlertsPersistedTotal.WithLabelValues("inserted").Inc()
	return alertID, nil
}

func (p *Persister) alertID(pending models.PendingAlert) (string, error) {
	if p.idempotent {
		return uuid.NewSHA1(alertNamespace, []byte(pending.EventID+"\x00"+pending.RuleID)).String(), nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
