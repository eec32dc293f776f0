package alerts

import (
	"context"
	"time"

	"vigil/internal/metrics"
	"vigil/internal/models"
)

// RuleSource looks up enabled rules by device through the device secondary
// index, filtered server-side to one metric.
type RuleSource interface {
	EnabledRules(ctx context.Context, deviceID, metric string) ([]models.Rule, error)
}

// Matcher fetches the rules that apply to an event and evaluates them.
type Matcher struct {
	rules RuleSource
}

// NewMatcher creates a matcher over the given rule source
func NewMatcher(rules RuleSource) *Matcher {
	return &Matcher{rules: rules}
}

// FetchRules returns the enabled rules for (deviceID, metric) in store order.
// Metric matching is exact.
func (m *Matcher) FetchRules(ctx context.Context, deviceID, metric string) ([]models.Rule, error) {
	start := time.Now()
	rules, err := m.rules.EnabledRules(ctx, deviceID, metric)
	metrics.RuleFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	// sources may return a superset
	out := rules[:0:0]
	for _, r := range rules {
		if r.Enabled && r.Metric == metric && r.DeviceID == deviceID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Evaluate reports whether value <op> threshold holds.
func Evaluate(value float64, op models.Operator, threshold float64) bool {
	return op.Compare(value, threshold)
}

// Match returns one pending alert per rule that fires for event.
func Match(event models.Event, rules []models.Rule) []models.PendingAlert {
	value := event.Float()
	var pending []models.PendingAlert
	for _, rule := range rules {
		if Evaluate(value, rule.Operator, rule.Threshold) {
			pending = append(pending, models.NewPendingAlert(rule, event))
		}
	}
	return pending
}
