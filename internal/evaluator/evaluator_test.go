package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/models"
	"vigil/internal/queue"
)

// fakeRules serves rules from memory.
type fakeRules struct {
	mu    sync.Mutex
	rules []models.Rule
	err   error
	panic bool
}

func (f *fakeRules) EnabledRules(ctx context.Context, deviceID, metric string) ([]models.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("rule index corrupted")
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Rule
	for _, r := range f.rules {
		if r.DeviceID == deviceID && r.Metric == metric && r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeAlerts is an in-memory alert table. failFor makes inserts for a device
// fail.
type fakeAlerts struct {
	mu      sync.Mutex
	alerts  map[string]models.Alert
	order   []string
	failFor string
}

func newFakeAlerts() *fakeAlerts {
	return &fakeAlerts{alerts: make(map[string]models.Alert)}
}

func (f *fakeAlerts) InsertAlert(ctx context.Context, a models.Alert) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != "" && a.DeviceID == f.failFor {
		return false, errors.New("connection reset by peer")
	}
	if _, ok := f.alerts[a.AlertID]; ok {
		return false, nil
	}
	f.alerts[a.AlertID] = a
	f.order = append(f.order, a.AlertID)
	return true, nil
}

func (f *fakeAlerts) all() []models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Alert, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.alerts[id])
	}
	return out
}

type fakeSink struct {
	mu        sync.Mutex
	forwarded []queue.DeadLetter
	err       error
}

func (f *fakeSink) Forward(ctx context.Context, dl queue.DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.forwarded = append(f.forwarded, dl)
	return nil
}

func (f *fakeSink) all() []queue.DeadLetter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.DeadLetter(nil), f.forwarded...)
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEvaluator(t *testing.T, rules *fakeRules, store *fakeAlerts, sink *fakeSink, idempotent bool) *Evaluator {
	t.Helper()
	e, err := New(Config{
		Rules:            rules,
		Alerts:           store,
		DeadLetter:       sink,
		Concurrency:      4,
		MessageTimeout:   time.Second,
		IdempotentAlerts: idempotent,
		Now:              func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return e
}

func hotRule(deviceID string) models.Rule {
	return models.Rule{
		RuleID:    "rule-hot-" + deviceID,
		DeviceID:  deviceID,
		Metric:    "temperature",
		Operator:  models.OpGreater,
		Threshold: 60,
		Enabled:   true,
	}
}

func eventMessage(id, deviceID, value string) queue.Message {
	body := fmt.Sprintf(`{"device_id":%q,"type":"temperature","value":%s,"ts":1700000000000,"event_id":%q}`,
		deviceID, value, models.DeviceEventID(deviceID, 1700000000000))
	return queue.Message{ID: id, Key: deviceID, Body: []byte(body)}
}

func outcomeFor(t *testing.T, res queue.BatchResult, id string) queue.Outcome {
	t.Helper()
	for _, o := range res.Outcomes {
		if o.MessageID == id {
			return o
		}
	}
	t.Fatalf("no outcome for message %s", id)
	return queue.Outcome{}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Alerts: newFakeAlerts(), DeadLetter: &fakeSink{}})
	assert.ErrorIs(t, err, ErrNoRuleSource)

	_, err = New(Config{Rules: &fakeRules{}, DeadLetter: &fakeSink{}})
	assert.ErrorIs(t, err, ErrNoAlertWriter)

	_, err = New(Config{Rules: &fakeRules{}, Alerts: newFakeAlerts()})
	assert.ErrorIs(t, err, ErrNoDeadLetterSink)
}

func TestHandleBatch_MixedBatch(t *testing.T) {
	rules := &fakeRules{rules: []models.Rule{hotRule("dev-ok"), hotRule("dev-down")}}
	store := newFakeAlerts()
	store.failFor = "dev-down"
	sink := &fakeSink{}
	e := newTestEvaluator(t, rules, store, sink, false)

	msgs := []queue.Message{
		{ID: "m1", Body: []byte(`{"device_id": "dev-ok", "type": `)},
		eventMessage("m2", "dev-ok", "61.2"),
		eventMessage("m3", "dev-down", "75"),
	}

	res := e.HandleBatch(context.Background(), msgs)

	assert.Equal(t, []string{"m3"}, res.Failures)
	require.Len(t, res.Outcomes, 3)

	forwarded := sink.all()
	require.Len(t, forwarded, 1)
	assert.Equal(t, "m1", forwarded[0].Message.ID)
	assert.Equal(t, queue.ReasonParseError, forwarded[0].Reason)
	assert.Equal(t, msgs[0].Body, forwarded[0].Message.Body)

	stored := store.all()
	require.Len(t, stored, 1)
	alert := stored[0]
	assert.Equal(t, "dev-ok", alert.DeviceID)
	assert.Equal(t, "rule-hot-dev-ok", alert.RuleID)
	assert.Equal(t, "temperature", alert.Metric)
	assert.Equal(t, models.OpGreater, alert.Operator)
	assert.Equal(t, 60.0, alert.Threshold)
	assert.Equal(t, "61.2", alert.ActualValue.String())
	assert.Equal(t, "DEVICE#dev-ok:TS#1700000000000", alert.EventID)
	assert.Equal(t, fixedNow, alert.FiredAt)
	assert.Equal(t, fixedNow.Add(models.AlertRetention), alert.ExpiresAt)

	assert.Equal(t,
		[]queue.State{queue.StateReceived, queue.StatePoison, queue.StateAcknowledged},
		outcomeFor(t, res, "m1").Path)
	assert.Equal(t,
		[]queue.State{queue.StateReceived, queue.StateParsed, queue.StateValidated,
			queue.StateEvaluated, queue.StatePersisted, queue.StateAcknowledged},
		outcomeFor(t, res, "m2").Path)
	m3 := outcomeFor(t, res, "m3")
	assert.Equal(t, queue.StateFailed, m3.State())
	assert.True(t, IsTransient(m3.Err))

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Acknowledged)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Quarantined)
	assert.Equal(t, uint64(1), stats.AlertsFired)
}

func TestHandleBatch_ValidationFailureQuarantined(t *testing.T) {
	sink := &fakeSink{}
	e := newTestEvaluator(t, &fakeRules{}, newFakeAlerts(), sink, false)

	res := e.HandleBatch(context.Background(), []queue.Message{
		{ID: "bad", Body: []byte(`{"device_id":"d","type":"temperature","value":"hot","ts":1,"event_id":"e"}`)},
	})

	assert.Empty(t, res.Failures)
	forwarded := sink.all()
	require.Len(t, forwarded, 1)
	assert.Equal(t, queue.ReasonValidationError, forwarded[0].Reason)
	assert.Equal(t, []string{"value must be a number"}, forwarded[0].Detail)

	o := outcomeFor(t, res, "bad")
	assert.True(t, o.Visited(queue.StateParsed))
	assert.True(t, o.Visited(queue.StatePoison))
	assert.False(t, o.Visited(queue.StateValidated))
	assert.Equal(t, queue.StateAcknowledged, o.State())
}

func TestHandleBatch_DeadLetterForwardFailure(t *testing.T) {
	sink := &fakeSink{err: errors.New("dlq unavailable")}
	e := newTestEvaluator(t, &fakeRules{}, newFakeAlerts(), sink, false)

	res := e.HandleBatch(context.Background(), []queue.Message{{ID: "p1", Body: []byte(`not json`)}})

	assert.Equal(t, []string{"p1"}, res.Failures)
	o := outcomeFor(t, res, "p1")
	assert.True(t, o.Visited(queue.StatePoison))
	assert.Equal(t, queue.StateFailed, o.State())
	assert.True(t, IsTransient(o.Err))
}

func TestHandleBatch_RuleFetchFailure(t *testing.T) {
	rules := &fakeRules{err: errors.New("throttled")}
	store := newFakeAlerts()
	e := newTestEvaluator(t, rules, store, &fakeSink{}, false)

	res := e.HandleBatch(context.Background(), []queue.Message{eventMessage("m1", "dev-1", "99")})

	assert.Equal(t, []string{"m1"}, res.Failures)
	o := outcomeFor(t, res, "m1")
	assert.True(t, o.Visited(queue.StateValidated))
	assert.False(t, o.Visited(queue.StateEvaluated))
	assert.Contains(t, o.Err.Error(), "fetch rules")
	assert.Empty(t, store.all())
}

func TestHandleBatch_NoMatchIsAcknowledged(t *testing.T) {
	disabled := hotRule("dev-1")
	disabled.Enabled = false
	rules := &fakeRules{rules: []models.Rule{disabled}}
	store := newFakeAlerts()
	e := newTestEvaluator(t, rules, store, &fakeSink{}, false)

	res := e.HandleBatch(context.Background(), []queue.Message{
		eventMessage("m1", "dev-1", "99"),
		eventMessage("m2", "dev-2", "99"),
	})

	assert.Empty(t, res.Failures)
	assert.Empty(t, store.all())
	for _, o := range res.Outcomes {
		assert.Equal(t, queue.StateAcknowledged, o.State())
		assert.True(t, o.Visited(queue.StatePersisted))
		assert.Empty(t, o.AlertIDs)
	}
}

func TestHandleBatch_MultipleRulesFire(t *testing.T) {
	warm := hotRule("dev-1")
	warm.RuleID = "warm"
	warm.Threshold = 30
	equal := hotRule("dev-1")
	equal.RuleID = "exact"
	equal.Operator = models.OpEqual
	equal.Threshold = 61.2
	rules := &fakeRules{rules: []models.Rule{hotRule("dev-1"), warm, equal}}
	store := newFakeAlerts()
	e := newTestEvaluator(t, rules, store, &fakeSink{}, false)

	res := e.HandleBatch(context.Background(), []queue.Message{eventMessage("m1", "dev-1", "61.2")})

	assert.Empty(t, res.Failures)
	assert.Len(t, outcomeFor(t, res, "m1").AlertIDs, 3)
	assert.Len(t, store.all(), 3)
}

func TestHandleBatch_RedeliveryDuplicatesAlerts(t *testing.T) {
	rules := &fakeRules{rules: []models.Rule{hotRule("dev-1")}}
	store := newFakeAlerts()
	e := newTestEvaluator(t, rules, store, &fakeSink{}, false)

	msg := eventMessage("m1", "dev-1", "70")
	e.HandleBatch(context.Background(), []queue.Message{msg})
	msg.Attempt = 1
	e.HandleBatch(context.Background(), []queue.Message{msg})

	stored := store.all()
	require.Len(t, stored, 2)
	assert.NotEqual(t, stored[0].AlertID, stored[1].AlertID)
}

func TestHandleBatch_IdempotentAlerts(t *testing.T) {
	rules := &fakeRules{rules: []models.Rule{hotRule("dev-1")}}
	store := newFakeAlerts()
	e := newTestEvaluator(t, rules, store, &fakeSink{}, true)

	msg := eventMessage("m1", "dev-1", "70")
	first := e.HandleBatch(context.Background(), []queue.Message{msg})
	second := e.HandleBatch(context.Background(), []queue.Message{msg})

	assert.Empty(t, second.Failures)
	require.Len(t, store.all(), 1)
	assert.Equal(t, outcomeFor(t, first, "m1").AlertIDs, outcomeFor(t, second, "m1").AlertIDs)
}

func TestHandleBatch_PanicBecomesFailure(t *testing.T) {
	rules := &fakeRules{panic: true}
	e := newTestEvaluator(t, rules, newFakeAlerts(), &fakeSink{}, false)

	res := e.HandleBatch(context.Background(), []queue.Message{
		eventMessage("m1", "dev-1", "70"),
		{ID: "m2", Body: []byte(`[]`)},
	})

	assert.Equal(t, []string{"m1"}, res.Failures)
	assert.True(t, strings.HasPrefix(outcomeFor(t, res, "m1").Err.Error(), "panic"))
	assert.Equal(t, queue.StateAcknowledged, outcomeFor(t, res, "m2").State())
}

func TestHandleBatch_LargeBatchIsolation(t *testing.T) {
	rules := &fakeRules{rules: []models.Rule{hotRule("dev-ok"), hotRule("dev-down")}}
	store := newFakeAlerts()
	store.failFor = "dev-down"
	e := newTestEvaluator(t, rules, store, &fakeSink{}, false)

	var msgs []queue.Message
	var wantFailures []string
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("m%02d", i)
		if i%5 == 0 {
			msgs = append(msgs, eventMessage(id, "dev-down", "70"))
			wantFailures = append(wantFailures, id)
			continue
		}
		msgs = append(msgs, eventMessage(id, "dev-ok", "70"))
	}

	res := e.HandleBatch(context.Background(), msgs)

	assert.Equal(t, wantFailures, res.Failures)
	assert.Len(t, store.all(), 40)
}

func TestHandleBatch_Empty(t *testing.T) {
	e := newTestEvaluator(t, &fakeRules{}, newFakeAlerts(), &fakeSink{}, false)
	res := e.HandleBatch(context.Background(), nil)
	assert.Empty(t, res.Failures)
	assert.Empty(t, res.Outcomes)
}
