package evaluator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"vigil/internal/alerts"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/queue"
)

// Construction errors
var (
	ErrNoRuleSource     = errors.New("evaluator: rule source is required")
	ErrNoAlertWriter    = errors.New("evaluator: alert writer is required")
	ErrNoDeadLetterSink = errors.New("evaluator: dead-letter sink is required")
)

// Config wires the evaluator's collaborators.
type Config struct {
	Rules      alerts.RuleSource
	Alerts     AlertWriter
	DeadLetter queue.DeadLetterSink

	// Concurrency bounds how many messages of one batch run at once
	Concurrency int

	// MessageTimeout bounds the work done for one message
	MessageTimeout time.Duration

	// Retention is how long alerts are kept (default 90 days)
	Retention time.Duration

	IdempotentAlerts bool

	Now func() time.Time
}

// Evaluator consumes one batch at a time, quarantining poison messages,
// matching valid events against rules and persisting triggered alerts.
type Evaluator struct {
	matcher        *alerts.Matcher
	persister      *Persister
	sink           queue.DeadLetterSink
	concurrency    int
	messageTimeout time.Duration

	// Metrics
	acknowledged atomic.Uint64
	failed       atomic.Uint64
	quarantined  atomic.Uint64
	alertsFired  atomic.Uint64
}

// New creates an Evaluator. Missing collaborators are a startup error.
func New(cfg Config) (*Evaluator, error) {
	if cfg.Rules == nil {
		return nil, ErrNoRuleSource
	}
	if cfg.Alerts == nil {
		return nil, ErrNoAlertWriter
	}
	if cfg.DeadLetter == nil {
		return nil, ErrNoDeadLetterSink
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 10 * time.Second
	}

	return &Evaluator{
		matcher:        alerts.NewMatcher(cfg.Rules),
		persister:      NewPersister(cfg.Alerts, cfg.Retention, cfg.IdempotentAlerts, cfg.Now),
		sink:           cfg.DeadLetter,
		concurrency:    cfg.Concurrency,
		messageTimeout: cfg.MessageTimeout,
	}, nil
}

// HandleBatch processes every message of the batch independently and returns
// the ids that must be redelivered.
func (e *Evaluator) HandleBatch(ctx context.Context, msgs []queue.Message) queue.BatchResult {
	log := logger.WithComponent("evaluator")
	start := time.Now()
	metrics.EvaluatorBatchSize.Observe(float64(len(msgs)))

	outcomes := make([]queue.Outcome, len(msgs))

	// plain Group: one message failing must not cancel its siblings
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, msg := range msgs {
		g.Go(func() error {
			outcomes[i] = e.process(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()

	result := queue.BatchResult{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.State() == queue.StateFailed {
			result.Failures = append(result.Failures, o.MessageID)
		}
	}

	duration := time.Since(start)
	metrics.EvaluatorBatchDuration.Observe(duration.Seconds())
	log.Info().
		Int("batch_size", len(msgs)).
		Int("failed", len(result.Failures)).
		Dur("duration", duration).
		Msg("batch evaluated")

	return result
}

// process drives one message through the state machine.
func (e *Evaluator) process(parent context.Context, msg queue.Message) (out queue.Outcome) {
	out = queue.Outcome{MessageID: msg.ID, Path: []queue.State{queue.StateReceived}}
	log := logger.WithMessage("evaluator", msg.ID).With().Int("attempt", msg.Attempt).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("message panic recovered")
			metrics.PanicsRecovered.WithLabelValues("evaluator").Inc()
			out = e.fail(out, fmt.Errorf("panic: %v", r))
		}
		metrics.EvaluatorMessagesTotal.
			WithLabelValues(string(out.State()), strconv.FormatBool(out.Visited(queue.StatePoison))).
			Inc()
	}()

	ctx, cancel := context.WithTimeout(parent, e.messageTimeout)
	defer cancel()

	parsed, err := Parse(msg.Body)
	if err != nil {
		return e.quarantine(ctx, out, msg, err)
	}
	out.Path = append(out.Path, queue.StateParsed)

	event, err := Validate(parsed)
	if err != nil {
		return e.quarantine(ctx, out, msg, err)
	}
	out.Path = append(out.Path, queue.StateValidated)

	rules, err := e.matcher.FetchRules(ctx, event.DeviceID, event.Type)
	if err != nil {
		return e.fail(out, &TransientError{Op: "fetch rules", Err: err})
	}
	pending := alerts.Match(event, rules)
	out.Path = append(out.Path, queue.StateEvaluated)

	for _, p := range pending {
		alertID, err := e.persister.Persist(ctx, p)
		if err != nil {
			return e.fail(out, err)
		}
		out.AlertIDs = append(out.AlertIDs, alertID)
		log.Info().
			Str("alert_id", alertID).
			Str("device_id", p.DeviceID).
			Str("rule_id", p.RuleID).
			Str("metric", p.Metric).
			Str("operator", p.Operator.String()).
			Float64("threshold", p.Threshold).
			Str("actual_value", p.ActualValue.String()).
			Msg("alert fired")
	}
	out.Path = append(out.Path, queue.StatePersisted, queue.StateAcknowledged)

	e.acknowledged.Add(1)
	e.alertsFired.Add(uint64(len(out.AlertIDs)))
	log.Debug().
		Str("device_id", event.DeviceID).
		Str("event_id", event.EventID).
		Int("rules", len(rules)).
		Int("alerts", len(out.AlertIDs)).
		Msg("message processed")
	return out
}

// quarantine forwards a poison message to the dead-letter sink. A message
// the sink could not take is reported for redelivery instead of dropped.
func (e *Evaluator) quarantine(ctx context.Context, out queue.Outcome, msg queue.Message, cause error) queue.Outcome {
	out.Path = append(out.Path, queue.StatePoison)
	log := logger.WithMessage("evaluator", msg.ID)

	dl := queue.DeadLetter{Message: msg, Reason: queue.ReasonParseError, Detail: []string{cause.Error()}}
	var ve *ValidationError
	if errors.As(cause, &ve) {
		dl.Reason = queue.ReasonValidationError
		dl.Detail = ve.Violations
	}

	if err := e.sink.Forward(ctx, dl); err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("dead-letter forward failed, requesting redelivery")
		return e.fail(out, &TransientError{Op: "forward dead letter", Err: err})
	}

	e.quarantined.Add(1)
	metrics.DeadLetterTotal.WithLabelValues(dl.Reason).Inc()
	log.Error().
		Str("reason", dl.Reason).
		Strs("detail", dl.Detail).
		Msg("message quarantined to dead-letter sink")

	out.Err = cause
	out.Path = append(out.Path, queue.StateAcknowledged)
	return out
}

func (e *Evaluator) fail(out queue.Outcome, err error) queue.Outcome {
	e.failed.Add(1)
	log := logger.WithMessage("evaluator", out.MessageID)
	log.Warn().
		Err(err).
		Strs("path", statesToStrings(out.Path)).
		Msg("message failed, will be redelivered")
	out.Err = err
	out.Path = append(out.Path, queue.StateFailed)
	return out
}

func statesToStrings(states []queue.State) []string {
	s := make([]string, len(states))
	for i, st := range states {
		s[i] = string(st)
	}
	return s
}

// Stats returns evaluator counters
func (e *Evaluator) Stats() Stats {
	return Stats{
		Acknowledged: e.acknowledged.Load(),
		Failed:       e.failed.Load(),
		Quarantined:  e.quarantined.Load(),
		AlertsFired:  e.alertsFired.Load(),
	}
}

// Stats holds evaluator counters
type Stats struct {
	Acknowledged uint64 `json:"acknowledged"`
	Failed       uint64 `json:"failed"`
	Quarantined  uint64 `json:"quarantined"`
	AlertsFired  uint64 `json:"alerts_fired"`
}
