package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"vigil/internal/models"
)

const uniqueViolation = "23505"

// Postgres implements the rule, alert and event stores.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ RuleStore  = (*Postgres)(nil)
	_ AlertStore = (*Postgres)(nil)
	_ EventStore = (*Postgres)(nil)
)

// Open creates a connection pool and fails fast if the database is unreachable.
func Open(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse database dsn")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return &Postgres{pool: pool}, nil
}

// Ping is used by the readiness endpoint
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool
func (p *Postgres) Close() {
	p.pool.Close()
}

// CreateRule inserts a rule.
func (p *Postgres) CreateRule(ctx context.Context, rule models.Rule) error {
	const query = `INSERT INTO rules (rule_id, device_id, metric, operator, threshold, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := p.pool.Exec(ctx, query,
		rule.RuleID, rule.DeviceID, rule.Metric, rule.Operator.String(), rule.Threshold, rule.Enabled, rule.CreatedAt)
	return errors.Wrap(err, "insert rule")
}

// ListRules returns rules oldest first, for one device unless deviceID is
// empty.
func (p *Postgres) ListRules(ctx context.Context, deviceID string, limit int) ([]models.Rule, error) {
	const query = `SELECT rule_id, device_id, metric, operator, threshold, enabled, created_at
		FROM rules WHERE ($1 = '' OR device_id = $1) ORDER BY created_at, rule_id LIMIT $2`
	rows, err := p.pool.Query(ctx, query, deviceID, ClampLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query rules")
	}
	return collectRules(rows)
}

// EnabledRules returns the enabled rules for one device and metric in
// creation order.
func (p *Postgres) EnabledRules(ctx context.Context, deviceID, metric string) ([]models.Rule, error) {
	const query = `SELECT rule_id, device_id, metric, operator, threshold, enabled, created_at
		FROM rules WHERE device_id = $1 AND metric = $2 AND enabled
		ORDER BY created_at, rule_id`
	rows, err := p.pool.Query(ctx, query, deviceID, metric)
	if err != nil {
		return nil, errors.Wrap(err, "query enabled rules")
	}
	return collectRules(rows)
}

func collectRules(rows pgx.Rows) ([]models.Rule, error) {
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		var r models.Rule
		var op string
		if err := rows.Scan(&r.RuleID, &r.DeviceID, &r.Metric, &op, &r.Threshold, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan rule")
		}
		parsed, err := models.ParseOperator(op)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %s", r.RuleID)
		}
		r.Operator = parsed
		rules = append(rules, r)
	}
	return rules, errors.Wrap(rows.Err(), "iterate rules")
}

// InsertAlert appends an alert. inserted is false when the alert id already
// exists.
func (p *Postgres) InsertAlert(ctx context.Context, a models.Alert) (bool, error) {
	const query = `INSERT INTO alerts
		(alert_id, device_id, rule_id, metric, operator, threshold, actual_value, fired_at, event_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8, $9, $10)
		ON CONFLICT (alert_id) DO NOTHING`
	tag, err := p.pool.Exec(ctx, query,
		a.AlertID, a.DeviceID, a.RuleID, a.Metric, a.Operator.String(), a.Threshold,
		a.ActualValue.String(), a.FiredAt, a.EventID, a.ExpiresAt)
	if err != nil {
		return false, errors.Wrap(err, "insert alert")
	}
	return tag.RowsAffected() == 1, nil
}

// ListAlerts returns unexpired alerts newest first, for one device unless
// deviceID is empty.
func (p *Postgres) ListAlerts(ctx context.Context, deviceID string, limit int) ([]models.Alert, error) {
	const query = `SELECT alert_id, device_id, rule_id, metric, operator, threshold, actual_value::text,
			fired_at, event_id, expires_at
		FROM alerts WHERE ($1 = '' OR device_id = $1) AND expires_at > NOW()
		ORDER BY fired_at DESC, alert_id DESC LIMIT $2`
	rows, err := p.pool.Query(ctx, query, deviceID, ClampLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "query alerts")
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		var op, value string
		if err := rows.Scan(&a.AlertID, &a.DeviceID, &a.RuleID, &a.Metric, &op, &a.Threshold, &value,
			&a.FiredAt, &a.EventID, &a.ExpiresAt); err != nil {
			return nil, errors.Wrap(err, "scan alert")
		}
		if a.Operator, err = models.ParseOperator(op); err != nil {
			return nil, errors.Wrapf(err, "alert %s", a.AlertID)
		}
		a.ActualValue = json.Number(value)
		alerts = append(alerts, a)
	}
	return alerts, errors.Wrap(rows.Err(), "iterate alerts")
}

// PurgeExpiredAlerts deletes alerts whose retention has passed.
func (p *Postgres) PurgeExpiredAlerts(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM alerts WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "purge expired alerts")
	}
	return tag.RowsAffected(), nil
}

// InsertEvent stores a raw event. It returns ErrDuplicateEvent when the
// device already has an event at the same timestamp.
func (p *Postgres) InsertEvent(ctx context.Context, e models.Event) error {
	const query = `INSERT INTO events (device_id, ts, type, value, request_id, event_id, raw, ingested_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7::jsonb, $8)`
	var raw []byte
	if len(e.Raw) > 0 {
		raw = e.Raw
	}
	_, err := p.pool.Exec(ctx, query,
		e.DeviceID, e.TS, e.Type, e.Value.String(), e.RequestID, e.EventID, raw, e.IngestedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateEvent
		}
		return errors.Wrap(err, "insert event")
	}
	return nil
}

// ListEvents returns a device's events, newest first.
func (p *Postgres) ListEvents(ctx context.Context, q EventQuery) ([]models.Event, error) {
	const query = `SELECT device_id, ts, type, value::text, request_id, event_id, raw, ingested_at
		FROM events
		WHERE device_id = $1
			AND ($2::bigint = 0 OR ts >= $2)
			AND ($3::bigint = 0 OR ts <= $3)
		ORDER BY ts DESC LIMIT $4`
	rows, err := p.pool.Query(ctx, query, q.DeviceID, q.FromTS, q.ToTS, ClampLimit(q.Limit))
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var value string
		var raw []byte
		if err := rows.Scan(&e.DeviceID, &e.TS, &e.Type, &value, &e.RequestID, &e.EventID, &raw, &e.IngestedAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.Value = json.Number(value)
		if len(raw) > 0 {
			e.Raw = json.RawMessage(raw)
		}
		events = append(events, e)
	}
	return events, errors.Wrap(rows.Err(), "iterate events")
}
