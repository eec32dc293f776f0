// Package retention expires alerts past their retention period.
package retention

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"

	"vigil/internal/logger"
	"vigil/internal/metrics"
)

// Purger deletes alerts that expired at or before now.
type Purger interface {
	PurgeExpiredAlerts(ctx context.Context, now time.Time) (int64, error)
}

// Janitor runs the alert purge on a fixed interval.
type Janitor struct {
	purger   Purger
	interval time.Duration
	now      func() time.Time
}

// NewJanitor creates a janitor. A non-positive interval defaults to one hour.
func NewJanitor(purger Purger, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{purger: purger, interval: interval, now: time.Now}
}

// PurgeOnce deletes expired alerts and returns how many were removed.
func (j *Janitor) PurgeOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := j.purger.PurgeExpiredAlerts(ctx, j.now().UTC())
	if err != nil {
		return 0, err
	}
	metrics.RetentionPurgedTotal.Add(float64(n))
	log := logger.WithComponent("retention")
	log.Info().
		Int64("purged", n).
		Dur("duration", time.Since(start)).
		Msg("expired alerts purged")
	return n, nil
}

// Run schedules the purge and blocks until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	log := logger.WithComponent("retention")

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() {
			if _, err := j.PurgeOnce(ctx); err != nil {
				log.Error().Err(err).Msg("failed to purge expired alerts")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return errors.Wrap(err, "schedule purge job")
	}

	log.Info().Dur("interval", j.interval).Msg("starting retention janitor")
	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}
