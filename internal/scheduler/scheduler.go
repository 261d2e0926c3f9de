// Package scheduler drives the trading day: the calendar-timed loops for
// buying, monitoring and integrity checks, and the cron-scheduled summary
// jobs.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// CronScheduler manages clock-scheduled background jobs. Schedules are
// evaluated in the exchange timezone so "16:30" means 16:30 in New York.
type CronScheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewCron creates a new cron scheduler in the given location
func NewCron(loc *time.Location, log zerolog.Logger) *CronScheduler {
	return &CronScheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		log:  log.With().Str("component", "cron").Logger(),
	}
}

// Start starts the scheduler
func (s *CronScheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Cron scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Cron scheduler stopped")
}

// AddJob registers a job with a six-field cron schedule (seconds first),
// e.g. "0 30 16 * * MON-FRI" for 16:30 on weekdays.
func (s *CronScheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("Running job")

		if err := job.Run(); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("Job failed")
		} else {
			s.log.Debug().Str("job", job.Name()).Msg("Job completed")
		}
	})

	if err != nil {
		return err
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}
