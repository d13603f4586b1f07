package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/logger"
)

const recoveryBudget = 2 * time.Minute

// Recoverer re-establishes room timing from the record store.
type Recoverer interface {
	Recover(ctx context.Context) (*RecoveryReport, error)
}

// RecoveryJob runs recovery once at boot and then on a cron schedule, so
// rooms whose deadline passed while no instance was running still end.
type RecoveryJob struct {
	rooms    Recoverer
	schedule string
	log      zerolog.Logger
}

// NewRecoveryJob creates a RecoveryJob for a cron spec such as "@every 1m".
func NewRecoveryJob(rooms Recoverer, schedule string, log zerolog.Logger) *RecoveryJob {
	return &RecoveryJob{
		rooms:    rooms,
		schedule: schedule,
		log:      logger.Component(log, "recovery"),
	}
}

// RunOnce performs a single pass.
func (j *RecoveryJob) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, recoveryBudget)
	defer cancel()

	report, err := j.rooms.Recover(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("Recovery pass failed")
		return
	}
	if report.Ended > 0 || report.Rescheduled > 0 || report.Swept > 0 {
		j.log.Info().
			Int("ended", report.Ended).
			Int("rescheduled", report.Rescheduled).
			Int("swept", report.Swept).
			Msg("Recovery pass done")
	}
}

// Start runs the first pass synchronously, then keeps the schedule until
// ctx is cancelled. Overlapping passes are skipped.
func (j *RecoveryJob) Start(ctx context.Context) error {
	j.RunOnce(ctx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(j.schedule, func() { j.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("recovery schedule %q: %w", j.schedule, err)
	}
	c.Start()
	j.log.Info().Str("schedule", j.schedule).Msg("Recovery scheduled")

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
