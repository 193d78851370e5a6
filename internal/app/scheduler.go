package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/staking-engine/internal/distribution"
	"github.com/atmx/staking-engine/internal/model"
)

// PeriodToDistribute returns the period a scheduled run at now pays: the
// UTC day that most recently closed.
func PeriodToDistribute(now time.Time) string {
	return model.PeriodFor(now.UTC().AddDate(0, 0, -1))
}

// Runner is the part of the orchestrator the scheduler drives.
type Runner interface {
	RunDistribution(ctx context.Context, period string) (distribution.Summary, error)
}

// Scheduler triggers a distribution on a cron schedule (UTC). A trigger
// that fires while the previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	ctx    context.Context
	now    func() time.Time
	log    *slog.Logger
}

// NewScheduler registers runner on the cron schedule spec. Runs use ctx, so cancelling it
// cancels an in-flight run cooperatively.
func NewScheduler(ctx context.Context, spec string, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		runner: runner,
		ctx:    ctx,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logger,
	}
	if _, err := s.cron.AddFunc(spec, s.Trigger); err != nil {
		return nil, err
	}
	return s, nil
}

// Trigger runs the distribution for the period that just closed.
func (s *Scheduler) Trigger() {
	period := PeriodToDistribute(s.now())
	sum, err := s.runner.RunDistribution(s.ctx, period)
	switch {
	case err == nil:
	case errors.Is(err, distribution.ErrAlreadyDistributed):
		s.log.Info("scheduled distribution skipped, already distributed", "period", period)
	default:
		s.log.Error("scheduled distribution failed",
			"period", period, "outcome", sum.Outcome, "err", err)
	}
}

// Start begins firing on schedule.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops the schedule and waits for a running trigger to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
