package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"reminders/internal/worker"
)

const DefaultSpec = "@every 1m"

type Sweeper interface {
	ProcessDueReminders(ctx context.Context) (worker.SweepResult, error)
}

// Trigger invokes the due-work sweep on a cron schedule.
type Trigger struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *logrus.Logger
	timeout time.Duration
	baseCtx context.Context
}

func New(spec string, sweeper Sweeper, logger *logrus.Logger, timeout time.Duration) (*Trigger, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	t := &Trigger{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		sweeper: sweeper,
		logger:  logger,
		timeout: timeout,
		baseCtx: context.Background(),
	}

	if _, err := t.cron.AddFunc(spec, func() {
		_, _ = t.RunOnce(t.baseCtx)
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return t, nil
}

// RunOnce performs a single sweep bounded by the trigger timeout.
func (t *Trigger) RunOnce(ctx context.Context) (worker.SweepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.sweeper.ProcessDueReminders(ctx)
	if err != nil {
		t.logger.WithError(err).Error("Sweep failed")
		return res, err
	}
	t.logger.WithFields(logrus.Fields{
		"skipped":   res.Skipped,
		"due":       res.Due,
		"completed": res.Completed,
		"retried":   res.Retried,
		"failed":    res.Failed,
		"recovered": res.Recovered,
	}).Debug("Sweep tick")
	return res, nil
}

// Start runs the schedule until ctx is cancelled or Stop is called.
func (t *Trigger) Start(ctx context.Context) {
	t.baseCtx = ctx
	t.cron.Start()
	t.logger.Info("Sweep trigger started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (t *Trigger) Stop() {
	<-t.cron.Stop().Done()
	t.logger.Info("Sweep trigger stopped")
}
