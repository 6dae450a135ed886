package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/wb-go/wbf/retry"

	"reminders/internal/lock"
	"reminders/internal/metrics"
	"reminders/internal/models"
	"reminders/internal/storage"
)

const finishTimeout = 10 * time.Second

var retryBackoff = []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute}

var (
	errNotPending  = errors.New("job is no longer pending")
	errNotClaimed  = errors.New("job not claimable")
	errPermanent   = errors.New("permanent job failure")
	errUnknownType = fmt.Errorf("%w: unknown job type", errPermanent)
)

// RetryDelay is the backoff after the given number of attempts. The last
// step repeats for any further attempt.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(retryBackoff) {
		attempts = len(retryBackoff)
	}
	return retryBackoff[attempts-1]
}

type SweepResult struct {
	Skipped   bool          `json:"skipped"`
	Due       int           `json:"due"`
	Completed int           `json:"completed"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Recovered int           `json:"recovered"`
	Duration  time.Duration `json:"duration"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeRetried
	outcomeFailed
)

func (o outcome) label() string {
	switch o {
	case outcomeCompleted:
		return metrics.OutcomeCompleted
	case outcomeRetried:
		return metrics.OutcomeRetried
	case outcomeFailed:
		return metrics.OutcomeFailed
	}
	return metrics.OutcomeSkipped
}

// claimMode decides how a pending job becomes processing. A sweep claim
// requires the job to be due and counts an attempt; a manual retry has
// already counted its attempt.
type claimMode int

const (
	claimSweep claimMode = iota
	claimManual
)

// ProcessDueReminders runs one due-work sweep. It is safe to call on a fixed
// interval: an overlapping call, or one that cannot get the sweep lease,
// returns a skipped result.
func (s *Scheduler) ProcessDueReminders(ctx context.Context) (SweepResult, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.Info("Sweep already in progress, skipping")
		metrics.SweepsTotal.WithLabelValues("skipped").Inc()
		return SweepResult{Skipped: true}, nil
	}
	defer s.sweeping.Store(false)

	if s.locker != nil {
		lease, err := s.locker.Acquire(ctx, s.leaseKey, s.leaseTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Info("Sweep lease held by another instance, skipping")
			metrics.SweepsTotal.WithLabelValues("skipped").Inc()
			return SweepResult{Skipped: true}, nil
		}
		if err != nil {
			metrics.SweepsTotal.WithLabelValues("error").Inc()
			return SweepResult{Skipped: true}, fmt.Errorf("failed to acquire sweep lease: %w", err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil {
				s.logger.WithError(err).Warn("Failed to release sweep lease")
			}
		}()
	}

	started := time.Now()
	now := s.now()

	recovered := s.reclaimStaleJobs(ctx, now)

	jobs, err := s.collectDueJobs(ctx, now)
	if err != nil {
		metrics.SweepsTotal.WithLabelValues("error").Inc()
		return SweepResult{Recovered: recovered}, err
	}

	result := SweepResult{Due: len(jobs), Recovered: recovered}
	for start := 0; start < len(jobs); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(started)
			return result, err
		}

		end := start + s.batchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		for _, o := range s.processBatch(ctx, jobs[start:end]) {
			switch o {
			case outcomeCompleted:
				result.Completed++
			case outcomeRetried:
				result.Retried++
			case outcomeFailed:
				result.Failed++
			}
		}
	}

	result.Duration = time.Since(started)
	metrics.SweepsTotal.WithLabelValues("completed").Inc()
	metrics.SweepDuration.Observe(result.Duration.Seconds())

	if result.Due > 0 {
		s.logger.WithFields(logrus.Fields{
			"due":       result.Due,
			"completed": result.Completed,
			"retried":   result.Retried,
			"failed":    result.Failed,
			"recovered": result.Recovered,
			"duration":  result.Duration.String(),
		}).Info("Sweep finished")
	}
	return result, nil
}

func (s *Scheduler) processBatch(ctx context.Context, batch []*models.ScheduledJob) []outcome {
	outcomes := make([]outcome, len(batch))

	var wg conc.WaitGroup
	for i, job := range batch {
		i, job := i, job
		wg.Go(func() {
			outcomes[i] = s.processJob(ctx, job.ID, claimSweep)
		})
	}
	if recovered := wg.WaitAndRecover(); recovered != nil {
		s.logger.WithField("panic", recovered.String()).Error("Job processing panicked")
	}
	return outcomes
}

// reclaimStaleJobs puts back jobs left in processing by a crashed worker or
// a lost result write. A run older than the job timeout plus the settle
// timeout cannot still be in flight. The attempt it used stays counted, so
// the job returns to the normal retry schedule or fails when exhausted.
// It returns how many jobs went back to pending.
func (s *Scheduler) reclaimStaleJobs(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-(s.jobTimeout + finishTimeout))

	stale, err := s.store.GetStaleProcessingJobs(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to look up stale processing jobs")
		return 0
	}

	recovered := 0
	for _, job := range stale {
		log := s.logger.WithFields(logrus.Fields{
			"job_id":      job.ID,
			"reminder_id": job.ReminderID,
		})

		updated, err := s.store.UpdateScheduledJob(ctx, job.ID, func(j *models.ScheduledJob) error {
			if j.Status != models.JobStatusProcessing || !j.ProcessingSince().Before(cutoff) {
				return errNotClaimed
			}
			j.ErrorMessage = "processing abandoned before a result was recorded"
			if j.CanRetry() {
				next := j.ProcessingSince().Add(RetryDelay(j.Attempts))
				j.Status = models.JobStatusPending
				j.NextRetry = &next
				return nil
			}
			j.Status = models.JobStatusFailed
			j.NextRetry = nil
			return nil
		})
		if errors.Is(err, errNotClaimed) {
			continue
		}
		if err != nil {
			log.WithError(err).Warn("Failed to reclaim stale job")
			continue
		}

		if updated.Status == models.JobStatusPending {
			recovered++
			log.WithField("next_retry", updated.NextRetry).Warn("Reclaimed stale processing job")
			metrics.JobsProcessed.WithLabelValues(string(updated.Type), metrics.OutcomeReclaimed).Inc()
			continue
		}
		log.WithField("attempts", updated.Attempts).Error("Stale processing job had no attempts left, marked failed")
		metrics.JobsProcessed.WithLabelValues(string(updated.Type), metrics.OutcomeFailed).Inc()
	}
	return recovered
}

// collectDueJobs merges the store's due jobs with ids popped from the
// near-term queue, dropping duplicates.
func (s *Scheduler) collectDueJobs(ctx context.Context, now time.Time) ([]*models.ScheduledJob, error) {
	strategy := retry.Strategy{
		Attempts: 3,
		Delay:    100 * time.Millisecond,
		Backoff:  2,
	}

	var jobs []*models.ScheduledJob
	err := retry.DoContext(ctx, strategy, func() error {
		var getErr error
		jobs, getErr = s.store.GetDueScheduledJobs(ctx, now)
		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load due jobs: %w", err)
	}

	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		seen[job.ID] = struct{}{}
	}

	ids, err := s.queue.PopDue(ctx, now)
	if err != nil {
		s.logger.WithError(err).Warn("Near-term queue unavailable, using store results only")
		return jobs, nil
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		job, err := s.store.GetScheduledJob(ctx, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.WithError(err).WithField("job_id", id).Warn("Failed to load queued job")
			}
			continue
		}
		if !job.IsDue(now) {
			continue
		}
		seen[id] = struct{}{}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// processJob claims, runs and settles a single job. Errors are persisted on
// the job and never returned.
func (s *Scheduler) processJob(parent context.Context, jobID string, mode claimMode) outcome {
	ctx, cancel := context.WithTimeout(parent, s.jobTimeout)
	defer cancel()

	log := s.logger.WithField("job_id", jobID)
	now := s.now()

	job, err := s.store.UpdateScheduledJob(ctx, jobID, func(j *models.ScheduledJob) error {
		if j.Status != models.JobStatusPending {
			return errNotClaimed
		}
		if mode == claimSweep {
			if j.DueAt().After(now) {
				return errNotClaimed
			}
			if !j.CanRetry() {
				j.Status = models.JobStatusFailed
				j.NextRetry = nil
				if j.ErrorMessage == "" {
					j.ErrorMessage = "retry budget exhausted"
				}
				return nil
			}
			j.Attempts++
			j.LastAttempt = &now
		}
		j.Status = models.JobStatusProcessing
		return nil
	})
	if errors.Is(err, errNotClaimed) {
		log.Debug("Job already claimed or no longer due")
		return outcomeSkipped
	}
	if err != nil {
		log.WithError(err).Error("Failed to claim job")
		return outcomeSkipped
	}
	if job.Status == models.JobStatusFailed {
		log.Warn("Pending job had no attempts left, marked failed")
		metrics.JobsProcessed.WithLabelValues(string(job.Type), metrics.OutcomeFailed).Inc()
		return outcomeFailed
	}

	log = log.WithFields(logrus.Fields{
		"reminder_id": job.ReminderID,
		"type":        job.Type,
		"attempt":     job.Attempts,
	})
	log.Debug("Processing job")

	procErr := s.dispatch(ctx, job)
	o := s.finishJob(parent, job, procErr)
	metrics.JobsProcessed.WithLabelValues(string(job.Type), o.label()).Inc()
	return o
}

func (s *Scheduler) dispatch(ctx context.Context, job *models.ScheduledJob) error {
	reminder, err := s.store.GetReminder(ctx, job.ReminderID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	if err != nil {
		return fmt.Errorf("failed to load reminder: %w", err)
	}

	switch job.Type {
	case models.JobTypeReminder:
		report, err := s.DeliverReminder(ctx, reminder, job.ID)
		if report == nil {
			return err
		}
		if err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Warn("Delivery report not persisted")
		}
		if report.TotalChannels == 0 {
			return fmt.Errorf("%w: reminder has no enabled channels", ErrNoDeliveries)
		}
		if !report.OverallSuccess {
			return fmt.Errorf("%w: %d of %d channels failed", ErrNoDeliveries, report.FailedDeliveries, report.TotalChannels)
		}
		if reminder.IsRecurring() {
			s.scheduleRecurringCheck(ctx, reminder)
		}
		return nil

	case models.JobTypeAdvanceNotification:
		return s.deliverAdvance(ctx, reminder, job)

	case models.JobTypeRecurringCheck:
		return s.recurrence.HandleRecurrence(ctx, reminder)
	}

	return fmt.Errorf("%w %q", errUnknownType, job.Type)
}

// finishJob records the result of a processed job. It runs on a fresh
// context so a job that hit its timeout is still settled.
func (s *Scheduler) finishJob(parent context.Context, job *models.ScheduledJob, procErr error) outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finishTimeout)
	defer cancel()

	log := s.logger.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"reminder_id": job.ReminderID,
		"type":        job.Type,
	})
	now := s.now()
	result := outcomeCompleted

	updated, err := s.store.UpdateScheduledJob(ctx, job.ID, func(j *models.ScheduledJob) error {
		if procErr == nil {
			j.Status = models.JobStatusCompleted
			j.NextRetry = nil
			j.ErrorMessage = ""
			result = outcomeCompleted
			return nil
		}

		j.ErrorMessage = procErr.Error()
		if !errors.Is(procErr, errPermanent) && j.CanRetry() {
			next := now.Add(RetryDelay(j.Attempts))
			j.Status = models.JobStatusPending
			j.NextRetry = &next
			result = outcomeRetried
			return nil
		}
		j.Status = models.JobStatusFailed
		j.NextRetry = nil
		result = outcomeFailed
		return nil
	})
	if err != nil {
		// The job stays in processing until reclaimStaleJobs returns it.
		log.WithError(procErr).WithField("store_error", err.Error()).Error("Failed to record job result")
		return outcomeSkipped
	}

	switch result {
	case outcomeCompleted:
		log.Info("Job completed")
	case outcomeRetried:
		log.WithError(procErr).WithFields(logrus.Fields{
			"attempt":    updated.Attempts,
			"next_retry": updated.NextRetry,
		}).Warn("Job failed, retry scheduled")
		if s.IsDueSoon(*updated.NextRetry) {
			s.pushNearTerm(ctx, updated)
		}
	case outcomeFailed:
		log.WithError(procErr).WithField("attempts", updated.Attempts).Error("Job failed permanently")
	}
	return result
}

// RetryFailedDelivery spends one more attempt on a job right away. A job
// that has used all of its attempts is left untouched.
func (s *Scheduler) RetryFailedDelivery(ctx context.Context, jobID string) error {
	job, err := s.store.GetScheduledJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if !job.CanRetry() {
		s.logger.WithField("job_id", jobID).Info("Retry requested for job without attempts left, ignoring")
		return nil
	}
	if !retryable(job) {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobNotRetryable)
	}

	now := s.now()
	_, err = s.store.UpdateScheduledJob(ctx, jobID, func(j *models.ScheduledJob) error {
		if !j.CanRetry() || !retryable(j) {
			return fmt.Errorf("job %s is %s: %w", jobID, j.Status, ErrJobNotRetryable)
		}
		j.Attempts++
		j.Status = models.JobStatusPending
		j.LastAttempt = &now
		next := now.Add(RetryDelay(j.Attempts))
		j.NextRetry = &next
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset job %s for retry: %w", jobID, err)
	}

	s.logger.WithField("job_id", jobID).Info("Manual retry started")
	s.processJob(ctx, jobID, claimManual)
	return nil
}

func retryable(job *models.ScheduledJob) bool {
	return job.Status != models.JobStatusProcessing && !job.IsTerminal()
}

func (s *Scheduler) scheduleRecurringCheck(ctx context.Context, reminder *models.Reminder) {
	now := s.now()
	job := s.newJob(reminder, models.JobTypeRecurringCheck, now, now)
	if err := s.store.StoreScheduledJob(ctx, job); err != nil {
		s.logger.WithError(err).WithField("reminder_id", reminder.ID).Error("Failed to schedule recurrence check")
		return
	}
	s.pushNearTerm(ctx, job)
}
