package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"reminders/internal/analytics"
	"reminders/internal/gateway"
	"reminders/internal/lock"
	"reminders/internal/models"
	"reminders/internal/queue"
	"reminders/internal/recurrence"
	"reminders/internal/storage"
)

const (
	DefaultBatchSize  = 10
	DefaultDueSoon    = 5 * time.Minute
	DefaultJobTimeout = 2 * time.Minute
	DefaultLeaseTTL   = 5 * time.Minute
	DefaultLeaseKey   = "sweep"
)

var (
	ErrJobNotRetryable = errors.New("job is not retryable")
	ErrNoDeliveries    = errors.New("no channel accepted the message")
)

// Config wires a Scheduler. Store and Gateways are required; every other
// collaborator has an in-process default.
type Config struct {
	Store      storage.Store
	Queue      queue.NearTermQueue
	Gateways   *gateway.Registry
	Sink       analytics.Sink
	Recurrence recurrence.Handler
	// Locker, when set, must grant a lease before a sweep runs so that
	// several instances never sweep at once.
	Locker lock.Locker
	Logger *logrus.Logger

	BatchSize  int
	DueSoon    time.Duration
	JobTimeout time.Duration
	LeaseTTL   time.Duration
	LeaseKey   string

	Now func() time.Time
}

type Scheduler struct {
	store      storage.Store
	queue      queue.NearTermQueue
	gateways   *gateway.Registry
	sink       analytics.Sink
	recurrence recurrence.Handler
	locker     lock.Locker
	logger     *logrus.Logger

	batchSize  int
	dueSoon    time.Duration
	jobTimeout time.Duration
	leaseTTL   time.Duration
	leaseKey   string

	now      func() time.Time
	sweeping atomic.Bool
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler needs a store")
	}
	if cfg.Gateways == nil {
		return nil, errors.New("scheduler needs a gateway registry")
	}

	s := &Scheduler{
		store:      cfg.Store,
		queue:      cfg.Queue,
		gateways:   cfg.Gateways,
		sink:       cfg.Sink,
		recurrence: cfg.Recurrence,
		locker:     cfg.Locker,
		logger:     cfg.Logger,
		batchSize:  cfg.BatchSize,
		dueSoon:    cfg.DueSoon,
		jobTimeout: cfg.JobTimeout,
		leaseTTL:   cfg.LeaseTTL,
		leaseKey:   cfg.LeaseKey,
		now:        cfg.Now,
	}

	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetOutput(io.Discard)
	}
	if s.queue == nil {
		s.queue = queue.NewMemoryQueue()
	}
	if s.sink == nil {
		s.sink = analytics.NopSink{}
	}
	if s.recurrence == nil {
		s.recurrence = recurrence.NewNopHandler(s.logger)
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.dueSoon <= 0 {
		s.dueSoon = DefaultDueSoon
	}
	if s.jobTimeout <= 0 {
		s.jobTimeout = DefaultJobTimeout
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = DefaultLeaseTTL
	}
	if s.leaseKey == "" {
		s.leaseKey = DefaultLeaseKey
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// IsDueSoon reports whether t falls inside the near-term window. Times in
// the past count as due soon.
func (s *Scheduler) IsDueSoon(t time.Time) bool {
	return t.Sub(s.now()) <= s.dueSoon
}

// ScheduleReminder persists the primary job for a reminder along with one
// advance notification job per advance entry that still lies in the future.
// The jobs are stored together: on error none of them exist.
func (s *Scheduler) ScheduleReminder(ctx context.Context, reminder *models.Reminder) (*models.ScheduledJob, error) {
	now := s.now()
	log := s.logger.WithFields(logrus.Fields{
		"reminder_id": reminder.ID,
		"user_id":     reminder.UserID,
	})

	primary := s.newJob(reminder, models.JobTypeReminder, reminder.ScheduledTime, now)
	jobs := []*models.ScheduledJob{primary}

	for _, adv := range reminder.Delivery.AdvanceNotifications {
		fireAt := reminder.ScheduledTime.Add(-adv.Offset)
		if !fireAt.After(now) {
			log.WithField("offset", adv.Offset.String()).Debug("Skipping advance notification already in the past")
			continue
		}

		job := s.newJob(reminder, models.JobTypeAdvanceNotification, fireAt, now)
		channels := make([]string, 0, len(adv.Channels))
		for _, ch := range adv.Channels {
			channels = append(channels, string(ch))
		}
		job.Metadata = map[string]any{
			models.MetaChannels: channels,
			models.MetaMessage:  adv.Message,
			models.MetaOffset:   adv.Offset.String(),
		}
		jobs = append(jobs, job)
	}

	if err := s.store.StoreScheduledJobs(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to store jobs for reminder %s: %w", reminder.ID, err)
	}

	for _, job := range jobs {
		if s.IsDueSoon(job.ScheduledTime) {
			s.pushNearTerm(ctx, job)
		}
	}

	log.WithFields(logrus.Fields{
		"job_id":         primary.ID,
		"scheduled_time": primary.ScheduledTime,
		"advance_jobs":   len(jobs) - 1,
	}).Info("Reminder scheduled")
	return primary, nil
}

// CancelScheduledReminder cancels every pending job of a reminder and returns
// how many were cancelled. Jobs already being processed are left alone.
func (s *Scheduler) CancelScheduledReminder(ctx context.Context, reminderID string) (int, error) {
	jobs, err := s.store.GetScheduledJobsForReminder(ctx, reminderID)
	if err != nil {
		return 0, fmt.Errorf("failed to load jobs for reminder %s: %w", reminderID, err)
	}

	cancelled := 0
	for _, job := range jobs {
		if job.Status != models.JobStatusPending {
			continue
		}

		_, err := s.store.UpdateScheduledJob(ctx, job.ID, func(j *models.ScheduledJob) error {
			if j.Status != models.JobStatusPending {
				return errNotPending
			}
			j.Status = models.JobStatusCancelled
			j.NextRetry = nil
			return nil
		})
		if errors.Is(err, errNotPending) {
			continue
		}
		if err != nil {
			return cancelled, fmt.Errorf("failed to cancel job %s: %w", job.ID, err)
		}
		cancelled++

		if err := s.queue.Remove(ctx, job.ID); err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to remove cancelled job from near-term queue")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"reminder_id": reminderID,
		"cancelled":   cancelled,
	}).Info("Reminder cancelled")
	return cancelled, nil
}

func (s *Scheduler) GetDeliveryStatistics(ctx context.Context, userID string, timeframe models.Timeframe) (*models.DeliveryStatistics, error) {
	stats, err := s.store.GetDeliveryStatistics(ctx, userID, timeframe)
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery statistics for %s: %w", userID, err)
	}
	return stats, nil
}

func (s *Scheduler) GetScheduledJob(ctx context.Context, jobID string) (*models.ScheduledJob, error) {
	return s.store.GetScheduledJob(ctx, jobID)
}

func (s *Scheduler) GetJobsForReminder(ctx context.Context, reminderID string) ([]*models.ScheduledJob, error) {
	return s.store.GetScheduledJobsForReminder(ctx, reminderID)
}

func (s *Scheduler) newJob(reminder *models.Reminder, jobType models.JobType, at, now time.Time) *models.ScheduledJob {
	return &models.ScheduledJob{
		ID:            uuid.NewString(),
		ReminderID:    reminder.ID,
		UserID:        reminder.UserID,
		ScheduledTime: at,
		Type:          jobType,
		Status:        models.JobStatusPending,
		MaxAttempts:   models.DefaultMaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// pushNearTerm is best effort: the store stays authoritative.
func (s *Scheduler) pushNearTerm(ctx context.Context, job *models.ScheduledJob) {
	if err := s.queue.Push(ctx, job); err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to push job to near-term queue")
	}
}
