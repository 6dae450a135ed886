package storage

import (
	"context"
	"errors"
	"time"

	"reminders/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is the system of record for reminders, scheduled jobs and delivery
// reports.
//
// UpdateScheduledJob applies updateFn to the current job atomically. If
// updateFn returns an error nothing is written and the error is returned
// unchanged, which lets callers express conditional transitions.
//
// StoreScheduledJobs persists a set of jobs atomically. GetStaleProcessingJobs
// lists processing jobs whose run started before the given time.
type Store interface {
	SaveReminder(ctx context.Context, reminder *models.Reminder) error
	GetReminder(ctx context.Context, id string) (*models.Reminder, error)

	StoreScheduledJob(ctx context.Context, job *models.ScheduledJob) error
	StoreScheduledJobs(ctx context.Context, jobs []*models.ScheduledJob) error
	UpdateScheduledJob(ctx context.Context, id string, updateFn func(*models.ScheduledJob) error) (*models.ScheduledJob, error)
	GetScheduledJob(ctx context.Context, id string) (*models.ScheduledJob, error)
	GetScheduledJobsForReminder(ctx context.Context, reminderID string) ([]*models.ScheduledJob, error)
	GetDueScheduledJobs(ctx context.Context, now time.Time) ([]*models.ScheduledJob, error)
	GetStaleProcessingJobs(ctx context.Context, before time.Time) ([]*models.ScheduledJob, error)

	StoreDeliveryReport(ctx context.Context, report *models.DeliveryReport) error
	StoreDeliveryAnalytics(ctx context.Context, records []models.AnalyticsRecord) error
	GetDeliveryStatistics(ctx context.Context, userID string, timeframe models.Timeframe) (*models.DeliveryStatistics, error)

	Close() error
}
