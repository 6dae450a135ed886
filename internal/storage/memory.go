package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reminders/internal/models"
)

type MemoryStorage struct {
	mu        sync.RWMutex
	reminders map[string]*models.Reminder
	jobs      map[string]*models.ScheduledJob
	reports   []*models.DeliveryReport
	analytics []models.AnalyticsRecord

	now func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		reminders: make(map[string]*models.Reminder),
		jobs:      make(map[string]*models.ScheduledJob),
		now:       time.Now,
	}
}

func (s *MemoryStorage) SaveReminder(ctx context.Context, reminder *models.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := reminder.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = s.now()
	s.reminders[reminder.ID] = cp
	return nil
}

func (s *MemoryStorage) GetReminder(ctx context.Context, id string) (*models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reminder, exists := s.reminders[id]
	if !exists {
		return nil, fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	return reminder.Clone(), nil
}

func (s *MemoryStorage) StoreScheduledJob(ctx context.Context, job *models.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.Clone()
	return nil
}

// StoreScheduledJobs stores every job or none of them.
func (s *MemoryStorage) StoreScheduledJobs(ctx context.Context, jobs []*models.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if job.ID == "" {
			return fmt.Errorf("job for reminder %s has no id", job.ReminderID)
		}
		if _, dup := seen[job.ID]; dup {
			return fmt.Errorf("job %s appears twice in batch", job.ID)
		}
		if _, exists := s.jobs[job.ID]; exists {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		seen[job.ID] = struct{}{}
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job.Clone()
	}
	return nil
}

func (s *MemoryStorage) UpdateScheduledJob(ctx context.Context, id string, updateFn func(*models.ScheduledJob) error) (*models.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	updated := job.Clone()
	if err := updateFn(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	s.jobs[id] = updated
	return updated.Clone(), nil
}

func (s *MemoryStorage) GetScheduledJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *MemoryStorage) GetScheduledJobsForReminder(ctx context.Context, reminderID string) ([]*models.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.ScheduledJob
	for _, job := range s.jobs {
		if job.ReminderID == reminderID {
			jobs = append(jobs, job.Clone())
		}
	}
	sortByDue(jobs)
	return jobs, nil
}

func (s *MemoryStorage) GetDueScheduledJobs(ctx context.Context, now time.Time) ([]*models.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.ScheduledJob
	for _, job := range s.jobs {
		if job.IsDue(now) {
			jobs = append(jobs, job.Clone())
		}
	}
	sortByDue(jobs)
	return jobs, nil
}

func (s *MemoryStorage) GetStaleProcessingJobs(ctx context.Context, before time.Time) ([]*models.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.ScheduledJob
	for _, job := range s.jobs {
		if job.Status == models.JobStatusProcessing && job.ProcessingSince().Before(before) {
			jobs = append(jobs, job.Clone())
		}
	}
	sortByDue(jobs)
	return jobs, nil
}

func (s *MemoryStorage) StoreDeliveryReport(ctx context.Context, report *models.DeliveryReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *report
	cp.Results = append([]models.DeliveryResult(nil), report.Results...)
	s.reports = append(s.reports, &cp)
	return nil
}

func (s *MemoryStorage) StoreDeliveryAnalytics(ctx context.Context, records []models.AnalyticsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.analytics = append(s.analytics, records...)
	return nil
}

func (s *MemoryStorage) GetDeliveryStatistics(ctx context.Context, userID string, timeframe models.Timeframe) (*models.DeliveryStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := timeframe.Since(s.now())
	stats := &models.DeliveryStatistics{
		UserID:           userID,
		Timeframe:        timeframe.Name,
		Since:            since,
		ChannelBreakdown: make(map[models.ChannelType]*models.ChannelStatistics),
	}

	var totalDuration time.Duration
	for _, report := range s.reports {
		if report.UserID != userID || report.StartedAt.Before(since) {
			continue
		}
		stats.TotalReminders++
		if report.OverallSuccess {
			stats.SuccessfulDeliveries++
		} else {
			stats.FailedDeliveries++
		}
		totalDuration += report.Duration()
	}
	if stats.TotalReminders > 0 {
		stats.AverageDeliveryTime = totalDuration / time.Duration(stats.TotalReminders)
	}

	responseTotals := make(map[models.ChannelType]time.Duration)
	for _, rec := range s.analytics {
		if rec.UserID != userID || rec.DeliveredAt.Before(since) {
			continue
		}
		cs, ok := stats.ChannelBreakdown[rec.Channel]
		if !ok {
			cs = &models.ChannelStatistics{}
			stats.ChannelBreakdown[rec.Channel] = cs
		}
		cs.Attempts++
		responseTotals[rec.Channel] += rec.ResponseTime
		if rec.Success {
			cs.Successes++
			stats.PeakHours[rec.DeliveredAt.UTC().Hour()]++
		} else {
			cs.Failures++
		}
	}
	for ch, cs := range stats.ChannelBreakdown {
		cs.AverageResponseTime = responseTotals[ch] / time.Duration(cs.Attempts)
	}

	for _, job := range s.jobs {
		if job.UserID == userID && job.Status == models.JobStatusFailed &&
			!job.CanRetry() && !job.UpdatedAt.Before(since) {
			stats.ExhaustedJobs++
		}
	}

	stats.Finalize()
	return stats, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

func sortByDue(jobs []*models.ScheduledJob) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].DueAt().Before(jobs[j].DueAt())
	})
}
