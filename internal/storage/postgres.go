package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"reminders/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const dueJobsLimit = 500

type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

type PostgresStorage struct {
	db     *pgxpool.Pool
	logger *logrus.Logger
}

func NewPostgresStorage(ctx context.Context, cfg PostgresConfig, logger *logrus.Logger) (*PostgresStorage, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("Database connection successful")
	return &PostgresStorage{db: pool, logger: logger}, nil
}

func (s *PostgresStorage) SaveReminder(ctx context.Context, r *models.Reminder) error {
	delivery, err := json.Marshal(r.Delivery)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery config: %w", err)
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}

	query := `
	INSERT INTO reminders (id, user_id, title, description, scheduled_time, timezone, status,
		priority, category, tags, location, recurrence, delivery, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	ON CONFLICT (id) DO UPDATE SET
		user_id = EXCLUDED.user_id, title = EXCLUDED.title, description = EXCLUDED.description,
		scheduled_time = EXCLUDED.scheduled_time, timezone = EXCLUDED.timezone,
		status = EXCLUDED.status, priority = EXCLUDED.priority, category = EXCLUDED.category,
		tags = EXCLUDED.tags, location = EXCLUDED.location, recurrence = EXCLUDED.recurrence,
		delivery = EXCLUDED.delivery, updated_at = NOW()
	`
	_, err = s.db.Exec(ctx, query, r.ID, r.UserID, r.Title, r.Description, r.ScheduledTime,
		r.Timezone, r.Status, string(r.Priority), r.Category, tags, r.Location, r.Recurrence, delivery)
	if err != nil {
		return fmt.Errorf("failed to save reminder: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetReminder(ctx context.Context, id string) (*models.Reminder, error) {
	query := `
	SELECT id, user_id, title, description, scheduled_time, timezone, status, priority,
		category, tags, location, recurrence, delivery, created_at, updated_at
	FROM reminders WHERE id = $1
	`
	var (
		r        models.Reminder
		priority string
		delivery []byte
	)
	err := s.db.QueryRow(ctx, query, id).Scan(&r.ID, &r.UserID, &r.Title, &r.Description,
		&r.ScheduledTime, &r.Timezone, &r.Status, &priority, &r.Category, &r.Tags, &r.Location,
		&r.Recurrence, &delivery, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder: %w", err)
	}
	r.Priority = models.Priority(priority)
	if err := json.Unmarshal(delivery, &r.Delivery); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery config: %w", err)
	}
	return &r, nil
}

const jobColumns = `id, reminder_id, user_id, scheduled_time, type, status, attempts, max_attempts,
	last_attempt, next_retry, error_message, metadata, created_at, updated_at`

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertJob(ctx context.Context, db execer, job *models.ScheduledJob) error {
	metadata, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO scheduled_jobs (` + jobColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`
	_, err = db.Exec(ctx, query, job.ID, job.ReminderID, job.UserID, job.ScheduledTime,
		string(job.Type), string(job.Status), job.Attempts, job.MaxAttempts, job.LastAttempt,
		job.NextRetry, job.ErrorMessage, metadata)
	if err != nil {
		return fmt.Errorf("failed to store scheduled job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStorage) StoreScheduledJob(ctx context.Context, job *models.ScheduledJob) error {
	return insertJob(ctx, s.db, job)
}

func (s *PostgresStorage) StoreScheduledJobs(ctx context.Context, jobs []*models.ScheduledJob) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, job := range jobs {
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit scheduled jobs: %w", err)
	}
	return nil
}

func (s *PostgresStorage) UpdateScheduledJob(ctx context.Context, id string, updateFn func(*models.ScheduledJob) error) (*models.ScheduledJob, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock scheduled job: %w", err)
	}

	if err := updateFn(job); err != nil {
		return nil, err
	}

	metadata, err := marshalMetadata(job.Metadata)
	if err != nil {
		return nil, err
	}
	job.UpdatedAt = time.Now()

	query := `
	UPDATE scheduled_jobs
	SET scheduled_time = $2, status = $3, attempts = $4, max_attempts = $5, last_attempt = $6,
		next_retry = $7, error_message = $8, metadata = $9, updated_at = $10
	WHERE id = $1
	`
	_, err = tx.Exec(ctx, query, id, job.ScheduledTime, string(job.Status), job.Attempts,
		job.MaxAttempts, job.LastAttempt, job.NextRetry, job.ErrorMessage, metadata, job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update scheduled job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit scheduled job update: %w", err)
	}
	return job, nil
}

func (s *PostgresStorage) GetScheduledJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled job: %w", err)
	}
	return job, nil
}

func (s *PostgresStorage) GetScheduledJobsForReminder(ctx context.Context, reminderID string) ([]*models.ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs
	WHERE reminder_id = $1 ORDER BY COALESCE(next_retry, scheduled_time) ASC`
	return s.queryJobs(ctx, query, reminderID)
}

func (s *PostgresStorage) GetDueScheduledJobs(ctx context.Context, now time.Time) ([]*models.ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs
	WHERE status = $1 AND COALESCE(next_retry, scheduled_time) <= $2
	ORDER BY COALESCE(next_retry, scheduled_time) ASC
	LIMIT $3`
	return s.queryJobs(ctx, query, string(models.JobStatusPending), now, dueJobsLimit)
}

func (s *PostgresStorage) GetStaleProcessingJobs(ctx context.Context, before time.Time) ([]*models.ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs
	WHERE status = $1 AND COALESCE(last_attempt, updated_at) < $2
	ORDER BY COALESCE(last_attempt, updated_at) ASC
	LIMIT $3`
	return s.queryJobs(ctx, query, string(models.JobStatusProcessing), before, dueJobsLimit)
}

func (s *PostgresStorage) queryJobs(ctx context.Context, query string, args ...any) ([]*models.ScheduledJob, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled job rows: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStorage) StoreDeliveryReport(ctx context.Context, report *models.DeliveryReport) error {
	results, err := json.Marshal(report.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery results: %w", err)
	}

	query := `
	INSERT INTO delivery_reports (id, reminder_id, user_id, job_id, total_channels,
		successful_deliveries, failed_deliveries, results, overall_success, started_at, completed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.Exec(ctx, query, report.ID, report.ReminderID, report.UserID, report.JobID,
		report.TotalChannels, report.SuccessfulDeliveries, report.FailedDeliveries, results,
		report.OverallSuccess, report.StartedAt, report.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to store delivery report: %w", err)
	}
	return nil
}

func (s *PostgresStorage) StoreDeliveryAnalytics(ctx context.Context, records []models.AnalyticsRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
		INSERT INTO delivery_analytics (report_id, reminder_id, user_id, channel, success,
			response_time_ms, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ReportID, rec.ReminderID, rec.UserID, string(rec.Channel), rec.Success,
			rec.ResponseTime.Milliseconds(), rec.DeliveredAt)
	}

	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store delivery analytics: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetDeliveryStatistics(ctx context.Context, userID string, timeframe models.Timeframe) (*models.DeliveryStatistics, error) {
	since := timeframe.Since(time.Now())
	stats := &models.DeliveryStatistics{
		UserID:           userID,
		Timeframe:        timeframe.Name,
		Since:            since,
		ChannelBreakdown: make(map[models.ChannelType]*models.ChannelStatistics),
	}

	var avgDeliveryMs float64
	err := s.db.QueryRow(ctx, `
	SELECT COUNT(*),
		COUNT(*) FILTER (WHERE overall_success),
		COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0)::float8
	FROM delivery_reports
	WHERE user_id = $1 AND started_at >= $2
	`, userID, since).Scan(&stats.TotalReminders, &stats.SuccessfulDeliveries, &avgDeliveryMs)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate delivery reports: %w", err)
	}
	stats.FailedDeliveries = stats.TotalReminders - stats.SuccessfulDeliveries
	stats.AverageDeliveryTime = time.Duration(avgDeliveryMs * float64(time.Millisecond))

	rows, err := s.db.Query(ctx, `
	SELECT channel, COUNT(*), COUNT(*) FILTER (WHERE success),
		COALESCE(AVG(response_time_ms), 0)::float8
	FROM delivery_analytics
	WHERE user_id = $1 AND delivered_at >= $2
	GROUP BY channel
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate channel analytics: %w", err)
	}
	for rows.Next() {
		var (
			channel string
			cs      models.ChannelStatistics
			avgMs   float64
		)
		if err := rows.Scan(&channel, &cs.Attempts, &cs.Successes, &avgMs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan channel analytics row: %w", err)
		}
		cs.Failures = cs.Attempts - cs.Successes
		cs.AverageResponseTime = time.Duration(avgMs * float64(time.Millisecond))
		stats.ChannelBreakdown[models.ChannelType(channel)] = &cs
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel analytics rows: %w", err)
	}

	hourRows, err := s.db.Query(ctx, `
	SELECT EXTRACT(HOUR FROM delivered_at AT TIME ZONE 'UTC')::int, COUNT(*)
	FROM delivery_analytics
	WHERE user_id = $1 AND delivered_at >= $2 AND success
	GROUP BY 1
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate peak hours: %w", err)
	}
	for hourRows.Next() {
		var hour, count int
		if err := hourRows.Scan(&hour, &count); err != nil {
			hourRows.Close()
			return nil, fmt.Errorf("failed to scan peak hour row: %w", err)
		}
		if hour >= 0 && hour < len(stats.PeakHours) {
			stats.PeakHours[hour] = count
		}
	}
	hourRows.Close()
	if err := hourRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating peak hour rows: %w", err)
	}

	err = s.db.QueryRow(ctx, `
	SELECT COUNT(*) FROM scheduled_jobs
	WHERE user_id = $1 AND status = $2 AND attempts >= max_attempts AND updated_at >= $3
	`, userID, string(models.JobStatusFailed), since).Scan(&stats.ExhaustedJobs)
	if err != nil {
		return nil, fmt.Errorf("failed to count exhausted jobs: %w", err)
	}

	stats.Finalize()
	return stats, nil
}

func (s *PostgresStorage) Close() error {
	if s.db != nil {
		s.db.Close()
		s.logger.Info("Database connection closed")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.ScheduledJob, error) {
	var (
		job      models.ScheduledJob
		jobType  string
		status   string
		metadata []byte
	)
	err := row.Scan(&job.ID, &job.ReminderID, &job.UserID, &job.ScheduledTime, &jobType, &status,
		&job.Attempts, &job.MaxAttempts, &job.LastAttempt, &job.NextRetry, &job.ErrorMessage,
		&metadata, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job metadata: %w", err)
		}
	}
	return &job, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job metadata: %w", err)
	}
	return data, nil
}
