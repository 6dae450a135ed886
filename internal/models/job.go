package models

import (
	"time"
)

type JobType string

const (
	JobTypeReminder            JobType = "reminder"
	JobTypeAdvanceNotification JobType = "advance_notification"
	JobTypeRecurringCheck      JobType = "recurring_check"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Metadata keys used by advance notification jobs.
const (
	MetaChannels = "channels"
	MetaMessage  = "message"
	MetaOffset   = "offset"
)

const DefaultMaxAttempts = 3

type ScheduledJob struct {
	ID            string         `json:"id"`
	ReminderID    string         `json:"reminder_id"`
	UserID        string         `json:"user_id"`
	ScheduledTime time.Time      `json:"scheduled_time"`
	Type          JobType        `json:"type"`
	Status        JobStatus      `json:"status"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	LastAttempt   *time.Time     `json:"last_attempt,omitempty"`
	NextRetry     *time.Time     `json:"next_retry,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DueAt is the time the job should next be picked up: the pending retry
// if one is scheduled, the original scheduled time otherwise.
func (j *ScheduledJob) DueAt() time.Time {
	if j.NextRetry != nil {
		return *j.NextRetry
	}
	return j.ScheduledTime
}

func (j *ScheduledJob) IsDue(now time.Time) bool {
	return j.Status == JobStatusPending && !j.DueAt().After(now)
}

// IsTerminal reports whether the job can never run again. A failed job
// that still has attempts left is not terminal: a manual retry may revive it.
func (j *ScheduledJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled:
		return true
	case JobStatusFailed:
		return j.Attempts >= j.MaxAttempts
	}
	return false
}

// ProcessingSince is when the current processing run started.
func (j *ScheduledJob) ProcessingSince() time.Time {
	if j.LastAttempt != nil {
		return *j.LastAttempt
	}
	return j.UpdatedAt
}

func (j *ScheduledJob) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *ScheduledJob) Clone() *ScheduledJob {
	if j == nil {
		return nil
	}
	cp := *j
	if j.LastAttempt != nil {
		t := *j.LastAttempt
		cp.LastAttempt = &t
	}
	if j.NextRetry != nil {
		t := *j.NextRetry
		cp.NextRetry = &t
	}
	if j.Metadata != nil {
		cp.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// AdvanceChannels reads the channel subset of an advance notification job.
// Metadata that went through JSON comes back as []any, so both shapes are
// accepted.
func (j *ScheduledJob) AdvanceChannels() []ChannelType {
	raw, ok := j.Metadata[MetaChannels]
	if !ok {
		return nil
	}
	var out []ChannelType
	switch v := raw.(type) {
	case []ChannelType:
		out = append(out, v...)
	case []string:
		for _, s := range v {
			out = append(out, ChannelType(s))
		}
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, ChannelType(str))
			}
		}
	}
	return out
}

func (j *ScheduledJob) AdvanceMessage() string {
	if s, ok := j.Metadata[MetaMessage].(string); ok {
		return s
	}
	return ""
}
