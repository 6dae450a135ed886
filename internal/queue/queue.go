package queue

import (
	"context"
	"time"

	"reminders/internal/models"
)

// NearTermQueue holds jobs that come due within the next few minutes so the
// sweep can pick them up without waiting on a store scan. Entries are keyed
// by job id; pushing an id again reschedules it.
type NearTermQueue interface {
	Push(ctx context.Context, job *models.ScheduledJob) error
	Remove(ctx context.Context, jobID string) error
	// PopDue removes and returns the ids of every entry due at or before now,
	// earliest first.
	PopDue(ctx context.Context, now time.Time) ([]string, error)
	Len(ctx context.Context) (int, error)
}
