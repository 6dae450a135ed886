package recurrence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wb-go/wbf/retry"

	"reminders/internal/models"
)

// Handler computes the next occurrence of a recurring reminder. The rules
// themselves live outside this service.
type Handler interface {
	HandleRecurrence(ctx context.Context, reminder *models.Reminder) error
}

type NopHandler struct {
	logger *logrus.Logger
}

func NewNopHandler(logger *logrus.Logger) *NopHandler {
	return &NopHandler{logger: logger}
}

func (h *NopHandler) HandleRecurrence(ctx context.Context, reminder *models.Reminder) error {
	h.logger.WithFields(logrus.Fields{
		"reminder_id": reminder.ID,
		"recurrence":  reminder.Recurrence,
	}).Debug("No recurrence handler configured")
	return nil
}

type recurrenceEvent struct {
	ReminderID    string    `json:"reminder_id"`
	UserID        string    `json:"user_id"`
	Recurrence    string    `json:"recurrence"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Timezone      string    `json:"timezone,omitempty"`
}

// WebhookHandler hands recurrence off to the service that owns the rules.
type WebhookHandler struct {
	url    string
	client *http.Client
	retry  retry.Strategy
}

func NewWebhookHandler(url string, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry: retry.Strategy{
			Attempts: 3,
			Delay:    200 * time.Millisecond,
			Backoff:  2,
		},
	}
}

func (h *WebhookHandler) HandleRecurrence(ctx context.Context, reminder *models.Reminder) error {
	body, err := json.Marshal(recurrenceEvent{
		ReminderID:    reminder.ID,
		UserID:        reminder.UserID,
		Recurrence:    reminder.Recurrence,
		ScheduledTime: reminder.ScheduledTime,
		Timezone:      reminder.Timezone,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal recurrence event: %w", err)
	}

	err = retry.DoContext(ctx, h.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("recurrence webhook returned %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to notify recurrence service for %s: %w", reminder.ID, err)
	}
	return nil
}
