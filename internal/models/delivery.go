package models

import (
	"time"
)

type DeliveryResult struct {
	Channel      ChannelType   `json:"channel"`
	Success      bool          `json:"success"`
	MessageID    string        `json:"message_id,omitempty"`
	Error        string        `json:"error,omitempty"`
	DeliveredAt  time.Time     `json:"delivered_at"`
	ResponseTime time.Duration `json:"response_time"`
}

type DeliveryReport struct {
	ID                   string           `json:"id"`
	ReminderID           string           `json:"reminder_id"`
	UserID               string           `json:"user_id"`
	JobID                string           `json:"job_id,omitempty"`
	TotalChannels        int              `json:"total_channels"`
	SuccessfulDeliveries int              `json:"successful_deliveries"`
	FailedDeliveries     int              `json:"failed_deliveries"`
	Results              []DeliveryResult `json:"results"`
	OverallSuccess       bool             `json:"overall_success"`
	StartedAt            time.Time        `json:"started_at"`
	CompletedAt          time.Time        `json:"completed_at"`
}

// NewDeliveryReport tallies results into a report. The report counts as
// delivered when at least one channel succeeded.
func NewDeliveryReport(id string, reminder *Reminder, jobID string, results []DeliveryResult, started, completed time.Time) *DeliveryReport {
	report := &DeliveryReport{
		ID:            id,
		ReminderID:    reminder.ID,
		UserID:        reminder.UserID,
		JobID:         jobID,
		TotalChannels: len(results),
		Results:       results,
		StartedAt:     started,
		CompletedAt:   completed,
	}
	for _, r := range results {
		if r.Success {
			report.SuccessfulDeliveries++
		} else {
			report.FailedDeliveries++
		}
	}
	report.OverallSuccess = report.SuccessfulDeliveries > 0
	return report
}

func (r *DeliveryReport) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// AnalyticsRecord is the per-channel row forwarded to the analytics sink.
type AnalyticsRecord struct {
	ReportID     string        `json:"report_id"`
	ReminderID   string        `json:"reminder_id"`
	UserID       string        `json:"user_id"`
	Channel      ChannelType   `json:"channel"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
	DeliveredAt  time.Time     `json:"delivered_at"`
}

func (r *DeliveryReport) AnalyticsRecords() []AnalyticsRecord {
	records := make([]AnalyticsRecord, 0, len(r.Results))
	for _, res := range r.Results {
		records = append(records, AnalyticsRecord{
			ReportID:     r.ID,
			ReminderID:   r.ReminderID,
			UserID:       r.UserID,
			Channel:      res.Channel,
			Success:      res.Success,
			ResponseTime: res.ResponseTime,
			DeliveredAt:  res.DeliveredAt,
		})
	}
	return records
}
