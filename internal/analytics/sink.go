package analytics

import (
	"context"
	"fmt"

	"reminders/internal/models"
)

// Sink receives every completed delivery report. Forward errors are the
// caller's to log; a report is never redelivered because a sink failed.
type Sink interface {
	Forward(ctx context.Context, report *models.DeliveryReport) error
}

// Recorder persists per-channel analytics rows.
type Recorder interface {
	StoreDeliveryAnalytics(ctx context.Context, records []models.AnalyticsRecord) error
}

// DirectSink writes analytics rows straight into the store.
type DirectSink struct {
	recorder Recorder
}

func NewDirectSink(recorder Recorder) *DirectSink {
	return &DirectSink{recorder: recorder}
}

func (s *DirectSink) Forward(ctx context.Context, report *models.DeliveryReport) error {
	if err := s.recorder.StoreDeliveryAnalytics(ctx, report.AnalyticsRecords()); err != nil {
		return fmt.Errorf("failed to record analytics for report %s: %w", report.ID, err)
	}
	return nil
}

type NopSink struct{}

func (NopSink) Forward(context.Context, *models.DeliveryReport) error { return nil }
