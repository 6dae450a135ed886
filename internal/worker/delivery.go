package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"reminders/internal/gateway"
	"reminders/internal/metrics"
	"reminders/internal/models"
)

// DeliverReminder sends the reminder through each enabled channel in order
// and records a delivery report. Channel failures end up in the report; the
// returned error only reports that the report could not be stored.
func (s *Scheduler) DeliverReminder(ctx context.Context, reminder *models.Reminder, jobID string) (*models.DeliveryReport, error) {
	started := s.now()
	message := ComposeMessage(reminder)
	results := s.deliverToChannels(ctx, reminder, reminder.EnabledChannels(), message)

	report := models.NewDeliveryReport(ulid.Make().String(), reminder, jobID, results, started, s.now())

	log := s.logger.WithFields(logrus.Fields{
		"reminder_id": reminder.ID,
		"job_id":      jobID,
		"report_id":   report.ID,
		"successful":  report.SuccessfulDeliveries,
		"failed":      report.FailedDeliveries,
	})

	var storeErr error
	if err := s.store.StoreDeliveryReport(ctx, report); err != nil {
		storeErr = fmt.Errorf("failed to store delivery report %s: %w", report.ID, err)
	}

	if err := s.sink.Forward(ctx, report); err != nil {
		metrics.AnalyticsForwardFailures.Inc()
		log.WithError(err).Warn("Failed to forward delivery report to analytics")
	}

	if report.OverallSuccess {
		log.Info("Reminder delivered")
	} else {
		log.Warn("Reminder delivery failed on every channel")
	}
	return report, storeErr
}

// DeliverThroughChannel sends one message through the gateway registered for
// the channel's type. It never returns an error: failures are reported in
// the result.
func (s *Scheduler) DeliverThroughChannel(ctx context.Context, reminder *models.Reminder, channel models.DeliveryChannel, message string) (result models.DeliveryResult) {
	result.Channel = channel.Type
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.MessageID = ""
			result.Error = fmt.Sprintf("gateway panic: %v", r)
		}
		result.ResponseTime = time.Since(started)
		result.DeliveredAt = s.now()

		status := "failed"
		if result.Success {
			status = "success"
		}
		metrics.ChannelDeliveries.WithLabelValues(string(channel.Type), status).Inc()
		metrics.ChannelLatency.WithLabelValues(string(channel.Type)).Observe(result.ResponseTime.Seconds())
	}()

	gw, err := s.gateways.Lookup(channel.Type)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if strings.TrimSpace(channel.Address) == "" {
		result.Error = fmt.Errorf("%s: empty address: %w", channel.Type, gateway.ErrInvalidAddress).Error()
		return result
	}

	messageID, err := gw.Send(ctx, channel.Address, message)
	if err != nil {
		result.Error = err.Error()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"reminder_id": reminder.ID,
			"channel":     channel.Type,
		}).Warn("Channel delivery failed")
		return result
	}

	result.Success = true
	result.MessageID = messageID
	return result
}

func (s *Scheduler) deliverToChannels(ctx context.Context, reminder *models.Reminder, channels []models.DeliveryChannel, message string) []models.DeliveryResult {
	results := make([]models.DeliveryResult, 0, len(channels))
	for _, ch := range channels {
		results = append(results, s.DeliverThroughChannel(ctx, reminder, ch, message))
	}
	return results
}

// deliverAdvance sends an advance notice to the job's channel subset, or to
// every enabled channel when the job names none.
func (s *Scheduler) deliverAdvance(ctx context.Context, reminder *models.Reminder, job *models.ScheduledJob) error {
	channels := advanceTargets(reminder, job.AdvanceChannels())
	if len(channels) == 0 {
		return fmt.Errorf("%w: no enabled channel for advance notification", ErrNoDeliveries)
	}

	message := ComposeAdvanceMessage(reminder, job.AdvanceMessage(), reminder.ScheduledTime.Sub(job.ScheduledTime))
	results := s.deliverToChannels(ctx, reminder, channels, message)

	for _, r := range results {
		if r.Success {
			return nil
		}
	}
	return fmt.Errorf("%w: advance notification failed on %d channels", ErrNoDeliveries, len(results))
}

func advanceTargets(reminder *models.Reminder, subset []models.ChannelType) []models.DeliveryChannel {
	enabled := reminder.EnabledChannels()
	if len(subset) == 0 {
		return enabled
	}

	wanted := make(map[models.ChannelType]struct{}, len(subset))
	for _, ch := range subset {
		wanted[ch] = struct{}{}
	}
	out := make([]models.DeliveryChannel, 0, len(enabled))
	for _, ch := range enabled {
		if _, ok := wanted[ch.Type]; ok {
			out = append(out, ch)
		}
	}
	return out
}
