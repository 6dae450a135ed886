package models

import (
	"fmt"
	"strings"
	"time"
)

type Timeframe struct {
	Name   string        `json:"name"`
	Window time.Duration `json:"window"`
}

// ParseTimeframe accepts day, week, month or any Go duration string.
// An empty value means week.
func ParseTimeframe(s string) (Timeframe, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "", "week":
		return Timeframe{Name: "week", Window: 7 * 24 * time.Hour}, nil
	case "day":
		return Timeframe{Name: "day", Window: 24 * time.Hour}, nil
	case "month":
		return Timeframe{Name: "month", Window: 30 * 24 * time.Hour}, nil
	}
	d, err := time.ParseDuration(name)
	if err != nil || d <= 0 {
		return Timeframe{}, fmt.Errorf("invalid timeframe %q", s)
	}
	return Timeframe{Name: name, Window: d}, nil
}

func (t Timeframe) Since(now time.Time) time.Time {
	return now.Add(-t.Window)
}

type ChannelStatistics struct {
	Attempts            int           `json:"attempts"`
	Successes           int           `json:"successes"`
	Failures            int           `json:"failures"`
	SuccessRate         float64       `json:"success_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
}

type DeliveryStatistics struct {
	UserID               string                             `json:"user_id"`
	Timeframe            string                             `json:"timeframe"`
	Since                time.Time                          `json:"since"`
	TotalReminders       int                                `json:"total_reminders"`
	SuccessfulDeliveries int                                `json:"successful_deliveries"`
	FailedDeliveries     int                                `json:"failed_deliveries"`
	DeliveryRate         float64                            `json:"delivery_rate"`
	ChannelBreakdown     map[ChannelType]*ChannelStatistics `json:"channel_breakdown"`
	AverageDeliveryTime  time.Duration                      `json:"average_delivery_time"`
	PeakHours            [24]int                            `json:"peak_hours"`
	ExhaustedJobs        int                                `json:"exhausted_jobs"`
}

// Finalize derives the rates once the raw counters are filled in.
func (s *DeliveryStatistics) Finalize() {
	if s.TotalReminders > 0 {
		s.DeliveryRate = float64(s.SuccessfulDeliveries) / float64(s.TotalReminders) * 100
	}
	for _, cs := range s.ChannelBreakdown {
		if cs.Attempts > 0 {
			cs.SuccessRate = float64(cs.Successes) / float64(cs.Attempts) * 100
		}
	}
}
