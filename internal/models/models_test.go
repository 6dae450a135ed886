package models

import (
	"testing"
	"time"
)

func TestScheduledJobIsTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   JobStatus
		attempts int
		want     bool
	}{
		{"pending", JobStatusPending, 1, false},
		{"processing", JobStatusProcessing, 1, false},
		{"completed", JobStatusCompleted, 1, true},
		{"cancelled", JobStatusCancelled, 0, true},
		{"failed with attempts left", JobStatusFailed, 1, false},
		{"failed and exhausted", JobStatusFailed, DefaultMaxAttempts, true},
	}

	for _, tt := range tests {
		job := &ScheduledJob{Status: tt.status, Attempts: tt.attempts, MaxAttempts: DefaultMaxAttempts}
		if got := job.IsTerminal(); got != tt.want {
			t.Fatalf("%s: IsTerminal = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestScheduledJobProcessingSince(t *testing.T) {
	t.Parallel()
	updated := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	job := &ScheduledJob{UpdatedAt: updated}
	if got := job.ProcessingSince(); !got.Equal(updated) {
		t.Fatalf("ProcessingSince without attempt = %v, want %v", got, updated)
	}

	last := updated.Add(time.Minute)
	job.LastAttempt = &last
	if got := job.ProcessingSince(); !got.Equal(last) {
		t.Fatalf("ProcessingSince = %v, want %v", got, last)
	}
}

func TestReminderCloneIsDeep(t *testing.T) {
	t.Parallel()
	r := &Reminder{
		ID:   "r1",
		Tags: []string{"health"},
		Delivery: DeliveryConfig{
			Channels: []DeliveryChannel{{Type: ChannelSMS, Address: "+1555", Enabled: true}},
			AdvanceNotifications: []AdvanceNotification{
				{Offset: time.Hour, Channels: []ChannelType{ChannelSMS}},
			},
		},
	}

	cp := r.Clone()
	cp.Tags[0] = "work"
	cp.Delivery.Channels[0].Enabled = false
	cp.Delivery.AdvanceNotifications[0].Channels[0] = ChannelEmail
	cp.Delivery.AdvanceNotifications[0].Offset = time.Minute

	if r.Tags[0] != "health" {
		t.Fatalf("tags shared with clone: %v", r.Tags)
	}
	if !r.Delivery.Channels[0].Enabled {
		t.Fatal("channels shared with clone")
	}
	adv := r.Delivery.AdvanceNotifications[0]
	if adv.Channels[0] != ChannelSMS || adv.Offset != time.Hour {
		t.Fatalf("advance notifications shared with clone: %+v", adv)
	}

	var nilReminder *Reminder
	if nilReminder.Clone() != nil {
		t.Fatal("Clone of nil reminder should be nil")
	}
}
