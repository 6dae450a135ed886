package models

import (
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type ChannelType string

const (
	ChannelChat    ChannelType = "chat"
	ChannelSMS     ChannelType = "sms"
	ChannelEmail   ChannelType = "email"
	ChannelPush    ChannelType = "push"
	ChannelVoice   ChannelType = "voice"
	ChannelDisplay ChannelType = "display"
)

type DeliveryChannel struct {
	Type     ChannelType `json:"type"`
	Address  string      `json:"address"`
	Enabled  bool        `json:"enabled"`
	Priority int         `json:"priority"`
}

// AdvanceNotification fires Offset before the reminder is due. An empty
// Channels list means every enabled channel of the reminder.
type AdvanceNotification struct {
	Offset   time.Duration `json:"offset"`
	Message  string        `json:"message,omitempty"`
	Channels []ChannelType `json:"channels,omitempty"`
}

type DeliveryConfig struct {
	Channels             []DeliveryChannel     `json:"channels"`
	AdvanceNotifications []AdvanceNotification `json:"advance_notifications,omitempty"`
	CustomMessage        string                `json:"custom_message,omitempty"`
}

type Reminder struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	ScheduledTime time.Time      `json:"scheduled_time"`
	Timezone      string         `json:"timezone,omitempty"`
	Status        string         `json:"status"`
	Priority      Priority       `json:"priority"`
	Category      string         `json:"category"`
	Tags          []string       `json:"tags,omitempty"`
	Location      string         `json:"location,omitempty"`
	Recurrence    string         `json:"recurrence,omitempty"`
	Delivery      DeliveryConfig `json:"delivery"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// EnabledChannels returns the enabled channels in configured order.
func (r *Reminder) EnabledChannels() []DeliveryChannel {
	channels := make([]DeliveryChannel, 0, len(r.Delivery.Channels))
	for _, ch := range r.Delivery.Channels {
		if ch.Enabled {
			channels = append(channels, ch)
		}
	}
	return channels
}

// TimeLocation resolves the reminder's timezone, falling back to UTC.
func (r *Reminder) TimeLocation() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (r *Reminder) IsRecurring() bool {
	return r.Recurrence != ""
}

// Clone returns a deep copy of the reminder, including its channel and
// advance notification slices.
func (r *Reminder) Clone() *Reminder {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	if r.Delivery.Channels != nil {
		cp.Delivery.Channels = append([]DeliveryChannel(nil), r.Delivery.Channels...)
	}
	if r.Delivery.AdvanceNotifications != nil {
		cp.Delivery.AdvanceNotifications = make([]AdvanceNotification, len(r.Delivery.AdvanceNotifications))
		for i, adv := range r.Delivery.AdvanceNotifications {
			if adv.Channels != nil {
				adv.Channels = append([]ChannelType(nil), adv.Channels...)
			}
			cp.Delivery.AdvanceNotifications[i] = adv
		}
	}
	return &cp
}
