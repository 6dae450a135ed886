package worker

import (
	"fmt"
	"strings"
	"time"

	"reminders/internal/models"
)

const replyHints = "Reply DONE to complete, SNOOZE to be reminded in 10 minutes, or STOP to cancel."

var categoryIcons = map[string]string{
	"health":   "💊",
	"medical":  "💊",
	"work":     "💼",
	"meeting":  "📅",
	"personal": "👤",
	"family":   "👪",
	"finance":  "💰",
	"bills":    "💰",
	"shopping": "🛒",
	"travel":   "✈️",
	"fitness":  "🏃",
}

func priorityMarker(p models.Priority) string {
	switch p {
	case models.PriorityUrgent:
		return "🚨 URGENT: "
	case models.PriorityHigh:
		return "❗ "
	case models.PriorityLow:
		return "· "
	}
	return ""
}

func categoryIndicator(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		return ""
	}
	icon, ok := categoryIcons[c]
	if !ok {
		icon = "🔔"
	}
	return icon + " " + category
}

// ComposeMessage renders the reminder text. A custom message wins over the
// template. The first line is the title; gateways that support a subject
// use it as such.
func ComposeMessage(r *models.Reminder) string {
	if custom := strings.TrimSpace(r.Delivery.CustomMessage); custom != "" {
		return custom
	}

	var b strings.Builder
	b.WriteString(priorityMarker(r.Priority))
	b.WriteString(r.Title)

	if desc := strings.TrimSpace(r.Description); desc != "" {
		b.WriteString("\n" + desc)
	}
	b.WriteString("\n⏰ " + r.ScheduledTime.In(r.TimeLocation()).Format("Mon Jan 2, 15:04 MST"))
	if r.Location != "" {
		b.WriteString("\n📍 " + r.Location)
	}
	if ind := categoryIndicator(r.Category); ind != "" {
		b.WriteString("\n" + ind)
	}
	b.WriteString("\n\n" + replyHints)
	return b.String()
}

// ComposeAdvanceMessage renders the heads-up sent ahead of a reminder.
func ComposeAdvanceMessage(r *models.Reminder, custom string, lead time.Duration) string {
	if custom = strings.TrimSpace(custom); custom != "" {
		return custom
	}

	var b strings.Builder
	b.WriteString(priorityMarker(r.Priority))
	b.WriteString(fmt.Sprintf("Coming up in %s: %s", humanizeLead(lead), r.Title))
	b.WriteString("\n⏰ " + r.ScheduledTime.In(r.TimeLocation()).Format("Mon Jan 2, 15:04 MST"))
	if r.Location != "" {
		b.WriteString("\n📍 " + r.Location)
	}
	return b.String()
}

func humanizeLead(d time.Duration) string {
	d = d.Round(time.Minute)
	switch {
	case d <= 0:
		return "a moment"
	case d%(24*time.Hour) == 0:
		return plural(int(d/(24*time.Hour)), "day")
	case d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	}
	return fmt.Sprintf("%s and %s", plural(int(d/time.Hour), "hour"), plural(int(d%time.Hour/time.Minute), "minute"))
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
