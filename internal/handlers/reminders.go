package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"reminders/internal/models"
	"reminders/internal/storage"
	"reminders/internal/worker"
)

type createReminderRequest struct {
	ID            string                `json:"id"`
	UserID        string                `json:"user_id"`
	Title         string                `json:"title"`
	Description   string                `json:"description"`
	ScheduledTime time.Time             `json:"scheduled_time"`
	Timezone      string                `json:"timezone"`
	Priority      models.Priority       `json:"priority"`
	Category      string                `json:"category"`
	Tags          []string              `json:"tags"`
	Location      string                `json:"location"`
	Recurrence    string                `json:"recurrence"`
	Delivery      models.DeliveryConfig `json:"delivery"`
}

type createReminderResponse struct {
	Reminder *models.Reminder     `json:"reminder"`
	Job      *models.ScheduledJob `json:"job"`
}

type ReminderHandler struct {
	storage   storage.Store
	scheduler *worker.Scheduler
	logger    *logrus.Logger
}

func NewReminderHandler(storage storage.Store, scheduler *worker.Scheduler, logger *logrus.Logger) *ReminderHandler {
	return &ReminderHandler{
		storage:   storage,
		scheduler: scheduler,
		logger:    logger,
	}
}

func (h *ReminderHandler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if msg := validateReminder(&req); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}

	now := time.Now().UTC()
	reminder := &models.Reminder{
		ID:            id,
		UserID:        req.UserID,
		Title:         req.Title,
		Description:   req.Description,
		ScheduledTime: req.ScheduledTime,
		Timezone:      req.Timezone,
		Status:        "active",
		Priority:      priority,
		Category:      req.Category,
		Tags:          req.Tags,
		Location:      req.Location,
		Recurrence:    req.Recurrence,
		Delivery:      req.Delivery,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.storage.SaveReminder(ctx, reminder); err != nil {
		h.logger.WithError(err).WithField("reminder_id", id).Error("Failed to save reminder")
		http.Error(w, "Failed to save reminder", http.StatusInternalServerError)
		return
	}

	job, err := h.scheduler.ScheduleReminder(ctx, reminder)
	if err != nil {
		h.logger.WithError(err).WithField("reminder_id", id).Error("Failed to schedule reminder")
		http.Error(w, "Failed to schedule reminder", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, createReminderResponse{Reminder: reminder, Job: job})
}

func (h *ReminderHandler) CancelReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "ID is required", http.StatusBadRequest)
		return
	}

	n, err := h.scheduler.CancelScheduledReminder(r.Context(), id)
	if err != nil {
		h.logger.WithError(err).WithField("reminder_id", id).Error("Failed to cancel reminder")
		http.Error(w, "Failed to cancel reminder", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (h *ReminderHandler) GetReminderJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobs, err := h.scheduler.GetJobsForReminder(r.Context(), id)
	if err != nil {
		http.Error(w, "Failed to get jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*models.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *ReminderHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.scheduler.GetScheduledJob(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *ReminderHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	err := h.scheduler.RetryFailedDelivery(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	case errors.Is(err, worker.ErrJobNotRetryable):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.logger.WithError(err).WithField("job_id", id).Error("Manual retry failed")
		http.Error(w, "Failed to retry job", http.StatusInternalServerError)
		return
	}

	job, err := h.scheduler.GetScheduledJob(ctx, id)
	if err != nil {
		http.Error(w, "Failed to get job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *ReminderHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.scheduler.ProcessDueReminders(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Sweep requested over HTTP failed")
		http.Error(w, "Sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ReminderHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	timeframe, err := models.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := h.scheduler.GetDeliveryStatistics(r.Context(), userID, timeframe)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to load statistics")
		http.Error(w, "Failed to get statistics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func validateReminder(req *createReminderRequest) string {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return "user_id is required"
	case strings.TrimSpace(req.Title) == "":
		return "title is required"
	case req.ScheduledTime.IsZero():
		return "scheduled_time is required"
	}
	for _, ch := range req.Delivery.Channels {
		if ch.Type == "" || ch.Address == "" {
			return "every channel needs a type and an address"
		}
	}
	for _, adv := range req.Delivery.AdvanceNotifications {
		if adv.Offset <= 0 {
			return "advance notification offset must be positive"
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
