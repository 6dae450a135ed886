package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reminders/internal/gateway"
	"reminders/internal/lock"
	"reminders/internal/models"
	"reminders/internal/queue"
	"reminders/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	reports []*models.DeliveryReport
	err     error
}

func (s *recordingSink) Forward(ctx context.Context, report *models.DeliveryReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return s.err
}

type recordingHandler struct {
	calls atomic.Int32
	last  atomic.Value
}

func (h *recordingHandler) HandleRecurrence(ctx context.Context, reminder *models.Reminder) error {
	h.calls.Add(1)
	h.last.Store(reminder.ID)
	return nil
}

// countingGateway records calls and answers with err when set.
type countingGateway struct {
	mu       sync.Mutex
	calls    int
	messages []string
	err      error
}

func (g *countingGateway) Send(ctx context.Context, address, message string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.messages = append(g.messages, message)
	if g.err != nil {
		return "", g.err
	}
	return fmt.Sprintf("msg-%d", g.calls), nil
}

func (g *countingGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fixture struct {
	sched *Scheduler
	store *storage.MemoryStorage
	queue *queue.MemoryQueue
	clock *clock
	sink  *recordingSink
	recur *recordingHandler
}

func newFixture(t *testing.T, gateways map[models.ChannelType]gateway.Gateway, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStorage(),
		queue: queue.NewMemoryQueue(),
		clock: &clock{t: time.Now().UTC().Truncate(time.Second)},
		sink:  &recordingSink{},
		recur: &recordingHandler{},
	}

	registry := gateway.NewRegistry()
	for ch, gw := range gateways {
		registry.Register(ch, gw)
	}

	cfg := Config{
		Store:      f.store,
		Queue:      f.queue,
		Gateways:   registry,
		Sink:       f.sink,
		Recurrence: f.recur,
		Now:        f.clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	sched, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	f.sched = sched
	return f
}

func (f *fixture) reminder(t *testing.T, id string, at time.Time, channels ...models.DeliveryChannel) *models.Reminder {
	t.Helper()
	r := &models.Reminder{
		ID:            id,
		UserID:        "user-1",
		Title:         "Take medication",
		ScheduledTime: at,
		Priority:      models.PriorityHigh,
		Category:      "health",
		Delivery:      models.DeliveryConfig{Channels: channels},
	}
	if err := f.store.SaveReminder(context.Background(), r); err != nil {
		t.Fatalf("SaveReminder: %v", err)
	}
	return r
}

func (f *fixture) job(t *testing.T, id string) *models.ScheduledJob {
	t.Helper()
	job, err := f.store.GetScheduledJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetScheduledJob(%s): %v", id, err)
	}
	if job.Attempts > job.MaxAttempts {
		t.Fatalf("job %s attempts %d exceed max %d", id, job.Attempts, job.MaxAttempts)
	}
	return job
}

func enabled(ch models.ChannelType, addr string) models.DeliveryChannel {
	return models.DeliveryChannel{Type: ch, Address: addr, Enabled: true}
}

func TestNewSchedulerRequiresCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := NewScheduler(Config{Gateways: gateway.NewRegistry()}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := NewScheduler(Config{Store: storage.NewMemoryStorage()}); err == nil {
		t.Fatal("expected error without gateways")
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{7, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.attempts); got != tt.want {
			t.Fatalf("RetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestScheduleReminderDueSoonIsQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	now := f.clock.Now()

	soon := f.reminder(t, "soon", now.Add(3*time.Minute))
	job, err := f.sched.ScheduleReminder(ctx, soon)
	if err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}
	if !f.sched.IsDueSoon(soon.ScheduledTime) {
		t.Fatal("IsDueSoon = false for a reminder 3 minutes out")
	}
	if job.MaxAttempts != 3 || job.Status != models.JobStatusPending || job.Type != models.JobTypeReminder {
		t.Fatalf("primary job = %+v", job)
	}
	if n, _ := f.queue.Len(ctx); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}

	later := f.reminder(t, "later", now.Add(time.Hour))
	if _, err := f.sched.ScheduleReminder(ctx, later); err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}
	if n, _ := f.queue.Len(ctx); n != 1 {
		t.Fatalf("queue length = %d, want 1 (far job must not be queued)", n)
	}

	ids, _ := f.queue.PopDue(ctx, now.Add(3*time.Minute))
	if len(ids) != 1 || ids[0] != job.ID {
		t.Fatalf("queued ids = %v, want [%s]", ids, job.ID)
	}
}

func TestScheduleReminderAdvanceJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	now := f.clock.Now()

	r := f.reminder(t, "r1", now.Add(time.Hour))
	r.Delivery.AdvanceNotifications = []models.AdvanceNotification{
		{Offset: 30 * time.Minute, Channels: []models.ChannelType{models.ChannelSMS}},
		{Offset: time.Hour},
		{Offset: 2 * time.Hour},
	}

	if _, err := f.sched.ScheduleReminder(ctx, r); err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}

	jobs, _ := f.store.GetScheduledJobsForReminder(ctx, "r1")
	var advance []*models.ScheduledJob
	for _, j := range jobs {
		if j.Type == models.JobTypeAdvanceNotification {
			advance = append(advance, j)
		}
	}
	if len(advance) != 1 {
		t.Fatalf("advance jobs = %d, want 1 (only offsets leaving a future fire time)", len(advance))
	}
	if !advance[0].ScheduledTime.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("advance fire time = %v", advance[0].ScheduledTime)
	}
	if got := advance[0].AdvanceChannels(); len(got) != 1 || got[0] != models.ChannelSMS {
		t.Fatalf("advance channels = %v", got)
	}
}

type failingStore struct {
	*storage.MemoryStorage
}

func (failingStore) StoreScheduledJob(context.Context, *models.ScheduledJob) error {
	return errors.New("db unavailable")
}

func (failingStore) StoreScheduledJobs(context.Context, []*models.ScheduledJob) error {
	return errors.New("db unavailable")
}

func TestScheduleReminderPropagatesStoreError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, func(c *Config) {
		c.Store = failingStore{storage.NewMemoryStorage()}
	})
	_, err := f.sched.ScheduleReminder(context.Background(), &models.Reminder{ID: "r1"})
	if err == nil {
		t.Fatal("expected store error to propagate")
	}
}

func TestScheduleReminderStoresNothingOnFailure(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemoryStorage()
	f := newFixture(t, nil, func(c *Config) {
		c.Store = failingStore{mem}
	})
	ctx := context.Background()

	r := &models.Reminder{
		ID:            "r1",
		UserID:        "user-1",
		ScheduledTime: f.clock.Now().Add(2 * time.Minute),
		Delivery: models.DeliveryConfig{
			Channels:             []models.DeliveryChannel{enabled(models.ChannelSMS, "+15550001111")},
			AdvanceNotifications: []models.AdvanceNotification{{Offset: time.Minute}},
		},
	}
	if _, err := f.sched.ScheduleReminder(ctx, r); err == nil {
		t.Fatal("expected store error")
	}

	jobs, _ := mem.GetScheduledJobsForReminder(ctx, "r1")
	if len(jobs) != 0 {
		t.Fatalf("jobs left after failed schedule = %d, want 0", len(jobs))
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Fatalf("near-term queue len = %d, want 0", n)
	}
}

// flakyUpdateStore fails the n-th UpdateScheduledJob call.
type flakyUpdateStore struct {
	*storage.MemoryStorage
	calls  atomic.Int32
	failOn int32
}

func (s *flakyUpdateStore) UpdateScheduledJob(ctx context.Context, id string, fn func(*models.ScheduledJob) error) (*models.ScheduledJob, error) {
	if s.calls.Add(1) == s.failOn {
		return nil, errors.New("db unavailable")
	}
	return s.MemoryStorage.UpdateScheduledJob(ctx, id, fn)
}

func TestSweepReclaimsJobWhoseResultWasLost(t *testing.T) {
	t.Parallel()
	sms := &countingGateway{}
	flaky := &flakyUpdateStore{MemoryStorage: storage.NewMemoryStorage(), failOn: 2}
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{models.ChannelSMS: sms}, func(c *Config) {
		c.Store = flaky
	})
	f.store = flaky.MemoryStorage
	ctx := context.Background()

	r := f.reminder(t, "r1", f.clock.Now(), enabled(models.ChannelSMS, "+15550001111"))
	primary, err := f.sched.ScheduleReminder(ctx, r)
	if err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}

	res, _ := f.sched.ProcessDueReminders(ctx)
	if res.Due != 1 || res.Failed != 0 || res.Completed != 0 {
		t.Fatalf("first sweep = %+v, want one unsettled job", res)
	}
	if job := f.job(t, primary.ID); job.Status != models.JobStatusProcessing || job.Attempts != 1 {
		t.Fatalf("job after lost write = %+v", job)
	}

	f.clock.Advance(time.Minute)
	res, _ = f.sched.ProcessDueReminders(ctx)
	if res.Due != 0 || res.Recovered != 0 {
		t.Fatalf("job reclaimed while it could still be running: %+v", res)
	}

	f.clock.Advance(2 * time.Minute)
	res, _ = f.sched.ProcessDueReminders(ctx)
	if res.Recovered != 1 || res.Due != 1 || res.Completed != 1 {
		t.Fatalf("reclaim sweep = %+v", res)
	}
	job := f.job(t, primary.ID)
	if job.Status != models.JobStatusCompleted || job.Attempts != 2 {
		t.Fatalf("job after reclaim = %+v, want completed on attempt 2", job)
	}
	if sms.Calls() != 2 {
		t.Fatalf("gateway calls = %d, want 2", sms.Calls())
	}
}

func TestSweepFailsStaleJobWithoutAttemptsLeft(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	started := f.clock.Now().Add(-time.Hour)
	job := &models.ScheduledJob{
		ID:            "stuck",
		ReminderID:    "r1",
		ScheduledTime: started,
		Type:          models.JobTypeReminder,
		Status:        models.JobStatusProcessing,
		Attempts:      models.DefaultMaxAttempts,
		MaxAttempts:   models.DefaultMaxAttempts,
		LastAttempt:   &started,
	}
	if err := f.store.StoreScheduledJob(ctx, job); err != nil {
		t.Fatalf("StoreScheduledJob: %v", err)
	}

	res, _ := f.sched.ProcessDueReminders(ctx)
	if res.Recovered != 0 || res.Due != 0 {
		t.Fatalf("sweep = %+v", res)
	}
	got := f.job(t, "stuck")
	if got.Status != models.JobStatusFailed || got.Attempts != models.DefaultMaxAttempts {
		t.Fatalf("job = %+v, want failed with attempts unchanged", got)
	}
}

func TestDeliverReminderOverallSuccess(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		sms, email bool
	}{
		{"both ok", true, true},
		{"sms only", true, false},
		{"email only", false, true},
		{"none", false, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sms, email := &countingGateway{}, &countingGateway{}
			if !tt.sms {
				sms.err = errors.New("sms down")
			}
			if !tt.email {
				email.err = errors.New("smtp down")
			}
			f := newFixture(t, map[models.ChannelType]gateway.Gateway{
				models.ChannelSMS:   sms,
				models.ChannelEmail: email,
			})
			r := f.reminder(t, "r1", f.clock.Now(),
				enabled(models.ChannelSMS, "+15550001111"),
				enabled(models.ChannelEmail, "a@example.com"))

			report, err := f.sched.DeliverReminder(context.Background(), r, "job-1")
			if err != nil {
				t.Fatalf("DeliverReminder: %v", err)
			}
			if report.OverallSuccess != (report.SuccessfulDeliveries > 0) {
				t.Fatalf("OverallSuccess = %v with %d successes", report.OverallSuccess, report.SuccessfulDeliveries)
			}
			if report.TotalChannels != 2 || report.SuccessfulDeliveries+report.FailedDeliveries != 2 {
				t.Fatalf("report counts = %+v", report)
			}
		})
	}
}

func TestDeliverReminderSkipsDisabledChannels(t *testing.T) {
	t.Parallel()
	sms, email := &countingGateway{}, &countingGateway{}
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{
		models.ChannelSMS:   sms,
		models.ChannelEmail: email,
	})
	r := f.reminder(t, "r1", f.clock.Now(),
		enabled(models.ChannelSMS, "+15550001111"),
		models.DeliveryChannel{Type: models.ChannelEmail, Address: "a@example.com", Enabled: false})

	report, err := f.sched.DeliverReminder(context.Background(), r, "job-1")
	if err != nil {
		t.Fatalf("DeliverReminder: %v", err)
	}
	if report.TotalChannels != 1 || len(report.Results) != 1 || report.Results[0].Channel != models.ChannelSMS {
		t.Fatalf("report = %+v", report)
	}
	if email.Calls() != 0 {
		t.Fatalf("disabled channel was called %d times", email.Calls())
	}
}

func TestDeliverReminderPartialFailure(t *testing.T) {
	t.Parallel()
	sms := &countingGateway{}
	email := &countingGateway{err: errors.New("mailbox full")}
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{
		models.ChannelSMS:   sms,
		models.ChannelEmail: email,
	})
	r := f.reminder(t, "r1", f.clock.Now(),
		enabled(models.ChannelSMS, "+15550001111"),
		enabled(models.ChannelEmail, "a@example.com"))
	ctx := context.Background()

	report, err := f.sched.DeliverReminder(ctx, r, "job-1")
	if err != nil {
		t.Fatalf("DeliverReminder: %v", err)
	}
	if report.TotalChannels != 2 || report.SuccessfulDeliveries != 1 || report.FailedDeliveries != 1 || !report.OverallSuccess {
		t.Fatalf("report = %+v", report)
	}
	if report.Results[0].Channel != models.ChannelSMS || report.Results[1].Error != "mailbox full" {
		t.Fatalf("results = %+v", report.Results)
	}
	if report.Results[0].MessageID == "" {
		t.Fatal("successful result has no message id")
	}

	if len(f.sink.reports) != 1 || f.sink.reports[0].ID != report.ID {
		t.Fatalf("sink received %d reports", len(f.sink.reports))
	}
	week, _ := models.ParseTimeframe("week")
	stats, _ := f.store.GetDeliveryStatistics(ctx, "user-1", week)
	if stats.TotalReminders != 1 {
		t.Fatalf("stored reports = %d, want 1", stats.TotalReminders)
	}
}

func TestDeliverReminderSinkFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{models.ChannelSMS: &countingGateway{}})
	f.sink.err = errors.New("broker down")
	r := f.reminder(t, "r1", f.clock.Now(), enabled(models.ChannelSMS, "+15550001111"))

	report, err := f.sched.DeliverReminder(context.Background(), r, "job-1")
	if err != nil {
		t.Fatalf("DeliverReminder: %v", err)
	}
	if !report.OverallSuccess {
		t.Fatal("sink failure changed the delivery outcome")
	}
}

func TestDeliverThroughChannelFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{
		models.ChannelSMS: &countingGateway{},
		models.ChannelPush: gateway.GatewayFunc(func(context.Context, string, string) (string, error) {
			panic("nil client")
		}),
	})
	r := f.reminder(t, "r1", f.clock.Now())
	ctx := context.Background()

	res := f.sched.DeliverThroughChannel(ctx, r, enabled(models.ChannelVoice, "+15550001111"), "hi")
	if res.Success || res.Error == "" {
		t.Fatalf("unsupported channel result = %+v", res)
	}

	res = f.sched.DeliverThroughChannel(ctx, r, enabled(models.ChannelSMS, " "), "hi")
	if res.Success || res.Error == "" {
		t.Fatalf("empty address result = %+v", res)
	}

	res = f.sched.DeliverThroughChannel(ctx, r, enabled(models.ChannelPush, "token"), "hi")
	if res.Success || res.Error == "" {
		t.Fatalf("panicking gateway result = %+v", res)
	}
	if res.DeliveredAt.IsZero() {
		t.Fatal("DeliveredAt not recorded")
	}
}

func TestSweepRetriesThenFailsTerminally(t *testing.T) {
	t.Parallel()
	sms := &countingGateway{err: errors.New("provider timeout")}
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{models.ChannelSMS: sms})
	ctx := context.Background()

	r := f.reminder(t, "r1", f.clock.Now(), enabled(models.ChannelSMS, "+15550001111"))
	primary, err := f.sched.ScheduleReminder(ctx, r)
	if err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}

	for attempt, wait := range []time.Duration{0, time.Minute, 5 * time.Minute} {
		f.clock.Advance(wait)
		res, err := f.sched.ProcessDueReminders(ctx)
		if err != nil {
			t.Fatalf("sweep %d: %v", attempt+1, err)
		}
		if res.Due != 1 {
			t.Fatalf("sweep %d due = %d, want 1", attempt+1, res.Due)
		}

		job := f.job(t, primary.ID)
		if job.Attempts != attempt+1 {
			t.Fatalf("after sweep %d attempts = %d", attempt+1, job.Attempts)
		}
		if job.ErrorMessage == "" {
			t.Fatalf("after sweep %d no error message recorded", attempt+1)
		}
		if attempt < 2 {
			if job.Status != models.JobStatusPending || job.NextRetry == nil {
				t.Fatalf("after sweep %d job = %+v, want pending with retry", attempt+1, job)
			}
			want := f.clock.Now().Add(RetryDelay(job.Attempts))
			if !job.NextRetry.Equal(want) {
				t.Fatalf("next retry = %v, want %v", job.NextRetry, want)
			}
		}
	}

	job := f.job(t, primary.ID)
	if job.Status != models.JobStatusFailed || job.NextRetry != nil {
		t.Fatalf("job after third failure = %+v, want terminal failed", job)
	}

	f.clock.Advance(time.Hour)
	res, _ := f.sched.ProcessDueReminders(ctx)
	if res.Due != 0 {
		t.Fatalf("exhausted job picked up again: %+v", res)
	}
	if sms.Calls() != 3 {
		t.Fatalf("gateway calls = %d, want 3", sms.Calls())
	}
	if got := f.job(t, primary.ID); got.Attempts != 3 || got.Status != models.JobStatusFailed {
		t.Fatalf("job = %+v", got)
	}
}

func TestSweepCompletesAndIgnoresFinishedJobs(t *testing.T) {
	t.Parallel()
	sms := &countingGateway{}
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{models.ChannelSMS: sms})
	ctx := context.Background()

	r := f.reminder(t, "r1", f.clock.Now(), enabled(models.ChannelSMS, "+15550001111"))
	primary, _ := f.sched.ScheduleReminder(ctx, r)

	res, err := f.sched.ProcessDueReminders(ctx)
	if err != nil || res.Completed != 1 {
		t.Fatalf("sweep = %+v, %v", res, err)
	}
	if job := f.job(t, primary.ID); job.Status != models.JobStatusCompleted || job.Attempts != 1 {
		t.Fatalf("job = %+v", job)
	}

	res, _ = f.sched.ProcessDueReminders(ctx)
	if res.Due != 0 || sms.Calls() != 1 {
		t.Fatalf("completed job processed again: %+v calls=%d", res, sms.Calls())
	}
}

func TestSweepMissingReminderFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	job := &models.ScheduledJob{
		ID:            "orphan",
		ReminderID:    "gone",
		ScheduledTime: f.clock.Now(),
		Type:          models.JobTypeReminder,
		Status:        models.JobStatusPending,
		MaxAttempts:   models.DefaultMaxAttempts,
	}
	if err := f.store.StoreScheduledJob(ctx, job); err != nil {
		t.Fatalf("StoreScheduledJob: %v", err)
	}

	res, _ := f.sched.ProcessDueReminders(ctx)
	if res.Failed != 1 {
		t.Fatalf("sweep = %+v, want one failure", res)
	}
	got := f.job(t, "orphan")
	if got.Status != models.JobStatusFailed || got.NextRetry != nil || got.Attempts != 1 {
		t.Fatalf("job = %+v, want failed after one attempt with no retry", got)
	}
}

func TestSweepNoEnabledChannelsRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	r := f.reminder(t, "r1", f.clock.Now())
	primary, _ := f.sched.ScheduleReminder(ctx, r)

	res, _ := f.sched.ProcessDueReminders(ctx)
	if res.Retried != 1 {
		t.Fatalf("sweep = %+v, want retry", res)
	}
	if job := f.job(t, primary.ID); job.Status != models.JobStatusPending {
		t.Fatalf("job = %+v", job)
	}
}

func TestSweepProcessesAllBatches(t *testing.T) {
	t.Parallel()
	sms := &countingGateway{}
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{models.ChannelSMS: sms})
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		r := f.reminder(t, fmt.Sprintf("r%d", i), f.clock.Now().Add(-time.Duration(i)*time.Second),
			enabled(models.ChannelSMS, "+15550001111"))
		if _, err := f.sched.ScheduleReminder(ctx, r); err != nil {
			t.Fatalf("ScheduleReminder: %v", err)
		}
	}

	res, err := f.sched.ProcessDueReminders(ctx)
	if err != nil {
		t.Fatalf("ProcessDueReminders: %v", err)
	}
	if res.Due != 25 || res.Completed != 25 || sms.Calls() != 25 {
		t.Fatalf("sweep = %+v calls=%d", res, sms.Calls())
	}
}

type blockingGateway struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *blockingGateway) Send(ctx context.Context, address, message string) (string, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return "id", nil
}

func TestSweepSkippedWhileRunning(t *testing.T) {
	t.Parallel()
	gw := &blockingGateway{started: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{models.ChannelSMS: gw})
	ctx := context.Background()

	r := f.reminder(t, "r1", f.clock.Now(), enabled(models.ChannelSMS, "+15550001111"))
	_, _ = f.sched.ScheduleReminder(ctx, r)

	done := make(chan SweepResult, 1)
	go func() {
		res, _ := f.sched.ProcessDueReminders(ctx)
		done <- res
	}()

	<-gw.started
	res, err := f.sched.ProcessDueReminders(ctx)
	if err != nil || !res.Skipped {
		t.Fatalf("overlapping sweep = %+v, %v; want skipped", res, err)
	}

	close(gw.release)
	first := <-done
	if first.Skipped || first.Completed != 1 {
		t.Fatalf("first sweep = %+v", first)
	}
}

func TestSweepSkippedWithoutLease(t *testing.T) {
	t.Parallel()
	locker := lock.NewLocalLocker()
	f := newFixture(t, nil, func(c *Config) { c.Locker = locker })
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, DefaultLeaseKey, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	res, err := f.sched.ProcessDueReminders(ctx)
	if err != nil || !res.Skipped {
		t.Fatalf("sweep = %+v, %v; want skipped while lease is held elsewhere", res, err)
	}

	_ = lease.Release(ctx)
	res, err = f.sched.ProcessDueReminders(ctx)
	if err != nil || res.Skipped {
		t.Fatalf("sweep after release = %+v, %v", res, err)
	}
}

func TestCancelScheduledReminder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	r := f.reminder(t, "r1", f.clock.Now().Add(2*time.Minute))
	r.Delivery.AdvanceNotifications = []models.AdvanceNotification{{Offset: time.Minute}}
	primary, err := f.sched.ScheduleReminder(ctx, r)
	if err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}
	if n, _ := f.queue.Len(ctx); n != 2 {
		t.Fatalf("queue length = %d, want primary and advance queued", n)
	}

	inFlight := &models.ScheduledJob{
		ID:            "in-flight",
		ReminderID:    "r1",
		ScheduledTime: f.clock.Now(),
		Type:          models.JobTypeReminder,
		Status:        models.JobStatusProcessing,
		Attempts:      1,
		MaxAttempts:   models.DefaultMaxAttempts,
	}
	_ = f.store.StoreScheduledJob(ctx, inFlight)

	n, err := f.sched.CancelScheduledReminder(ctx, "r1")
	if err != nil {
		t.Fatalf("CancelScheduledReminder: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled = %d, want 2", n)
	}

	jobs, _ := f.store.GetScheduledJobsForReminder(ctx, "r1")
	for _, j := range jobs {
		switch j.ID {
		case "in-flight":
			if j.Status != models.JobStatusProcessing {
				t.Fatalf("processing job was cancelled: %+v", j)
			}
		default:
			if j.Status != models.JobStatusCancelled {
				t.Fatalf("job %s status = %s, want cancelled", j.ID, j.Status)
			}
		}
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Fatalf("queue length = %d, want 0 after cancel", n)
	}
	if job := f.job(t, primary.ID); job.Status != models.JobStatusCancelled {
		t.Fatalf("primary = %+v", job)
	}

	f.clock.Advance(10 * time.Minute)
	if res, _ := f.sched.ProcessDueReminders(ctx); res.Due != 0 {
		t.Fatalf("cancelled jobs picked up: %+v", res)
	}
}

func TestRetryFailedDelivery(t *testing.T) {
	t.Parallel()
	sms := &countingGateway{err: errors.New("provider down")}
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{models.ChannelSMS: sms})
	ctx := context.Background()

	r := f.reminder(t, "r1", f.clock.Now(), enabled(models.ChannelSMS, "+15550001111"))
	primary, _ := f.sched.ScheduleReminder(ctx, r)
	_, _ = f.sched.ProcessDueReminders(ctx)

	before := f.job(t, primary.ID)
	if before.Attempts != 1 {
		t.Fatalf("attempts after first sweep = %d", before.Attempts)
	}

	f.clock.Advance(10 * time.Second)
	if err := f.sched.RetryFailedDelivery(ctx, primary.ID); err != nil {
		t.Fatalf("RetryFailedDelivery: %v", err)
	}
	after := f.job(t, primary.ID)
	if after.Attempts != before.Attempts+1 {
		t.Fatalf("attempts = %d, want %d", after.Attempts, before.Attempts+1)
	}
	now := f.clock.Now()
	if after.LastAttempt == nil || !after.LastAttempt.Equal(now) {
		t.Fatalf("last attempt = %v, want %v", after.LastAttempt, now)
	}
	if want := now.Add(RetryDelay(after.Attempts)); after.NextRetry == nil || !after.NextRetry.Equal(want) {
		t.Fatalf("next retry = %v, want %v", after.NextRetry, want)
	}
	if sms.Calls() != 2 {
		t.Fatalf("gateway calls = %d, want immediate re-delivery", sms.Calls())
	}

	if err := f.sched.RetryFailedDelivery(ctx, primary.ID); err != nil {
		t.Fatalf("RetryFailedDelivery: %v", err)
	}
	if job := f.job(t, primary.ID); job.Attempts != 3 || job.Status != models.JobStatusFailed {
		t.Fatalf("job = %+v, want failed at max attempts", job)
	}

	if err := f.sched.RetryFailedDelivery(ctx, primary.ID); err != nil {
		t.Fatalf("retry at max attempts should be a no-op, got %v", err)
	}
	if job := f.job(t, primary.ID); job.Attempts != 3 || sms.Calls() != 3 {
		t.Fatalf("no-op retry changed job: %+v calls=%d", job, sms.Calls())
	}
}

func TestRetryFailedDeliveryRecovers(t *testing.T) {
	t.Parallel()
	sms := &countingGateway{err: errors.New("provider down")}
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{models.ChannelSMS: sms})
	ctx := context.Background()

	r := f.reminder(t, "r1", f.clock.Now(), enabled(models.ChannelSMS, "+15550001111"))
	primary, _ := f.sched.ScheduleReminder(ctx, r)
	_, _ = f.sched.ProcessDueReminders(ctx)

	sms.mu.Lock()
	sms.err = nil
	sms.mu.Unlock()

	if err := f.sched.RetryFailedDelivery(ctx, primary.ID); err != nil {
		t.Fatalf("RetryFailedDelivery: %v", err)
	}
	job := f.job(t, primary.ID)
	if job.Status != models.JobStatusCompleted || job.Attempts != 2 || job.ErrorMessage != "" {
		t.Fatalf("job = %+v, want completed on second attempt", job)
	}
}

func TestRetryFailedDeliveryRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.sched.RetryFailedDelivery(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	r := f.reminder(t, "r1", f.clock.Now().Add(time.Hour))
	primary, _ := f.sched.ScheduleReminder(ctx, r)
	_, _ = f.sched.CancelScheduledReminder(ctx, "r1")

	if err := f.sched.RetryFailedDelivery(ctx, primary.ID); !errors.Is(err, ErrJobNotRetryable) {
		t.Fatalf("err = %v, want ErrJobNotRetryable", err)
	}
	if job := f.job(t, primary.ID); job.Status != models.JobStatusCancelled || job.Attempts != 0 {
		t.Fatalf("cancelled job changed: %+v", job)
	}
}

func TestAdvanceNotificationUsesChannelSubset(t *testing.T) {
	t.Parallel()
	sms, email := &countingGateway{}, &countingGateway{}
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{
		models.ChannelSMS:   sms,
		models.ChannelEmail: email,
	})
	ctx := context.Background()

	r := f.reminder(t, "r1", f.clock.Now().Add(time.Hour),
		enabled(models.ChannelSMS, "+15550001111"),
		enabled(models.ChannelEmail, "a@example.com"))
	r.Delivery.AdvanceNotifications = []models.AdvanceNotification{
		{Offset: 30 * time.Minute, Channels: []models.ChannelType{models.ChannelEmail}},
	}
	if _, err := f.sched.ScheduleReminder(ctx, r); err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}

	f.clock.Advance(30 * time.Minute)
	res, err := f.sched.ProcessDueReminders(ctx)
	if err != nil || res.Due != 1 || res.Completed != 1 {
		t.Fatalf("sweep = %+v, %v", res, err)
	}
	if sms.Calls() != 0 || email.Calls() != 1 {
		t.Fatalf("calls sms=%d email=%d, want only email", sms.Calls(), email.Calls())
	}
	if want := "Coming up in 30 minutes"; !strings.Contains(email.messages[0], want) {
		t.Fatalf("advance message = %q, want it to contain %q", email.messages[0], want)
	}
	if len(f.sink.reports) != 0 {
		t.Fatal("advance notification produced a delivery report")
	}
}

func TestRecurringReminderSchedulesCheck(t *testing.T) {
	t.Parallel()
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{models.ChannelSMS: &countingGateway{}})
	ctx := context.Background()

	r := f.reminder(t, "r1", f.clock.Now(), enabled(models.ChannelSMS, "+15550001111"))
	r.Recurrence = "FREQ=DAILY"
	_ = f.store.SaveReminder(ctx, r)
	if _, err := f.sched.ScheduleReminder(ctx, r); err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}

	if res, _ := f.sched.ProcessDueReminders(ctx); res.Completed != 1 {
		t.Fatalf("first sweep = %+v", res)
	}
	jobs, _ := f.store.GetScheduledJobsForReminder(ctx, "r1")
	var check *models.ScheduledJob
	for _, j := range jobs {
		if j.Type == models.JobTypeRecurringCheck {
			check = j
		}
	}
	if check == nil {
		t.Fatal("no recurring check scheduled after delivery")
	}

	if res, _ := f.sched.ProcessDueReminders(ctx); res.Completed != 1 {
		t.Fatalf("second sweep = %+v", res)
	}
	if f.recur.calls.Load() != 1 || f.recur.last.Load() != "r1" {
		t.Fatalf("recurrence handler calls = %d", f.recur.calls.Load())
	}
	if job := f.job(t, check.ID); job.Status != models.JobStatusCompleted {
		t.Fatalf("recurring check = %+v", job)
	}
}

func TestGetDeliveryStatistics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, map[models.ChannelType]gateway.Gateway{models.ChannelSMS: &countingGateway{}})
	ctx := context.Background()

	r := f.reminder(t, "r1", f.clock.Now(), enabled(models.ChannelSMS, "+15550001111"))
	if _, err := f.sched.DeliverReminder(ctx, r, "job-1"); err != nil {
		t.Fatalf("DeliverReminder: %v", err)
	}

	week, _ := models.ParseTimeframe("week")
	stats, err := f.sched.GetDeliveryStatistics(ctx, "user-1", week)
	if err != nil {
		t.Fatalf("GetDeliveryStatistics: %v", err)
	}
	if stats.TotalReminders != 1 || stats.DeliveryRate != 100 {
		t.Fatalf("stats = %+v", stats)
	}
}
