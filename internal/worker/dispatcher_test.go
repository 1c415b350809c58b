package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/db"
	"github.com/lalithlochan/stockalert/internal/memstore"
)

const testShop = "demo-shop.myshopify.com"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []MailMessage
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg MailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeSender) calls() []MailMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MailMessage(nil), f.sent...)
}

type fakeAlerts struct {
	reasons []string
}

func (f *fakeAlerts) NotifyJobFailed(_ context.Context, _ *db.QueueJob, reason string) error {
	f.reasons = append(f.reasons, reason)
	return nil
}

type fakeExporter struct {
	deliveries []*db.DeliveryLog
	err        error
}

func (f *fakeExporter) ExportDelivery(_ context.Context, d *db.DeliveryLog) error {
	f.deliveries = append(f.deliveries, d)
	return f.err
}

type harness struct {
	clock    *testClock
	store    *memstore.Store
	sender   *fakeSender
	alerts   *fakeAlerts
	exporter *fakeExporter
	d        *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := newTestClock()
	h := &harness{
		clock:    clock,
		store:    memstore.New(clock.Now),
		sender:   &fakeSender{},
		alerts:   &fakeAlerts{},
		exporter: &fakeExporter{},
	}
	h.d = NewDispatcher(h.store, h.store, h.store, h.sender,
		DispatcherConfig{BatchSize: 10, RetryDelay: 5 * time.Minute},
		zap.NewNop(),
		WithClock(clock.Now),
		WithFailureNotifier(h.alerts),
		WithDeliveryExporter(h.exporter),
	)
	return h
}

func (h *harness) addSubscription(status db.SubscriptionStatus) *db.Subscription {
	title := "Linen Shirt"
	sub := &db.Subscription{
		ID:           uuid.New(),
		Email:        "jane@example.com",
		ProductID:    "8812",
		ProductTitle: &title,
		ShopID:       testShop,
		Status:       status,
		SubscribedAt: h.clock.Now(),
	}
	h.store.PutSubscription(sub)
	return sub
}

func (h *harness) addJob(t *testing.T, subID uuid.UUID, typ db.JobType, at time.Time, snapshot db.ProductSnapshot) *db.QueueJob {
	t.Helper()
	data, err := snapshot.Encode()
	require.NoError(t, err)

	job := &db.QueueJob{SubscriptionID: subID, Type: typ, ScheduledFor: at, Data: data}
	require.NoError(t, h.store.EnqueueJob(context.Background(), job))
	return job
}

func (h *harness) job(t *testing.T, id uuid.UUID) *db.QueueJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) sub(t *testing.T, id uuid.UUID) *db.Subscription {
	t.Helper()
	sub, err := h.store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (h *harness) jobsOfType(typ db.JobType) []*db.QueueJob {
	var out []*db.QueueJob
	for _, j := range h.store.Jobs() {
		if j.Type == typ {
			out = append(out, j)
		}
	}
	return out
}

func snapshotFor(handle string) db.ProductSnapshot {
	return db.ProductSnapshot{
		ProductID:     "8812",
		ProductTitle:  "Linen Shirt (payload)",
		ProductHandle: handle,
		ShopDomain:    testShop,
	}
}

func TestProcessDueJobs_ThankYouSendsAndSchedulesFirstReminder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetShopSettings(db.ShopSettings{ShopID: testShop, ReminderEmailEnabled: true, ReminderDelayHours: 24})

	sub := h.addSubscription(db.SubscriptionActive)
	job := h.addJob(t, sub.ID, db.JobThankYouNotification, h.clock.Now(), snapshotFor("linen-shirt"))

	result, err := h.d.ProcessDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Found: 1, Sent: 1}, result)

	sent := h.sender.calls()
	require.Len(t, sent, 1)
	assert.Equal(t, MailThankYou, sent[0].Kind)
	assert.Equal(t, "jane@example.com", sent[0].Recipient)
	assert.Equal(t, "Linen Shirt", sent[0].ProductTitle, "subscription title wins over payload")
	assert.Equal(t, "https://"+testShop+"/products/linen-shirt", sent[0].ProductURL)

	got := h.job(t, job.ID)
	assert.Equal(t, db.JobCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ProcessedAt)

	updated := h.sub(t, sub.ID)
	assert.Equal(t, db.SubscriptionNotified, updated.Status)
	require.NotNil(t, updated.NotifiedAt)
	assert.True(t, updated.NotifiedAt.Equal(h.clock.Now()))

	reminders := h.jobsOfType(db.JobReminderEmail)
	require.Len(t, reminders, 1)
	assert.Equal(t, db.JobPending, reminders[0].Status)
	assert.True(t, reminders[0].ScheduledFor.Equal(h.clock.Now().Add(24*time.Hour)))

	snap, err := db.DecodeSnapshot(reminders[0].Data)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ReminderNumber)
	require.NotNil(t, snap.OriginalNotificationSentAt)
	assert.Equal(t, "linen-shirt", snap.ProductHandle)

	deliveries := h.store.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, db.DeliveryThankYouEmail, deliveries[0].Type)
	assert.Equal(t, db.DeliveryStatusSent, deliveries[0].Status)
	assert.Len(t, h.exporter.deliveries, 1)
}

func TestProcessDueJobs_NoReminderWhenDisabled(t *testing.T) {
	h := newHarness(t)
	sub := h.addSubscription(db.SubscriptionActive)
	h.addJob(t, sub.ID, db.JobFirstNotification, h.clock.Now(), snapshotFor("linen-shirt"))

	_, err := h.d.ProcessDueJobs(context.Background())
	require.NoError(t, err)

	require.Len(t, h.sender.calls(), 1)
	assert.Equal(t, MailFirst, h.sender.calls()[0].Kind)
	assert.Empty(t, h.jobsOfType(db.JobReminderEmail))
	assert.Equal(t, db.DeliveryFirstEmail, h.store.Deliveries()[0].Type)
}

func TestProcessDueJobs_RetryBound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sender.err = errors.New("smtp 421 try again later")

	sub := h.addSubscription(db.SubscriptionActive)
	job := h.addJob(t, sub.ID, db.JobFirstNotification, h.clock.Now(), snapshotFor("linen-shirt"))

	for attempt := 1; attempt <= 2; attempt++ {
		result, err := h.d.ProcessDueJobs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Retried)

		got := h.job(t, job.ID)
		assert.Equal(t, db.JobPending, got.Status)
		assert.Equal(t, attempt, got.Attempts)
		assert.True(t, got.ScheduledFor.Equal(h.clock.Now().Add(5*time.Minute)))
		require.NotNil(t, got.ErrorMessage)
		reason, cause, _ := strings.Cut(*got.ErrorMessage, ": ")
		assert.Equal(t, "retrying", reason)
		assert.Equal(t, "smtp 421 try again later", cause)

		// not due again until the retry delay passes
		result, err = h.d.ProcessDueJobs(ctx)
		require.NoError(t, err)
		assert.Zero(t, result.Found)

		h.clock.Advance(5 * time.Minute)
	}

	result, err := h.d.ProcessDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got := h.job(t, job.ID)
	assert.Equal(t, db.JobFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "max attempts reached", *got.ErrorMessage)

	h.clock.Advance(time.Hour)
	result, err = h.d.ProcessDueJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Found)

	assert.Len(t, h.sender.calls(), 3)
	assert.Equal(t, []string{"max attempts reached"}, h.alerts.reasons)
	assert.Equal(t, db.SubscriptionActive, h.sub(t, sub.ID).Status)
	assert.Empty(t, h.store.Deliveries())
}

func TestProcessDueJobs_ReminderCadenceTerminates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	settings := db.ShopSettings{ShopID: testShop, ReminderEmailEnabled: true, ReminderDelayHours: 1, ReminderMaxCount: 2}
	h.store.SetShopSettings(settings)

	sub := h.addSubscription(db.SubscriptionNotified)
	first, err := ReminderScheduler{}.FirstReminder(sub, &settings, snapshotFor("linen-shirt"), h.clock.Now())
	require.NoError(t, err)
	require.NoError(t, h.store.EnqueueJob(ctx, first))

	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Hour)
		_, err := h.d.ProcessDueJobs(ctx)
		require.NoError(t, err)
	}

	sent := h.sender.calls()
	require.Len(t, sent, 2)
	assert.Equal(t, 1, sent[0].ReminderNumber)
	assert.Equal(t, 2, sent[1].ReminderNumber)

	updated := h.sub(t, sub.ID)
	assert.Equal(t, 2, updated.ReminderCount)
	require.NotNil(t, updated.LastReminderAt)

	reminders := h.jobsOfType(db.JobReminderEmail)
	require.Len(t, reminders, 2)
	for _, r := range reminders {
		assert.Equal(t, db.JobCompleted, r.Status)
	}
}

func TestProcessDueJobs_PurchaseCancelsPendingReminder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.SetShopSettings(db.ShopSettings{ShopID: testShop, ReminderEmailEnabled: true})

	sub := h.addSubscription(db.SubscriptionNotified)
	job := h.addJob(t, sub.ID, db.JobReminderEmail, h.clock.Now(), db.ProductSnapshot{ReminderNumber: 1})

	matches, err := h.store.DetectPurchase(ctx, testShop, "8812", "jane@example.com", h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, []db.PurchaseMatch{{SubscriptionID: sub.ID, RemindersCancelled: 1}}, matches)

	result, err := h.d.ProcessDueJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Found)

	assert.Equal(t, db.JobCancelled, h.job(t, job.ID).Status)
	assert.Empty(t, h.sender.calls())
}

func TestProcessDueJobs_PurchaseDetectedAfterClaimSkipsSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// purchase flagged, but the cancellation missed the job
	sub := h.addSubscription(db.SubscriptionNotified)
	detected := h.clock.Now().Add(-time.Minute)
	sub.PurchaseDetectedAt = &detected
	h.store.PutSubscription(sub)
	job := h.addJob(t, sub.ID, db.JobReminderEmail, h.clock.Now(), db.ProductSnapshot{ReminderNumber: 1})

	result, err := h.d.ProcessDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	assert.Equal(t, db.JobCompleted, h.job(t, job.ID).Status)
	assert.Empty(t, h.sender.calls())
	assert.Zero(t, h.sub(t, sub.ID).ReminderCount)
	assert.Empty(t, h.store.Deliveries())
}

func TestProcessDueJobs_DueOrder(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	var want []string
	for i, offset := range []time.Duration{-time.Minute, -3 * time.Minute, -2 * time.Minute} {
		sub := h.addSubscription(db.SubscriptionActive)
		sub.Email = []string{"c@example.com", "a@example.com", "b@example.com"}[i]
		h.store.PutSubscription(sub)
		h.addJob(t, sub.ID, db.JobFirstNotification, now.Add(offset), snapshotFor("p"))
	}
	want = []string{"a@example.com", "b@example.com", "c@example.com"}

	_, err := h.d.ProcessDueJobs(context.Background())
	require.NoError(t, err)

	var got []string
	for _, msg := range h.sender.calls() {
		got = append(got, msg.Recipient)
	}
	assert.Equal(t, want, got)
}

func TestProcessDueJobs_Preconditions(t *testing.T) {
	tests := []struct {
		name       string
		subStatus  db.SubscriptionStatus
		jobType    db.JobType
		wantStatus db.JobStatus
		wantReason string
		wantSends  int
	}{
		{"first on notified subscription is skipped", db.SubscriptionNotified, db.JobFirstNotification, db.JobCompleted, "", 0},
		{"thankyou on cancelled subscription is skipped", db.SubscriptionCancelled, db.JobThankYouNotification, db.JobCompleted, "", 0},
		{"reminder on cancelled subscription is skipped", db.SubscriptionCancelled, db.JobReminderEmail, db.JobCompleted, "", 0},
		{"reminder on active subscription is sent", db.SubscriptionActive, db.JobReminderEmail, db.JobCompleted, "", 1},
		{"sms reminder on cancelled subscription is skipped", db.SubscriptionCancelled, db.JobReminderSMS, db.JobCompleted, "", 0},
		{"sms reminder is unsupported", db.SubscriptionNotified, db.JobReminderSMS, db.JobFailed, "unsupported job type: reminder_sms", 0},
		{"unknown job type fails", db.SubscriptionActive, db.JobType("push_notification"), db.JobFailed, `unsupported job type: "push_notification"`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			sub := h.addSubscription(tt.subStatus)
			job := &db.QueueJob{
				SubscriptionID: sub.ID,
				Type:           tt.jobType,
				ScheduledFor:   h.clock.Now(),
				Status:         db.JobPending,
				MaxAttempts:    db.MaxJobAttempts,
				Data:           []byte(`{"reminderNumber":1}`),
			}
			h.store.PutJob(job)

			_, err := h.d.ProcessDueJobs(context.Background())
			require.NoError(t, err)

			got := h.job(t, job.ID)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, 1, got.Attempts)
			if tt.wantReason != "" {
				require.NotNil(t, got.ErrorMessage)
				assert.Equal(t, tt.wantReason, *got.ErrorMessage)
			}
			assert.Len(t, h.sender.calls(), tt.wantSends)
		})
	}
}

func TestProcessDueJobs_SubscriptionNotFoundFailsImmediately(t *testing.T) {
	h := newHarness(t)
	job := h.addJob(t, uuid.New(), db.JobThankYouNotification, h.clock.Now(), snapshotFor("p"))

	result, err := h.d.ProcessDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got := h.job(t, job.ID)
	assert.Equal(t, db.JobFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "subscription not found", *got.ErrorMessage)
	assert.Equal(t, []string{"subscription not found"}, h.alerts.reasons)
}

func TestProcessDueJobs_InvalidPayloadFails(t *testing.T) {
	h := newHarness(t)
	sub := h.addSubscription(db.SubscriptionActive)
	job := &db.QueueJob{
		SubscriptionID: sub.ID,
		Type:           db.JobFirstNotification,
		ScheduledFor:   h.clock.Now(),
		Status:         db.JobPending,
		MaxAttempts:    db.MaxJobAttempts,
		Data:           []byte(`{"productId":`),
	}
	h.store.PutJob(job)

	_, err := h.d.ProcessDueJobs(context.Background())
	require.NoError(t, err)

	got := h.job(t, job.ID)
	assert.Equal(t, db.JobFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "invalid payload")
	assert.Empty(t, h.sender.calls())
}

func TestProcessDueJobs_RecordFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.store.FailComplete = errors.New("connection reset")
	sub := h.addSubscription(db.SubscriptionActive)
	job := h.addJob(t, sub.ID, db.JobFirstNotification, h.clock.Now(), snapshotFor("p"))

	result, err := h.d.ProcessDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)

	got := h.job(t, job.ID)
	assert.Equal(t, db.JobPending, got.Status)
	assert.Equal(t, db.SubscriptionActive, h.sub(t, sub.ID).Status)
	assert.Empty(t, h.store.Deliveries())
	assert.Empty(t, h.exporter.deliveries)
}

func TestProcessDueJobs_StoreUnavailable(t *testing.T) {
	h := newHarness(t)
	h.store.Fail = errors.New("database is down")

	_, err := h.d.ProcessDueJobs(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.sender.calls())
}

func TestProcessDueJobs_ExportFailureDoesNotFailJob(t *testing.T) {
	h := newHarness(t)
	h.exporter.err = errors.New("sqs throttled")
	sub := h.addSubscription(db.SubscriptionActive)
	job := h.addJob(t, sub.ID, db.JobFirstNotification, h.clock.Now(), snapshotFor("p"))

	result, err := h.d.ProcessDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, db.JobCompleted, h.job(t, job.ID).Status)
}

func TestProcessDueJobs_ReactivatedSubscriptionGetsFreshReminders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	settings := db.ShopSettings{ShopID: testShop, ReminderEmailEnabled: true, ReminderDelayHours: 1, ReminderMaxCount: 1}
	h.store.SetShopSettings(settings)

	sub := h.addSubscription(db.SubscriptionActive)
	h.addJob(t, sub.ID, db.JobFirstNotification, h.clock.Now(), snapshotFor("p"))
	_, err := h.d.ProcessDueJobs(ctx)
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = h.d.ProcessDueJobs(ctx)
	require.NoError(t, err)
	require.Len(t, h.jobsOfType(db.JobReminderEmail), 1)

	// unsubscribe and come back: a new interest cycle
	_, _, err = h.store.CancelSubscription(ctx, sub.Email, sub.ProductID, sub.ShopID)
	require.NoError(t, err)
	_, outcome, err := h.store.Subscribe(ctx, db.SubscribeRequest{Email: sub.Email, ProductID: sub.ProductID, ShopID: sub.ShopID})
	require.NoError(t, err)
	require.Equal(t, db.SubscribeReactivated, outcome)

	h.addJob(t, sub.ID, db.JobThankYouNotification, h.clock.Now(), snapshotFor("p"))
	_, err = h.d.ProcessDueJobs(ctx)
	require.NoError(t, err)

	assert.Len(t, h.jobsOfType(db.JobReminderEmail), 2)
}

func TestProcessDueJobs_Concurrent(t *testing.T) {
	h := newHarness(t)
	h.d.config.Concurrency = 4
	for i := 0; i < 8; i++ {
		sub := h.addSubscription(db.SubscriptionActive)
		h.addJob(t, sub.ID, db.JobFirstNotification, h.clock.Now(), snapshotFor("p"))
	}

	result, err := h.d.ProcessDueJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, result.Found)
	assert.Equal(t, 8, result.Sent)
	assert.Len(t, h.sender.calls(), 8)
}

func TestBuildMessage_Fallbacks(t *testing.T) {
	job := &db.QueueJob{ID: uuid.New()}
	sub := &db.Subscription{Email: "a@b.co", ShopID: "shop-1", ReminderCount: 1}

	msg := buildMessage(job, MailReminder, sub, db.ProductSnapshot{ProductHandle: "mug"})
	assert.Equal(t, "Product", msg.ProductTitle)
	assert.Equal(t, "shop-1", msg.ShopDomain)
	assert.Equal(t, "https://shop-1/products/mug", msg.ProductURL)
	assert.Equal(t, 2, msg.ReminderNumber)

	url := "https://shop.example/p/mug"
	sub.ProductURL = &url
	msg = buildMessage(job, MailFirst, sub, db.ProductSnapshot{ProductTitle: "Mug", ShopDomain: "shop.example", ProductHandle: "mug"})
	assert.Equal(t, "Mug", msg.ProductTitle)
	assert.Equal(t, url, msg.ProductURL)
	assert.Zero(t, msg.ReminderNumber)
}

// deadlineStore fails every call made on a done context, as pgx does
type deadlineStore struct {
	*memstore.Store
}

func (s deadlineStore) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.MarkCompleted(ctx, id, at)
}

func (s deadlineStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.MarkFailed(ctx, id, reason, at)
}

func (s deadlineStore) RescheduleForRetry(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.RescheduleForRetry(ctx, id, at, reason)
}

func (s deadlineStore) CompleteJob(ctx context.Context, c db.JobCompletion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.CompleteJob(ctx, c)
}

// cancellingSender cancels the dispatch pass while the mail is in flight
type cancellingSender struct {
	cancel context.CancelFunc
	err    error
}

func (s *cancellingSender) Send(_ context.Context, _ MailMessage) error {
	s.cancel()
	return s.err
}

func TestProcessDueJobs_ShutdownDuringSendLeavesNoJobInProcessing(t *testing.T) {
	tests := []struct {
		name        string
		sendErr     error
		wantStatus  db.JobStatus
		wantOutcome func(BatchResult) int
	}{
		{"send fails as the pass is cancelled", context.Canceled, db.JobPending, func(r BatchResult) int { return r.Retried }},
		{"send succeeds as the pass is cancelled", nil, db.JobCompleted, func(r BatchResult) int { return r.Sent }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newTestClock()
			store := memstore.New(clock.Now)
			queue := deadlineStore{store}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sender := &cancellingSender{cancel: cancel, err: tt.sendErr}

			d := NewDispatcher(queue, store, store, sender,
				DispatcherConfig{BatchSize: 10, RetryDelay: 5 * time.Minute},
				zap.NewNop(),
				WithClock(clock.Now),
			)

			sub := &db.Subscription{ID: uuid.New(), Email: "jane@example.com", ProductID: "8812", ShopID: testShop, Status: db.SubscriptionActive}
			store.PutSubscription(sub)
			data, err := snapshotFor("p").Encode()
			require.NoError(t, err)
			job := &db.QueueJob{SubscriptionID: sub.ID, Type: db.JobFirstNotification, ScheduledFor: clock.Now(), Data: data}
			require.NoError(t, store.EnqueueJob(context.Background(), job))

			result, err := d.ProcessDueJobs(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, tt.wantOutcome(result))
			assert.Zero(t, result.Errors)

			got, err := store.GetJob(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, 1, got.Attempts)

			if tt.wantStatus == db.JobPending {
				clock.Advance(5 * time.Minute)
				due, err := store.FindDueJobs(context.Background(), clock.Now(), 10)
				require.NoError(t, err)
				assert.Len(t, due, 1, "the next pass picks the job up again")
			}
		})
	}
}

func TestEnqueueJob_RejectsUnknownType(t *testing.T) {
	h := newHarness(t)
	sub := h.addSubscription(db.SubscriptionActive)

	err := h.store.EnqueueJob(context.Background(), &db.QueueJob{
		SubscriptionID: sub.ID,
		Type:           db.JobType("push_notification"),
		ScheduledFor:   h.clock.Now(),
	})
	assert.ErrorIs(t, err, db.ErrInvalidJobType)
	assert.Empty(t, h.store.Jobs())
}
