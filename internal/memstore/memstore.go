// Package memstore is an in-memory implementation of the subscription, queue
// and settings stores. It follows the same state rules as the Postgres
// repository and backs the queue tests; it is not meant for production use.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/stockalert/internal/db"
)

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	subs       map[uuid.UUID]*db.Subscription
	jobs       map[uuid.UUID]*db.QueueJob
	settings   map[string]db.ShopSettings
	deliveries []db.DeliveryLog
	events     []db.SubscriptionEvent

	// Fail, when set, is returned by every call to simulate an unavailable store
	Fail error
	// FailComplete, when set, is returned by CompleteJob only
	FailComplete error
	// FailCancel, when set, fails the reminder cancellation inside Subscribe
	// (on reactivation), CancelSubscription and DetectPurchase. Like a rolled
	// back transaction, the failed call changes nothing.
	FailCancel error
}

func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:      now,
		subs:     make(map[uuid.UUID]*db.Subscription),
		jobs:     make(map[uuid.UUID]*db.QueueJob),
		settings: make(map[string]db.ShopSettings),
	}
}

func copySub(s *db.Subscription) *db.Subscription {
	c := *s
	return &c
}

func copyJob(j *db.QueueJob) *db.QueueJob {
	c := *j
	c.Data = slices.Clone(j.Data)
	return &c
}

// Subscribe mirrors the repository's create/reactivate/already-active rules
func (s *Store) Subscribe(_ context.Context, req db.SubscribeRequest) (*db.Subscription, db.SubscribeOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, "", s.Fail
	}

	now := s.now()
	source := req.Source
	if source == "" {
		source = "widget"
	}

	for _, sub := range s.subs {
		if sub.Email != req.Email || sub.ProductID != req.ProductID || sub.ShopID != req.ShopID {
			continue
		}
		if sub.Status == db.SubscriptionActive {
			return copySub(sub), db.SubscribeAlreadyActive, nil
		}
		if s.FailCancel != nil {
			return nil, "", s.FailCancel
		}
		s.cancelPendingLocked(sub.ID, db.ReminderJobTypes, db.ReasonReactivated)
		sub.Phone = req.Phone
		if req.ProductTitle != nil {
			sub.ProductTitle = req.ProductTitle
		}
		if req.ProductURL != nil {
			sub.ProductURL = req.ProductURL
		}
		sub.Status = db.SubscriptionActive
		sub.SubscribedAt = now
		reactivated := now
		sub.ReactivatedAt = &reactivated
		sub.ReactivationCount++
		sub.NotifiedAt = nil
		sub.PurchaseDetectedAt = nil
		sub.ReminderCount = 0
		sub.LastReminderAt = nil
		sub.UserAgent = req.UserAgent
		sub.IPAddress = req.IPAddress
		sub.Source = source
		sub.UpdatedAt = now
		return copySub(sub), db.SubscribeReactivated, nil
	}

	sub := &db.Subscription{
		ID:           uuid.New(),
		Email:        req.Email,
		Phone:        req.Phone,
		ProductID:    req.ProductID,
		ProductTitle: req.ProductTitle,
		ProductURL:   req.ProductURL,
		ShopID:       req.ShopID,
		Status:       db.SubscriptionActive,
		SubscribedAt: now,
		UserAgent:    req.UserAgent,
		IPAddress:    req.IPAddress,
		Source:       source,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.subs[sub.ID] = sub
	return copySub(sub), db.SubscribeCreated, nil
}

// PutSubscription stores sub as is, replacing any row with the same ID
func (s *Store) PutSubscription(sub *db.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	s.subs[sub.ID] = copySub(sub)
}

func (s *Store) GetSubscription(_ context.Context, id uuid.UUID) (*db.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	sub, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", db.ErrSubscriptionNotFound, id)
	}
	return copySub(sub), nil
}

func (s *Store) GetSubscriptionByKey(_ context.Context, email, productID, shopID string) (*db.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.Email == email && sub.ProductID == productID && sub.ShopID == shopID {
			return copySub(sub), nil
		}
	}
	return nil, db.ErrSubscriptionNotFound
}

// DeleteSubscription removes a row, for tests of orphaned jobs
func (s *Store) DeleteSubscription(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

func (s *Store) ListActiveSubscriptions(_ context.Context, shopID, productID string) ([]*db.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}

	var out []*db.Subscription
	for _, sub := range s.subs {
		if sub.ShopID == shopID && sub.ProductID == productID && sub.Status == db.SubscriptionActive {
			out = append(out, copySub(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscribedAt.Before(out[j].SubscribedAt) })
	return out, nil
}

func (s *Store) DetectPurchase(_ context.Context, shopID, productID, email string, at time.Time) ([]db.PurchaseMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}

	var matched []*db.Subscription
	for _, sub := range s.subs {
		if sub.ShopID != shopID || sub.ProductID != productID || sub.Email != email {
			continue
		}
		if sub.PurchaseDetectedAt != nil {
			continue
		}
		if sub.Status != db.SubscriptionActive && sub.Status != db.SubscriptionNotified {
			continue
		}
		matched = append(matched, sub)
	}
	if len(matched) > 0 && s.FailCancel != nil {
		return nil, s.FailCancel
	}

	matches := make([]db.PurchaseMatch, 0, len(matched))
	for _, sub := range matched {
		detected := at
		sub.PurchaseDetectedAt = &detected
		if sub.Status == db.SubscriptionActive {
			sub.Status = db.SubscriptionNotified
			sub.NotifiedAt = &detected
		}
		sub.UpdatedAt = at
		n := s.cancelPendingLocked(sub.ID, db.ReminderJobTypes, db.ReasonPurchase)
		matches = append(matches, db.PurchaseMatch{SubscriptionID: sub.ID, RemindersCancelled: n})
	}
	return matches, nil
}

func (s *Store) CancelSubscription(_ context.Context, email, productID, shopID string) (*db.Subscription, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, 0, s.Fail
	}
	for _, sub := range s.subs {
		if sub.Email == email && sub.ProductID == productID && sub.ShopID == shopID && sub.Status != db.SubscriptionCancelled {
			if s.FailCancel != nil {
				return nil, 0, s.FailCancel
			}
			sub.Status = db.SubscriptionCancelled
			sub.UpdatedAt = s.now()
			n := s.cancelPendingLocked(sub.ID, db.ReminderJobTypes, db.ReasonUnsubscribed)
			return copySub(sub), n, nil
		}
	}
	return nil, 0, db.ErrSubscriptionNotFound
}

func (s *Store) LogSubscriptionEvent(_ context.Context, ev *db.SubscriptionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.CreatedAt = s.now()
	s.events = append(s.events, *ev)
	return nil
}

// Events returns the subscription log in insertion order
func (s *Store) Events() []db.SubscriptionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *Store) EnqueueJob(_ context.Context, job *db.QueueJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	return s.enqueueLocked(job)
}

func (s *Store) enqueueLocked(job *db.QueueJob) error {
	if !job.Type.Valid() {
		return fmt.Errorf("%w: %q", db.ErrInvalidJobType, job.Type)
	}
	if job.DedupeKey != nil {
		for _, j := range s.jobs {
			if j.DedupeKey != nil && *j.DedupeKey == *job.DedupeKey {
				return db.ErrDuplicateJob
			}
		}
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = db.JobPending
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = db.MaxJobAttempts
	}
	if len(job.Data) == 0 {
		job.Data = []byte("{}")
	}
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *Store) FindDueJobs(_ context.Context, now time.Time, limit int) ([]*db.QueueJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}

	var due []*db.QueueJob
	for _, j := range s.jobs {
		if j.Status == db.JobPending && !j.ScheduledFor.After(now) && j.Attempts < j.MaxAttempts {
			due = append(due, copyJob(j))
		}
	}
	sort.SliceStable(due, func(a, b int) bool { return due[a].ScheduledFor.Before(due[b].ScheduledFor) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*db.QueueJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", db.ErrJobNotFound, id)
	}
	return copyJob(j), nil
}

// Jobs returns every stored job ordered by schedule
func (s *Store) Jobs() []*db.QueueJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.QueueJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, copyJob(j))
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].ScheduledFor.Before(out[b].ScheduledFor) })
	return out
}

// PutJob stores job as is, bypassing enqueue defaults and dedupe
func (s *Store) PutJob(job *db.QueueJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	s.jobs[job.ID] = copyJob(job)
}

func (s *Store) MarkProcessing(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}
	j, ok := s.jobs[id]
	if !ok || j.Status != db.JobPending {
		return 0, db.ErrJobNotClaimed
	}
	j.Status = db.JobProcessing
	j.Attempts++
	j.UpdatedAt = s.now()
	return j.Attempts, nil
}

func (s *Store) MarkCompleted(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.finish(id, db.JobCompleted, nil, at)
}

func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	return s.finish(id, db.JobFailed, &reason, at)
}

func (s *Store) finish(id uuid.UUID, status db.JobStatus, reason *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	j, ok := s.jobs[id]
	if !ok || j.Status != db.JobProcessing {
		return nil
	}
	j.Status = status
	if reason != nil {
		j.ErrorMessage = reason
	}
	processed := at
	j.ProcessedAt = &processed
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) RescheduleForRetry(_ context.Context, id uuid.UUID, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	j, ok := s.jobs[id]
	if !ok || j.Status != db.JobProcessing {
		return nil
	}
	j.Status = db.JobPending
	j.ScheduledFor = at
	j.ErrorMessage = &reason
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) cancelPendingLocked(subscriptionID uuid.UUID, types []db.JobType, reason string) int64 {
	var n int64
	now := s.now()
	for _, j := range s.jobs {
		if j.SubscriptionID != subscriptionID || j.Status != db.JobPending || !slices.Contains(types, j.Type) {
			continue
		}
		j.Status = db.JobCancelled
		msg := reason
		j.ErrorMessage = &msg
		processed := now
		j.ProcessedAt = &processed
		j.UpdatedAt = now
		n++
	}
	return n
}

// RequeueStaleJobs mirrors the repository's recovery of jobs stuck in processing
func (s *Store) RequeueStaleJobs(_ context.Context, cutoff, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}

	var n int64
	for _, j := range s.jobs {
		if j.Status != db.JobProcessing || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			j.Status = db.JobFailed
			msg := db.ReasonMaxAttempts
			j.ErrorMessage = &msg
			processed := now
			j.ProcessedAt = &processed
		} else {
			j.Status = db.JobPending
			msg := db.ReasonStaleProcessing
			j.ErrorMessage = &msg
			j.ScheduledFor = now
		}
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *Store) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return 0, s.Fail
	}

	var n int64
	for id, j := range s.jobs {
		if (j.Status == db.JobCompleted || j.Status == db.JobFailed) && j.ProcessedAt != nil && j.ProcessedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) QueueStats(_ context.Context) (map[db.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}

	stats := make(map[db.JobStatus]int, len(db.JobStatuses))
	for _, st := range db.JobStatuses {
		stats[st] = 0
	}
	for _, j := range s.jobs {
		stats[j.Status]++
	}
	return stats, nil
}

// CompleteJob applies a completion atomically: all effects or none
func (s *Store) CompleteJob(_ context.Context, c db.JobCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if s.FailComplete != nil {
		return s.FailComplete
	}

	j, ok := s.jobs[c.JobID]
	if !ok || j.Status != db.JobProcessing {
		return nil
	}
	sub, ok := s.subs[c.SubscriptionID]
	if !ok && (c.MarkNotified || c.CountReminder) {
		return fmt.Errorf("complete job: %w", db.ErrSubscriptionNotFound)
	}

	if c.FollowUp != nil {
		if err := s.enqueueLocked(c.FollowUp); err != nil && !errors.Is(err, db.ErrDuplicateJob) {
			return err
		}
	}

	at := c.CompletedAt
	j.Status = db.JobCompleted
	j.ProcessedAt = &at
	j.UpdatedAt = at

	if c.MarkNotified {
		sub.Status = db.SubscriptionNotified
		sub.NotifiedAt = &at
	}
	if c.CountReminder {
		sub.ReminderCount++
		sub.LastReminderAt = &at
	}
	if c.Delivery != nil {
		d := *c.Delivery
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		s.deliveries = append(s.deliveries, d)
	}
	return nil
}

// Deliveries returns the delivery log in insertion order
func (s *Store) Deliveries() []db.DeliveryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.deliveries)
}

// SetShopSettings stores a shop's settings row
func (s *Store) SetShopSettings(settings db.ShopSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.ShopID] = settings
}

// GetShopSettings returns the stored row, or disabled defaults
func (s *Store) GetShopSettings(_ context.Context, shopID string) (*db.ShopSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	settings, ok := s.settings[shopID]
	if !ok {
		settings = db.ShopSettings{ShopID: shopID}
	}
	return &settings, nil
}
