package worker

import (
	"math"
	"time"

	"github.com/lalithlochan/stockalert/internal/db"
)

// ReminderDelay converts a shop's reminder delay into a duration. Values below
// one hour are taken as minutes (rounded) so shops can test with short cadences;
// larger values count whole hours.
func ReminderDelay(hours float64) time.Duration {
	if hours <= 0 {
		hours = db.DefaultReminderDelayHours
	}
	if hours < 1 {
		return time.Duration(math.Round(hours*60)) * time.Minute
	}
	return time.Duration(int64(hours)) * time.Hour
}

// ShouldSendReminder reports whether a reminder may still go out for sub
func ShouldSendReminder(sub *db.Subscription) bool {
	return sub.PurchaseDetectedAt == nil && sub.Status != db.SubscriptionCancelled
}

// ReminderScheduler plans reminder jobs from a shop's settings. The jobs are
// returned rather than enqueued so the dispatcher can store them together with
// the completion of the job that triggered them.
type ReminderScheduler struct{}

// FirstReminder plans reminder 1 after a back-in-stock notification sent at
// sentAt. Returns nil when the shop has email reminders turned off.
func (ReminderScheduler) FirstReminder(sub *db.Subscription, settings *db.ShopSettings, snapshot db.ProductSnapshot, sentAt time.Time) (*db.QueueJob, error) {
	if settings == nil || !settings.ReminderEmailEnabled {
		return nil, nil
	}

	snapshot.ReminderNumber = 1
	original := sentAt
	snapshot.OriginalNotificationSentAt = &original

	return reminderJob(sub, snapshot, sentAt.Add(ReminderDelay(settings.DelayHours())))
}

// NextReminder plans the reminder that follows one just sent at sentAt.
// remindersSent is the subscription's count including that send. Returns nil
// once the shop's maximum is reached or reminders are turned off.
func (ReminderScheduler) NextReminder(sub *db.Subscription, settings *db.ShopSettings, snapshot db.ProductSnapshot, remindersSent int, sentAt time.Time) (*db.QueueJob, error) {
	if settings == nil || !settings.ReminderEmailEnabled {
		return nil, nil
	}
	if remindersSent >= settings.MaxReminders() {
		return nil, nil
	}

	next := snapshot.ReminderNumber + 1
	if snapshot.ReminderNumber <= 0 {
		next = remindersSent + 1
	}
	snapshot.ReminderNumber = next

	return reminderJob(sub, snapshot, sentAt.Add(ReminderDelay(settings.DelayHours())))
}

func reminderJob(sub *db.Subscription, snapshot db.ProductSnapshot, at time.Time) (*db.QueueJob, error) {
	data, err := snapshot.Encode()
	if err != nil {
		return nil, err
	}
	key := db.ReminderDedupeKey(sub.ID, sub.ReactivationCount, snapshot.ReminderNumber)

	return &db.QueueJob{
		SubscriptionID: sub.ID,
		Type:           db.JobReminderEmail,
		ScheduledFor:   at,
		Status:         db.JobPending,
		MaxAttempts:    db.MaxJobAttempts,
		Data:           data,
		DedupeKey:      &key,
	}, nil
}
