package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/stockalert/internal/db"
)

// QueueStore is the queue table as the dispatcher and driver see it
type QueueStore interface {
	FindDueJobs(ctx context.Context, now time.Time, limit int) ([]*db.QueueJob, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (int, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	RescheduleForRetry(ctx context.Context, id uuid.UUID, at time.Time, reason string) error
	CompleteJob(ctx context.Context, c db.JobCompletion) error
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	QueueStats(ctx context.Context) (map[db.JobStatus]int, error)
}

type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (*db.Subscription, error)
}

type SettingsStore interface {
	GetShopSettings(ctx context.Context, shopID string) (*db.ShopSettings, error)
}

// FailureNotifier is told about jobs that failed for good
type FailureNotifier interface {
	NotifyJobFailed(ctx context.Context, job *db.QueueJob, reason string) error
}

// DeliveryExporter receives a copy of every delivery log entry
type DeliveryExporter interface {
	ExportDelivery(ctx context.Context, d *db.DeliveryLog) error
}
