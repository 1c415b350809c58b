package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ecodeclub/ekit/slice"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const jobColumns = `
	id, subscription_id, type, scheduled_for, status, attempts, max_attempts,
	data, dedupe_key, error_message, processed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*QueueJob, error) {
	var j QueueJob
	err := row.Scan(
		&j.ID,
		&j.SubscriptionID,
		&j.Type,
		&j.ScheduledFor,
		&j.Status,
		&j.Attempts,
		&j.MaxAttempts,
		&j.Data,
		&j.DedupeKey,
		&j.ErrorMessage,
		&j.ProcessedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// EnqueueJob inserts a pending job. Missing ID, status and max attempts are
// filled in. Returns ErrDuplicateJob when the job's dedupe key is already taken.
func (r *Repository) EnqueueJob(ctx context.Context, job *QueueJob) error {
	if err := enqueueJob(ctx, r.db.Pool(), job); err != nil {
		if !errors.Is(err, ErrDuplicateJob) {
			r.logger.Error("failed to enqueue job",
				zap.Error(err),
				zap.String("subscription_id", job.SubscriptionID.String()),
				zap.String("type", string(job.Type)),
			)
		}
		return err
	}

	r.logger.Info("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("subscription_id", job.SubscriptionID.String()),
		zap.String("type", string(job.Type)),
		zap.Time("scheduled_for", job.ScheduledFor),
	)
	return nil
}

func enqueueJob(ctx context.Context, q querier, job *QueueJob) error {
	if !job.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidJobType, job.Type)
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = MaxJobAttempts
	}
	if len(job.Data) == 0 {
		job.Data = []byte("{}")
	}

	query := `
		INSERT INTO queue_jobs (
			id, subscription_id, type, scheduled_for, status,
			attempts, max_attempts, data, dedupe_key
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		RETURNING created_at, updated_at`

	err := q.QueryRow(
		ctx,
		query,
		job.ID,
		job.SubscriptionID,
		job.Type,
		job.ScheduledFor,
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.Data,
		job.DedupeKey,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateJob
	}
	if err != nil {
		return fmt.Errorf("insert queue job: %w", err)
	}
	return nil
}

// FindDueJobs returns up to limit pending jobs scheduled at or before now that
// still have attempts left, oldest schedule first.
func (r *Repository) FindDueJobs(ctx context.Context, now time.Time, limit int) ([]*QueueJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM queue_jobs
		WHERE status = 'pending'
		  AND scheduled_for <= $1
		  AND attempts < max_attempts
		ORDER BY scheduled_for ASC
		LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*QueueJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue jobs: %w", err)
	}
	return jobs, nil
}

// MarkProcessing moves a pending job to processing and counts the attempt.
// The conditional update is the only guard between concurrent pollers: when
// it matches no row the caller must drop the job (ErrJobNotClaimed).
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE queue_jobs
		SET status = 'processing', attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING attempts`

	var attempts int
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrJobNotClaimed
	}
	if err != nil {
		return 0, fmt.Errorf("mark job processing: %w", err)
	}
	return attempts, nil
}

// MarkCompleted finishes a processing job without further side effects.
// Calls on a job that is no longer processing are no-ops.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.finishJob(ctx, id, JobCompleted, nil, at)
}

// MarkFailed finishes a processing job as failed with the given reason
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return r.finishJob(ctx, id, JobFailed, &reason, at)
}

func (r *Repository) finishJob(ctx context.Context, id uuid.UUID, status JobStatus, reason *string, at time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE queue_jobs
		SET status = $2, error_message = COALESCE($3, error_message), processed_at = $4, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, status, reason, at,
	)
	if err != nil {
		r.logger.Error("failed to finish job",
			zap.Error(err),
			zap.String("job_id", id.String()),
			zap.String("status", string(status)),
		)
		return fmt.Errorf("mark job %s: %w", status, err)
	}
	if result.RowsAffected() == 0 {
		r.logger.Debug("job not in processing, finish skipped",
			zap.String("job_id", id.String()),
			zap.String("status", string(status)),
		)
	}
	return nil
}

// RescheduleForRetry puts a processing job back to pending at the given time.
// Attempts are left as they are.
func (r *Repository) RescheduleForRetry(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'pending', scheduled_for = $2, error_message = $3, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, at, reason,
	)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// cancelPendingByType cancels the subscription's pending jobs of the given
// types and returns how many were cancelled. Callers run it in the transaction
// that changes the subscription.
func cancelPendingByType(ctx context.Context, q querier, subscriptionID uuid.UUID, types []JobType, reason string) (int64, error) {
	typeNames := slice.Map(types, func(_ int, t JobType) string { return string(t) })

	result, err := q.Exec(ctx, `
		UPDATE queue_jobs
		SET status = 'cancelled', error_message = $3, processed_at = now(), updated_at = now()
		WHERE subscription_id = $1 AND status = 'pending' AND type = ANY($2)`,
		subscriptionID, typeNames, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// RequeueStaleJobs recovers jobs left in processing since before cutoff, for
// example by a poller that died mid-send. Jobs with attempts left go back to
// pending at now; the rest are failed.
func (r *Repository) RequeueStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE queue_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    error_message = CASE WHEN attempts >= max_attempts THEN $3 ELSE $4 END,
		    processed_at = CASE WHEN attempts >= max_attempts THEN $2 ELSE processed_at END,
		    scheduled_for = CASE WHEN attempts >= max_attempts THEN scheduled_for ELSE $2 END,
		    updated_at = now()
		WHERE status = 'processing' AND updated_at < $1`,
		cutoff, now, ReasonMaxAttempts, ReasonStaleProcessing,
	)
	if err != nil {
		r.logger.Error("failed to requeue stale jobs", zap.Error(err))
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteTerminalOlderThan removes completed and failed jobs processed before cutoff
func (r *Repository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		DELETE FROM queue_jobs
		WHERE status IN ('completed', 'failed') AND processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// QueueStats counts jobs per status. Every status is present in the result.
func (r *Repository) QueueStats(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, count(*) FROM queue_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[JobStatus]int, len(JobStatuses))
	for _, s := range JobStatuses {
		stats[s] = 0
	}
	for rows.Next() {
		var (
			status JobStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue stats: %w", err)
	}
	return stats, nil
}

// CompleteJob applies the side effects of a successful send and marks the job
// completed in one transaction. A follow-up whose dedupe key already exists is
// skipped. A job that is no longer processing is left alone and nothing is applied.
func (r *Repository) CompleteJob(ctx context.Context, c JobCompletion) error {
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE queue_jobs
			SET status = 'completed', processed_at = $2, updated_at = now()
			WHERE id = $1 AND status = 'processing'`,
			c.JobID, c.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("mark job completed: %w", err)
		}
		if result.RowsAffected() == 0 {
			return nil
		}

		if c.MarkNotified {
			if err := markSubscriptionNotified(ctx, tx, c.SubscriptionID, c.CompletedAt); err != nil {
				return err
			}
		}
		if c.CountReminder {
			if err := countReminderSent(ctx, tx, c.SubscriptionID, c.CompletedAt); err != nil {
				return err
			}
		}
		if c.Delivery != nil {
			if err := insertDelivery(ctx, tx, c.Delivery); err != nil {
				return err
			}
		}
		if c.FollowUp != nil {
			err := enqueueJob(ctx, tx, c.FollowUp)
			if err != nil && !errors.Is(err, ErrDuplicateJob) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to complete job",
			zap.Error(err),
			zap.String("job_id", c.JobID.String()),
			zap.String("subscription_id", c.SubscriptionID.String()),
		)
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}
