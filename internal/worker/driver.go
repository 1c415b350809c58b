package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/db"
	"github.com/lalithlochan/stockalert/internal/metrics"
)

// Processor runs one dispatch pass
type Processor interface {
	ProcessDueJobs(ctx context.Context) (BatchResult, error)
}

// JobJanitor is the part of the queue the driver maintains directly
type JobJanitor interface {
	RequeueStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error)
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	QueueStats(ctx context.Context) (map[db.JobStatus]int, error)
}

type DriverConfig struct {
	PollInterval    time.Duration
	CleanupInterval time.Duration
	// Retention is how long completed and failed jobs are kept
	Retention time.Duration
	// StaleAfter is how long a job may sit in processing before it is
	// considered abandoned and requeued. Keep it above the mail send timeout.
	StaleAfter time.Duration
	// CronCleanupHour is the hour of day at which Trigger also runs cleanup
	CronCleanupHour int
}

// DriverStatus is reported by the driver status endpoint
type DriverStatus struct {
	IsRunning bool       `json:"isRunning"`
	StartedAt *time.Time `json:"startedAt"`
}

// TriggerResult is the outcome of an on-demand pass
type TriggerResult struct {
	Processed BatchResult    `json:"processed"`
	Recovered int64          `json:"recovered"`
	CleanedUp int64          `json:"cleanedUp"`
	Stats     map[string]int `json:"stats"`
}

// Driver owns the polling loop: a dispatch pass every PollInterval and a
// cleanup of old terminal jobs every CleanupInterval. One Driver per process.
type Driver struct {
	processor Processor
	janitor   JobJanitor
	config    DriverConfig
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewDriver(processor Processor, janitor JobJanitor, cfg DriverConfig, logger *zap.Logger) *Driver {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 60 * time.Minute
	}
	if cfg.Retention == 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 15 * time.Minute
	}

	return &Driver{
		processor: processor,
		janitor:   janitor,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Start launches the polling loop. It returns false when the loop is already
// running. The loop stops when ctx is done or Stop is called.
func (d *Driver) Start(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		d.logger.Debug("queue driver already running")
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	d.running = true
	d.startedAt = d.now()
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.loop(ctx, d.done)

	d.logger.Info("queue driver started",
		zap.Duration("poll_interval", d.config.PollInterval),
		zap.Duration("cleanup_interval", d.config.CleanupInterval),
	)
	return true
}

// Stop cancels the loop and waits for an in-flight pass to return
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done
}

func (d *Driver) Status() DriverStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := DriverStatus{IsRunning: d.running}
	if d.running {
		started := d.startedAt
		status.StartedAt = &started
	}
	return status
}

func (d *Driver) loop(ctx context.Context, done chan struct{}) {
	poll := time.NewTicker(d.config.PollInterval)
	cleanup := time.NewTicker(d.config.CleanupInterval)
	defer func() {
		poll.Stop()
		cleanup.Stop()

		d.mu.Lock()
		d.running = false
		d.cancel = nil
		d.mu.Unlock()
		close(done)
	}()

	// jobs a previous process left in processing
	d.recover(ctx)
	d.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("queue driver stopping")
			return
		case <-poll.C:
			d.pass(ctx)
		case <-cleanup.C:
			d.recover(ctx)
			if _, err := d.CleanupOldJobs(ctx); err != nil {
				d.logger.Error("queue cleanup failed", zap.Error(err))
			}
		}
	}
}

func (d *Driver) recover(ctx context.Context) {
	if _, err := d.RecoverStaleJobs(ctx); err != nil {
		d.logger.Error("stale job recovery failed", zap.Error(err))
	}
}

func (d *Driver) pass(ctx context.Context) {
	if _, err := d.RunOnce(ctx); err != nil {
		d.logger.Error("dispatch pass failed", zap.Error(err))
	}
}

// RunOnce runs a single dispatch pass and refreshes the queue depth gauge
func (d *Driver) RunOnce(ctx context.Context) (BatchResult, error) {
	result, err := d.processor.ProcessDueJobs(ctx)
	if err != nil {
		return result, err
	}
	if _, err := d.Stats(ctx); err != nil {
		d.logger.Warn("failed to refresh queue stats", zap.Error(err))
	}
	return result, nil
}

// Trigger runs one pass on demand, for cron-style callers. At the configured
// cleanup hour it also removes old terminal jobs.
func (d *Driver) Trigger(ctx context.Context) (TriggerResult, error) {
	var out TriggerResult

	recovered, err := d.RecoverStaleJobs(ctx)
	if err != nil {
		return out, err
	}
	out.Recovered = recovered

	result, err := d.processor.ProcessDueJobs(ctx)
	if err != nil {
		return out, err
	}
	out.Processed = result

	if d.now().Hour() == d.config.CronCleanupHour {
		deleted, err := d.CleanupOldJobs(ctx)
		if err != nil {
			return out, err
		}
		out.CleanedUp = deleted
	}

	stats, err := d.Stats(ctx)
	if err != nil {
		return out, err
	}
	out.Stats = stats
	return out, nil
}

// RecoverStaleJobs returns jobs stuck in processing for longer than StaleAfter
// to pending, or fails them when their attempts are spent
func (d *Driver) RecoverStaleJobs(ctx context.Context) (int64, error) {
	now := d.now()
	recovered, err := d.janitor.RequeueStaleJobs(ctx, now.Add(-d.config.StaleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if recovered > 0 {
		metrics.RecordStaleRecovered(recovered)
		d.logger.Warn("stale processing jobs recovered",
			zap.Int64("count", recovered),
			zap.Duration("stale_after", d.config.StaleAfter),
		)
	}
	return recovered, nil
}

// CleanupOldJobs deletes completed and failed jobs processed before the retention window
func (d *Driver) CleanupOldJobs(ctx context.Context) (int64, error) {
	cutoff := d.now().Add(-d.config.Retention)

	deleted, err := d.janitor.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	metrics.RecordCleanup(deleted)

	if deleted > 0 {
		d.logger.Info("old jobs cleaned up",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}

// Stats returns job counts by status name and publishes them as metrics
func (d *Driver) Stats(ctx context.Context) (map[string]int, error) {
	counts, err := d.janitor.QueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	stats := make(map[string]int, len(counts))
	for status, n := range counts {
		stats[string(status)] = n
	}
	metrics.SetQueueDepth(stats)
	return stats, nil
}
