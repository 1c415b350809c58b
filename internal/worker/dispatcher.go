package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/stockalert/internal/db"
	"github.com/lalithlochan/stockalert/internal/metrics"
)

// ErrUnsupportedJobType marks jobs the dispatcher has no delivery path for
var ErrUnsupportedJobType = errors.New("unsupported job type")

const (
	reasonSubscriptionNotFound = "subscription not found"
	// reasonRetrying prefixes the error message of a rescheduled job
	reasonRetrying = "retrying"
)

// stateWriteTimeout bounds each queue write made after a job is claimed. The
// writes do not inherit the pass's cancellation: a claimed job must leave
// processing even when the pass is shutting down.
const stateWriteTimeout = 10 * time.Second

// Outcome is what one dispatch attempt did with a job
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeRetried    Outcome = "retried"
	OutcomeFailed     Outcome = "failed"
	OutcomeNotClaimed Outcome = "not_claimed"
	OutcomeError      Outcome = "error"
)

// BatchResult counts the outcomes of one dispatch pass
type BatchResult struct {
	Found      int `json:"found"`
	Sent       int `json:"sent"`
	Skipped    int `json:"skipped"`
	Retried    int `json:"retried"`
	Failed     int `json:"failed"`
	NotClaimed int `json:"notClaimed"`
	Errors     int `json:"errors"`
}

func (r *BatchResult) add(o Outcome) {
	switch o {
	case OutcomeSent:
		r.Sent++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeRetried:
		r.Retried++
	case OutcomeFailed:
		r.Failed++
	case OutcomeNotClaimed:
		r.NotClaimed++
	case OutcomeError:
		r.Errors++
	}
}

type DispatcherConfig struct {
	BatchSize  int
	RetryDelay time.Duration
	// Concurrency is how many jobs of a batch are processed at once
	Concurrency int
}

// Dispatcher processes due queue jobs: it claims each job, checks the
// subscription, sends the mail and records the outcome.
type Dispatcher struct {
	queue    QueueStore
	subs     SubscriptionStore
	settings SettingsStore
	sender   MailSender
	config   DispatcherConfig
	logger   *zap.Logger

	reminders ReminderScheduler
	alerts    FailureNotifier
	exporter  DeliveryExporter
	tracer    trace.Tracer
	now       func() time.Time
}

type DispatcherOption func(*Dispatcher)

// WithFailureNotifier reports permanently failed jobs to n
func WithFailureNotifier(n FailureNotifier) DispatcherOption {
	return func(d *Dispatcher) { d.alerts = n }
}

// WithDeliveryExporter copies every delivery log entry to e
func WithDeliveryExporter(e DeliveryExporter) DispatcherOption {
	return func(d *Dispatcher) { d.exporter = e }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(queue QueueStore, subs SubscriptionStore, settings SettingsStore, sender MailSender, cfg DispatcherConfig, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	d := &Dispatcher{
		queue:    queue,
		subs:     subs,
		settings: settings,
		sender:   sender,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/lalithlochan/stockalert/internal/worker"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ProcessDueJobs runs one dispatch pass over up to BatchSize due jobs. A
// failing job never aborts the pass; only a failure to read the queue is
// returned.
func (d *Dispatcher) ProcessDueJobs(ctx context.Context) (BatchResult, error) {
	var result BatchResult

	jobs, err := d.queue.FindDueJobs(ctx, d.now(), d.config.BatchSize)
	if err != nil {
		d.logger.Error("failed to find due jobs", zap.Error(err))
		return result, fmt.Errorf("find due jobs: %w", err)
	}
	result.Found = len(jobs)
	if len(jobs) == 0 {
		return result, nil
	}

	d.logger.Debug("processing due jobs", zap.Int("count", len(jobs)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.config.Concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			outcome := d.processJob(ctx, job)
			metrics.RecordJobProcessed(string(job.Type), string(outcome))

			mu.Lock()
			result.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info("dispatch pass finished",
		zap.Int("found", result.Found),
		zap.Int("sent", result.Sent),
		zap.Int("skipped", result.Skipped),
		zap.Int("retried", result.Retried),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (d *Dispatcher) processJob(ctx context.Context, job *db.QueueJob) Outcome {
	ctx, span := d.tracer.Start(ctx, "dispatch "+string(job.Type),
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.type", string(job.Type)),
			attribute.String("subscription.id", job.SubscriptionID.String()),
		),
	)
	defer span.End()

	log := d.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("type", string(job.Type)),
		zap.String("subscription_id", job.SubscriptionID.String()),
	)

	attempts, err := d.queue.MarkProcessing(ctx, job.ID)
	if errors.Is(err, db.ErrJobNotClaimed) {
		log.Debug("job claimed elsewhere, dropping")
		return OutcomeNotClaimed
	}
	if err != nil {
		log.Error("failed to claim job", zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return OutcomeError
	}
	job.Attempts = attempts
	job.Status = db.JobProcessing
	span.SetAttributes(attribute.Int("job.attempt", attempts))
	log = log.With(zap.Int("attempt", attempts))

	sub, err := d.subs.GetSubscription(ctx, job.SubscriptionID)
	if errors.Is(err, db.ErrSubscriptionNotFound) {
		return d.fail(ctx, job, log, reasonSubscriptionNotFound)
	}
	if err != nil {
		return d.retryOrFail(ctx, job, log, fmt.Errorf("load subscription: %w", err))
	}

	kind, skip, err := d.checkPreconditions(job, sub)
	if err != nil {
		return d.fail(ctx, job, log, err.Error())
	}
	if skip != "" {
		return d.skip(ctx, job, log, skip)
	}

	snapshot, err := db.DecodeSnapshot(job.Data)
	if err != nil {
		return d.fail(ctx, job, log, fmt.Sprintf("invalid payload: %v", err))
	}

	if job.Type.IsReminder() && !ShouldSendReminder(sub) {
		return d.skip(ctx, job, log, "purchase detected")
	}

	settings, err := d.settings.GetShopSettings(ctx, sub.ShopID)
	if err != nil {
		return d.retryOrFail(ctx, job, log, fmt.Errorf("load shop settings: %w", err))
	}

	msg := buildMessage(job, kind, sub, snapshot)
	rendered, err := RenderMail(msg)
	if err != nil {
		return d.fail(ctx, job, log, err.Error())
	}

	if err := d.sender.Send(ctx, msg); err != nil {
		span.RecordError(err)
		return d.retryOrFail(ctx, job, log, err)
	}

	sentAt := d.now()
	completion, err := d.planCompletion(job, sub, settings, snapshot, msg, rendered, sentAt)
	if err != nil {
		return d.retryOrFail(ctx, job, log, err)
	}
	wctx, cancel := writeContext(ctx)
	defer cancel()
	if err := d.queue.CompleteJob(wctx, completion); err != nil {
		// The mail went out but nothing was recorded. Retrying resends, and
		// the follow-up reminder is protected by its dedupe key.
		log.Error("failed to record successful send", zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return d.retryOrFail(ctx, job, log, fmt.Errorf("record send: %w", err))
	}

	metrics.RecordDeliveryDelay(string(job.Type), sentAt.Sub(job.ScheduledFor))
	if completion.FollowUp != nil {
		metrics.RecordJobEnqueued(string(completion.FollowUp.Type), "reminder")
		log.Info("reminder scheduled",
			zap.Stringp("dedupe_key", completion.FollowUp.DedupeKey),
			zap.Time("scheduled_for", completion.FollowUp.ScheduledFor),
		)
	}
	d.export(wctx, log, completion.Delivery)

	log.Info("job completed", zap.String("to", msg.Recipient))
	return OutcomeSent
}

// checkPreconditions decides whether the job still applies to sub. It returns
// the mail kind to send, or a non-empty skip reason, or an error for jobs that
// can never be delivered.
func (d *Dispatcher) checkPreconditions(job *db.QueueJob, sub *db.Subscription) (MailKind, string, error) {
	switch job.Type {
	case db.JobReminderEmail:
		if sub.Status == db.SubscriptionCancelled {
			return "", "subscription cancelled", nil
		}
		return MailReminder, "", nil

	case db.JobReminderSMS:
		if sub.Status == db.SubscriptionCancelled {
			return "", "subscription cancelled", nil
		}
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedJobType, job.Type)

	case db.JobFirstNotification, db.JobThankYouNotification:
		if sub.Status != db.SubscriptionActive {
			return "", "subscription " + string(sub.Status), nil
		}
		kind, _ := mailKindFor(job.Type)
		return kind, "", nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrUnsupportedJobType, job.Type)
}

// planCompletion collects every side effect of a successful send
func (d *Dispatcher) planCompletion(job *db.QueueJob, sub *db.Subscription, settings *db.ShopSettings, snapshot db.ProductSnapshot, msg MailMessage, rendered RenderedMail, sentAt time.Time) (db.JobCompletion, error) {
	c := db.JobCompletion{
		JobID:          job.ID,
		SubscriptionID: sub.ID,
		CompletedAt:    sentAt,
		Delivery: &db.DeliveryLog{
			SubscriptionID: sub.ID,
			JobID:          job.ID,
			ShopID:         sub.ShopID,
			Status:         db.DeliveryStatusSent,
			Recipient:      msg.Recipient,
			Subject:        rendered.Subject,
			Content:        rendered.Text,
			SentAt:         sentAt,
		},
	}

	var (
		followUp *db.QueueJob
		err      error
	)
	switch job.Type {
	case db.JobFirstNotification, db.JobThankYouNotification:
		c.MarkNotified = true
		c.Delivery.Type = db.DeliveryFirstEmail
		if job.Type == db.JobThankYouNotification {
			c.Delivery.Type = db.DeliveryThankYouEmail
		}
		followUp, err = d.reminders.FirstReminder(sub, settings, snapshot, sentAt)

	case db.JobReminderEmail:
		c.CountReminder = true
		c.Delivery.Type = db.DeliveryReminderEmail
		followUp, err = d.reminders.NextReminder(sub, settings, snapshot, sub.ReminderCount+1, sentAt)

	case db.JobReminderSMS:
		return c, fmt.Errorf("%w: %s", ErrUnsupportedJobType, job.Type)
	}
	if err != nil {
		return c, fmt.Errorf("plan reminder: %w", err)
	}
	c.FollowUp = followUp
	return c, nil
}

// writeContext detaches ctx from its cancellation and bounds it with
// stateWriteTimeout, keeping its values for tracing
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), stateWriteTimeout)
}

func (d *Dispatcher) skip(ctx context.Context, job *db.QueueJob, log *zap.Logger, reason string) Outcome {
	ctx, cancel := writeContext(ctx)
	defer cancel()

	if err := d.queue.MarkCompleted(ctx, job.ID, d.now()); err != nil {
		log.Error("failed to complete skipped job", zap.Error(err))
		return OutcomeError
	}
	log.Info("job skipped", zap.String("reason", reason))
	return OutcomeSkipped
}

// fail ends the job without retrying
func (d *Dispatcher) fail(ctx context.Context, job *db.QueueJob, log *zap.Logger, reason string) Outcome {
	ctx, cancel := writeContext(ctx)
	defer cancel()

	if err := d.queue.MarkFailed(ctx, job.ID, reason, d.now()); err != nil {
		log.Error("failed to mark job failed", zap.Error(err), zap.String("reason", reason))
		return OutcomeError
	}
	log.Warn("job failed", zap.String("reason", reason))
	d.alert(ctx, log, job, reason)
	return OutcomeFailed
}

// retryOrFail puts the job back for another attempt, or fails it once the
// attempt budget is spent
func (d *Dispatcher) retryOrFail(ctx context.Context, job *db.QueueJob, log *zap.Logger, cause error) Outcome {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = db.MaxJobAttempts
	}

	if job.Attempts >= maxAttempts {
		log.Warn("delivery attempt failed", zap.Error(cause))
		return d.fail(ctx, job, log, db.ReasonMaxAttempts)
	}

	ctx, cancel := writeContext(ctx)
	defer cancel()

	next := d.now().Add(d.config.RetryDelay)
	if err := d.queue.RescheduleForRetry(ctx, job.ID, next, reasonRetrying+": "+cause.Error()); err != nil {
		// left in processing; the driver's stale job recovery requeues it
		log.Error("failed to reschedule job", zap.Error(err))
		return OutcomeError
	}
	log.Warn("delivery attempt failed, retry scheduled",
		zap.Error(cause),
		zap.Time("next_attempt", next),
	)
	return OutcomeRetried
}

func (d *Dispatcher) alert(ctx context.Context, log *zap.Logger, job *db.QueueJob, reason string) {
	if d.alerts == nil {
		return
	}
	if err := d.alerts.NotifyJobFailed(ctx, job, reason); err != nil {
		log.Warn("failed to publish job failure alert", zap.Error(err))
	}
}

func (d *Dispatcher) export(ctx context.Context, log *zap.Logger, delivery *db.DeliveryLog) {
	if d.exporter == nil || delivery == nil {
		return
	}
	if err := d.exporter.ExportDelivery(ctx, delivery); err != nil {
		log.Warn("failed to export delivery", zap.Error(err))
	}
}

// buildMessage prefers what the subscription knows about the product and
// falls back to the job payload
func buildMessage(job *db.QueueJob, kind MailKind, sub *db.Subscription, snapshot db.ProductSnapshot) MailMessage {
	title := snapshot.ProductTitle
	if sub.ProductTitle != nil && *sub.ProductTitle != "" {
		title = *sub.ProductTitle
	}
	if title == "" {
		title = "Product"
	}

	shopDomain := snapshot.ShopDomain
	if shopDomain == "" {
		shopDomain = sub.ShopID
	}

	url := snapshot.URL()
	if sub.ProductURL != nil && *sub.ProductURL != "" {
		url = *sub.ProductURL
	} else if url == "" && snapshot.ProductHandle != "" {
		url = "https://" + shopDomain + "/products/" + snapshot.ProductHandle
	}

	msg := MailMessage{
		Kind:         kind,
		Recipient:    sub.Email,
		ProductTitle: title,
		ProductURL:   url,
		ShopID:       sub.ShopID,
		ShopDomain:   shopDomain,
		JobID:        job.ID.String(),
	}
	if kind == MailReminder {
		msg.ReminderNumber = snapshot.ReminderNumber
		if msg.ReminderNumber <= 0 {
			msg.ReminderNumber = sub.ReminderCount + 1
		}
	}
	return msg
}
