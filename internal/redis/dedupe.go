package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// WebhookDedupeTTL covers Shopify's redelivery window for a webhook.
	WebhookDedupeTTL = 24 * time.Hour

	// processingTTL bounds how long a crashed handler can hold a delivery.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
	doneMarker       = "done"
)

// ErrDeliveryInProgress is returned when another handler is processing the same delivery.
var ErrDeliveryInProgress = errors.New("webhook delivery already in progress")

// WebhookDeduper makes webhook handling idempotent per delivery ID.
// A delivery is reserved before processing, marked done afterwards and
// released again when processing fails so the redelivery is handled.
type WebhookDeduper struct {
	client *Client
	logger *zap.Logger
}

// NewWebhookDeduper creates a new deduper.
func NewWebhookDeduper(client *Client, logger *zap.Logger) *WebhookDeduper {
	return &WebhookDeduper{
		client: client,
		logger: logger,
	}
}

func (d *WebhookDeduper) buildKey(shop, webhookID string) string {
	return d.client.key("webhook", shop, webhookID)
}

// Reserve claims a delivery for processing with SET NX.
// Returns (true, nil) when the caller should process it, (false, nil) when it
// was already processed, and ErrDeliveryInProgress when another handler holds it.
func (d *WebhookDeduper) Reserve(ctx context.Context, shop, webhookID string) (bool, error) {
	key := d.buildKey(shop, webhookID)

	set, err := d.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if set {
		return true, nil
	}

	val, err := d.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more
		return d.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}
	if val == processingMarker {
		return false, ErrDeliveryInProgress
	}

	d.logger.Debug("webhook delivery already processed",
		zap.String("shop", shop),
		zap.String("webhook_id", webhookID),
	)
	return false, nil
}

// MarkDone records that the delivery was processed.
func (d *WebhookDeduper) MarkDone(ctx context.Context, shop, webhookID string) error {
	if err := d.client.rdb.Set(ctx, d.buildKey(shop, webhookID), doneMarker, WebhookDedupeTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops the reservation so a redelivery is processed again.
func (d *WebhookDeduper) Release(ctx context.Context, shop, webhookID string) error {
	if err := d.client.rdb.Del(ctx, d.buildKey(shop, webhookID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
