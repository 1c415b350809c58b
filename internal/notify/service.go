package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/db"
	"github.com/lalithlochan/stockalert/internal/metrics"
)

var (
	ErrInvalidEmail  = errors.New("invalid email format")
	ErrMissingField  = errors.New("missing required field")
	ErrNotSubscribed = errors.New("subscription not found")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Store is what the service needs from persistence
type Store interface {
	Subscribe(ctx context.Context, req db.SubscribeRequest) (*db.Subscription, db.SubscribeOutcome, error)
	CancelSubscription(ctx context.Context, email, productID, shopID string) (*db.Subscription, int64, error)
	ListActiveSubscriptions(ctx context.Context, shopID, productID string) ([]*db.Subscription, error)
	DetectPurchase(ctx context.Context, shopID, productID, email string, at time.Time) ([]db.PurchaseMatch, error)
	EnqueueJob(ctx context.Context, job *db.QueueJob) error
	LogSubscriptionEvent(ctx context.Context, ev *db.SubscriptionEvent) error
}

type SettingsStore interface {
	GetShopSettings(ctx context.Context, shopID string) (*db.ShopSettings, error)
}

// Service turns storefront and webhook events into subscription changes and
// queue jobs. All delivery goes through the queue.
type Service struct {
	store    Store
	settings SettingsStore
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store Store, settings SettingsStore, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// SubscribeInput is a widget subscription request
type SubscribeInput struct {
	Email        string
	Phone        string
	ProductID    string
	ProductTitle string
	ProductURL   string
	ShopID       string
	// Inventory is the stock the widget saw; > 0 means the product is available now
	Inventory int
	UserAgent string
	IPAddress string
}

type SubscribeResult struct {
	Subscription      *db.Subscription
	Outcome           db.SubscribeOutcome
	AlreadySubscribed bool
	// NotificationQueued is set when a first notification was enqueued right away
	NotificationQueued bool
}

// NormalizeEmail lowercases and trims an address and checks its shape
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Subscribe creates or reactivates a subscription. An already active one is
// returned unchanged. Reactivation cancels reminders left over from the
// previous cycle.
func (s *Service) Subscribe(ctx context.Context, in SubscribeInput) (*SubscribeResult, error) {
	if in.ProductID == "" || in.ShopID == "" || in.Email == "" {
		return nil, fmt.Errorf("%w: email, productId and shop are required", ErrMissingField)
	}
	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}

	sub, outcome, err := s.store.Subscribe(ctx, db.SubscribeRequest{
		Email:        email,
		Phone:        optional(in.Phone),
		ProductID:    in.ProductID,
		ProductTitle: optional(in.ProductTitle),
		ProductURL:   optional(in.ProductURL),
		ShopID:       in.ShopID,
		UserAgent:    optional(in.UserAgent),
		IPAddress:    optional(in.IPAddress),
		Source:       "widget",
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	result := &SubscribeResult{Subscription: sub, Outcome: outcome}
	if outcome == db.SubscribeAlreadyActive {
		result.AlreadySubscribed = true
		return result, nil
	}

	event := db.EventSubscribed
	if outcome == db.SubscribeReactivated {
		event = db.EventReactivated
	}
	s.logEvent(ctx, sub, event, map[string]any{
		"productTitle":      in.ProductTitle,
		"reactivationCount": sub.ReactivationCount,
	})

	s.logger.Info("subscription saved",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("shop_id", sub.ShopID),
		zap.String("product_id", sub.ProductID),
		zap.String("outcome", string(outcome)),
	)

	if in.Inventory > 0 {
		queued, err := s.queueFirstNotification(ctx, sub, in)
		if err != nil {
			// the subscription is saved; the restock webhook will still notify
			s.logger.Warn("failed to queue first notification",
				zap.Error(err),
				zap.String("subscription_id", sub.ID.String()),
			)
		}
		result.NotificationQueued = queued
	}
	return result, nil
}

func (s *Service) queueFirstNotification(ctx context.Context, sub *db.Subscription, in SubscribeInput) (bool, error) {
	settings, err := s.settings.GetShopSettings(ctx, sub.ShopID)
	if err != nil {
		return false, err
	}
	if !settings.FirstEmailEnabled {
		return false, nil
	}

	data, err := db.ProductSnapshot{
		ProductID:    sub.ProductID,
		ProductTitle: in.ProductTitle,
		ShopDomain:   sub.ShopID,
		Inventory:    in.Inventory,
	}.Encode()
	if err != nil {
		return false, err
	}

	job := &db.QueueJob{
		SubscriptionID: sub.ID,
		Type:           db.JobFirstNotification,
		ScheduledFor:   s.now(),
		Data:           data,
	}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		return false, err
	}
	metrics.RecordJobEnqueued(string(job.Type), "subscribe")
	return true, nil
}

// Unsubscribe cancels the subscription and its pending reminders
func (s *Service) Unsubscribe(ctx context.Context, email, productID, shopID string) (*db.Subscription, error) {
	if productID == "" || shopID == "" || email == "" {
		return nil, fmt.Errorf("%w: email, productId and shop are required", ErrMissingField)
	}
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}

	sub, cancelled, err := s.store.CancelSubscription(ctx, email, productID, shopID)
	if errors.Is(err, db.ErrSubscriptionNotFound) {
		return nil, ErrNotSubscribed
	}
	if err != nil {
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}
	s.logEvent(ctx, sub, db.EventUnsubscribed, map[string]any{"remindersCancelled": cancelled})
	return sub, nil
}

// Variant is the inventory-relevant part of a product variant
type Variant struct {
	ID                string
	InventoryQuantity int
}

// ProductUpdate is a product webhook reduced to what restock handling needs
type ProductUpdate struct {
	ShopDomain string
	ProductID  string
	Title      string
	Handle     string
	Variants   []Variant
	// DeliveryID identifies the webhook delivery; jobs carry it in their
	// dedupe key so a redelivery does not queue twice
	DeliveryID string
}

// HandleRestock queues a thank-you notification for every active subscription
// of a product that has a variant in stock. It returns how many jobs were
// queued. Per-subscription failures are collected and returned together.
func (s *Service) HandleRestock(ctx context.Context, p ProductUpdate) (int, error) {
	settings, err := s.settings.GetShopSettings(ctx, p.ShopDomain)
	if err != nil {
		return 0, fmt.Errorf("load shop settings: %w", err)
	}
	if !settings.AutoNotificationEnabled || !settings.FirstEmailEnabled {
		s.logger.Debug("auto notifications disabled", zap.String("shop_id", p.ShopDomain))
		return 0, nil
	}

	var inStock *Variant
	for i := range p.Variants {
		if p.Variants[i].InventoryQuantity > 0 {
			inStock = &p.Variants[i]
			break
		}
	}
	if inStock == nil {
		return 0, nil
	}

	subs, err := s.store.ListActiveSubscriptions(ctx, p.ShopDomain, p.ProductID)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}

	data, err := db.ProductSnapshot{
		ProductID:     p.ProductID,
		ProductTitle:  p.Title,
		ProductHandle: p.Handle,
		ShopDomain:    p.ShopDomain,
		VariantID:     inStock.ID,
		Inventory:     inStock.InventoryQuantity,
	}.Encode()
	if err != nil {
		return 0, err
	}

	var (
		queued int
		errs   *multierror.Error
	)
	for _, sub := range subs {
		job := &db.QueueJob{
			SubscriptionID: sub.ID,
			Type:           db.JobThankYouNotification,
			ScheduledFor:   s.now(),
			Data:           data,
		}
		if p.DeliveryID != "" {
			key := fmt.Sprintf("restock:%s:%s", sub.ID, p.DeliveryID)
			job.DedupeKey = &key
		}

		err := s.store.EnqueueJob(ctx, job)
		if errors.Is(err, db.ErrDuplicateJob) {
			continue
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		queued++
		metrics.RecordJobEnqueued(string(job.Type), "restock")
		s.logEvent(ctx, sub, db.EventRestockQueued, map[string]any{
			"jobId":     job.ID,
			"variantId": inStock.ID,
			"inventory": inStock.InventoryQuantity,
		})
	}

	s.logger.Info("restock processed",
		zap.String("shop_id", p.ShopDomain),
		zap.String("product_id", p.ProductID),
		zap.Int("subscriptions", len(subs)),
		zap.Int("jobs_created", queued),
	)
	return queued, errs.ErrorOrNil()
}

// Order is an order webhook reduced to what purchase detection needs
type Order struct {
	ShopDomain string
	OrderID    string
	Email      string
	ProductIDs []string
}

// HandlePurchase flags the buyer's subscriptions for the ordered products and
// cancels their pending reminders. It returns how many subscriptions matched.
func (s *Service) HandlePurchase(ctx context.Context, o Order) (int, error) {
	email := strings.ToLower(strings.TrimSpace(o.Email))
	if email == "" {
		return 0, nil
	}

	var (
		detected int
		errs     *multierror.Error
		now      = s.now()
	)
	for _, productID := range o.ProductIDs {
		if productID == "" {
			continue
		}

		matches, err := s.store.DetectPurchase(ctx, o.ShopDomain, productID, email, now)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("product %s: %w", productID, err))
			continue
		}

		for _, m := range matches {
			detected++
			s.logEvent(ctx, &db.Subscription{ID: m.SubscriptionID, ShopID: o.ShopDomain}, db.EventPurchaseDetected, map[string]any{
				"orderId":            o.OrderID,
				"productId":          productID,
				"remindersCancelled": m.RemindersCancelled,
			})
		}
	}

	s.logger.Info("order processed",
		zap.String("shop_id", o.ShopDomain),
		zap.String("order_id", o.OrderID),
		zap.Int("purchases_detected", detected),
	)
	return detected, errs.ErrorOrNil()
}

// logEvent writes a subscription log entry. The audit trail is best effort.
func (s *Service) logEvent(ctx context.Context, sub *db.Subscription, event string, meta map[string]any) {
	var raw json.RawMessage
	if meta != nil {
		b, err := json.Marshal(meta)
		if err == nil {
			raw = b
		}
	}

	err := s.store.LogSubscriptionEvent(ctx, &db.SubscriptionEvent{
		SubscriptionID: sub.ID,
		ShopID:         sub.ShopID,
		Event:          event,
		Metadata:       raw,
	})
	if err != nil {
		s.logger.Warn("failed to write subscription log",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()),
			zap.String("event", event),
		)
	}
}
