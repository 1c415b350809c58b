package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const subscriptionColumns = `
	id, email, phone, product_id, product_title, product_url, shop_id,
	status, subscribed_at, notified_at, reactivated_at, reactivation_count,
	purchase_detected_at, reminder_count, last_reminder_at,
	user_agent, ip_address, source, created_at, updated_at`

func scanSubscription(row pgx.Row, extra ...any) (*Subscription, error) {
	var s Subscription
	dest := []any{
		&s.ID,
		&s.Email,
		&s.Phone,
		&s.ProductID,
		&s.ProductTitle,
		&s.ProductURL,
		&s.ShopID,
		&s.Status,
		&s.SubscribedAt,
		&s.NotifiedAt,
		&s.ReactivatedAt,
		&s.ReactivationCount,
		&s.PurchaseDetectedAt,
		&s.ReminderCount,
		&s.LastReminderAt,
		&s.UserAgent,
		&s.IPAddress,
		&s.Source,
		&s.CreatedAt,
		&s.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if !s.Status.Valid() {
		return nil, fmt.Errorf("subscription %s has unknown status %q", s.ID, s.Status)
	}
	return &s, nil
}

// Subscribe creates the subscription for (email, product, shop), reactivates it
// when it exists in a non-active state, or returns it untouched when already active.
// Reactivation starts a fresh interest cycle: purchase and reminder state is
// cleared and reminders still pending from the previous cycle are cancelled, in
// the same transaction.
func (r *Repository) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, SubscribeOutcome, error) {
	query := `
		INSERT INTO subscriptions (
			id, email, phone, product_id, product_title, product_url, shop_id,
			status, subscribed_at, user_agent, ip_address, source
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, 'active', $8, $9, $10, $11
		)
		ON CONFLICT (email, product_id, shop_id) DO UPDATE SET
			phone = EXCLUDED.phone,
			product_title = COALESCE(EXCLUDED.product_title, subscriptions.product_title),
			product_url = COALESCE(EXCLUDED.product_url, subscriptions.product_url),
			status = 'active',
			subscribed_at = EXCLUDED.subscribed_at,
			reactivated_at = EXCLUDED.subscribed_at,
			reactivation_count = subscriptions.reactivation_count + 1,
			notified_at = NULL,
			purchase_detected_at = NULL,
			reminder_count = 0,
			last_reminder_at = NULL,
			user_agent = EXCLUDED.user_agent,
			ip_address = EXCLUDED.ip_address,
			source = EXCLUDED.source,
			updated_at = now()
		WHERE subscriptions.status <> 'active'
		RETURNING ` + subscriptionColumns + `, (xmax = 0) AS inserted`

	source := req.Source
	if source == "" {
		source = "widget"
	}

	var (
		sub       *Subscription
		inserted  bool
		active    bool
		cancelled int64
	)
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		sub, err = scanSubscription(tx.QueryRow(
			ctx,
			query,
			uuid.New(),
			req.Email,
			req.Phone,
			req.ProductID,
			req.ProductTitle,
			req.ProductURL,
			req.ShopID,
			time.Now().UTC(),
			req.UserAgent,
			req.IPAddress,
			source,
		), &inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict with an active row: the WHERE on DO UPDATE suppressed the write
			active = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		if inserted {
			return nil
		}
		cancelled, err = cancelPendingByType(ctx, tx, sub.ID, ReminderJobTypes, ReasonReactivated)
		return err
	})
	if err != nil {
		r.logger.Error("failed to save subscription",
			zap.Error(err),
			zap.String("shop_id", req.ShopID),
			zap.String("product_id", req.ProductID),
		)
		return nil, "", err
	}

	if active {
		existing, err := r.GetSubscriptionByKey(ctx, req.Email, req.ProductID, req.ShopID)
		if err != nil {
			return nil, "", err
		}
		return existing, SubscribeAlreadyActive, nil
	}

	outcome := SubscribeReactivated
	if inserted {
		outcome = SubscribeCreated
	}

	r.logger.Info("subscription saved",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("shop_id", sub.ShopID),
		zap.String("outcome", string(outcome)),
		zap.Int("reactivation_count", sub.ReactivationCount),
		zap.Int64("reminders_cancelled", cancelled),
	)
	return sub, outcome, nil
}

// GetSubscription retrieves a subscription by ID
func (r *Repository) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get subscription",
			zap.Error(err),
			zap.String("subscription_id", id.String()),
		)
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByKey retrieves the subscription for (email, product, shop)
func (r *Repository) GetSubscriptionByKey(ctx context.Context, email, productID, shopID string) (*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE email = $1 AND product_id = $2 AND shop_id = $3`

	sub, err := scanSubscription(r.db.Pool().QueryRow(ctx, query, email, productID, shopID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription by key: %w", err)
	}
	return sub, nil
}

// ListActiveSubscriptions returns the active subscriptions for a product in a shop
func (r *Repository) ListActiveSubscriptions(ctx context.Context, shopID, productID string) ([]*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE shop_id = $1 AND product_id = $2 AND status = 'active'
		ORDER BY subscribed_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, shopID, productID)
	if err != nil {
		return nil, fmt.Errorf("query active subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

// DetectPurchase flags every not-yet-flagged subscription of (shop, product, email)
// that is still waiting on notifications or reminders, and cancels its pending
// reminders in the same transaction. Active rows become notified.
func (r *Repository) DetectPurchase(ctx context.Context, shopID, productID, email string, at time.Time) ([]PurchaseMatch, error) {
	query := `
		UPDATE subscriptions
		SET purchase_detected_at = $4,
		    status = CASE WHEN status = 'active' THEN 'notified' ELSE status END,
		    notified_at = CASE WHEN status = 'active' THEN $4 ELSE notified_at END,
		    updated_at = now()
		WHERE shop_id = $1 AND product_id = $2 AND email = $3
		  AND status IN ('active', 'notified')
		  AND purchase_detected_at IS NULL
		RETURNING id`

	var matches []PurchaseMatch
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, shopID, productID, email, at)
		if err != nil {
			return fmt.Errorf("mark purchase detected: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("collect subscription ids: %w", err)
		}

		matches = make([]PurchaseMatch, 0, len(ids))
		for _, id := range ids {
			n, err := cancelPendingByType(ctx, tx, id, ReminderJobTypes, ReasonPurchase)
			if err != nil {
				return err
			}
			matches = append(matches, PurchaseMatch{SubscriptionID: id, RemindersCancelled: n})
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to record purchase",
			zap.Error(err),
			zap.String("shop_id", shopID),
			zap.String("product_id", productID),
		)
		return nil, err
	}
	return matches, nil
}

// CancelSubscription moves the subscription for (email, product, shop) to
// cancelled and cancels its pending reminders in one transaction. It returns
// the subscription and how many reminders were cancelled.
func (r *Repository) CancelSubscription(ctx context.Context, email, productID, shopID string) (*Subscription, int64, error) {
	query := `
		UPDATE subscriptions
		SET status = 'cancelled', updated_at = now()
		WHERE email = $1 AND product_id = $2 AND shop_id = $3 AND status <> 'cancelled'
		RETURNING ` + subscriptionColumns

	var (
		sub       *Subscription
		cancelled int64
	)
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		sub, err = scanSubscription(tx.QueryRow(ctx, query, email, productID, shopID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSubscriptionNotFound
		}
		if err != nil {
			return fmt.Errorf("cancel subscription: %w", err)
		}
		cancelled, err = cancelPendingByType(ctx, tx, sub.ID, ReminderJobTypes, ReasonUnsubscribed)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	r.logger.Info("subscription cancelled",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("shop_id", shopID),
		zap.Int64("reminders_cancelled", cancelled),
	)
	return sub, cancelled, nil
}

// LogSubscriptionEvent appends an audit entry for a subscription
func (r *Repository) LogSubscriptionEvent(ctx context.Context, ev *SubscriptionEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	query := `
		INSERT INTO subscription_logs (id, subscription_id, shop_id, event, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err := r.db.Pool().QueryRow(ctx, query, ev.ID, ev.SubscriptionID, ev.ShopID, ev.Event, ev.Metadata).
		Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription log: %w", err)
	}
	return nil
}

func markSubscriptionNotified(ctx context.Context, q querier, id uuid.UUID, at time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE subscriptions
		SET status = 'notified', notified_at = $2, updated_at = now()
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark subscription notified: %w", err)
	}
	return nil
}

func countReminderSent(ctx context.Context, q querier, id uuid.UUID, at time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE subscriptions
		SET reminder_count = reminder_count + 1, last_reminder_at = $2, updated_at = now()
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("count reminder: %w", err)
	}
	return nil
}

func insertDelivery(ctx context.Context, q querier, d *DeliveryLog) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO notification_logs (
			id, subscription_id, job_id, shop_id, type, status,
			recipient, subject, content, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.SubscriptionID, d.JobID, d.ShopID, d.Type, d.Status,
		d.Recipient, d.Subject, d.Content, d.SentAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}
