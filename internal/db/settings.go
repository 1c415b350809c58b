package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/patrickmn/go-cache"
)

// GetShopSettings reads a shop's notification settings. A shop with no row gets
// everything disabled and the default reminder cadence.
func (r *Repository) GetShopSettings(ctx context.Context, shopID string) (*ShopSettings, error) {
	query := `
		SELECT
			auto_notification_enabled, first_email_enabled,
			reminder_email_enabled, reminder_sms_enabled,
			reminder_delay_hours, reminder_max_count
		FROM shop_settings
		WHERE shop_id = $1`

	var (
		s        = ShopSettings{ShopID: shopID}
		delay    *float64
		maxCount *int
	)
	err := r.db.Pool().QueryRow(ctx, query, shopID).Scan(
		&s.AutoNotificationEnabled,
		&s.FirstEmailEnabled,
		&s.ReminderEmailEnabled,
		&s.ReminderSMSEnabled,
		&delay,
		&maxCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query shop settings: %w", err)
	}

	if delay != nil {
		s.ReminderDelayHours = *delay
	}
	if maxCount != nil {
		s.ReminderMaxCount = *maxCount
	}
	return &s, nil
}

// SettingsSource reads shop settings
type SettingsSource interface {
	GetShopSettings(ctx context.Context, shopID string) (*ShopSettings, error)
}

// CachedSettings keeps shop settings in process for a short TTL. The admin app
// owns the rows, so a change takes effect within one TTL.
type CachedSettings struct {
	source SettingsSource
	cache  *cache.Cache
}

// NewCachedSettings wraps source with a TTL cache
func NewCachedSettings(source SettingsSource, ttl time.Duration) *CachedSettings {
	return &CachedSettings{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
	}
}

// GetShopSettings returns the cached settings, loading them on a miss
func (c *CachedSettings) GetShopSettings(ctx context.Context, shopID string) (*ShopSettings, error) {
	if v, ok := c.cache.Get(shopID); ok {
		s := v.(ShopSettings)
		return &s, nil
	}

	s, err := c.source.GetShopSettings(ctx, shopID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(shopID, *s, cache.DefaultExpiration)
	return s, nil
}
