package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/metrics"
	"github.com/lalithlochan/stockalert/internal/notify"
	"github.com/lalithlochan/stockalert/internal/redis"
)

const maxWebhookBody = 1 << 20

var errInvalidPayload = errors.New("invalid webhook payload")

// webhookFunc processes one verified delivery and returns the response body
type webhookFunc func(ctx context.Context, shop, webhookID string, body []byte) (any, error)

// handleWebhook runs fn at most once per delivery ID. A failed delivery is
// released so Shopify's retry is processed.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request, topic string, fn webhookFunc) {
	ctx := r.Context()
	log := h.logger.With(zap.String("topic", topic))

	shop := r.Header.Get("X-Shopify-Shop-Domain")
	if shop == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing shop domain", "X-Shopify-Shop-Domain header is required")
		return
	}
	webhookID := r.Header.Get("X-Shopify-Webhook-Id")
	log = log.With(zap.String("shop_id", shop), zap.String("webhook_id", webhookID))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}

	reserved := false
	if h.deduper != nil && webhookID != "" {
		ok, err := h.deduper.Reserve(ctx, shop, webhookID)
		switch {
		case errors.Is(err, redis.ErrDeliveryInProgress):
			writeError(w, http.StatusConflict, "duplicate_request", "Delivery is already being processed", "")
			return
		case err != nil:
			log.Warn("webhook dedupe unavailable, processing anyway", zap.Error(err))
		case !ok:
			metrics.RecordWebhookDuplicate(topic)
			log.Info("duplicate webhook delivery skipped")
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "duplicate": true})
			return
		default:
			reserved = true
		}
	}

	resp, err := fn(ctx, shop, webhookID, body)
	if err != nil {
		if reserved {
			if relErr := h.deduper.Release(ctx, shop, webhookID); relErr != nil {
				log.Warn("failed to release webhook reservation", zap.Error(relErr))
			}
		}
		if errors.Is(err, errInvalidPayload) {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", err.Error())
			return
		}
		log.Error("webhook processing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to process webhook", "")
		return
	}

	if reserved {
		if err := h.deduper.MarkDone(ctx, shop, webhookID); err != nil {
			log.Warn("failed to mark webhook done", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodePayload(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

type productPayload struct {
	ID       flexibleID `json:"id"`
	Title    string     `json:"title"`
	Handle   string     `json:"handle"`
	Variants []struct {
		ID                flexibleID `json:"id"`
		InventoryQuantity int        `json:"inventory_quantity"`
	} `json:"variants"`
}

// ProductsUpdate handles POST /webhooks/products/update
func (h *Handler) ProductsUpdate(w http.ResponseWriter, r *http.Request) {
	h.handleWebhook(w, r, "products/update", func(ctx context.Context, shop, webhookID string, body []byte) (any, error) {
		var p productPayload
		if err := decodePayload(body, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: product id is required", errInvalidPayload)
		}

		update := notify.ProductUpdate{
			ShopDomain: shop,
			ProductID:  string(p.ID),
			Title:      p.Title,
			Handle:     p.Handle,
			DeliveryID: webhookID,
		}
		for _, v := range p.Variants {
			update.Variants = append(update.Variants, notify.Variant{
				ID:                string(v.ID),
				InventoryQuantity: v.InventoryQuantity,
			})
		}

		created, err := h.notifier.HandleRestock(ctx, update)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "jobsCreated": created}, nil
	})
}

type orderPayload struct {
	ID       flexibleID `json:"id"`
	Email    string     `json:"email"`
	Customer *struct {
		Email string `json:"email"`
	} `json:"customer"`
	LineItems []struct {
		ProductID flexibleID `json:"product_id"`
	} `json:"line_items"`
}

// OrdersCreate handles POST /webhooks/orders/create
func (h *Handler) OrdersCreate(w http.ResponseWriter, r *http.Request) {
	h.handleWebhook(w, r, "orders/create", func(ctx context.Context, shop, _ string, body []byte) (any, error) {
		var o orderPayload
		if err := decodePayload(body, &o); err != nil {
			return nil, err
		}

		email := o.Email
		if email == "" && o.Customer != nil {
			email = o.Customer.Email
		}

		seen := make(map[flexibleID]bool, len(o.LineItems))
		order := notify.Order{ShopDomain: shop, OrderID: string(o.ID), Email: email}
		for _, item := range o.LineItems {
			if item.ProductID == "" || seen[item.ProductID] {
				continue
			}
			seen[item.ProductID] = true
			order.ProductIDs = append(order.ProductIDs, string(item.ProductID))
		}

		detected, err := h.notifier.HandlePurchase(ctx, order)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "purchasesDetected": detected}, nil
	})
}

type inventoryPayload struct {
	InventoryItemID flexibleID `json:"inventory_item_id"`
	LocationID      flexibleID `json:"location_id"`
	Available       *int       `json:"available"`
}

// InventoryUpdate handles POST /webhooks/inventory/update. Restock detection
// runs on product updates; inventory levels are only logged.
func (h *Handler) InventoryUpdate(w http.ResponseWriter, r *http.Request) {
	h.handleWebhook(w, r, "inventory/update", func(_ context.Context, shop, _ string, body []byte) (any, error) {
		var p inventoryPayload
		if err := decodePayload(body, &p); err != nil {
			return nil, err
		}

		fields := []zap.Field{
			zap.String("shop_id", shop),
			zap.String("inventory_item_id", string(p.InventoryItemID)),
			zap.String("location_id", string(p.LocationID)),
		}
		if p.Available != nil {
			fields = append(fields, zap.Int("available", *p.Available))
		}
		h.logger.Info("inventory level updated", fields...)
		return map[string]any{"success": true}, nil
	})
}
