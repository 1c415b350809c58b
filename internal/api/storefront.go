package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/db"
	"github.com/lalithlochan/stockalert/internal/notify"
)

const maxStorefrontBody = 64 << 10

type subscribeRequest struct {
	Email        string     `json:"email"`
	Phone        string     `json:"phone"`
	ProductID    flexibleID `json:"productId"`
	ProductTitle string     `json:"productTitle"`
	ProductURL   string     `json:"productUrl"`
	Shop         string     `json:"shop"`
	Inventory    int        `json:"inventory"`
}

type subscribeResponse struct {
	Success            bool   `json:"success"`
	SubscriptionID     string `json:"subscriptionId"`
	AlreadySubscribed  bool   `json:"alreadySubscribed"`
	Reactivated        bool   `json:"reactivated,omitempty"`
	NotificationQueued bool   `json:"notificationQueued,omitempty"`
	Message            string `json:"message"`
}

// SubscribeInfo handles GET /apps/subscribe
func (h *Handler) SubscribeInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "POST email, productId and shop to subscribe to back-in-stock alerts",
	})
}

// Subscribe handles POST /apps/subscribe from the storefront widget
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStorefrontBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	shop := req.Shop
	if shop == "" {
		shop = r.Header.Get("X-Shopify-Shop-Domain")
	}

	result, err := h.notifier.Subscribe(r.Context(), notify.SubscribeInput{
		Email:        req.Email,
		Phone:        req.Phone,
		ProductID:    string(req.ProductID),
		ProductTitle: req.ProductTitle,
		ProductURL:   req.ProductURL,
		ShopID:       shop,
		Inventory:    req.Inventory,
		UserAgent:    r.UserAgent(),
		IPAddress:    ClientIP(r),
	})
	if err != nil {
		h.writeNotifyError(w, "subscribe", err)
		return
	}

	resp := subscribeResponse{
		Success:            true,
		SubscriptionID:     result.Subscription.ID.String(),
		AlreadySubscribed:  result.AlreadySubscribed,
		Reactivated:        result.Outcome == db.SubscribeReactivated,
		NotificationQueued: result.NotificationQueued,
		Message:            "You will be notified when this product is back in stock",
	}
	status := http.StatusCreated
	if result.AlreadySubscribed {
		status = http.StatusOK
		resp.Message = "You are already subscribed to this product"
	}
	writeJSON(w, status, resp)
}

type unsubscribeRequest struct {
	Email     string     `json:"email"`
	ProductID flexibleID `json:"productId"`
	Shop      string     `json:"shop"`
}

// Unsubscribe handles POST /apps/unsubscribe
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStorefrontBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	shop := req.Shop
	if shop == "" {
		shop = r.Header.Get("X-Shopify-Shop-Domain")
	}

	sub, err := h.notifier.Unsubscribe(r.Context(), req.Email, string(req.ProductID), shop)
	if err != nil {
		h.writeNotifyError(w, "unsubscribe", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"subscriptionId": sub.ID.String(),
	})
}

func (h *Handler) writeNotifyError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, notify.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid email", err.Error())
	case errors.Is(err, notify.ErrMissingField):
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", err.Error())
	case errors.Is(err, notify.ErrNotSubscribed):
		writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
	default:
		h.logger.Error("storefront request failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to "+op, "")
	}
}
