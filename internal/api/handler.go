package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/db"
	"github.com/lalithlochan/stockalert/internal/notify"
	"github.com/lalithlochan/stockalert/internal/worker"
)

// Notifier turns storefront and webhook events into subscription changes
type Notifier interface {
	Subscribe(ctx context.Context, in notify.SubscribeInput) (*notify.SubscribeResult, error)
	Unsubscribe(ctx context.Context, email, productID, shopID string) (*db.Subscription, error)
	HandleRestock(ctx context.Context, p notify.ProductUpdate) (int, error)
	HandlePurchase(ctx context.Context, o notify.Order) (int, error)
}

// QueueRunner is the on-demand surface of the queue driver
type QueueRunner interface {
	Trigger(ctx context.Context) (worker.TriggerResult, error)
	Stats(ctx context.Context) (map[string]int, error)
	Status() worker.DriverStatus
}

// WebhookDeduper reserves webhook deliveries so redeliveries are acknowledged
// without being processed again.
type WebhookDeduper interface {
	Reserve(ctx context.Context, shop, webhookID string) (bool, error)
	MarkDone(ctx context.Context, shop, webhookID string) error
	Release(ctx context.Context, shop, webhookID string) error
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	notifier Notifier
	queue    QueueRunner
	deduper  WebhookDeduper // nil if Redis not configured
	checks   []namedCheck
	now      func() time.Time
}

type namedCheck struct {
	name  string
	check HealthCheck
}

type Option func(*Handler)

// WithWebhookDeduper enables webhook delivery deduplication
func WithWebhookDeduper(d WebhookDeduper) Option {
	return func(h *Handler) { h.deduper = d }
}

// WithHealthCheck adds a dependency to the /health report
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) {
		h.checks = append(h.checks, namedCheck{name: name, check: check})
	}
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, notifier Notifier, queue QueueRunner, opts ...Option) *Handler {
	h := &Handler{
		logger:   logger,
		notifier: notifier,
		queue:    queue,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for _, c := range h.checks {
		if err := c.check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", c.name), zap.Error(err))
			resp.Checks[c.name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.name] = "ok"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in problem+json format
func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// flexibleID accepts an identifier sent either as a JSON string or a number.
// Shopify payloads use numbers, the storefront widget sends strings.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}
