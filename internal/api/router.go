package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/metrics"
	"github.com/lalithlochan/stockalert/internal/redis"
)

type RouterConfig struct {
	CronSecret     string
	WebhookSecret  string // empty disables signature checks
	CORSOrigins    []string
	RateLimiter    *redis.RateLimiter // nil disables subscribe rate limiting
	RequestTimeout time.Duration
	ServiceName    string
}

// NewRouter wires the storefront, webhook, queue and operational routes
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	storefrontCORS := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Shopify-Shop-Domain"},
	})

	r.Route("/apps", func(r chi.Router) {
		r.Use(storefrontCORS.Handler)
		r.Get("/subscribe", h.SubscribeInfo)
		r.With(RateLimitMiddleware(cfg.RateLimiter, logger, IPKeyFunc)).Post("/subscribe", h.Subscribe)
		r.Post("/unsubscribe", h.Unsubscribe)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(VerifyShopifyHMAC(cfg.WebhookSecret, logger))
		r.Post("/products/update", h.ProductsUpdate)
		r.Post("/orders/create", h.OrdersCreate)
		r.Post("/inventory/update", h.InventoryUpdate)
	})

	r.Route("/api/queue", func(r chi.Router) {
		r.With(RequireBearer(cfg.CronSecret, logger)).Post("/process", h.ProcessQueue)
		r.Get("/process", h.QueueStatus)
		r.Get("/driver", h.DriverStatus)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	name := cfg.ServiceName
	if name == "" {
		name = "http"
	}
	return otelhttp.NewHandler(r, name)
}
