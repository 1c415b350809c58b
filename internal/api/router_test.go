package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockalert/internal/db"
	"github.com/lalithlochan/stockalert/internal/memstore"
	"github.com/lalithlochan/stockalert/internal/notify"
	"github.com/lalithlochan/stockalert/internal/redis"
	"github.com/lalithlochan/stockalert/internal/worker"
)

const (
	testShop          = "demo-shop.myshopify.com"
	testCronSecret    = "cron-secret"
	testWebhookSecret = "whsec"
)

var errStoreDown = errors.New("store down")

type fakeQueue struct {
	triggered int
	result    worker.TriggerResult
	stats     map[string]int
	status    worker.DriverStatus
	err       error
}

func (q *fakeQueue) Trigger(ctx context.Context) (worker.TriggerResult, error) {
	q.triggered++
	return q.result, q.err
}

func (q *fakeQueue) Stats(ctx context.Context) (map[string]int, error) {
	return q.stats, q.err
}

func (q *fakeQueue) Status() worker.DriverStatus {
	return q.status
}

type testEnv struct {
	router http.Handler
	store  *memstore.Store
	queue  *fakeQueue
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := memstore.New(func() time.Time { return now })
	store.SetShopSettings(db.ShopSettings{
		ShopID:                  testShop,
		AutoNotificationEnabled: true,
		FirstEmailEnabled:       true,
	})

	queue := &fakeQueue{stats: map[string]int{"pending": 2, "completed": 5}}
	svc := notify.NewService(store, store, zap.NewNop())
	h := NewHandler(zap.NewNop(), svc, queue, opts...)

	router := NewRouter(h, RouterConfig{
		CronSecret:    testCronSecret,
		WebhookSecret: testWebhookSecret,
		CORSOrigins:   []string{"*"},
	}, zap.NewNop())

	return &testEnv{router: router, store: store, queue: queue}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func webhookRequest(t *testing.T, topic, webhookID string, payload any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+topic, bytes.NewReader(body))
	req.Header.Set("X-Shopify-Shop-Domain", testShop)
	req.Header.Set("X-Shopify-Hmac-Sha256", ShopifyHMAC(testWebhookSecret, body))
	if webhookID != "" {
		req.Header.Set("X-Shopify-Webhook-Id", webhookID)
	}
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func subscribe(t *testing.T, env *testEnv, email string, inventory int) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(jsonRequest(t, http.MethodPost, "/apps/subscribe", map[string]any{
		"email":        email,
		"productId":    8812,
		"productTitle": "Linen Shirt",
		"shop":         testShop,
		"inventory":    inventory,
	}))
}

func TestSubscribe_CreatesThenReportsExisting(t *testing.T) {
	env := newTestEnv(t)

	rec := subscribe(t, env, "Jane@Example.com", 0)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody(t, rec)
	assert.Equal(t, true, first["success"])
	assert.Equal(t, false, first["alreadySubscribed"])

	rec = subscribe(t, env, "jane@example.com", 0)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody(t, rec)
	assert.Equal(t, true, second["alreadySubscribed"])
	assert.Equal(t, first["subscriptionId"], second["subscriptionId"])

	sub, err := env.store.GetSubscriptionByKey(context.Background(), "jane@example.com", "8812", testShop)
	require.NoError(t, err)
	assert.Equal(t, db.SubscriptionActive, sub.Status)
}

func TestSubscribe_InStockQueuesFirstNotification(t *testing.T) {
	env := newTestEnv(t)

	rec := subscribe(t, env, "jane@example.com", 3)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["notificationQueued"])

	jobs := env.store.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, db.JobFirstNotification, jobs[0].Type)
}

func TestSubscribe_ShopFromHeaderAndClientMetadata(t *testing.T) {
	env := newTestEnv(t)

	req := jsonRequest(t, http.MethodPost, "/apps/subscribe", map[string]any{
		"email":     "jane@example.com",
		"productId": "8812",
	})
	req.Header.Set("X-Shopify-Shop-Domain", testShop)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("User-Agent", "widget-test")

	rec := env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	sub, err := env.store.GetSubscriptionByKey(context.Background(), "jane@example.com", "8812", testShop)
	require.NoError(t, err)
	require.NotNil(t, sub.IPAddress)
	assert.Equal(t, "203.0.113.7", *sub.IPAddress)
	require.NotNil(t, sub.UserAgent)
	assert.Equal(t, "widget-test", *sub.UserAgent)
}

func TestSubscribe_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"email":`, http.StatusBadRequest},
		{"invalid email", `{"email":"not-an-email","productId":"1","shop":"` + testShop + `"}`, http.StatusBadRequest},
		{"missing product", `{"email":"a@b.co","shop":"` + testShop + `"}`, http.StatusBadRequest},
		{"missing shop", `{"email":"a@b.co","productId":"1"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/apps/subscribe", bytes.NewBufferString(tt.body))
			rec := env.do(req)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestSubscribeInfo(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/apps/subscribe", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["message"], "subscribe")
}

func TestSubscribe_CORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/apps/subscribe", nil)
	req.Header.Set("Origin", "https://demo-shop.myshopify.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rec := env.do(req)
	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnsubscribe(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, subscribe(t, env, "jane@example.com", 0).Code)

	rec := env.do(jsonRequest(t, http.MethodPost, "/apps/unsubscribe", map[string]any{
		"email": "jane@example.com", "productId": "8812", "shop": testShop,
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sub, err := env.store.GetSubscriptionByKey(context.Background(), "jane@example.com", "8812", testShop)
	require.NoError(t, err)
	assert.Equal(t, db.SubscriptionCancelled, sub.Status)

	rec = env.do(jsonRequest(t, http.MethodPost, "/apps/unsubscribe", map[string]any{
		"email": "nobody@example.com", "productId": "8812", "shop": testShop,
	}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func productPayloadFor(inventory int) map[string]any {
	return map[string]any{
		"id":     8812,
		"title":  "Linen Shirt",
		"handle": "linen-shirt",
		"variants": []map[string]any{
			{"id": 1, "inventory_quantity": 0},
			{"id": 2, "inventory_quantity": inventory},
		},
	}
}

func TestProductsUpdate_QueuesThankYouJobs(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, subscribe(t, env, "a@example.com", 0).Code)
	require.Equal(t, http.StatusCreated, subscribe(t, env, "b@example.com", 0).Code)

	rec := env.do(webhookRequest(t, "products/update", "wh-1", productPayloadFor(4)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decodeBody(t, rec)["jobsCreated"])

	for _, j := range env.store.Jobs() {
		assert.Equal(t, db.JobThankYouNotification, j.Type)
		snapshot, err := db.DecodeSnapshot(j.Data)
		require.NoError(t, err)
		assert.Equal(t, "2", snapshot.VariantID)
		assert.Equal(t, "linen-shirt", snapshot.ProductHandle)
	}
}

func TestProductsUpdate_RedeliveryWithoutRedisQueuesOnce(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, subscribe(t, env, "a@example.com", 0).Code)

	for i := 0; i < 2; i++ {
		rec := env.do(webhookRequest(t, "products/update", "wh-1", productPayloadFor(4)))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Len(t, env.store.Jobs(), 1)
}

func TestProductsUpdate_DuplicateDeliverySkippedWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, WithWebhookDeduper(redis.NewWebhookDeduper(client, zap.NewNop())))
	require.Equal(t, http.StatusCreated, subscribe(t, env, "a@example.com", 0).Code)

	rec := env.do(webhookRequest(t, "products/update", "wh-7", productPayloadFor(4)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(webhookRequest(t, "products/update", "wh-7", productPayloadFor(4)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["duplicate"])
	assert.Len(t, env.store.Jobs(), 1)
}

func TestProductsUpdate_FailureReleasesReservation(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, WithWebhookDeduper(redis.NewWebhookDeduper(client, zap.NewNop())))
	require.Equal(t, http.StatusCreated, subscribe(t, env, "a@example.com", 0).Code)

	env.store.Fail = errStoreDown
	rec := env.do(webhookRequest(t, "products/update", "wh-9", productPayloadFor(4)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	env.store.Fail = nil
	rec = env.do(webhookRequest(t, "products/update", "wh-9", productPayloadFor(4)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["jobsCreated"])
}

func TestWebhooks_RejectBadSignatureAndMissingShop(t *testing.T) {
	env := newTestEnv(t)

	req := webhookRequest(t, "products/update", "wh-1", productPayloadFor(4))
	req.Header.Set("X-Shopify-Hmac-Sha256", "bogus")
	assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)

	req = webhookRequest(t, "orders/create", "wh-2", map[string]any{"id": 1})
	req.Header.Del("X-Shopify-Shop-Domain")
	assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
}

func TestWebhooks_InvalidPayload(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{"id": {}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/products/update", bytes.NewReader(body))
	req.Header.Set("X-Shopify-Shop-Domain", testShop)
	req.Header.Set("X-Shopify-Hmac-Sha256", ShopifyHMAC(testWebhookSecret, body))

	assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
}

func TestOrdersCreate_CancelsReminders(t *testing.T) {
	env := newTestEnv(t)
	rec := subscribe(t, env, "jane@example.com", 0)
	require.Equal(t, http.StatusCreated, rec.Code)

	sub, err := env.store.GetSubscriptionByKey(context.Background(), "jane@example.com", "8812", testShop)
	require.NoError(t, err)
	env.store.PutJob(&db.QueueJob{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Type:           db.JobReminderEmail,
		Status:         db.JobPending,
		ScheduledFor:   time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC),
		MaxAttempts:    db.MaxJobAttempts,
	})

	rec = env.do(webhookRequest(t, "orders/create", "wh-3", map[string]any{
		"id":    1001,
		"email": "JANE@example.com",
		"line_items": []map[string]any{
			{"product_id": 8812},
			{"product_id": 8812},
			{"product_id": nil},
		},
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decodeBody(t, rec)["purchasesDetected"])

	jobs := env.store.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, db.JobCancelled, jobs[0].Status)
}

func TestOrdersCreate_CustomerEmailFallback(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, subscribe(t, env, "jane@example.com", 0).Code)

	rec := env.do(webhookRequest(t, "orders/create", "", map[string]any{
		"id":         1002,
		"customer":   map[string]any{"email": "jane@example.com"},
		"line_items": []map[string]any{{"product_id": "8812"}},
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["purchasesDetected"])
}

func TestInventoryUpdate_Acknowledged(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(webhookRequest(t, "inventory/update", "wh-4", map[string]any{
		"inventory_item_id": 55, "location_id": 9, "available": 3,
	}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.store.Jobs())
}

func TestProcessQueue(t *testing.T) {
	tests := []struct {
		name      string
		auth      string
		queueErr  error
		want      int
		triggered int
	}{
		{"no token", "", nil, http.StatusUnauthorized, 0},
		{"wrong token", "Bearer nope", nil, http.StatusUnauthorized, 0},
		{"valid token", "Bearer " + testCronSecret, nil, http.StatusOK, 1},
		{"driver error", "Bearer " + testCronSecret, errStoreDown, http.StatusInternalServerError, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.queue.err = tt.queueErr
			env.queue.result = worker.TriggerResult{
				Processed: worker.BatchResult{Found: 3, Sent: 2, Skipped: 1},
				Recovered: 1,
				Stats:     map[string]int{"completed": 2},
			}

			req := httptest.NewRequest(http.MethodPost, "/api/queue/process", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := env.do(req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.triggered, env.queue.triggered)
			if tt.want == http.StatusOK {
				body := decodeBody(t, rec)
				assert.Equal(t, true, body["success"])
				assert.NotEmpty(t, body["timestamp"])
				assert.Equal(t, float64(1), body["recovered"])
				assert.Equal(t, map[string]any{"completed": float64(2)}, body["stats"])
			}
		})
	}
}

func TestQueueStatus_HasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/queue/process", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, map[string]any{"pending": float64(2), "completed": float64(5)}, body["stats"])
	assert.Zero(t, env.queue.triggered)
}

func TestDriverStatus(t *testing.T) {
	env := newTestEnv(t)
	started := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	env.queue.status = worker.DriverStatus{IsRunning: true, StartedAt: &started}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/queue/driver", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["isRunning"])
	assert.Equal(t, "2024-06-01T11:00:00Z", body["startedAt"])
}

func TestHealth(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	broken := func(context.Context) error { return errStoreDown }

	env := newTestEnv(t, WithHealthCheck("postgres", healthy))
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	env = newTestEnv(t, WithHealthCheck("postgres", healthy), WithHealthCheck("redis", broken))
	rec = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	checks := decodeBody(t, rec)["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["postgres"])
	assert.Equal(t, errStoreDown.Error(), checks["redis"])
}
