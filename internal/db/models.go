package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the lifecycle state of a back-in-stock subscription
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionNotified  SubscriptionStatus = "notified"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Valid reports whether s is a known subscription status
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionActive, SubscriptionNotified, SubscriptionCancelled:
		return true
	}
	return false
}

// JobType identifies what a queue job delivers
type JobType string

const (
	JobFirstNotification    JobType = "first_notification"
	JobThankYouNotification JobType = "thankyou_notification"
	JobReminderEmail        JobType = "reminder_email"
	JobReminderSMS          JobType = "reminder_sms"
)

// ReminderJobTypes are the job types cancelled when a purchase is detected
var ReminderJobTypes = []JobType{JobReminderEmail, JobReminderSMS}

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	switch t {
	case JobFirstNotification, JobThankYouNotification, JobReminderEmail, JobReminderSMS:
		return true
	}
	return false
}

// IsReminder reports whether t is one of the reminder job types
func (t JobType) IsReminder() bool {
	return t == JobReminderEmail || t == JobReminderSMS
}

// JobStatus is the state of a queue job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// JobStatuses lists every job status, in lifecycle order
var JobStatuses = []JobStatus{JobPending, JobProcessing, JobCompleted, JobFailed, JobCancelled}

// MaxJobAttempts is the number of delivery attempts before a job fails for good
const MaxJobAttempts = 3

// Reasons recorded in a job's error message
const (
	ReasonMaxAttempts     = "max attempts reached"
	ReasonStaleProcessing = "retrying: processing timed out"
	ReasonPurchase        = "Purchase detected - reminders cancelled"
	ReasonUnsubscribed    = "Subscription cancelled"
	ReasonReactivated     = "Subscription reactivated"
)

// PurchaseMatch is a subscription flagged by purchase detection
type PurchaseMatch struct {
	SubscriptionID     uuid.UUID
	RemindersCancelled int64
}

// Subscription is a customer's request to be told when a product is back in stock.
// (Email, ProductID, ShopID) is unique.
type Subscription struct {
	ID                 uuid.UUID          `json:"id"`
	Email              string             `json:"email"`
	Phone              *string            `json:"phone,omitempty"`
	ProductID          string             `json:"productId"`
	ProductTitle       *string            `json:"productTitle,omitempty"`
	ProductURL         *string            `json:"productUrl,omitempty"`
	ShopID             string             `json:"shopId"`
	Status             SubscriptionStatus `json:"status"`
	SubscribedAt       time.Time          `json:"subscribedAt"`
	NotifiedAt         *time.Time         `json:"notifiedAt,omitempty"`
	ReactivatedAt      *time.Time         `json:"reactivatedAt,omitempty"`
	ReactivationCount  int                `json:"reactivationCount"`
	PurchaseDetectedAt *time.Time         `json:"purchaseDetectedAt,omitempty"`
	ReminderCount      int                `json:"reminderCount"`
	LastReminderAt     *time.Time         `json:"lastReminderAt,omitempty"`
	UserAgent          *string            `json:"-"`
	IPAddress          *string            `json:"-"`
	Source             string             `json:"source"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// SubscribeRequest carries the fields accepted from the storefront widget
type SubscribeRequest struct {
	Email        string
	Phone        *string
	ProductID    string
	ProductTitle *string
	ProductURL   *string
	ShopID       string
	UserAgent    *string
	IPAddress    *string
	Source       string
}

// SubscribeOutcome says what Subscribe did with an incoming request
type SubscribeOutcome string

const (
	SubscribeCreated       SubscribeOutcome = "created"
	SubscribeReactivated   SubscribeOutcome = "reactivated"
	SubscribeAlreadyActive SubscribeOutcome = "already_active"
)

// QueueJob is one scheduled unit of asynchronous delivery work
type QueueJob struct {
	ID             uuid.UUID       `json:"id"`
	SubscriptionID uuid.UUID       `json:"subscriptionId"`
	Type           JobType         `json:"type"`
	ScheduledFor   time.Time       `json:"scheduledFor"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	Data           json.RawMessage `json:"data"`
	DedupeKey      *string         `json:"dedupeKey,omitempty"`
	ErrorMessage   *string         `json:"errorMessage,omitempty"`
	ProcessedAt    *time.Time      `json:"processedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ReminderDedupeKey is the key that makes reminder n of a subscription's
// interest cycle unique in the queue. cycle is the subscription's
// reactivation count, so a reactivated subscription can be reminded again.
func ReminderDedupeKey(subscriptionID uuid.UUID, cycle, n int) string {
	return fmt.Sprintf("reminder:%s:%d:%d", subscriptionID, cycle, n)
}

// ProductSnapshot is the product data a job needs to render its message
type ProductSnapshot struct {
	ProductID                  string     `json:"productId"`
	ProductTitle               string     `json:"productTitle,omitempty"`
	ProductHandle              string     `json:"productHandle,omitempty"`
	ShopDomain                 string     `json:"shopDomain,omitempty"`
	VariantID                  string     `json:"variantId,omitempty"`
	Inventory                  int        `json:"inventory,omitempty"`
	ReminderNumber             int        `json:"reminderNumber,omitempty"`
	OriginalNotificationSentAt *time.Time `json:"originalNotificationSentAt,omitempty"`
}

// URL returns the storefront product URL, or "" when the handle or domain is unknown
func (p ProductSnapshot) URL() string {
	if p.ShopDomain == "" || p.ProductHandle == "" {
		return ""
	}
	return "https://" + p.ShopDomain + "/products/" + p.ProductHandle
}

// Encode marshals the snapshot into a job payload
func (p ProductSnapshot) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode product snapshot: %w", err)
	}
	return b, nil
}

// DecodeSnapshot parses a job payload. An empty payload yields a zero snapshot.
func DecodeSnapshot(raw json.RawMessage) (ProductSnapshot, error) {
	var p ProductSnapshot
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode product snapshot: %w", err)
	}
	return p, nil
}

// Defaults applied when a shop has not configured reminder cadence
const (
	DefaultReminderDelayHours = 24.0
	DefaultReminderMaxCount   = 2
)

// ShopSettings are the per-shop notification flags. Read-only to the queue.
type ShopSettings struct {
	ShopID                  string  `json:"shopId"`
	AutoNotificationEnabled bool    `json:"autoNotificationEnabled"`
	FirstEmailEnabled       bool    `json:"firstEmailEnabled"`
	ReminderEmailEnabled    bool    `json:"reminderEmailEnabled"`
	ReminderSMSEnabled      bool    `json:"reminderSmsEnabled"`
	ReminderDelayHours      float64 `json:"reminderDelayHours"`
	ReminderMaxCount        int     `json:"reminderMaxCount"`
}

// DelayHours returns the configured reminder delay, or the default when unset
func (s ShopSettings) DelayHours() float64 {
	if s.ReminderDelayHours <= 0 {
		return DefaultReminderDelayHours
	}
	return s.ReminderDelayHours
}

// MaxReminders returns the configured reminder cap, or the default when unset
func (s ShopSettings) MaxReminders() int {
	if s.ReminderMaxCount <= 0 {
		return DefaultReminderMaxCount
	}
	return s.ReminderMaxCount
}

// Delivery log types
const (
	DeliveryFirstEmail    = "first_email"
	DeliveryThankYouEmail = "thankyou_email"
	DeliveryReminderEmail = "reminder_email"

	DeliveryStatusSent = "sent"
)

// DeliveryLog records one message handed to the mail transport
type DeliveryLog struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	JobID          uuid.UUID `json:"jobId"`
	ShopID         string    `json:"shopId"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Recipient      string    `json:"recipient"`
	Subject        string    `json:"subject"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
}

// Subscription log events
const (
	EventSubscribed       = "subscribed"
	EventReactivated      = "reactivated"
	EventUnsubscribed     = "unsubscribed"
	EventPurchaseDetected = "purchase_detected"
	EventRestockQueued    = "restock_queued"
)

// SubscriptionEvent is an audit entry for a subscription
type SubscriptionEvent struct {
	ID             uuid.UUID       `json:"id"`
	SubscriptionID uuid.UUID       `json:"subscriptionId"`
	ShopID         string          `json:"shopId"`
	Event          string          `json:"event"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// JobCompletion describes every side effect of a successful send. The store
// applies them together with the completion mark, or not at all.
type JobCompletion struct {
	JobID          uuid.UUID
	SubscriptionID uuid.UUID
	CompletedAt    time.Time

	// MarkNotified moves the subscription to notified with NotifiedAt = CompletedAt
	MarkNotified bool
	// CountReminder increments ReminderCount and sets LastReminderAt = CompletedAt
	CountReminder bool

	Delivery *DeliveryLog
	// FollowUp is enqueued unless a job with the same dedupe key already exists
	FollowUp *QueueJob
}
