package models

import "time"

// WebhookSubscription is a user-registered endpoint for terminal-event
// fan-out. Events may list lifecycle state names or the wildcard "*".
type WebhookSubscription struct {
	WebhookID           string     `json:"webhook_id"`
	UserID              string     `json:"user_id"`
	URL                 string     `json:"url"`
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	Secret              string     `json:"-"` // never serialized outward
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	LastDeliveryAt      *time.Time `json:"last_delivery_at,omitempty"`
	LastStatusCode      *int       `json:"last_status_code,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Matches reports whether the subscription wants the named event.
func (s *WebhookSubscription) Matches(event string) bool {
	for _, e := range s.Events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// Webhook delivery queue statuses.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed" // attempts exhausted
)

// WebhookDelivery is one queued delivery attempt series for a subscription.
type WebhookDelivery struct {
	DeliveryID    string     `json:"delivery_id"`
	WebhookID     string     `json:"webhook_id"`
	QueryID       string     `json:"query_id"`
	Event         string     `json:"event"`
	Payload       []byte     `json:"-"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	LastStatus    *int       `json:"last_status_code,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}
