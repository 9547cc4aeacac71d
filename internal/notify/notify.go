// Package notify implements the notification fan-out component (C7): Web
// Push (RFC 8030) delivery of terminal run events to endpoints registered by
// the user's browsers, with retry, exponential backoff, and stale-endpoint
// eviction.
package notify

import "time"

// EventType classifies the terminal events that can trigger a push.
type EventType string

const (
	// EventCompletion fires when a run reaches PhaseComplete.
	EventCompletion EventType = "completion"
	// EventAwaitingInput fires when a run pauses for approval or a follow-up.
	EventAwaitingInput EventType = "awaiting_input"
	// EventError fires when a run terminates with an error.
	EventError EventType = "error"
	// EventTest is used by the "send a test notification" admin action.
	EventTest EventType = "test"
)

// Outcome classifies the result of a single delivery attempt.
type Outcome string

const (
	// OutcomeSuccess means the push service accepted the message.
	OutcomeSuccess Outcome = "success"
	// OutcomeStale means the endpoint returned 404/410 and was evicted.
	OutcomeStale Outcome = "stale"
	// OutcomeFailure means the attempt failed and exhausted its retries.
	OutcomeFailure Outcome = "failure"
)

// Payload is the JSON body delivered to the browser's push event handler.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	SessionID string `json:"session_id,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

// Event bundles the event classification with the payload to deliver.
type Event struct {
	Type    EventType
	Payload Payload
}

// Subscription is one browser endpoint registered for push delivery,
// matching the Web Push subscription object a browser's Push API returns.
type Subscription struct {
	ID        string
	UserID    string // empty string fans out to all subscriptions (single-tenant mode)
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}

// EndpointHash returns a short, non-reversible identifier for the endpoint
// suitable for the attempt log, so a log row never carries the raw endpoint
// URL (which can itself leak the subscriber's push-service identity).
func (s Subscription) EndpointHash() string {
	return shortHash(s.Endpoint)
}

// ProviderHost extracts the push service's host (e.g. "fcm.googleapis.com")
// from the endpoint URL for attempt-log aggregation by provider.
func (s Subscription) ProviderHost() string {
	return endpointHost(s.Endpoint)
}

// AttemptRecord is one append-only row in the delivery attempt log.
type AttemptRecord struct {
	ID           string
	SubscriptionID string
	EndpointHash string
	ProviderHost string
	EventType    EventType
	Outcome      Outcome
	StatusCode   int
	Error        string
	Latency      time.Duration
	Attempt      int
	CreatedAt    time.Time
}

// DeliverySummary aggregates a user's recent delivery history. Field names
// and semantics are grounded on the original implementation's
// storage/push_delivery_attempts.rs PushDeliverySummary, which the
// distilled notification-fan-out spec names only as "a summary view".
type DeliverySummary struct {
	UserID            string
	LastAttemptAt     *time.Time
	LastSuccessAt     *time.Time
	LastFailureAt     *time.Time
	LastFailureReason string
	RecentFailures24h int
}
