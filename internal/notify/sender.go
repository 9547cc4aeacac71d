package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/honeycomb-technologies/krusty/internal/backoff"
	"github.com/honeycomb-technologies/krusty/internal/observability"
)

// retryPolicy implements "exponential backoff (base 300ms, up to 3 attempts)".
var retryPolicy = backoff.BackoffPolicy{
	InitialMs: 300,
	MaxMs:     5000,
	Factor:    2,
	Jitter:    0.1,
}

const maxDeliveryAttempts = 3

// Sender delivers a single event to a single subscription over Web Push,
// retrying transient failures and reporting the outcome for the attempt log.
type Sender struct {
	keys   *VAPIDKeys
	logger *observability.Logger
	send   func(message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)
}

// NewSender builds a Sender that signs requests with the given VAPID
// identity.
func NewSender(keys *VAPIDKeys, logger *observability.Logger) *Sender {
	return &Sender{keys: keys, logger: logger, send: webpush.SendNotification}
}

// deliveryResult is what one attempt (successful or not) produced, used to
// build the attempt-log row regardless of outcome.
type deliveryResult struct {
	outcome    Outcome
	statusCode int
	errMsg     string
	latency    time.Duration
	attempt    int
	stale      bool
}

// Deliver sends payload to sub, retrying on 429/5xx/network errors up to
// maxDeliveryAttempts with exponential backoff, and reports whether the
// endpoint turned out to be stale (404/410) so the caller can evict it.
// Exactly one deliveryResult is returned per call, matching the "every
// outcome leaves exactly one row in the attempt log" property.
func (s *Sender) Deliver(ctx context.Context, sub *Subscription, event Event) deliveryResult {
	body, err := json.Marshal(event.Payload)
	if err != nil {
		return deliveryResult{outcome: OutcomeFailure, errMsg: fmt.Sprintf("marshal payload: %v", err), attempt: 1}
	}

	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
	}
	opts := &webpush.Options{
		Subscriber:      s.keys.Subject,
		VAPIDPublicKey:  s.keys.PublicKey,
		VAPIDPrivateKey: s.keys.PrivateKey,
		TTL:             60,
	}

	var last deliveryResult
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		start := time.Now()
		resp, sendErr := s.send(bytes.Clone(body), wpSub, opts)
		latency := time.Since(start)
		last = deliveryResult{latency: latency, attempt: attempt}

		if sendErr != nil {
			last.outcome = OutcomeFailure
			last.errMsg = sendErr.Error()
			s.logger.Warn(ctx, "push delivery attempt failed", "attempt", attempt, "error", sendErr, "provider", sub.ProviderHost())
			if attempt < maxDeliveryAttempts {
				s.wait(ctx, attempt)
				continue
			}
			return last
		}
		resp.Body.Close()
		last.statusCode = resp.StatusCode

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			last.outcome = OutcomeSuccess
			return last
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			last.outcome = OutcomeStale
			last.stale = true
			return last
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			last.outcome = OutcomeFailure
			last.errMsg = fmt.Sprintf("push service returned %d", resp.StatusCode)
			if attempt < maxDeliveryAttempts {
				s.wait(ctx, attempt)
				continue
			}
			return last
		default:
			last.outcome = OutcomeFailure
			last.errMsg = fmt.Sprintf("push service returned %d", resp.StatusCode)
			return last
		}
	}
	return last
}

func (s *Sender) wait(ctx context.Context, attempt int) {
	d := backoff.ComputeBackoff(retryPolicy, attempt)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
