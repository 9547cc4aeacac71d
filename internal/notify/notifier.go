package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/honeycomb-technologies/krusty/internal/observability"
)

// Notifier fans a single event out to every subscription registered for a
// user (or every subscription when userID is empty), delivering each
// concurrently and recording one attempt-log row per outcome.
type Notifier struct {
	store  Store
	sender *Sender
	logger *observability.Logger
}

// NewNotifier builds a Notifier over the given store and sender.
func NewNotifier(store Store, sender *Sender, logger *observability.Logger) *Notifier {
	return &Notifier{store: store, sender: sender, logger: logger}
}

// Notify delivers event to all of userID's subscriptions (or all
// subscriptions, in single-tenant mode, when userID is ""). It never
// returns an error for individual delivery failures — those are recorded
// in the attempt log instead — only for failure to read the subscription
// list itself.
func (n *Notifier) Notify(ctx context.Context, userID string, event Event) error {
	subs, err := n.store.SubscriptionsForUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			n.deliverOne(ctx, sub, event)
		}(sub)
	}
	wg.Wait()
	return nil
}

func (n *Notifier) deliverOne(ctx context.Context, sub *Subscription, event Event) {
	result := n.sender.Deliver(ctx, sub, event)

	rec := &AttemptRecord{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		EndpointHash:   sub.EndpointHash(),
		ProviderHost:   sub.ProviderHost(),
		EventType:      event.Type,
		Outcome:        result.outcome,
		StatusCode:     result.statusCode,
		Error:          result.errMsg,
		Latency:        result.latency,
		Attempt:        result.attempt,
		CreatedAt:      time.Now(),
	}
	if err := n.store.RecordAttempt(ctx, rec); err != nil {
		n.logger.Error(ctx, "failed to record push attempt", "error", err, "subscription_id", sub.ID)
	}

	if result.stale {
		if err := n.store.RemoveSubscription(ctx, sub.ID); err != nil {
			n.logger.Warn(ctx, "failed to evict stale subscription", "error", err, "subscription_id", sub.ID)
		}
	}
}

// Summary aggregates userID's recent delivery history, matching the
// DeliverySummary fields sourced from the original's push_delivery_attempts
// summary view.
func (n *Notifier) Summary(ctx context.Context, userID string) (DeliverySummary, error) {
	attempts, err := n.store.AttemptsForUser(ctx, userID)
	if err != nil {
		return DeliverySummary{}, err
	}

	summary := DeliverySummary{UserID: userID}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, rec := range attempts {
		rec := rec
		if summary.LastAttemptAt == nil {
			summary.LastAttemptAt = &rec.CreatedAt
		}
		switch rec.Outcome {
		case OutcomeSuccess:
			if summary.LastSuccessAt == nil {
				summary.LastSuccessAt = &rec.CreatedAt
			}
		case OutcomeFailure, OutcomeStale:
			if summary.LastFailureAt == nil {
				summary.LastFailureAt = &rec.CreatedAt
				summary.LastFailureReason = rec.Error
			}
			if rec.CreatedAt.After(cutoff) {
				summary.RecentFailures24h++
			}
		}
	}
	return summary, nil
}
