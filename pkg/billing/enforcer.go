package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/metrics"
	"github.com/harunnryd/ringdesk/pkg/store"
)

// Store is the persistence the billing package needs.
type Store interface {
	GetBusiness(ctx context.Context, id string) (*store.Business, error)
	GetSubscriptionByBusiness(ctx context.Context, businessID string) (*store.Subscription, error)
	FindSubscriptionByPolarID(ctx context.Context, polarID string) (*store.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *store.Subscription) error
	AddMinutesUsed(ctx context.Context, businessID string, minutes int) (*store.Subscription, error)
	ResetMinutesUsed(ctx context.Context, businessID string) (*store.Subscription, error)
	RecordWebhookEvent(ctx context.Context, source, id, eventType string) (bool, error)
	ForgetWebhookEvent(ctx context.Context, source, id string) error
}

// Enforcer gates calls on subscription state and meters usage.
type Enforcer struct {
	store  Store
	policy Policy
	obs    metrics.Observer
	log    *slog.Logger
	now    func() time.Time
}

func NewEnforcer(st Store, policy Policy, obs metrics.Observer, log *slog.Logger) *Enforcer {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Enforcer{store: st, policy: policy, obs: obs, log: log, now: time.Now}
}

// Status loads the subscription of a business and evaluates it. A missing
// subscription yields a nil subscription and a no_subscription verdict.
func (e *Enforcer) Status(ctx context.Context, businessID string) (*store.Subscription, Verdict, error) {
	sub, err := e.store.GetSubscriptionByBusiness(ctx, businessID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, Verdict{}, fmt.Errorf("load subscription: %w", err)
		}
		sub = nil
	}
	return sub, e.policy.Evaluate(sub, e.now()), nil
}

// CheckCallAllowed returns nil when the business may take another call.
func (e *Enforcer) CheckCallAllowed(ctx context.Context, businessID string) (Verdict, error) {
	_, v, err := e.Status(ctx, businessID)
	if err != nil {
		return v, err
	}
	if v.Valid {
		return v, nil
	}
	metrics.Record(e.obs, metrics.EventCallBlocked, 1, map[string]string{"reason": string(v.Reason)})
	e.log.Info("call_blocked", "business_id", businessID, "reason", v.Reason)
	if v.Reason == ReasonQuotaExceeded {
		return v, errorsx.New(errorsx.ReasonUsageLimit, "monthly minute quota used up")
	}
	return v, errorsx.New(errorsx.ReasonSubscriptionInvalid, "subscription %s", v.Reason)
}

// RecordUsage adds the billable minutes of a finished call. Businesses without
// a subscription are not metered.
func (e *Enforcer) RecordUsage(ctx context.Context, businessID string, durationSecs int) error {
	minutes := BillableMinutes(durationSecs)
	if minutes == 0 {
		return nil
	}
	sub, err := e.store.AddMinutesUsed(ctx, businessID, minutes)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.log.Warn("usage_without_subscription", "business_id", businessID, "minutes", minutes)
			return nil
		}
		return fmt.Errorf("record usage: %w", err)
	}
	metrics.Record(e.obs, metrics.EventUsageRecorded, float64(minutes), map[string]string{"plan": sub.Plan})
	if v := e.policy.Evaluate(sub, e.now()); v.NearLimit {
		e.log.Info("usage_near_limit", "business_id", businessID, "used", sub.MinutesUsed, "limit", sub.MinutesLimit)
	}
	return nil
}
