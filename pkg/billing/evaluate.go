package billing

import (
	"time"

	"github.com/harunnryd/ringdesk/pkg/store"
)

// VerdictReason explains why a subscription cannot take calls.
type VerdictReason string

const (
	ReasonNone           VerdictReason = ""
	ReasonNoSubscription VerdictReason = "no_subscription"
	ReasonInactive       VerdictReason = "inactive"
	ReasonExpired        VerdictReason = "expired"
	ReasonQuotaExceeded  VerdictReason = "quota_exceeded"
)

const (
	DefaultGracePeriod      = 72 * time.Hour
	DefaultNearLimitPercent = 80
)

// Verdict is the outcome of a subscription validity check.
type Verdict struct {
	Valid  bool          `json:"valid"`
	Reason VerdictReason `json:"reason,omitempty"`
	// MinutesRemaining is -1 when the plan has no quota.
	MinutesRemaining int  `json:"minutes_remaining"`
	NearLimit        bool `json:"near_limit"`
}

// Policy holds the tunables of Evaluate.
type Policy struct {
	Grace            time.Duration
	NearLimitPercent int
}

// Evaluate decides whether sub may take calls at now. It is the only place
// subscription validity is computed; the voice webhook, web calls and the
// billing page all go through it.
func Evaluate(sub *store.Subscription, now time.Time, grace time.Duration) Verdict {
	return Policy{Grace: grace}.Evaluate(sub, now)
}

func (p Policy) Evaluate(sub *store.Subscription, now time.Time) Verdict {
	if sub == nil {
		return Verdict{Reason: ReasonNoSubscription}
	}
	v := Verdict{MinutesRemaining: -1}
	if sub.MinutesLimit > 0 {
		v.MinutesRemaining = max(sub.MinutesLimit-sub.MinutesUsed, 0)
		pct := p.NearLimitPercent
		if pct <= 0 || pct > 100 {
			pct = DefaultNearLimitPercent
		}
		v.NearLimit = sub.MinutesUsed*100 >= sub.MinutesLimit*pct
	}

	switch sub.Status {
	case store.SubscriptionRevoked, store.SubscriptionUnpaid,
		store.SubscriptionIncomplete, store.SubscriptionIncompleteExpired:
		v.Reason = ReasonInactive
		return v
	case store.SubscriptionCanceled:
		// Paid through the end of the current period, no grace.
		if sub.CurrentPeriodEnd.IsZero() || now.After(sub.CurrentPeriodEnd) {
			v.Reason = ReasonExpired
			return v
		}
	case store.SubscriptionActive, store.SubscriptionTrialing, store.SubscriptionPastDue:
		if !sub.CurrentPeriodEnd.IsZero() && now.After(sub.CurrentPeriodEnd.Add(p.Grace)) {
			v.Reason = ReasonExpired
			return v
		}
	default:
		v.Reason = ReasonInactive
		return v
	}

	if sub.MinutesLimit > 0 && sub.MinutesUsed >= sub.MinutesLimit {
		v.Reason = ReasonQuotaExceeded
		return v
	}
	v.Valid = true
	return v
}

// BillableMinutes rounds a call duration up to whole minutes.
func BillableMinutes(durationSecs int) int {
	if durationSecs <= 0 {
		return 0
	}
	return (durationSecs + 59) / 60
}
