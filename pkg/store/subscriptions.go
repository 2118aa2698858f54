package store

import (
	"context"
	"database/sql"
)

const subscriptionColumns = `id, business_id, polar_subscription_id, polar_customer_id, product_id, plan, status,
	minutes_limit, minutes_used, current_period_start, current_period_end, cancel_at_period_end, ended_at,
	created_at, updated_at`

// UpsertSubscription writes the single subscription row of a business.
// MinutesUsed is only taken from sub when the row is inserted. On update the
// stored usage is kept, or reset to zero when the new period starts later
// than the stored one, so concurrent AddMinutesUsed calls are never lost.
// sub.MinutesUsed is refreshed from the row after the write.
func (s *Store) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = newID()
	}
	now := s.now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(business_id) DO UPDATE SET
			polar_subscription_id = excluded.polar_subscription_id,
			polar_customer_id = excluded.polar_customer_id,
			product_id = excluded.product_id,
			plan = excluded.plan,
			status = excluded.status,
			minutes_limit = excluded.minutes_limit,
			minutes_used = CASE
				WHEN excluded.current_period_start > subscriptions.current_period_start THEN 0
				ELSE subscriptions.minutes_used
			END,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			ended_at = excluded.ended_at,
			updated_at = excluded.updated_at`,
		sub.ID, sub.BusinessID, nullString(sub.PolarSubscriptionID), sub.PolarCustomerID, sub.ProductID, sub.Plan,
		string(sub.Status), sub.MinutesLimit, sub.MinutesUsed, toMillis(sub.CurrentPeriodStart),
		toMillis(sub.CurrentPeriodEnd), boolInt(sub.CancelAtPeriodEnd), nullMillis(sub.EndedAt),
		toMillis(sub.CreatedAt), toMillis(sub.UpdatedAt))
	if err != nil {
		return wrapDB(err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT minutes_used FROM subscriptions WHERE business_id = ?`,
		sub.BusinessID).Scan(&sub.MinutesUsed)
	return wrapDB(err)
}

func (s *Store) GetSubscriptionByBusiness(ctx context.Context, businessID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE business_id = ?`, businessID))
}

func (s *Store) FindSubscriptionByPolarID(ctx context.Context, polarID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE polar_subscription_id = ?`, polarID))
}

// AddMinutesUsed increments usage atomically and returns the updated row.
func (s *Store) AddMinutesUsed(ctx context.Context, businessID string, minutes int) (*Subscription, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET minutes_used = minutes_used + ?, updated_at = ? WHERE business_id = ?`,
		minutes, toMillis(s.now()), businessID)
	if err != nil {
		return nil, wrapDB(err)
	}
	if err := expectOne(res); err != nil {
		return nil, err
	}
	return s.GetSubscriptionByBusiness(ctx, businessID)
}

// ResetMinutesUsed zeroes usage for a new billing cycle and returns the row.
func (s *Store) ResetMinutesUsed(ctx context.Context, businessID string) (*Subscription, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET minutes_used = 0, updated_at = ? WHERE business_id = ?`,
		toMillis(s.now()), businessID)
	if err != nil {
		return nil, wrapDB(err)
	}
	if err := expectOne(res); err != nil {
		return nil, err
	}
	return s.GetSubscriptionByBusiness(ctx, businessID)
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub                    Subscription
		polarID                sql.NullString
		status                 string
		periodStart, periodEnd int64
		cancelAtEnd            int
		endedAt                sql.NullInt64
		created, updated       int64
	)
	err := row.Scan(&sub.ID, &sub.BusinessID, &polarID, &sub.PolarCustomerID, &sub.ProductID, &sub.Plan, &status,
		&sub.MinutesLimit, &sub.MinutesUsed, &periodStart, &periodEnd, &cancelAtEnd, &endedAt, &created, &updated)
	if err != nil {
		return nil, wrapDB(err)
	}
	sub.PolarSubscriptionID = polarID.String
	sub.Status = SubscriptionStatus(status)
	sub.CurrentPeriodStart = fromMillis(periodStart)
	sub.CurrentPeriodEnd = fromMillis(periodEnd)
	sub.CancelAtPeriodEnd = cancelAtEnd == 1
	sub.EndedAt = timePtr(endedAt)
	sub.CreatedAt = fromMillis(created)
	sub.UpdatedAt = fromMillis(updated)
	return &sub, nil
}
