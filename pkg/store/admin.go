package store

import (
	"context"
	"database/sql"
	"time"
)

// Stats is the headline aggregate shown on the admin panel.
type Stats struct {
	Businesses          int            `json:"businesses"`
	OnboardedBusinesses int            `json:"onboarded_businesses"`
	Users               int            `json:"users"`
	Calls               int            `json:"calls"`
	ActiveSubscriptions int            `json:"active_subscriptions"`
	MinutesUsed         int            `json:"minutes_used"`
	CallsByStatus       map[string]int `json:"calls_by_status"`
}

type PlanCount struct {
	Plan   string `json:"plan"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type DailyCalls struct {
	Day          string `json:"day"`
	Calls        int    `json:"calls"`
	DurationSecs int    `json:"duration_secs"`
}

type BusinessOverview struct {
	Business
	Plan               string `json:"plan"`
	SubscriptionStatus string `json:"subscription_status"`
	MinutesUsed        int    `json:"minutes_used"`
	MinutesLimit       int    `json:"minutes_limit"`
	CallCount          int    `json:"call_count"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{CallsByStatus: map[string]int{}}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM businesses),
			(SELECT COUNT(*) FROM businesses WHERE onboarded = 1),
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM calls),
			(SELECT COUNT(*) FROM subscriptions WHERE status IN ('active', 'trialing')),
			(SELECT COALESCE(SUM(minutes_used), 0) FROM subscriptions)`).
		Scan(&st.Businesses, &st.OnboardedBusinesses, &st.Users, &st.Calls, &st.ActiveSubscriptions, &st.MinutesUsed)
	if err != nil {
		return nil, wrapDB(err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapDB(err)
		}
		st.CallsByStatus[status] = n
	}
	return st, wrapDB(rows.Err())
}

func (s *Store) PlanBreakdown(ctx context.Context) ([]PlanCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan, status, COUNT(*) FROM subscriptions GROUP BY plan, status ORDER BY plan, status`)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()
	var out []PlanCount
	for rows.Next() {
		var pc PlanCount
		if err := rows.Scan(&pc.Plan, &pc.Status, &pc.Count); err != nil {
			return nil, wrapDB(err)
		}
		out = append(out, pc)
	}
	return out, wrapDB(rows.Err())
}

// CallsPerDay groups calls started at or after since by UTC day.
func (s *Store) CallsPerDay(ctx context.Context, since time.Time) ([]DailyCalls, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d', started_at / 1000, 'unixepoch') AS day, COUNT(*), COALESCE(SUM(duration_secs), 0)
		FROM calls WHERE started_at >= ?
		GROUP BY day ORDER BY day`, toMillis(since))
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()
	var out []DailyCalls
	for rows.Next() {
		var d DailyCalls
		if err := rows.Scan(&d.Day, &d.Calls, &d.DurationSecs); err != nil {
			return nil, wrapDB(err)
		}
		out = append(out, d)
	}
	return out, wrapDB(rows.Err())
}

func (s *Store) ListBusinesses(ctx context.Context, limit, offset int) ([]BusinessOverview, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.name, b.phone_number, b.timezone, b.owner_id, b.onboarded, b.created_at, b.updated_at,
			COALESCE(sub.plan, ''), COALESCE(sub.status, ''), COALESCE(sub.minutes_used, 0), COALESCE(sub.minutes_limit, 0),
			(SELECT COUNT(*) FROM calls c WHERE c.business_id = b.id)
		FROM businesses b
		LEFT JOIN subscriptions sub ON sub.business_id = b.id
		ORDER BY b.created_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()
	var out []BusinessOverview
	for rows.Next() {
		var (
			o                BusinessOverview
			phone            sql.NullString
			onboarded        int
			created, updated int64
		)
		if err := rows.Scan(&o.ID, &o.Name, &phone, &o.Timezone, &o.OwnerID, &onboarded, &created, &updated,
			&o.Plan, &o.SubscriptionStatus, &o.MinutesUsed, &o.MinutesLimit, &o.CallCount); err != nil {
			return nil, wrapDB(err)
		}
		o.PhoneNumber = phone.String
		o.Onboarded = onboarded == 1
		o.CreatedAt = fromMillis(created)
		o.UpdatedAt = fromMillis(updated)
		out = append(out, o)
	}
	return out, wrapDB(rows.Err())
}
