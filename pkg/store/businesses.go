package store

import (
	"context"
	"database/sql"
	"strings"
)

const businessColumns = `id, name, phone_number, timezone, owner_id, onboarded, created_at, updated_at`

func (s *Store) CreateBusiness(ctx context.Context, b *Business) error {
	if b.ID == "" {
		b.ID = newID()
	}
	now := s.now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO businesses (`+businessColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, nullString(b.PhoneNumber), b.Timezone, b.OwnerID, boolInt(b.Onboarded),
		toMillis(b.CreatedAt), toMillis(b.UpdatedAt))
	return wrapDB(err)
}

func (s *Store) UpdateBusiness(ctx context.Context, b *Business) error {
	b.UpdatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE businesses SET name = ?, phone_number = ?, timezone = ?, onboarded = ?, updated_at = ? WHERE id = ?`,
		b.Name, nullString(b.PhoneNumber), b.Timezone, boolInt(b.Onboarded), toMillis(b.UpdatedAt), b.ID)
	if err != nil {
		return wrapDB(err)
	}
	return expectOne(res)
}

func (s *Store) GetBusiness(ctx context.Context, id string) (*Business, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+businessColumns+` FROM businesses WHERE id = ?`, id)
	return scanBusiness(row)
}

// FindBusinessByPhone resolves the tenant that owns an inbound number.
func (s *Store) FindBusinessByPhone(ctx context.Context, phone string) (*Business, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+businessColumns+` FROM businesses WHERE phone_number = ?`, phone)
	return scanBusiness(row)
}

func scanBusiness(row rowScanner) (*Business, error) {
	var (
		b         Business
		phone     sql.NullString
		onboarded int
		created   int64
		updated   int64
	)
	if err := row.Scan(&b.ID, &b.Name, &phone, &b.Timezone, &b.OwnerID, &onboarded, &created, &updated); err != nil {
		return nil, wrapDB(err)
	}
	b.PhoneNumber = phone.String
	b.Onboarded = onboarded == 1
	b.CreatedAt = fromMillis(created)
	b.UpdatedAt = fromMillis(updated)
	return &b, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDB(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
