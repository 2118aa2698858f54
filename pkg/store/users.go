package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
)

var errEmptyEmail = errors.New("email is required")

const userColumns = `id, email, name, password_hash, role, business_id, created_at`

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.Email = normalizeEmail(u.Email)
	if u.Email == "" {
		return errorsx.Wrap(errEmptyEmail, errorsx.ReasonValidation)
	}
	if u.ID == "" {
		u.ID = newID()
	}
	if u.Role == "" {
		u.Role = RoleOwner
	}
	u.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, string(u.Role), nullString(u.BusinessID), toMillis(u.CreatedAt))
	return wrapDB(err)
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, normalizeEmail(email)))
}

// AttachUserToBusiness links an owner to the business created during onboarding.
func (s *Store) AttachUserToBusiness(ctx context.Context, userID, businessID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET business_id = ? WHERE id = ?`, businessID, userID)
	if err != nil {
		return wrapDB(err)
	}
	return expectOne(res)
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u          User
		role       string
		businessID sql.NullString
		created    int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &businessID, &created); err != nil {
		return nil, wrapDB(err)
	}
	u.Role = Role(role)
	u.BusinessID = businessID.String
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
