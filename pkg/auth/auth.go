// Package auth issues and checks dashboard sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/store"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 8

var (
	ErrInvalidCredentials = errorsx.ReasonedError{Err: errors.New("invalid email or password"), Reason: errorsx.ReasonUnauthorized}
	ErrNoSession          = errorsx.ReasonedError{Err: errors.New("not signed in"), Reason: errorsx.ReasonUnauthorized}
)

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", errorsx.New(errorsx.ReasonValidation, "password must be at least %d characters", minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Claims is the session token payload.
type Claims struct {
	Role       store.Role `json:"role"`
	BusinessID string     `json:"bid,omitempty"`
	jwt.RegisteredClaims
}

// Session is the authenticated principal attached to a request.
type Session struct {
	UserID     string
	Role       store.Role
	BusinessID string
}

func (s Session) IsAdmin() bool { return s.Role == store.RoleAdmin }

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

func (i *Issuer) Issue(u *store.User) (string, error) {
	now := i.now()
	claims := Claims{
		Role:       u.Role,
		BusinessID: u.BusinessID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			Issuer:    "ringdesk",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return token, nil
}

func (i *Issuer) Parse(raw string) (Session, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("ringdesk"),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Session{}, errorsx.Wrap(fmt.Errorf("parse session: %w", err), errorsx.ReasonUnauthorized)
	}
	if claims.Subject == "" {
		return Session{}, ErrNoSession
	}
	return Session{UserID: claims.Subject, Role: claims.Role, BusinessID: claims.BusinessID}, nil
}

type sessionKey struct{}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// TokenFromRequest reads a bearer token, then the session cookie, then the
// "token" query parameter used by websocket clients.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return r.URL.Query().Get("token")
}
