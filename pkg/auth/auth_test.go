package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/store"
)

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := CheckPassword(hash, "correct horse"); err != nil {
		t.Fatalf("expected password to match: %v", err)
	}
	if err := CheckPassword(hash, "wrong horse"); !errorsx.HasReason(err, errorsx.ReasonUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := HashPassword("short"); !errorsx.HasReason(err, errorsx.ReasonValidation) {
		t.Fatalf("expected validation error for short password, got %v", err)
	}
}

func TestIssueAndParse(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	iss := NewIssuer("test-secret", time.Hour)
	iss.now = func() time.Time { return now }

	token, err := iss.Issue(&store.User{ID: "u1", Role: store.RoleOwner, BusinessID: "b1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	s, err := iss.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.UserID != "u1" || s.BusinessID != "b1" || s.IsAdmin() {
		t.Fatalf("unexpected session: %+v", s)
	}

	iss.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := iss.Parse(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	other := NewIssuer("other-secret", time.Hour)
	other.now = func() time.Time { return now }
	if _, err := other.Parse(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestMiddlewareAndRoles(t *testing.T) {
	iss := NewIssuer("test-secret", time.Hour)
	ownerToken, _ := iss.Issue(&store.User{ID: "u1", Role: store.RoleOwner})
	adminToken, _ := iss.Issue(&store.User{ID: "u2", Role: store.RoleAdmin})

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, _ := FromContext(r.Context())
		_, _ = w.Write([]byte(s.UserID))
	})
	h := iss.Middleware("ringdesk_session")(RequireRole(store.RoleAdmin)(final))

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{name: "no token", setup: func(*http.Request) {}, status: http.StatusUnauthorized},
		{name: "garbage", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, status: http.StatusUnauthorized},
		{name: "owner", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+ownerToken) }, status: http.StatusForbidden},
		{name: "admin cookie", setup: func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "ringdesk_session", Value: adminToken})
		}, status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}
