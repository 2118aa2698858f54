package auth

import (
	"encoding/json"
	"net/http"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/store"
)

// Middleware rejects requests without a valid session and stores the session
// in the request context.
func (i *Issuer) Middleware(cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := TokenFromRequest(r, cookieName)
			if raw == "" {
				deny(w, ErrNoSession)
				return
			}
			s, err := i.Parse(raw)
			if err != nil {
				deny(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
		})
	}
}

// RequireRole must run after Middleware.
func RequireRole(role store.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, ok := FromContext(r.Context())
			if !ok {
				deny(w, ErrNoSession)
				return
			}
			if s.Role != role {
				deny(w, errorsx.New(errorsx.ReasonForbidden, "requires role %s", role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errorsx.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  err.Error(),
		"reason": string(errorsx.Reason(err)),
	})
}
