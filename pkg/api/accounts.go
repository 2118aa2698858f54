package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/auth"
	"github.com/harunnryd/ringdesk/pkg/billing"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/redact"
	"github.com/harunnryd/ringdesk/pkg/store"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  *store.User `json:"user"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !strings.Contains(in.Email, "@") {
		s.writeError(w, r, errorsx.New(errorsx.ReasonValidation, "a valid email is required"))
		return
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u := &store.User{Email: in.Email, Name: strings.TrimSpace(in.Name), PasswordHash: hash, Role: store.RoleOwner}
	if err := s.deps.Store.CreateUser(r.Context(), u); err != nil {
		if errorsx.HasReason(err, errorsx.ReasonConflict) {
			err = errorsx.New(errorsx.ReasonConflict, "email already registered")
		}
		s.writeError(w, r, err)
		return
	}
	s.log.Info("user_registered", "user_id", u.ID, "email", redact.Text(u.Email))
	s.startSession(w, r, u, http.StatusCreated)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.deps.Store.FindUserByEmail(r.Context(), in.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = auth.ErrInvalidCredentials
		}
		s.writeError(w, r, err)
		return
	}
	if err := auth.CheckPassword(u.PasswordHash, in.Password); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.startSession(w, r, u, http.StatusOK)
}

func (s *Server) logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, u *store.User, status int) {
	token, err := s.deps.Issuer.Issue(u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookie(w, token)
	writeJSON(w, status, sessionResponse{Token: token, User: u})
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  s.now().Add(s.deps.Issuer.TTL()),
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

type meResponse struct {
	User         *store.User         `json:"user"`
	Business     *store.Business     `json:"business,omitempty"`
	Subscription *store.Subscription `json:"subscription,omitempty"`
	Verdict      *billing.Verdict    `json:"verdict,omitempty"`
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, err := s.deps.Store.GetUser(ctx, session(r).UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = auth.ErrNoSession
		}
		s.writeError(w, r, err)
		return
	}
	out := meResponse{User: u}
	if u.BusinessID != "" {
		if out.Business, err = s.deps.Store.GetBusiness(ctx, u.BusinessID); err != nil {
			s.writeError(w, r, err)
			return
		}
		sub, verdict, err := s.deps.Enforcer.Status(ctx, u.BusinessID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out.Subscription, out.Verdict = sub, &verdict
	}
	writeJSON(w, http.StatusOK, out)
}

type businessInput struct {
	Name        *string `json:"name"`
	PhoneNumber *string `json:"phone_number"`
	Timezone    *string `json:"timezone"`
}

func (in businessInput) apply(b *store.Business) error {
	if in.Name != nil {
		b.Name = strings.TrimSpace(*in.Name)
	}
	if in.PhoneNumber != nil {
		phone := strings.TrimSpace(*in.PhoneNumber)
		if phone != "" && !strings.HasPrefix(phone, "+") {
			return errorsx.New(errorsx.ReasonValidation, "phone_number must be in E.164 format")
		}
		b.PhoneNumber = phone
	}
	if in.Timezone != nil {
		tz := strings.TrimSpace(*in.Timezone)
		if tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return errorsx.New(errorsx.ReasonValidation, "unknown timezone %q", tz)
			}
		}
		b.Timezone = tz
	}
	if b.Name == "" {
		return errorsx.New(errorsx.ReasonValidation, "business name is required")
	}
	return nil
}

type onboardResponse struct {
	Token            string          `json:"token"`
	Business         *store.Business `json:"business"`
	NumberConfigured bool            `json:"number_configured"`
}

// onboard creates the caller's business and re-issues the session so it
// carries the business id.
func (s *Server) onboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := session(r)
	current, err := s.deps.Store.GetUser(ctx, sess.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Tokens issued before onboarding carry no business; trust the stored user.
	if sess.BusinessID != "" || current.BusinessID != "" {
		s.writeError(w, r, errorsx.New(errorsx.ReasonConflict, "already onboarded"))
		return
	}
	var in businessInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	b := &store.Business{OwnerID: sess.UserID, Onboarded: true}
	if err := in.apply(b); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Store.CreateBusiness(ctx, b); err != nil {
		if errorsx.HasReason(err, errorsx.ReasonConflict) {
			err = errorsx.New(errorsx.ReasonConflict, "phone number already in use")
		}
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Store.AttachUserToBusiness(ctx, sess.UserID, b.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.deps.Store.GetUser(ctx, sess.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.deps.Issuer.Issue(u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Agents != nil {
		if _, err := s.deps.Agents.EnsureAgent(ctx, b.ID); err != nil {
			s.log.Warn("onboarding_agent_failed", "business_id", b.ID, "error", err)
		}
	}
	configured := s.configureNumber(r, b)
	s.log.Info("business_onboarded", "business_id", b.ID, "phone", redact.Phone(b.PhoneNumber))
	s.setSessionCookie(w, token)
	writeJSON(w, http.StatusCreated, onboardResponse{Token: token, Business: b, NumberConfigured: configured})
}

func (s *Server) configureNumber(r *http.Request, b *store.Business) bool {
	if s.deps.Numbers == nil || b.PhoneNumber == "" {
		return false
	}
	if err := s.deps.Numbers.Configure(r.Context(), b.PhoneNumber); err != nil {
		s.log.Warn("number_configure_failed", "business_id", b.ID, "phone", redact.Phone(b.PhoneNumber),
			"reason", errorsx.Reason(err), "error", err)
		return false
	}
	return true
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Store.GetBusiness(r.Context(), session(r).BusinessID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in businessInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.deps.Store.GetBusiness(ctx, session(r).BusinessID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	oldPhone := b.PhoneNumber
	if err := in.apply(b); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Store.UpdateBusiness(ctx, b); err != nil {
		if errorsx.HasReason(err, errorsx.ReasonConflict) {
			err = errorsx.New(errorsx.ReasonConflict, "phone number already in use")
		}
		s.writeError(w, r, err)
		return
	}
	if b.PhoneNumber != oldPhone {
		s.configureNumber(r, b)
	}
	writeJSON(w, http.StatusOK, b)
}
