package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/harunnryd/ringdesk/pkg/auth"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
)

const maxBody = 1 << 20

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

var (
	errUnavailable = errorsx.New(errorsx.ReasonUnavailable, "integration not configured")
	errEmptyBody   = errorsx.New(errorsx.ReasonValidation, "request body is empty")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status through its reason. Server-side failures
// are logged and their message hidden.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorsx.HTTPStatus(err)
	reason := errorsx.Reason(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("http_error", "method", r.Method, "path", r.URL.Path, "reason", reason, "error", err)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: msg, Reason: string(reason)})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return errorsx.Wrap(fmt.Errorf("invalid json: %w", err), errorsx.ReasonValidation)
	}
	return nil
}

func session(r *http.Request) auth.Session {
	sess, _ := auth.FromContext(r.Context())
	return sess
}

// requireBusiness rejects sessions that have not finished onboarding.
func requireBusiness(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if session(r).BusinessID == "" {
			writeJSON(w, http.StatusConflict, errorBody{Error: "onboarding not completed", Reason: string(errorsx.ReasonConflict)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
