package api

import (
	"net/http"
	"time"

	"github.com/harunnryd/ringdesk/pkg/store"
)

const maxDailyWindow = 365

func (s *Server) adminStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) adminBusinesses(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListBusinesses(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []store.BusinessOverview{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"businesses": list})
}

func (s *Server) adminCallsPerDay(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	if days == 0 {
		days = 1
	}
	if days > maxDailyWindow {
		days = maxDailyWindow
	}
	since := s.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -(days - 1))
	rows, err := s.deps.Store.CallsPerDay(r.Context(), since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []store.DailyCalls{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since, "days": rows})
}

func (s *Server) adminPlans(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Store.PlanBreakdown(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if counts == nil {
		counts = []store.PlanCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakdown": counts, "plans": s.plans()})
}
