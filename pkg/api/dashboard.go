package api

import (
	"crypto/hmac"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/harunnryd/ringdesk/pkg/agents"
	"github.com/harunnryd/ringdesk/pkg/billing"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/store"
)

type callList struct {
	Calls []store.Call `json:"calls"`
	Total int          `json:"total"`
}

func (s *Server) listCalls(w http.ResponseWriter, r *http.Request) {
	f := store.CallFilter{
		Status: store.CallStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	list, total, err := s.deps.Store.ListCalls(r.Context(), session(r).BusinessID, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []store.Call{}
	}
	writeJSON(w, http.StatusOK, callList{Calls: list, Total: total})
}

type callDetail struct {
	*store.Call
	Logs []store.CallLog `json:"logs"`
}

// ownedCall loads a call and hides calls of other businesses as not found.
func (s *Server) ownedCall(r *http.Request) (*store.Call, error) {
	call, err := s.deps.Store.GetCall(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if call.BusinessID != session(r).BusinessID {
		return nil, store.ErrNotFound
	}
	return call, nil
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.ownedCall(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logs, err := s.deps.Store.ListCallLogs(r.Context(), call.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []store.CallLog{}
	}
	writeJSON(w, http.StatusOK, callDetail{Call: call, Logs: logs})
}

func (s *Server) regenerateSummary(w http.ResponseWriter, r *http.Request) {
	call, err := s.ownedCall(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Summaries == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	summary, err := s.deps.Summaries.Generate(r.Context(), call.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": call.ID, "summary": summary})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Store.ListMessages(r.Context(), session(r).BusinessID, queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	s.deps.Hub.Serve(w, r, session(r).BusinessID)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	cfg, err := s.deps.Agents.Get(r.Context(), session(r).BusinessID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) updateAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	var in agents.Update
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.deps.Agents.Update(r.Context(), session(r).BusinessID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) setVoice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	var in struct {
		VoiceID string `json:"voice_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.deps.Agents.SetVoice(r.Context(), session(r).BusinessID, strings.TrimSpace(in.VoiceID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) listVoices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	voices, err := s.deps.Agents.ListVoices(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

func (s *Server) webCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	bid := session(r).BusinessID
	if _, err := s.deps.Enforcer.CheckCallAllowed(r.Context(), bid); err != nil {
		s.writeError(w, r, err)
		return
	}
	url, err := s.deps.Agents.WebCallURL(r.Context(), bid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signed_url": url})
}

type billingResponse struct {
	Subscription *store.Subscription `json:"subscription"`
	Verdict      billing.Verdict     `json:"verdict"`
	Plans        []billing.Plan      `json:"plans"`
}

func (s *Server) billingStatus(w http.ResponseWriter, r *http.Request) {
	sub, verdict, err := s.deps.Enforcer.Status(r.Context(), session(r).BusinessID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, billingResponse{Subscription: sub, Verdict: verdict, Plans: s.plans()})
}

func (s *Server) plans() []billing.Plan {
	if s.deps.Catalog == nil {
		return []billing.Plan{}
	}
	return s.deps.Catalog.Plans()
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkout == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	var in struct {
		ProductID string `json:"product_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Catalog != nil {
		if _, ok := s.deps.Catalog.Lookup(in.ProductID); !ok {
			s.writeError(w, r, errorsx.New(errorsx.ReasonValidation, "unknown product %q", in.ProductID))
			return
		}
	}
	sess := session(r)
	req := billing.CheckoutRequest{ProductID: in.ProductID, BusinessID: sess.BusinessID, SuccessURL: s.opts.CheckoutSuccessURL}
	if u, err := s.deps.Store.GetUser(r.Context(), sess.UserID); err == nil {
		req.Email = u.Email
	}
	url, err := s.deps.Checkout.CreateCheckout(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) portal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkout == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	sub, _, err := s.deps.Enforcer.Status(r.Context(), session(r).BusinessID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sub == nil || sub.PolarCustomerID == "" {
		s.writeError(w, r, errorsx.New(errorsx.ReasonNotFound, "no billing customer yet"))
		return
	}
	url, err := s.deps.Checkout.CreateCustomerSession(r.Context(), sub.PolarCustomerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// tool serves the webhook tools the voice agent calls mid-conversation.
func (s *Server) tool(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil || s.opts.ToolSecret == "" {
		s.writeError(w, r, errUnavailable)
		return
	}
	got := r.Header.Get(agents.ToolSecretHeader)
	if !hmac.Equal([]byte(got), []byte(s.opts.ToolSecret)) {
		s.writeError(w, r, errorsx.New(errorsx.ReasonUnauthorized, "bad tool secret"))
		return
	}
	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		s.writeError(w, r, errorsx.New(errorsx.ReasonValidation, "business_id is required"))
		return
	}
	args := map[string]any{}
	if err := decodeJSON(r, &args); err != nil && !errors.Is(err, errEmptyBody) {
		s.writeError(w, r, err)
		return
	}
	out, err := s.deps.Tools.HandleTool(r.Context(), mux.Vars(r)["name"], businessID, args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
