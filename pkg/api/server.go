// Package api exposes the dashboard, admin and webhook HTTP surface.
package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/harunnryd/ringdesk/pkg/agents"
	"github.com/harunnryd/ringdesk/pkg/auth"
	"github.com/harunnryd/ringdesk/pkg/billing"
	"github.com/harunnryd/ringdesk/pkg/notify"
	"github.com/harunnryd/ringdesk/pkg/providers/elevenlabs"
	"github.com/harunnryd/ringdesk/pkg/store"
	"github.com/harunnryd/ringdesk/pkg/telephony/twilio"
	"github.com/harunnryd/ringdesk/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// AgentService manages per-business voice agents.
type AgentService interface {
	Get(ctx context.Context, businessID string) (*store.AgentConfig, error)
	Update(ctx context.Context, businessID string, u agents.Update) (*store.AgentConfig, error)
	SetVoice(ctx context.Context, businessID, voiceID string) (*store.AgentConfig, error)
	ListVoices(ctx context.Context) ([]elevenlabs.Voice, error)
	EnsureAgent(ctx context.Context, businessID string) (*store.AgentConfig, error)
	WebCallURL(ctx context.Context, businessID string) (string, error)
}

type Checkout interface {
	CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (string, error)
	CreateCustomerSession(ctx context.Context, customerID string) (string, error)
}

type SummaryGenerator interface {
	Generate(ctx context.Context, callID string) (string, error)
}

type ToolHandler interface {
	HandleTool(ctx context.Context, name, businessID string, args map[string]any) (map[string]any, error)
}

// NumberConfigurator points a business number at the voice webhooks.
type NumberConfigurator interface {
	Configure(ctx context.Context, phone string) error
}

// Deps wires the server. Integrations that are switched off stay nil and
// their endpoints answer 503.
type Deps struct {
	Store     *store.Store
	Issuer    *auth.Issuer
	Enforcer  *billing.Enforcer
	Catalog   *billing.Catalog
	Checkout  Checkout
	Agents    AgentService
	Tools     ToolHandler
	Summaries SummaryGenerator
	Hub       *notify.Hub
	Numbers   NumberConfigurator

	PolarWebhook      http.Handler
	ElevenLabsWebhook http.Handler
	Twilio            *twilio.Webhooks

	Logger *slog.Logger
}

type Options struct {
	CookieName    string
	SecureCookies bool
	ToolSecret    string
	// CheckoutSuccessURL is where Polar sends the customer after paying.
	CheckoutSuccessURL string
}

type Server struct {
	deps Deps
	opts Options
	log  *slog.Logger
	now  func() time.Time
}

func NewServer(deps Deps, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.CookieName == "" {
		opts.CookieName = "ringdesk_session"
	}
	return &Server{deps: deps, opts: opts, log: deps.Logger, now: time.Now}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverer, s.requestLogger)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "route not found", Reason: "not_found"})
	})

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	pub := r.PathPrefix("/api/auth").Subrouter()
	pub.HandleFunc("/register", s.register).Methods(http.MethodPost)
	pub.HandleFunc("/login", s.login).Methods(http.MethodPost)
	pub.HandleFunc("/logout", s.logout).Methods(http.MethodPost)

	dash := r.PathPrefix("/api").Subrouter()
	dash.Use(s.deps.Issuer.Middleware(s.opts.CookieName))
	dash.HandleFunc("/me", s.me).Methods(http.MethodGet)
	dash.HandleFunc("/onboarding", s.onboard).Methods(http.MethodPost)

	biz := dash.NewRoute().Subrouter()
	biz.Use(requireBusiness)
	biz.HandleFunc("/settings", s.getSettings).Methods(http.MethodGet)
	biz.HandleFunc("/settings", s.updateSettings).Methods(http.MethodPut)
	biz.HandleFunc("/calls", s.listCalls).Methods(http.MethodGet)
	biz.HandleFunc("/calls/{id}", s.getCall).Methods(http.MethodGet)
	biz.HandleFunc("/calls/{id}/summary", s.regenerateSummary).Methods(http.MethodPost)
	biz.HandleFunc("/agent", s.getAgent).Methods(http.MethodGet)
	biz.HandleFunc("/agent", s.updateAgent).Methods(http.MethodPut)
	biz.HandleFunc("/agent/voice", s.setVoice).Methods(http.MethodPut)
	biz.HandleFunc("/agent/web-call", s.webCall).Methods(http.MethodPost)
	biz.HandleFunc("/voices", s.listVoices).Methods(http.MethodGet)
	biz.HandleFunc("/billing", s.billingStatus).Methods(http.MethodGet)
	biz.HandleFunc("/billing/checkout", s.checkout).Methods(http.MethodPost)
	biz.HandleFunc("/billing/portal", s.portal).Methods(http.MethodPost)
	biz.HandleFunc("/messages", s.listMessages).Methods(http.MethodGet)
	biz.HandleFunc("/ws", s.websocket).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.deps.Issuer.Middleware(s.opts.CookieName), auth.RequireRole(store.RoleAdmin))
	admin.HandleFunc("/stats", s.adminStats).Methods(http.MethodGet)
	admin.HandleFunc("/businesses", s.adminBusinesses).Methods(http.MethodGet)
	admin.HandleFunc("/calls/daily", s.adminCallsPerDay).Methods(http.MethodGet)
	admin.HandleFunc("/plans", s.adminPlans).Methods(http.MethodGet)

	if s.deps.PolarWebhook != nil {
		r.Handle("/webhooks/polar", s.deps.PolarWebhook).Methods(http.MethodPost)
	}
	if s.deps.ElevenLabsWebhook != nil {
		r.Handle("/webhooks/elevenlabs", s.deps.ElevenLabsWebhook).Methods(http.MethodPost)
	}
	if tw := s.deps.Twilio; tw != nil {
		r.HandleFunc(twilio.VoicePath, tw.Voice).Methods(http.MethodPost)
		r.HandleFunc(twilio.StatusPath, tw.Status).Methods(http.MethodPost)
		r.HandleFunc(twilio.RecordingPath, tw.Recording).Methods(http.MethodPost)
		r.HandleFunc(twilio.HangupPath, tw.Hangup).Methods(http.MethodPost)
	}
	r.HandleFunc("/tools/{name}", s.tool).Methods(http.MethodPost)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		ctx, span := tracing.Start(r.Context(), r.Method+" "+route,
			attribute.String("http.method", r.Method), attribute.String("http.route", route))
		defer span.End()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		s.log.Debug("http_request", "method", r.Method, "route", route, "status", rec.status,
			"duration_ms", s.now().Sub(start).Milliseconds())
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error("http_panic", "path", r.URL.Path, "panic", v)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Reason: "unknown"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
