// Package app assembles the service from configuration and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/agents"
	"github.com/harunnryd/ringdesk/pkg/api"
	"github.com/harunnryd/ringdesk/pkg/auth"
	"github.com/harunnryd/ringdesk/pkg/billing"
	"github.com/harunnryd/ringdesk/pkg/calls"
	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/llm"
	"github.com/harunnryd/ringdesk/pkg/logging"
	"github.com/harunnryd/ringdesk/pkg/metrics"
	"github.com/harunnryd/ringdesk/pkg/notify"
	"github.com/harunnryd/ringdesk/pkg/providers/deepgram"
	"github.com/harunnryd/ringdesk/pkg/providers/elevenlabs"
	"github.com/harunnryd/ringdesk/pkg/providers/openai"
	"github.com/harunnryd/ringdesk/pkg/providers/uploadthing"
	"github.com/harunnryd/ringdesk/pkg/redact"
	"github.com/harunnryd/ringdesk/pkg/resilience"
	"github.com/harunnryd/ringdesk/pkg/store"
	"github.com/harunnryd/ringdesk/pkg/telephony/twilio"
	"github.com/harunnryd/ringdesk/pkg/tracing"
	"golang.org/x/sync/errgroup"
)

// Version is stamped at build time.
var Version = "dev"

const (
	observerBuffer = 2048
	httpTimeout    = 30 * time.Second
)

// App is the running service: store, background workers and HTTP server.
type App struct {
	cfg   config.Config
	log   *slog.Logger
	store *store.Store
	obs   *metrics.AsyncObserver
	audit io.Closer
	hub   *notify.Hub
	queue *calls.SummaryQueue
	tw    *twilio.Webhooks
	srv   *http.Server

	traceShutdown tracing.ShutdownFunc

	group     *errgroup.Group
	stopQueue context.CancelFunc
	stopSweep context.CancelFunc
}

// New opens the store and builds every component enabled in cfg.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)
	log.Info("ringdesk_init",
		"environment", cfg.Environment,
		"version", Version,
		"twilio", cfg.Integrations.Twilio.Enabled,
		"elevenlabs", cfg.Integrations.ElevenLabs.Enabled,
		"openai", cfg.Integrations.OpenAI.Enabled,
		"polar", cfg.Integrations.Polar.Enabled,
		"uploadthing", cfg.Integrations.UploadThing.Enabled,
		"deepgram", cfg.Integrations.Deepgram.Enabled,
	)

	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.closeResources(context.Background())
		}
	}()

	shutdown, err := tracing.Setup(tracing.Config{
		Exporter:    cfg.Observability.Tracing,
		ServiceName: "ringdesk",
		Version:     Version,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, err
	}
	a.traceShutdown = shutdown

	if err := a.buildObserver(); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.store = st

	handler, err := a.build()
	if err != nil {
		return nil, err
	}
	a.srv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ok = true
	return a, nil
}

func (a *App) buildObserver() error {
	list := []metrics.Observer{metrics.NewLoggerObserver(logging.NewComponentLogger(a.log, "metrics"))}
	if path := strings.TrimSpace(a.cfg.Observability.AuditLog); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create audit log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		a.audit = f
		list = append(list, metrics.NewJSONLObserver(f))
	}
	a.obs = metrics.NewAsyncObserver(metrics.NewMultiObserver(list...), observerBuffer)
	return nil
}

// build wires the domain services and returns the HTTP handler.
func (a *App) build() (http.Handler, error) {
	cfg := a.cfg
	integ := cfg.Integrations
	httpClient := &http.Client{Timeout: httpTimeout}
	component := func(name string) *slog.Logger { return logging.NewComponentLogger(a.log, name) }

	enforcer := billing.NewEnforcer(a.store, billing.Policy{
		Grace:            cfg.Billing.GracePeriod(),
		NearLimitPercent: cfg.Billing.NearLimitPercent,
	}, a.obs, component("billing"))
	catalog := billing.CatalogFromConfig(cfg.Billing)
	a.hub = notify.NewHub(cfg.Server.AllowedOrigins, component("notify"))

	deps := api.Deps{
		Store:    a.store,
		Issuer:   auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL()),
		Enforcer: enforcer,
		Catalog:  catalog,
		Hub:      a.hub,
		Logger:   component("api"),
	}

	if integ.Polar.Enabled {
		ps, err := integ.PolarSettings()
		if err != nil {
			return nil, err
		}
		deps.Checkout = billing.NewPolarClient(ps, httpClient)
		deps.PolarWebhook = billing.NewWebhooks(a.store, catalog, ps.WebhookSecret, a.obs, component("polar"))
	}

	summarizer, err := a.summarizer()
	if err != nil {
		return nil, err
	}
	summaries := calls.NewSummaries(a.store, summarizer, cfg.Summary.MaxTranscriptChars, a.obs, component("summaries"))
	deps.Summaries = summaries
	a.queue = calls.NewSummaryQueue(summaries, calls.QueueOptions{
		Workers:   cfg.Summary.Workers,
		QueueSize: cfg.Summary.QueueSize,
		Retry:     resilience.NewRetryPolicy(cfg.Summary.Retries, time.Duration(cfg.Summary.RetryBackoffMS)*time.Millisecond),
	}, component("summary_queue"))

	callSvc := calls.NewService(calls.Deps{
		Store:     a.store,
		Usage:     enforcer,
		Queue:     a.queue,
		Publisher: a.hub,
		Observer:  a.obs,
		Logger:    component("calls"),
	})

	var agentSvc *agents.Service
	if integ.ElevenLabs.Enabled {
		es, err := integ.ElevenLabsSettings()
		if err != nil {
			return nil, err
		}
		agentSvc = agents.NewService(a.store, elevenlabs.NewClient(es, httpClient), agents.Options{
			PublicURL:      cfg.Server.PublicURL,
			ToolSecret:     cfg.Auth.ToolSecret,
			DefaultVoiceID: es.DefaultVoiceID,
			Language:       es.Language,
		}, a.obs, component("agents"))
		deps.Agents = agentSvc
		deps.Tools = agents.NewToolRegistry(a.store)
		deps.ElevenLabsWebhook = calls.NewPostCallWebhook(callSvc, es.WebhookSecret)
	}

	if integ.Twilio.Enabled {
		ts, err := integ.TwilioSettings()
		if err != nil {
			return nil, err
		}
		deps.Numbers = twilio.NewNumberConfigurator(ts, cfg.Server.PublicURL)
		if agentSvc == nil {
			a.log.Warn("twilio_webhooks_disabled", "reason", "elevenlabs integration is off")
		} else {
			vm, err := a.voicemail(callSvc, ts, httpClient)
			if err != nil {
				return nil, err
			}
			validate := true
			if ts.ValidateSignatures != nil {
				validate = *ts.ValidateSignatures
			}
			a.tw = twilio.NewWebhooks(twilio.WebhookOptions{
				AuthToken:          ts.AuthToken,
				PublicURL:          cfg.Server.PublicURL,
				ValidateSignatures: validate,
				Voicemail: twilio.VoicemailOptions{
					Enabled:       cfg.Voicemail.Enabled,
					MaxLengthSecs: cfg.Voicemail.MaxLengthSecs,
					Prompt:        cfg.Voicemail.Prompt,
					BlockedPrompt: cfg.Voicemail.BlockedPrompt,
				},
			}, twilio.WebhookDeps{
				Businesses: a.store,
				Gate:       enforcer,
				Calls:      callSvc,
				Answerer:   agentSvc,
				Voicemail:  vm,
				Logger:     component("twilio"),
			})
			deps.Twilio = a.tw
		}
	}

	srv := api.NewServer(deps, api.Options{
		CookieName:         cfg.Auth.CookieName,
		SecureCookies:      strings.HasPrefix(cfg.Server.PublicURL, "https://"),
		ToolSecret:         cfg.Auth.ToolSecret,
		CheckoutSuccessURL: cfg.Billing.SuccessURL,
	})
	return srv.Router(), nil
}

// summarizer returns the LLM summarizer guarded by retries and a circuit
// breaker, or nil so summaries fall back to the extractive one.
func (a *App) summarizer() (llm.Summarizer, error) {
	if !a.cfg.Integrations.OpenAI.Enabled {
		return nil, nil
	}
	settings, err := a.cfg.Integrations.OpenAISettings()
	if err != nil {
		return nil, err
	}
	retrying := llm.NewRetryingSummarizer(openai.NewSummarizer(settings), llm.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    4 * time.Second,
		Jitter:      0.2,
	})
	breaker := llm.NewCircuitBreakerSummarizer(retrying, resilience.NewCircuitBreaker(3, 30*time.Second))
	breaker.SetObserver(a.obs)
	return breaker, nil
}

func (a *App) voicemail(svc *calls.Service, ts config.TwilioSettings, httpClient *http.Client) (twilio.VoicemailProcessor, error) {
	if !a.cfg.Voicemail.Enabled {
		return nil, nil
	}
	integ := a.cfg.Integrations
	var (
		uploader    calls.Uploader
		transcriber calls.Transcriber
	)
	if integ.UploadThing.Enabled {
		us, err := integ.UploadThingSettings()
		if err != nil {
			return nil, err
		}
		uploader = uploadthing.NewClient(us, httpClient)
	}
	if integ.Deepgram.Enabled {
		ds, err := integ.DeepgramSettings()
		if err != nil {
			return nil, err
		}
		transcriber = deepgram.New(ds)
	}
	return calls.NewVoicemail(svc, twilio.NewRecordingFetcher(ts, httpClient), uploader, transcriber), nil
}

// Start binds the listener and launches the HTTP server and summary workers.
// The returned context is cancelled when ctx ends or a component fails.
func (a *App) Start(ctx context.Context) (context.Context, error) {
	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", a.srv.Addr, err)
	}
	g, gctx := errgroup.WithContext(ctx)
	queueCtx, stopQueue := context.WithCancel(context.WithoutCancel(ctx))
	sweepCtx, stopSweep := context.WithCancel(gctx)
	a.group, a.stopQueue, a.stopSweep = g, stopQueue, stopSweep

	g.Go(func() error {
		return a.queue.Run(queueCtx)
	})
	g.Go(func() error {
		a.sweepSummaries(sweepCtx)
		return nil
	})
	g.Go(func() error {
		a.log.Info("http_listening", "addr", ln.Addr().String())
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stopQueue()
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	return gctx, nil
}

// sweepSummaries re-queues calls missing a summary at startup and then on
// every sweep interval until ctx ends.
func (a *App) sweepSummaries(ctx context.Context) {
	interval := a.cfg.Summary.SweepInterval()
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.queue.Backfill(ctx, a.store); err != nil && ctx.Err() == nil {
			a.log.Warn("summary_backfill_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain stops accepting work and waits for in-flight calls, recordings and
// summaries before releasing resources.
func (a *App) Drain() error {
	timeout := a.cfg.Server.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.hub.Close()
	var errs []error
	if err := a.srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.tw != nil {
		a.tw.Wait()
	}
	if a.stopSweep != nil {
		a.stopSweep()
	}
	if err := a.queue.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("summary queue: %w", err))
	}
	if a.group != nil {
		a.stopQueue()
		if err := a.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, a.closeResources(ctx)...)
	a.log.Info("ringdesk_stopped")
	return errors.Join(errs...)
}

func (a *App) closeResources(ctx context.Context) []error {
	var errs []error
	if a.obs != nil {
		a.obs.Close()
		if dropped := a.obs.Dropped(); dropped > 0 {
			a.log.Warn("metrics_events_dropped", "count", dropped)
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
	}
	if a.traceShutdown != nil {
		if err := a.traceShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errs
}

// Handler exposes the routed handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.srv.Handler }
