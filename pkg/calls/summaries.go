package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/llm"
	"github.com/harunnryd/ringdesk/pkg/metrics"
	"github.com/harunnryd/ringdesk/pkg/store"
	"github.com/harunnryd/ringdesk/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const DefaultMaxTranscriptChars = 24000

// SummaryStore is the persistence summary generation needs.
type SummaryStore interface {
	GetCall(ctx context.Context, id string) (*store.Call, error)
	ListCallLogs(ctx context.Context, callID string) ([]store.CallLog, error)
	GetBusiness(ctx context.Context, id string) (*store.Business, error)
	GetAgentConfig(ctx context.Context, businessID string) (*store.AgentConfig, error)
	SetCallSummary(ctx context.Context, callID, summary string) error
}

// Summaries turns stored call logs into a persisted summary.
type Summaries struct {
	store      SummaryStore
	summarizer llm.Summarizer
	maxChars   int
	obs        metrics.Observer
	log        *slog.Logger
}

func NewSummaries(st SummaryStore, summarizer llm.Summarizer, maxChars int, obs metrics.Observer, log *slog.Logger) *Summaries {
	if maxChars <= 0 {
		maxChars = DefaultMaxTranscriptChars
	}
	if summarizer == nil {
		summarizer = llm.ExtractiveSummarizer{}
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Summaries{store: st, summarizer: summarizer, maxChars: maxChars, obs: obs, log: log}
}

// Generate summarizes a call and stores the result. A call without caller or
// agent turns fails with the empty_transcript reason.
func (s *Summaries) Generate(ctx context.Context, callID string) (summary string, err error) {
	ctx, span := tracing.Start(ctx, "summary.generate", attribute.String("call_id", callID))
	defer func() { tracing.End(span, err) }()

	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return "", fmt.Errorf("load call: %w", err)
	}
	logs, err := s.store.ListCallLogs(ctx, callID)
	if err != nil {
		return "", fmt.Errorf("load call logs: %w", err)
	}
	text := FormatTranscript(logs, s.maxChars)
	if text == "" {
		return "", errorsx.New(errorsx.ReasonEmptyTranscript, "call %s has no transcript", callID)
	}

	in := llm.Transcript{CallID: call.ID, Language: "en", Text: text}
	if b, err := s.store.GetBusiness(ctx, call.BusinessID); err == nil {
		in.BusinessName = b.Name
	}
	if cfg, err := s.store.GetAgentConfig(ctx, call.BusinessID); err == nil && cfg.Language != "" {
		in.Language = cfg.Language
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("summary_agent_config_failed", "call_id", callID, "error", err)
	}

	start := time.Now()
	out, err := s.summarizer.Summarize(ctx, in)
	if err != nil {
		metrics.Record(s.obs, metrics.EventSummaryFailed, 1, map[string]string{
			"provider": s.summarizer.Name(),
			"reason":   string(errorsx.Reason(err)),
		})
		return "", fmt.Errorf("summarize call %s: %w", callID, err)
	}
	if err := s.store.SetCallSummary(ctx, callID, out.Text); err != nil {
		return "", fmt.Errorf("save summary: %w", err)
	}
	metrics.Record(s.obs, metrics.EventSummaryGenerated, float64(time.Since(start).Milliseconds()), map[string]string{
		"provider": s.summarizer.Name(),
		"model":    out.Model,
	})
	s.log.Info("summary_generated", "call_id", callID, "provider", s.summarizer.Name(),
		"total_tokens", out.Usage.TotalTokens)
	return out.Text, nil
}
