package deepgram

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	restinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/logging"
	"github.com/harunnryd/ringdesk/pkg/redact"
	"github.com/harunnryd/ringdesk/pkg/resilience"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/harunnryd/ringdesk/pkg/providers/deepgram")

// Segment is one utterance of a recorded message.
type Segment struct {
	Text      string
	StartSecs float64
}

type Transcript struct {
	Text         string
	Segments     []Segment
	DurationSecs int
}

// Transcriber turns voicemail recordings into text with the prerecorded API.
type Transcriber struct {
	apiKey   string
	model    string
	language string
	retry    resilience.RetryPolicy
	logger   *slog.Logger
}

func New(s config.DeepgramSettings) *Transcriber {
	return &Transcriber{
		apiKey:   s.APIKey,
		model:    s.Model,
		language: s.Language,
		retry:    resilience.NewRetryPolicy(2, 500*time.Millisecond),
		logger:   logging.NewComponentLogger(slog.Default(), "deepgram_prerecorded"),
	}
}

func (t *Transcriber) Name() string { return "deepgram_prerecorded" }

// TranscribeURL transcribes audio Deepgram can fetch from url.
func (t *Transcriber) TranscribeURL(ctx context.Context, url string) (Transcript, error) {
	ctx, span := tracer.Start(ctx, "deepgram.transcribe_url")
	defer span.End()

	opts := &interfaces.PreRecordedTranscriptionOptions{
		Model:       t.model,
		Language:    t.language,
		Punctuate:   true,
		SmartFormat: true,
		Utterances:  true,
	}
	dg := api.New(client.NewREST(t.apiKey, &interfaces.ClientOptions{}))

	var out Transcript
	err := t.retry.Do(ctx, func(ctx context.Context) error {
		res, err := dg.FromURL(ctx, url, opts)
		if err != nil {
			return err
		}
		out = fromResponse(res)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.logger.Error("deepgram_transcribe_failed", slog.String("error", err.Error()))
		return Transcript{}, errorsx.Wrap(fmt.Errorf("deepgram transcribe: %w", err), errorsx.ReasonTranscriber)
	}
	t.logger.Info("deepgram_transcribed",
		slog.Int("duration_secs", out.DurationSecs),
		slog.String("text", redact.Text(truncate(out.Text, 80))))
	return out, nil
}

func fromResponse(res *restinterfaces.PreRecordedResponse) Transcript {
	var out Transcript
	if res == nil || res.Results == nil {
		return out
	}
	if res.Metadata != nil {
		out.DurationSecs = int(math.Ceil(res.Metadata.Duration))
	}
	for _, u := range res.Results.Utterances {
		if text := strings.TrimSpace(u.Transcript); text != "" {
			out.Segments = append(out.Segments, Segment{Text: text, StartSecs: u.Start})
		}
	}
	var parts []string
	for _, ch := range res.Results.Channels {
		if len(ch.Alternatives) == 0 {
			continue
		}
		if text := strings.TrimSpace(ch.Alternatives[0].Transcript); text != "" {
			parts = append(parts, text)
		}
	}
	out.Text = strings.Join(parts, " ")
	if len(out.Segments) == 0 && out.Text != "" {
		out.Segments = []Segment{{Text: out.Text}}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
