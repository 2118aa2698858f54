package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/llm"
	"github.com/harunnryd/ringdesk/pkg/resilience"
	goopenai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const systemPrompt = `You summarise phone calls answered by an AI receptionist on behalf of a small business.
Write 2-4 plain sentences for the business owner: who called, what they wanted, any details they left
(names, numbers, dates, times) and what follow-up the business needs to do. Do not invent details.
If the caller left no actionable request, say so in one sentence.`

var tracer = otel.Tracer("github.com/harunnryd/ringdesk/pkg/providers/openai")

// Summarizer implements llm.Summarizer on the chat completions API.
type Summarizer struct {
	client    *goopenai.Client
	model     string
	maxTokens int
}

func NewSummarizer(s config.OpenAISettings) *Summarizer {
	cfg := goopenai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	model := s.Model
	if model == "" {
		model = goopenai.GPT4oMini
	}
	return &Summarizer{client: goopenai.NewClientWithConfig(cfg), model: model, maxTokens: s.MaxTokens}
}

func (s *Summarizer) Name() string { return "openai" }

func (s *Summarizer) Summarize(ctx context.Context, t llm.Transcript) (llm.Summary, error) {
	if strings.TrimSpace(t.Text) == "" {
		return llm.Summary{}, errorsx.New(errorsx.ReasonEmptyTranscript, "call %s has no transcript", t.CallID)
	}
	ctx, span := tracer.Start(ctx, "openai.summarize")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", s.model), attribute.String("call.id", t.CallID))

	resp, err := s.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: 0.2,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: userPrompt(t)},
		},
	})
	if err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llm.Summary{}, err
	}
	if len(resp.Choices) == 0 {
		return llm.Summary{}, errorsx.New(errorsx.ReasonLLMGenerate, "openai returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return llm.Summary{}, errorsx.New(errorsx.ReasonLLMGenerate, "openai returned an empty summary")
	}
	span.SetAttributes(attribute.Int("llm.total_tokens", resp.Usage.TotalTokens))
	return llm.Summary{
		Text:         text,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func userPrompt(t llm.Transcript) string {
	var b strings.Builder
	if t.BusinessName != "" {
		fmt.Fprintf(&b, "Business: %s\n", t.BusinessName)
	}
	if t.Language != "" {
		fmt.Fprintf(&b, "Write the summary in language: %s\n", t.Language)
	}
	b.WriteString("Transcript:\n")
	b.WriteString(t.Text)
	return b.String()
}

func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "openai", Message: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "openai", Message: reqErr.Error()}
	}
	return errorsx.Wrap(fmt.Errorf("openai chat completion: %w", err), errorsx.ReasonLLMGenerate)
}
