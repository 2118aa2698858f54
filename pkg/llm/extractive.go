package llm

import (
	"context"
	"strings"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
)

// ExtractiveSummarizer builds a summary from the last caller and agent turns.
// It is used when no LLM provider is configured.
type ExtractiveSummarizer struct {
	MaxChars int
}

func (ExtractiveSummarizer) Name() string { return "extractive" }

func (e ExtractiveSummarizer) Summarize(_ context.Context, t Transcript) (Summary, error) {
	var lastCaller, lastAgent string
	lines := strings.Split(t.Text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if lastCaller == "" {
			if text, ok := strings.CutPrefix(line, "Caller:"); ok {
				lastCaller = strings.TrimSpace(text)
			}
		}
		if lastAgent == "" {
			if text, ok := strings.CutPrefix(line, "Agent:"); ok {
				lastAgent = strings.TrimSpace(text)
			}
		}
		if lastCaller != "" && lastAgent != "" {
			break
		}
	}
	if lastCaller == "" && lastAgent == "" {
		return Summary{}, errorsx.New(errorsx.ReasonEmptyTranscript, "transcript has no turns")
	}
	var b strings.Builder
	if lastCaller != "" {
		b.WriteString("Caller said: ")
		b.WriteString(lastCaller)
	}
	if lastAgent != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("Agent replied: ")
		b.WriteString(lastAgent)
	}
	text := b.String()
	max := e.MaxChars
	if max <= 0 {
		max = 600
	}
	if len(text) > max {
		text = strings.TrimSpace(text[:max])
	}
	return Summary{Text: text, Model: "extractive"}, nil
}
