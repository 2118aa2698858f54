package llm

import "context"

// Transcript is the formatted conversation handed to a summarizer.
type Transcript struct {
	CallID       string
	BusinessName string
	Language     string
	// Text holds one "Caller: ..." or "Agent: ..." line per turn.
	Text string
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Summary struct {
	Text         string
	Model        string
	FinishReason string
	Usage        Usage
}

// Summarizer turns a call transcript into a short note for the business owner.
type Summarizer interface {
	Summarize(ctx context.Context, t Transcript) (Summary, error)
	Name() string
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, t Transcript) (Summary, error)

func (f SummarizerFunc) Summarize(ctx context.Context, t Transcript) (Summary, error) {
	return f(ctx, t)
}

func (f SummarizerFunc) Name() string { return "func" }
