package llm

import (
	"context"

	"knowledge-base/internal/summarize"
)

// Client is a minimal LLM interface to allow pluggable providers.
type Client interface {
	// Summarize returns a short summary of text and its key points.
	Summarize(ctx context.Context, text string) (string, []string, error)
}

// Extractive summarizes locally: the lead sentences plus the top keywords.
type Extractive struct {
	MaxWords  int
	KeyPoints int
}

func NewExtractive() *Extractive {
	return &Extractive{MaxWords: summarize.DefaultLeadWords, KeyPoints: summarize.DefaultTagCount}
}

func (e *Extractive) Summarize(ctx context.Context, text string) (string, []string, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return summarize.Lead(text, e.MaxWords), summarize.Tags(text, e.KeyPoints), nil
}
