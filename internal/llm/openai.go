package llm

import (
	"context"
	"errors"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// OpenAI completes prompts with an OpenAI-compatible chat endpoint.
type OpenAI struct {
	llm       *openai.LLM
	maxTokens int
}

// NewOpenAI creates an OpenAI completer.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, errors.New("openai API key required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	opts := []openai.Option{
		openai.WithToken(cfg.OpenAIAPIKey),
		openai.WithModel(model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return &OpenAI{llm: client, maxTokens: maxTokens}, nil
}

// Complete implements Completer.
func (o *OpenAI) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	resp, err := o.llm.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, prompt)},
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(o.maxTokens),
	)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Content, nil
}
