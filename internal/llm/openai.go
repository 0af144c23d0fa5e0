package llm

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4o

// OpenAIProvider implements Provider against the OpenAI chat completions API.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAI creates an OpenAI-backed provider.
func NewOpenAI(cfg Config) *OpenAIProvider {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client:    openai.NewClient(cfg.APIKey),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Cause: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: p.Name(), Cause: errors.New("empty completion response")}
	}
	return resp.Choices[0].Message.Content, nil
}
