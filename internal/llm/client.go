// Package llm adapts hosted language models to the single-prompt completion
// call the implication pipeline needs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	openai "github.com/sashabaranov/go-openai"

	"github.com/stellarlinkco/chatpulse/internal/config"
)

// ErrOffline is returned by the offline client for every call.
var ErrOffline = errors.New("llm: offline")

// Client completes a single user prompt.
type Client interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

func (fn ClientFunc) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return fn(ctx, prompt, maxTokens)
}

// Offline never reaches a model, so every pipeline stage takes its fallback.
var Offline = ClientFunc(func(context.Context, string, int) (string, error) {
	return "", ErrOffline
})

// ProviderClient completes prompts through an agentsdk-go model provider.
type ProviderClient struct {
	provider model.Provider
}

func NewProviderClient(provider model.Provider) *ProviderClient {
	return &ProviderClient{provider: provider}
}

func (c *ProviderClient) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if c.provider == nil {
		return "", errors.New("llm: provider is nil")
	}
	mdl, err := c.provider.Model(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve model: %w", err)
	}
	resp, err := mdl.Complete(ctx, model.Request{
		Messages:  []model.Message{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	if resp == nil {
		return "", errors.New("llm: nil response")
	}
	content := strings.TrimSpace(resp.Message.Content)
	if content == "" {
		return "", errors.New("llm: empty content in response")
	}
	return content, nil
}

// OpenAICompatClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAICompatClient struct {
	client      *openai.Client
	model       string
	temperature float32
}

func NewOpenAICompatClient(apiKey, baseURL, modelName string) *OpenAICompatClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompatClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       modelName,
		temperature: 0.3,
	}
}

func (c *OpenAICompatClient) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		}},
		MaxTokens:   maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: empty choices in response")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("llm: empty content in response")
	}
	return content, nil
}

// Limited bounds concurrent calls to the wrapped client and applies a
// per-call timeout.
type Limited struct {
	next    Client
	sem     chan struct{}
	timeout time.Duration
}

func NewLimited(next Client, maxConcurrent int, timeout time.Duration) *Limited {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limited{
		next:    next,
		sem:     make(chan struct{}, maxConcurrent),
		timeout: timeout,
	}
}

func (l *Limited) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-l.sem }()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	return l.next.Complete(ctx, prompt, maxTokens)
}

// NewClient builds the configured client wrapped in a concurrency limit.
func NewClient(cfg *config.Config) (Client, error) {
	var base Client
	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Type)) {
	case config.ProviderOffline:
		return Offline, nil
	case config.ProviderOpenAI:
		if cfg.Provider.APIKey == "" {
			return nil, errors.New("llm: api key is required")
		}
		base = NewProviderClient(&model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Classifier.Model,
			MaxTokens: cfg.Classifier.MaxTokens,
		})
	case config.ProviderOpenAICompat:
		if cfg.Provider.BaseURL == "" {
			return nil, errors.New("llm: base url is required for openai-compat")
		}
		base = NewOpenAICompatClient(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Classifier.Model)
	case "", config.ProviderAnthropic:
		if cfg.Provider.APIKey == "" {
			return nil, errors.New("llm: api key is required")
		}
		base = NewProviderClient(&model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Classifier.Model,
			MaxTokens: cfg.Classifier.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("llm: unknown provider type %q", cfg.Provider.Type)
	}

	timeout := config.Duration(cfg.Classifier.Timeout, 30*time.Second)
	return NewLimited(base, cfg.Classifier.MaxConcurrent, timeout), nil
}
