package llmclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/config"
)

// LangChainClient implements schemas.LLMClient over any langchaingo model.
// It backs the OpenAI-compatible and Ollama providers.
type LangChainClient struct {
	llm    llms.Model
	config config.LLMModelConfig
	logger *zap.Logger
}

// NewOpenAIClient creates a client for OpenAI or any OpenAI-compatible endpoint.
func NewOpenAIClient(cfg config.LLMModelConfig, logger *zap.Logger) (*LangChainClient, error) {
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Endpoint))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	return newLangChainClient(llm, cfg, logger.Named("llm_client.openai")), nil
}

// NewOllamaClient creates a client for a local Ollama server.
func NewOllamaClient(cfg config.LLMModelConfig, logger *zap.Logger) (*LangChainClient, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.Endpoint != "" {
		opts = append(opts, ollama.WithServerURL(cfg.Endpoint))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Ollama client: %w", err)
	}
	return newLangChainClient(llm, cfg, logger.Named("llm_client.ollama")), nil
}

func newLangChainClient(llm llms.Model, cfg config.LLMModelConfig, logger *zap.Logger) *LangChainClient {
	return &LangChainClient{
		llm:    llm,
		config: cfg,
		logger: logger.With(zap.String("model", cfg.Model)),
	}
}

// Generate sends the system contract and context as a two-message chat.
func (c *LangChainClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	var messages []llms.MessageContent
	if req.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.UserPrompt))

	opts := []llms.CallOption{llms.WithTemperature(temperature(req, c.config))}
	if n := maxTokens(req, c.config); n > 0 {
		opts = append(opts, llms.WithMaxTokens(n))
	}
	if req.Options.ForceJSONFormat {
		opts = append(opts, llms.WithJSONMode())
	}

	start := time.Now()
	resp, err := c.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("langchain generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	text := resp.Choices[0].Content
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("model returned empty content (stop reason: %s)", resp.Choices[0].StopReason)
	}
	c.logger.Debug("LLM generation complete", zap.Duration("duration", time.Since(start)))
	return text, nil
}

// Close is a no-op; langchaingo models hold no resources.
func (c *LangChainClient) Close() error { return nil }
