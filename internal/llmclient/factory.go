// Package llmclient provides the judgment service adapters: Gemini through
// the GenAI SDK, OpenAI-compatible and Ollama models through langchaingo, a
// tier router and a rate-limiting guard.
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/config"
)

// FactoryOption configures NewClient.
type FactoryOption func(*factory)

type factory struct {
	observer Observer
	build    func(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error)
}

// WithObserver reports every judgment call to o.
func WithObserver(o Observer) FactoryOption {
	return func(f *factory) { f.observer = o }
}

// NewClient builds the routed judgment client described by cfg. When both
// tiers name the same model a single client serves both.
func NewClient(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger, opts ...FactoryOption) (schemas.LLMClient, error) {
	f := &factory{build: newModelClient}
	for _, opt := range opts {
		opt(f)
	}

	if cfg.DefaultFastModel == "" {
		return nil, fmt.Errorf("configuration error: DefaultFastModel is not specified in LLMRouterConfig")
	}
	if cfg.DefaultPowerfulModel == "" {
		return nil, fmt.Errorf("configuration error: DefaultPowerfulModel is not specified in LLMRouterConfig")
	}

	built := make(map[string]schemas.LLMClient)
	get := func(name string) (schemas.LLMClient, error) {
		if c, ok := built[name]; ok {
			return c, nil
		}
		mcfg, ok := cfg.Models[name]
		if !ok {
			return nil, fmt.Errorf("configuration error: model %q not found in Models map", name)
		}
		inner, err := f.build(ctx, mcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize model %q: %w", name, err)
		}
		c := NewGuardedClient(inner, mcfg.Model, mcfg.RateLimit, mcfg.Burst, mcfg.APITimeout, f.observer, logger)
		built[name] = c
		return c, nil
	}

	fast, err := get(cfg.DefaultFastModel)
	if err != nil {
		return nil, err
	}
	powerful, err := get(cfg.DefaultPowerfulModel)
	if err != nil {
		_ = fast.Close()
		return nil, err
	}
	return NewLLMRouter(logger, fast, powerful)
}

// newModelClient creates the provider client for a single model.
func newModelClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	case config.ProviderOllama:
		return NewOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI, config.ProviderOllama)
	}
}
