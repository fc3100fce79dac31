package llmclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/config"
)

// fakeModel is a langchaingo model that records what it was sent.
type fakeModel struct {
	messages []llms.MessageContent
	opts     llms.CallOptions
	resp     *llms.ContentResponse
	err      error
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	for _, o := range options {
		o(&f.opts)
	}
	return f.resp, f.err
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangChainGenerate_Success(t *testing.T) {
	model := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: `{"goals": []}`}}}}
	cfg := config.LLMModelConfig{Provider: config.ProviderOllama, Model: "llama3", Temperature: 0.3, MaxTokens: 512}
	client := newLangChainClient(model, cfg, setupTestLogger(t))

	out, err := client.Generate(context.Background(), schemas.GenerationRequest{
		SystemPrompt: "contract",
		UserPrompt:   "context",
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: 0.9},
	})

	require.NoError(t, err)
	assert.Equal(t, `{"goals": []}`, out)

	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.TextContent{Text: "contract"}, model.messages[0].Parts[0])
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, llms.TextContent{Text: "context"}, model.messages[1].Parts[0])

	assert.Equal(t, 0.9, model.opts.Temperature)
	assert.Equal(t, 512, model.opts.MaxTokens)
	assert.True(t, model.opts.JSONMode)
}

func TestLangChainGenerate_NoSystemPromptUsesModelDefaults(t *testing.T) {
	model := &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "ok"}}}}
	client := newLangChainClient(model, config.LLMModelConfig{Model: "m", Temperature: 0.25}, setupTestLogger(t))

	_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "context"})
	require.NoError(t, err)
	require.Len(t, model.messages, 1)
	assert.InDelta(t, 0.25, model.opts.Temperature, 1e-6)
	assert.False(t, model.opts.JSONMode)
}

func TestLangChainGenerate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		model   *fakeModel
		wantErr string
	}{
		{"Model error", &fakeModel{err: errors.New("connection refused")}, "connection refused"},
		{"No choices", &fakeModel{resp: &llms.ContentResponse{}}, "no choices"},
		{"Empty content", &fakeModel{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: " ", StopReason: "length"}}}}, "empty content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newLangChainClient(tt.model, config.LLMModelConfig{Model: "m"}, setupTestLogger(t))
			out, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "x"})
			assert.Empty(t, out)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewOllamaClient(t *testing.T) {
	client, err := NewOllamaClient(config.LLMModelConfig{Provider: config.ProviderOllama, Model: "llama3", Endpoint: "http://127.0.0.1:11434"}, setupTestLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, client.llm)
	assert.NoError(t, client.Close())
}

func TestNewOpenAIClient(t *testing.T) {
	client, err := NewOpenAIClient(config.LLMModelConfig{Provider: config.ProviderOpenAI, Model: "gpt-4o-mini", APIKey: "sk-test", Endpoint: "http://127.0.0.1:9/v1"}, setupTestLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, client.llm)
}
