package llm

import (
	"context"
	"io"
)

// openRouterProvider implements Provider for OpenRouter.
// OpenRouter uses the OpenAI-compatible API format.
type openRouterProvider struct {
	base openAICompatClient
}

// NewOpenRouter creates a provider for OpenRouter.
func NewOpenRouter(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api"
	}
	return &openRouterProvider{base: newOpenAICompatClient(cfg)}
}

func (p *openRouterProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *openRouterProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

func (p *openRouterProvider) Rerank(ctx context.Context, query string, documents []string, topN int, minScore float64) ([]RerankResult, error) {
	return p.base.rerank(ctx, query, documents, topN, minScore)
}

func (p *openRouterProvider) OCR(ctx context.Context, data []byte, mimeType string) (string, error) {
	return p.base.ocr(ctx, data, mimeType)
}

func (p *openRouterProvider) ChatStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	return p.base.ChatStream(ctx, req)
}
