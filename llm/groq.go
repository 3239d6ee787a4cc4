package llm

import (
	"context"
	"io"
)

// groqProvider implements Provider for Groq's inference API.
// Groq uses the OpenAI-compatible API format and provides extremely
// fast inference for open-source models (Llama, Mixtral, Gemma, etc.).
//
// API key: set via config; cmd/server falls back to the GROQ_API_KEY env
// var when a groq chat or embedding provider has no key configured.
type groqProvider struct {
	base openAICompatClient
}

// NewGroq creates a provider for Groq.
func NewGroq(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.groq.com/openai"
	}
	if cfg.Model == "" {
		cfg.Model = "llama-3.3-70b-versatile"
	}
	return &groqProvider{base: newOpenAICompatClient(cfg)}
}

func (p *groqProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *groqProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

func (p *groqProvider) Rerank(ctx context.Context, query string, documents []string, topN int, minScore float64) ([]RerankResult, error) {
	return p.base.rerank(ctx, query, documents, topN, minScore)
}

func (p *groqProvider) OCR(ctx context.Context, data []byte, mimeType string) (string, error) {
	return p.base.ocr(ctx, data, mimeType)
}

func (p *groqProvider) ChatStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	return p.base.ChatStream(ctx, req)
}
