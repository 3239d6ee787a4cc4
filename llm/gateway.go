package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// defaultEmbedBatch and v4EmbedBatch bound how many texts go into one
// embedding request. v4-era
// embedding models (gemini-embedding-001's predecessor line, some Cohere
// embed-v4 deployments) cap batches tighter than the general OpenAI-style
// limit, hence the per-model override below.
const (
	defaultEmbedBatch = 25
	v4EmbedBatch      = 10
)

func embedBatchSize(model string) int {
	if len(model) >= 2 && (model == "embed-v4" || containsV4(model)) {
		return v4EmbedBatch
	}
	return defaultEmbedBatch
}

func containsV4(model string) bool {
	for i := 0; i+2 <= len(model); i++ {
		if model[i] == 'v' && model[i+1] == '4' {
			return true
		}
	}
	return false
}

// Gateway wraps a Provider with the batching, normalization, and validation
// rules every embedding call must satisfy before a vector reaches storage:
// split oversized batches, L2-normalize every vector so cosine search is a
// plain dot product, and reject anything with a NaN/Inf component or zero
// norm rather than silently poisoning a vec0 table.
type Gateway struct {
	Provider
	model string
}

// NewGateway wraps an embedding provider. model is used only to pick the
// batch-size limit; the provider's own configured model still governs what
// actually gets billed/called.
func NewGateway(p Provider, model string) *Gateway {
	return &Gateway{Provider: p, model: model}
}

// Embed batches texts through the underlying provider, then L2-normalizes
// and validates every resulting vector.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batchSize := embedBatchSize(g.model)
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := g.Provider.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch [%d:%d]: %w", start, end, err)
		}
		for i, v := range vecs {
			normed, verr := normalizeAndValidate(v)
			if verr != nil {
				return nil, fmt.Errorf("embedding batch [%d:%d] item %d: %w", start, end, i, verr)
			}
			out = append(out, normed)
		}
	}
	return out, nil
}

// normalizeAndValidate returns an L2-normalized copy of v (v itself is not
// modified) and rejects NaN/Inf components or an all-zero vector.
func normalizeAndValidate(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", errEmbedInvalidVector)
	}
	var sumSq float64
	for _, f := range v {
		x := float64(f)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: NaN/Inf component", errEmbedInvalidVector)
		}
		sumSq += x * x
	}
	if sumSq == 0 {
		return nil, fmt.Errorf("%w: zero-norm vector", errEmbedInvalidVector)
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out, nil
}

var errEmbedInvalidVector = errors.New("invalid embedding vector")

// IsInvalidVectorError reports whether err (or its wrapped cause) is the
// invalid-vector sentinel, so callers can map it to the root package's
// EmbedInvalidVector error kind without this package knowing about that type.
func IsInvalidVectorError(err error) bool {
	return errors.Is(err, errEmbedInvalidVector)
}
