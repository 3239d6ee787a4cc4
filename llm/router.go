package llm

import (
	"context"
	"fmt"

	"github.com/mindspring/knowledgebase/ratelimit"
)

// RouteTarget pairs a concrete Provider with the Pool that bounds its
// throughput, keyed by vendor name inside a Router.
type RouteTarget struct {
	Provider Provider
	Pool     *ratelimit.Pool
}

// Router resolves a logical model alias (e.g. "qwen") to one of several
// vendor-backed Providers per the configured load-balancing strategy,
// acquiring that vendor's rate-limit slot before the call and reselecting
// to a different vendor exactly once if the first attempt fails with a
// retryable Kind (throttling/transient/timeout) — never for invalid_key or
// arrearage, where a different vendor would just fail the same way faster
// or burn someone else's quota pointlessly.
type Router struct {
	selector *ratelimit.Selector
	targets  map[string]RouteTarget
}

// NewRouter builds a Router from a selection strategy and the concrete
// targets behind it. routes drives Selector ordering/weights; targets maps
// each route's Vendor to its Provider+Pool.
func NewRouter(strategy string, routes []ratelimit.Route, targets map[string]RouteTarget) *Router {
	return &Router{
		selector: ratelimit.NewSelector(strategy, routes),
		targets:  targets,
	}
}

// Chat resolves a vendor and performs a chat completion, reselecting once on
// a retryable provider failure.
func (r *Router) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return callWithReselect(ctx, r, func(p Provider) (*ChatResponse, error) {
		return p.Chat(ctx, req)
	})
}

// Embed resolves a vendor and performs an embedding call, reselecting once
// on a retryable provider failure.
func (r *Router) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return callWithReselect(ctx, r, func(p Provider) ([][]float32, error) {
		return p.Embed(ctx, texts)
	})
}

// Rerank resolves a vendor and performs a rerank call, reselecting once on a
// retryable provider failure.
func (r *Router) Rerank(ctx context.Context, query string, documents []string, topN int, minScore float64) ([]RerankResult, error) {
	return callWithReselect(ctx, r, func(p Provider) ([]RerankResult, error) {
		return p.Rerank(ctx, query, documents, topN, minScore)
	})
}

// OCR resolves a vendor and performs an OCR call, reselecting once on a
// retryable provider failure.
func (r *Router) OCR(ctx context.Context, data []byte, mimeType string) (string, error) {
	return callWithReselect(ctx, r, func(p Provider) (string, error) {
		return p.OCR(ctx, data, mimeType)
	})
}

func callWithReselect[T any](ctx context.Context, r *Router, call func(Provider) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		route, ok := r.selector.Next()
		if !ok {
			return zero, fmt.Errorf("llm router: no routes configured")
		}
		target, ok := r.targets[route.Vendor]
		if !ok {
			return zero, fmt.Errorf("llm router: no target registered for vendor %q", route.Vendor)
		}

		var release func()
		if target.Pool != nil {
			rel, err := target.Pool.Acquire(ctx)
			if err != nil {
				return zero, err
			}
			release = rel
		}

		result, err := call(target.Provider)
		if release != nil {
			release()
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		var pe *ProviderError
		if pErr, ok := err.(*ProviderError); ok {
			pe = pErr
		}
		if pe == nil || !pe.Kind.IsRetryable() {
			return zero, err
		}
		// retryable: loop picks the next route on attempt 1.
	}
	return zero, lastErr
}
