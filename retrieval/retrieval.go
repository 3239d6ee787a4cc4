package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mindspring/knowledgebase/llm"
	"github.com/mindspring/knowledgebase/store"
)

// ---------------------------------------------------------------------------
// Identifier detection for query routing.
// When a query contains structured identifiers (part numbers, standards, IP
// addresses, etc.) we boost FTS weight and reduce vector weight so that
// exact-match retrieval is preferred over semantic similarity.
// ---------------------------------------------------------------------------
var identifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:PN[:\s]*|P/N[:\s]*)?[A-Z]{1,3}[-]?\d{3,6}`),
	regexp.MustCompile(`(?i)(?:ISO|EN|IEC|MIL-STD|ASTM|IEEE|NIST|AS|BS)\s*[-]?\s*\d[\w.-]*`),
	regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
	regexp.MustCompile(`\b[A-Z]{2,4}-[A-Z]{1,4}\b`),
	regexp.MustCompile(`(?i)Rev\.?\s*[A-Z0-9]{1,5}`),
	regexp.MustCompile(`(?i)\d+(?:\.\d+)?\s*[Vv](?:AC|DC|ac|dc)\b`),
}

// detectIdentifiers returns true if the query contains at least one
// structured identifier (part number, standard, IP, model number, etc.).
func detectIdentifiers(query string) bool {
	for _, p := range identifierPatterns {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}

// Config holds retrieval engine configuration.
type Config struct {
	WeightVector float64
	WeightFTS    float64
	WeightGraph  float64
	RerankMode   string // reranking_model|weighted_score|none
}

// SearchOptions configures a single search operation.
type SearchOptions struct {
	Tenant      string // per-tenant vec0 collection key
	SpaceID     int64
	Method      string // semantic|keyword|hybrid
	MaxResults  int
	WeightVec   float64
	WeightFTS   float64
	WeightGraph float64
	RerankMode  string
}

// SearchTrace records the full breakdown of a hybrid search operation.
type SearchTrace struct {
	VecResults          int                       `json:"vec_results"`
	FTSResults          int                       `json:"fts_results"`
	GraphResults        int                       `json:"graph_results"`
	FusedResults        int                       `json:"fused_results"`
	VecWeight           float64                   `json:"vec_weight"`
	FTSWeight           float64                   `json:"fts_weight"`
	GraphWeight         float64                   `json:"graph_weight"`
	IdentifiersDetected bool                      `json:"identifiers_detected"`
	SynthesisMode       bool                      `json:"synthesis_mode"`
	MaxRequested        int                       `json:"max_requested"`
	FollowUpTerms       []string                  `json:"follow_up_terms,omitempty"`
	FollowUpResults     int                       `json:"follow_up_results,omitempty"`
	FTSQuery            string                    `json:"fts_query"`
	GraphEntities       []string                  `json:"graph_entities"`
	RerankMode          string                    `json:"rerank_mode"`
	ElapsedMs           int64                     `json:"elapsed_ms"`
	PerResult           map[int64]FusedResultInfo `json:"per_result,omitempty"`
}

// Engine performs hybrid retrieval combining vector, FTS, and graph search.
type Engine struct {
	store    *store.Store
	embedder llm.Provider
	reranker llm.Provider
	cfg      Config
}

// New creates a new retrieval engine. reranker is used when RerankMode is
// "reranking_model"; with a nil reranker that mode keeps the RRF order.
func New(s *store.Store, embedder llm.Provider, reranker llm.Provider, cfg Config) *Engine {
	if cfg.RerankMode == "" {
		cfg.RerankMode = "weighted_score"
	}
	return &Engine{store: s, embedder: embedder, reranker: reranker, cfg: cfg}
}

// Search performs retrieval per opts.Method and fuses/reranks the results.
// method=semantic runs vector search only; keyword runs FTS only; hybrid
// (default) runs vector + FTS + graph. The result sets are combined per
// RerankMode: weighted_score sums min-max-normalized scores, none takes the
// union in method order, and reranking_model fuses with RRF and then calls
// the reranker when one is set.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]store.RetrievalResult, *SearchTrace, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}
	if opts.MaxResults > 10 {
		// top_k clamp applies at the HTTP boundary; internal callers
		// (synthesis widening) may request a larger window deliberately.
	}
	if opts.WeightVec == 0 {
		opts.WeightVec = e.cfg.WeightVector
	}
	if opts.WeightFTS == 0 {
		opts.WeightFTS = e.cfg.WeightFTS
	}
	if opts.WeightGraph == 0 {
		opts.WeightGraph = e.cfg.WeightGraph
	}
	if opts.Method == "" {
		opts.Method = "hybrid"
	}
	rerankMode := opts.RerankMode
	if rerankMode == "" {
		rerankMode = e.cfg.RerankMode
	}

	trace := &SearchTrace{
		VecWeight:   opts.WeightVec,
		FTSWeight:   opts.WeightFTS,
		GraphWeight: opts.WeightGraph,
		RerankMode:  rerankMode,
	}

	if detectIdentifiers(query) {
		opts.WeightFTS *= 2.0
		opts.WeightVec *= 0.5
		trace.IdentifiersDetected = true
		trace.VecWeight = opts.WeightVec
		trace.FTSWeight = opts.WeightFTS
	}

	synthesisMode := isSynthesisQuery(query)
	if synthesisMode {
		if opts.MaxResults < 40 {
			opts.MaxResults = 40
		}
		trace.SynthesisMode = true
	}

	searchStart := time.Now()

	terms := extractSignificantTerms(query)
	ftsQuery := sanitizeFTSQuery(query, nil)
	trace.FTSQuery = ftsQuery
	graphEntities := extractQueryEntities(query, nil)
	trace.GraphEntities = graphEntities
	_ = terms

	var vecResults, ftsResults, graphResults []store.RetrievalResult
	g, gctx := errgroup.WithContext(ctx)

	if opts.Method == "semantic" || opts.Method == "hybrid" {
		g.Go(func() error {
			r, err := e.vectorSearch(gctx, opts.Tenant, query, opts.MaxResults)
			if err != nil {
				slog.Warn("retrieval: vector search failed", "error", err)
				return nil
			}
			vecResults = r
			return nil
		})
	}
	if opts.Method == "keyword" || opts.Method == "hybrid" {
		g.Go(func() error {
			r, err := e.store.FTSSearch(gctx, opts.SpaceID, ftsQuery, opts.MaxResults)
			if err != nil {
				slog.Warn("retrieval: fts search failed", "error", err)
				return nil
			}
			ftsResults = r
			return nil
		})
	}
	if opts.Method == "hybrid" {
		g.Go(func() error {
			r, err := e.graphSearchWithEntities(gctx, opts.SpaceID, graphEntities, opts.MaxResults, synthesisMode)
			if err != nil {
				slog.Warn("retrieval: graph search failed", "error", err)
				return nil
			}
			graphResults = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, trace, err
	}

	trace.VecResults = len(vecResults)
	trace.FTSResults = len(ftsResults)
	trace.GraphResults = len(graphResults)

	var fused []store.RetrievalResult
	var infoMap map[int64]FusedResultInfo

	switch rerankMode {
	case "weighted_score":
		fused, infoMap = fuseWeighted(vecResults, ftsResults, graphResults,
			opts.WeightVec, opts.WeightFTS, opts.WeightGraph, opts.MaxResults)
	case "none":
		fused, infoMap = unionResults(vecResults, ftsResults, graphResults, opts.MaxResults)
	default: // reranking_model
		fused, infoMap = fuseRRF(vecResults, ftsResults, graphResults,
			opts.WeightVec, opts.WeightFTS, opts.WeightGraph, opts.MaxResults)
		if e.reranker != nil && len(fused) > 0 {
			fused = e.rerankResults(ctx, query, fused)
		}
	}

	trace.FusedResults = len(fused)
	trace.MaxRequested = opts.MaxResults
	trace.PerResult = infoMap
	trace.ElapsedMs = time.Since(searchStart).Milliseconds()

	if len(fused) == 0 {
		return nil, trace, nil
	}

	return fused, trace, nil
}

// rerankResults re-scores results with a dedicated reranker provider,
// keeping the RRF ordering (and logging a warning) on error (reranking_model mode
// is best-effort; weighted_score / none never call an LLM).
func (e *Engine) rerankResults(ctx context.Context, query string, results []store.RetrievalResult) []store.RetrievalResult {
	docs := make([]string, len(results))
	for i, r := range results {
		docs[i] = r.Content
	}
	scored, err := e.reranker.Rerank(ctx, query, docs, len(docs), 0)
	if err != nil {
		slog.Warn("retrieval: rerank failed, keeping fused order", "error", err)
		return results
	}
	out := make([]store.RetrievalResult, 0, len(scored))
	for _, s := range scored {
		if s.Index < 0 || s.Index >= len(results) {
			continue
		}
		r := results[s.Index]
		r.Score = s.Score
		out = append(out, r)
	}
	return out
}

// vectorSearch generates an embedding for the query and searches the
// tenant's vec0 collection.
func (e *Engine) vectorSearch(ctx context.Context, tenant, query string, k int) ([]store.RetrievalResult, error) {
	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return e.store.VectorSearch(ctx, tenant, embeddings[0], k)
}

// graphSearchWithEntities traverses the graph using pre-extracted entity
// names: exact match first, then substring match for broader coverage. When
// synthesisMode is true, performs a 1-hop relationship expansion to surface
// entities connected to the initial matches but not directly named.
func (e *Engine) graphSearchWithEntities(ctx context.Context, spaceID int64, entities []string, limit int, synthesisMode bool) ([]store.RetrievalResult, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	for i, ent := range entities {
		entities[i] = strings.ToLower(ent)
	}

	found, err := e.store.GetEntitiesByNames(ctx, spaceID, entities)
	if err != nil {
		return nil, err
	}
	fuzzyFound, err := e.store.SearchEntitiesByTerms(ctx, spaceID, entities, 50)
	if err != nil {
		slog.Warn("retrieval: fuzzy entity search failed", "error", err)
	}

	seen := make(map[int64]bool)
	var allEntities []store.Entity
	for _, list := range [][]store.Entity{found, fuzzyFound} {
		for _, ent := range list {
			if !seen[ent.ID] {
				seen[ent.ID] = true
				allEntities = append(allEntities, ent)
			}
		}
	}
	if len(allEntities) == 0 {
		return nil, nil
	}

	entityIDs := make([]int64, len(allEntities))
	for i, ent := range allEntities {
		entityIDs[i] = ent.ID
	}

	if synthesisMode {
		neighbors, err := e.store.GetRelatedEntities(ctx, entityIDs, 100)
		if err != nil {
			slog.Warn("retrieval: 1-hop entity expansion failed", "error", err)
		} else {
			for _, ne := range neighbors {
				if !seen[ne.ID] {
					seen[ne.ID] = true
					entityIDs = append(entityIDs, ne.ID)
				}
			}
		}
	}

	return e.store.GraphSearch(ctx, entityIDs, limit)
}
