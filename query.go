package knowledgebase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mindspring/knowledgebase/reasoning"
	"github.com/mindspring/knowledgebase/retrieval"
	"github.com/mindspring/knowledgebase/store"
)

// Answer is the result of a query: the synthesized text, the chunks backing
// it, and the reasoning trail that produced it.
type Answer struct {
	Text             string                 `json:"text"`
	Confidence       float64                `json:"confidence"`
	Sources          []Source               `json:"sources"`
	Reasoning        []Step                 `json:"reasoning"`
	RetrievalTrace   *retrieval.SearchTrace `json:"retrieval_trace,omitempty"`
	ModelUsed        string                 `json:"model_used"`
	Rounds           int                    `json:"rounds"`
	PromptTokens     int                    `json:"prompt_tokens"`
	CompletionTokens int                    `json:"completion_tokens"`
	TotalTokens      int                    `json:"total_tokens"`
}

// Source is one retrieved chunk backing an Answer.
type Source struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	Filename   string  `json:"filename"`
	Content    string  `json:"content"`
	Heading    string  `json:"heading"`
	PageNumber int     `json:"page_number"`
	Score      float64 `json:"score"`
}

// Step is one round of the multi-round reasoning pipeline.
type Step struct {
	Round      int      `json:"round"`
	Action     string   `json:"action"`
	Input      string   `json:"input,omitempty"`
	Output     string   `json:"output,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`
	Response   string   `json:"response,omitempty"`
	Validation string   `json:"validation,omitempty"`
	ChunksUsed int      `json:"chunks_used,omitempty"`
	Tokens     int      `json:"tokens,omitempty"`
	ElapsedMs  int64    `json:"elapsed_ms,omitempty"`
	Issues     []string `json:"issues,omitempty"`
}

// QueryOption configures a single Query call.
type QueryOption func(*queryOptions)

type queryOptions struct {
	maxResults  int
	maxRounds   int
	weightVec   float64
	weightFTS   float64
	weightGraph float64
	rerankMode  string
	source      string
}

// WithMaxResults sets the maximum number of chunks to retrieve.
func WithMaxResults(n int) QueryOption { return func(o *queryOptions) { o.maxResults = n } }

// WithMaxRounds overrides the maximum reasoning rounds for this query.
func WithMaxRounds(n int) QueryOption { return func(o *queryOptions) { o.maxRounds = n } }

// WithWeights overrides the hybrid retrieval weights for this query.
func WithWeights(vec, fts, graph float64) QueryOption {
	return func(o *queryOptions) { o.weightVec, o.weightFTS, o.weightGraph = vec, fts, graph }
}

// WithRerankMode overrides the configured reranking mode for this query.
func WithRerankMode(mode string) QueryOption {
	return func(o *queryOptions) { o.rerankMode = mode }
}

// withQuerySource tags the logged query row's source ("query" vs.
// "retrieval_test"), distinguishing production queries from the
// evaluation/diagnostic endpoint.
func withQuerySource(source string) QueryOption {
	return func(o *queryOptions) { o.source = source }
}

// Query runs a question through hybrid retrieval and multi-round reasoning,
// scoped to one knowledge space. A synthesis-mode follow-up retrieval widens
// the context once if the first pass's result window filled completely,
// chasing technical identifiers the answer mentions but the retrieved
// chunks don't contain.
func (e *Engine) Query(ctx context.Context, spaceID int64, question string, opts ...QueryOption) (*Answer, error) {
	options := &queryOptions{
		maxResults:  20,
		maxRounds:   e.cfg.MaxRounds,
		weightVec:   e.cfg.HybridVectorWeight,
		weightFTS:   e.cfg.HybridKeywordWeight,
		weightGraph: e.cfg.WeightGraph,
		rerankMode:  e.cfg.RerankingMode,
		source:      "query",
	}
	for _, o := range opts {
		o(options)
	}

	if pool := e.RetrievalPool(spaceID); pool != nil {
		release, err := pool.Acquire(ctx)
		if err != nil {
			return nil, NewError(KindRateLimited, "retrieval rate limit exceeded", ErrRateLimited)
		}
		defer release()
	}

	searchOpts := retrieval.SearchOptions{
		Tenant:      e.Tenant(spaceID),
		SpaceID:     spaceID,
		Method:      e.cfg.DefaultRetrievalMethod,
		MaxResults:  options.maxResults,
		WeightVec:   options.weightVec,
		WeightFTS:   options.weightFTS,
		WeightGraph: options.weightGraph,
		RerankMode:  options.rerankMode,
	}
	results, searchTrace, err := e.retriever.Search(ctx, question, searchOpts)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrNoResults
	}

	reasoner := reasoning.New(e.chat, reasoning.Config{
		MaxRounds:           options.maxRounds,
		ConfidenceThreshold: e.cfg.ConfidenceThreshold,
	})
	rAnswer, err := reasoner.Reason(ctx, question, results, reasoning.Options{MaxRounds: options.maxRounds})
	if err != nil {
		return nil, fmt.Errorf("reasoning: %w", err)
	}

	// When the widened window was filled, there are likely more relevant
	// chunks we didn't see. Chase technical identifiers the answer mentions
	// that don't appear in any retrieved chunk with a targeted follow-up
	// search, and re-synthesize if it turns anything up.
	if searchTrace != nil && searchTrace.SynthesisMode && searchTrace.FusedResults >= searchTrace.MaxRequested {
		missing := extractMissingTerms(rAnswer.Text, results)
		if len(missing) > 0 {
			slog.Debug("retrieval: synthesis follow-up", "missing_terms", missing, "count", len(missing))

			ftsTerms := make([]string, len(missing))
			for i, m := range missing {
				ftsTerms[i] = strings.ReplaceAll(m, "-", " ")
			}
			ftsQuery := strings.Join(ftsTerms, " OR ")

			extraResults, followTrace, ferr := e.retriever.Search(ctx, ftsQuery, retrieval.SearchOptions{
				Tenant: searchOpts.Tenant, SpaceID: spaceID,
				MaxResults: 15, WeightFTS: 2.0, WeightVec: 0.5, WeightGraph: 1.0,
			})
			searchTrace.FollowUpTerms = missing
			if followTrace != nil {
				searchTrace.FollowUpResults = followTrace.FusedResults
			}

			if ferr == nil && len(extraResults) > 0 {
				merged := mergeResults(results, extraResults)
				firstPromptTokens, firstCompletionTokens := rAnswer.PromptTokens, rAnswer.CompletionTokens

				rAnswer2, rerr := reasoner.Reason(ctx, question, merged, reasoning.Options{MaxRounds: options.maxRounds})
				if rerr == nil {
					rAnswer2.PromptTokens += firstPromptTokens
					rAnswer2.CompletionTokens += firstCompletionTokens
					rAnswer2.TotalTokens = rAnswer2.PromptTokens + rAnswer2.CompletionTokens
					rAnswer2.Rounds += rAnswer.Rounds
					rAnswer = rAnswer2
					results = merged
				}
			}
		}
	}

	answer := &Answer{
		Text:             rAnswer.Text,
		Confidence:       rAnswer.Confidence,
		RetrievalTrace:   searchTrace,
		ModelUsed:        rAnswer.ModelUsed,
		Rounds:           rAnswer.Rounds,
		PromptTokens:     rAnswer.PromptTokens,
		CompletionTokens: rAnswer.CompletionTokens,
		TotalTokens:      rAnswer.TotalTokens,
	}
	for _, s := range rAnswer.Sources {
		answer.Sources = append(answer.Sources, Source{
			ChunkID: s.ChunkID, DocumentID: s.DocumentID, Filename: s.Filename,
			Content: s.Content, Heading: s.Heading, PageNumber: s.PageNumber, Score: s.Score,
		})
	}
	for _, s := range rAnswer.Reasoning {
		answer.Reasoning = append(answer.Reasoning, Step{
			Round: s.Round, Action: s.Action, Input: s.Input, Output: s.Output,
			Prompt: s.Prompt, Response: s.Response, Validation: s.Validation,
			ChunksUsed: s.ChunksUsed, Tokens: s.Tokens, ElapsedMs: s.ElapsedMs, Issues: s.Issues,
		})
	}

	e.store.LogQuery(ctx, store.QueryLogEntry{
		SpaceID:     spaceID,
		Query:       question,
		Method:      searchOpts.Method,
		TopK:        options.maxResults,
		ResultCount: len(results),
		Source:      options.source,
	})

	return answer, nil
}

// Regex patterns for extracting technical identifiers from answer text,
// mirroring graph/builder.go's entity hints so missed-identifier follow-up
// and entity extraction stay aligned on what counts as a technical token.
var answerIdentifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:ISO|EN|IEC|MIL-STD|ASTM|IEEE|NIST|AS|BS)\s*[-]?\s*\d[\w.-]*`),
	regexp.MustCompile(`(?i)(?:PN[:\s]*|P/N[:\s]*)?[A-Z]{1,3}[-]?\d{3,6}`),
	regexp.MustCompile(`(?i)Rev\.?\s*[A-Z0-9]{1,5}`),
	regexp.MustCompile(`\b[A-Z]{2,4}-[A-Z]{1,4}\b`),
	regexp.MustCompile(`(?i)\d+(?:\.\d+)?\s*[Vv](?:AC|DC|ac|dc)?\b`),
	regexp.MustCompile(`(?i)IP\s*\d{2}\b`),
	regexp.MustCompile(`(?i)(?:UNE|NTP|ANSI|DIN|JIS|NF)\s*[-]?\s*\d[\w.-]*`),
}

var falsePositivePrefixes = []string{
	"figure ", "fig ", "table ", "step ", "page ", "section ",
	"chapter ", "item ", "part ", "ref ",
}

// isFalsePositiveIdentifier reports whether match is likely a document
// cross-reference (e.g. "Table 3") rather than a real technical identifier.
func isFalsePositiveIdentifier(ctx string, match string) bool {
	idx := strings.Index(strings.ToLower(ctx), strings.ToLower(match))
	if idx <= 0 {
		return false
	}
	before := strings.ToLower(ctx[max(0, idx-10):idx])
	for _, p := range falsePositivePrefixes {
		if strings.HasSuffix(before, p) {
			return true
		}
	}
	return false
}

// extractMissingTerms finds technical identifiers in the answer text that
// don't appear in any retrieved chunk — candidates for targeted follow-up
// retrieval, since they may be hallucinated or drawn from prior knowledge.
func extractMissingTerms(answer string, chunks []store.RetrievalResult) []string {
	var buf strings.Builder
	for _, c := range chunks {
		buf.WriteString(strings.ToLower(c.Content))
		buf.WriteByte(' ')
	}
	chunkContent := buf.String()

	seen := make(map[string]bool)
	var missing []string
	for _, p := range answerIdentifierPatterns {
		for _, m := range p.FindAllString(answer, -1) {
			key := strings.ToLower(strings.TrimSpace(m))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if isFalsePositiveIdentifier(answer, m) {
				continue
			}
			if !strings.Contains(chunkContent, key) {
				missing = append(missing, m)
			}
		}
	}
	return missing
}

// mergeResults appends extra retrieval results to the existing set,
// deduplicating by ChunkID; new results are lower priority, appended last.
func mergeResults(existing, extra []store.RetrievalResult) []store.RetrievalResult {
	seen := make(map[int64]bool, len(existing))
	for _, r := range existing {
		seen[r.ChunkID] = true
	}
	merged := make([]store.RetrievalResult, len(existing))
	copy(merged, existing)
	for _, r := range extra {
		if !seen[r.ChunkID] {
			seen[r.ChunkID] = true
			merged = append(merged, r)
		}
	}
	return merged
}
