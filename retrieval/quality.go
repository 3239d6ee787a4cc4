package retrieval

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/mindspring/knowledgebase/store"
)

// QualityMetrics scores one answer against the chunks that were retrieved
// for it and, optionally, a set of expected facts / ground-truth spans
// supplied by a retrieval-test or evaluation-run request. Every field is
// independently computable from its inputs; callers populate only what
// their request provided expected data for and leave the rest at zero.
type QualityMetrics struct {
	Faithfulness      float64 `json:"faithfulness"`
	Relevance         float64 `json:"relevance"`
	CitationQuality   float64 `json:"citation_quality"`
	ClaimGrounding    float64 `json:"claim_grounding"`
	HallucinationFree float64 `json:"hallucination_free_score"`
	Accuracy          float64 `json:"accuracy,omitempty"`
	ContextRecall     float64 `json:"context_recall,omitempty"`
}

// GroundTruthSpan names a known-relevant passage within a source file, used
// by ComputePrecisionAtK / ComputeRecallAtK / ComputeMRR / ComputeNDCGAtK.
// Relevance is an optional graded relevance judgment; when left at its zero
// value, ComputeNDCGAtK falls back to binary relevance (1.0 for a match).
type GroundTruthSpan struct {
	FilePath  string
	Text      string
	Relevance float64
}

// ComputeQualityMetrics scores answerText against the chunks that fed it.
// expectedFacts is optional (pipe-separated alternatives per fact, as in
// "nivel de llenado|fill level"); when empty, Accuracy and ContextRecall
// are left at zero.
func ComputeQualityMetrics(answerText string, sources []store.RetrievalResult, expectedFacts []string) QualityMetrics {
	m := QualityMetrics{
		Faithfulness:      computeFaithfulness(answerText, sources),
		Relevance:         computeRelevance(answerText, sources),
		CitationQuality:   computeCitationQuality(answerText, sources),
		ClaimGrounding:    computeClaimGrounding(answerText, sources),
		HallucinationFree: computeHallucinationScore(answerText, sources),
	}
	if len(expectedFacts) > 0 {
		m.Accuracy = computeAccuracy(answerText, expectedFacts)
		m.ContextRecall = computeContextRecall(sources, expectedFacts)
	}
	return m
}

// normalizeLLMText folds Unicode variants LLMs commonly emit (non-ASCII
// spaces, hyphen variants, zero-width characters) to their ASCII forms so
// substring matching against source text is reliable.
func normalizeLLMText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case r == '\u2010' || r == '\u2011' || r == '\u2012' || r == '\u2013' || r == '\u2014':
			b.WriteByte('-')
		case r == '\u200B' || r == '\u200C' || r == '\u200D' || r == '\uFEFF':
			// strip zero-width characters
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// computeFaithfulness penalizes hedging/external-knowledge phrasing and
// rewards references back to the source filenames actually retrieved.
func computeFaithfulness(answerText string, sources []store.RetrievalResult) float64 {
	if answerText == "" {
		return 0
	}
	lower := strings.ToLower(answerText)
	externalIndicators := []string{
		"based on my knowledge", "in general", "it is commonly known",
		"typically", "usually", "as everyone knows", "from my understanding",
	}
	score := 1.0
	for _, ind := range externalIndicators {
		if strings.Contains(lower, ind) {
			score -= 0.2
		}
	}
	if len(sources) > 0 {
		referenced := 0
		for _, s := range sources {
			if s.Filename != "" && strings.Contains(lower, strings.ToLower(s.Filename)) {
				referenced++
			}
		}
		if referenced > 0 {
			score += 0.1 * float64(min(referenced, 3))
		}
	}
	return clamp(score)
}

// computeRelevance measures what fraction of retrieved chunks share
// significant terms with the question... actually with the answer, since
// the question isn't always available at scoring time; callers that have
// the question should prefer a retrieval-trace-based relevance check
// instead. Here relevance approximates how much of the answer each chunk's
// own content corroborates.
func computeRelevance(answerText string, sources []store.RetrievalResult) float64 {
	if len(sources) == 0 {
		return 0
	}
	answerWords := significantWords(answerText)
	if len(answerWords) == 0 {
		return 0.5
	}
	relevant := 0
	for _, s := range sources {
		srcLower := strings.ToLower(s.Content + " " + s.Heading)
		matches := 0
		for _, w := range answerWords {
			if strings.Contains(srcLower, w) {
				matches++
			}
		}
		if float64(matches)/float64(len(answerWords)) >= 0.1 {
			relevant++
		}
	}
	return clamp(float64(relevant) / float64(len(sources)))
}

func computeCitationQuality(answerText string, sources []store.RetrievalResult) float64 {
	if answerText == "" {
		return 0
	}
	lower := strings.ToLower(answerText)
	score := 0.5
	citationPatterns := []string{
		"section", "article", "clause", "page", "paragraph", "table", "figure",
		"sección", "capítulo", "página", "tabla", "figura", "anexo",
	}
	count := 0
	for _, p := range citationPatterns {
		if strings.Contains(lower, p) {
			count++
		}
	}
	if count > 0 {
		score += 0.1 * float64(min(count, 3))
	}
	for _, s := range sources {
		if s.Filename != "" && strings.Contains(lower, strings.ToLower(s.Filename)) {
			score += 0.1
			break
		}
	}
	return clamp(score)
}

var numberPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)

func computeClaimGrounding(answerText string, sources []store.RetrievalResult) float64 {
	if answerText == "" || len(sources) == 0 {
		return 0
	}
	var corpus strings.Builder
	for _, s := range sources {
		corpus.WriteString(strings.ToLower(s.Content))
		corpus.WriteByte(' ')
		corpus.WriteString(strings.ToLower(s.Heading))
		corpus.WriteByte(' ')
	}
	corpusStr := corpus.String()

	answerLower := strings.ToLower(answerText)
	seen := make(map[string]struct{})
	var terms []string
	for _, w := range significantWords(answerLower) {
		if _, ok := seen[w]; !ok {
			seen[w] = struct{}{}
			terms = append(terms, w)
		}
	}
	for _, num := range numberPattern.FindAllString(answerLower, -1) {
		if _, ok := seen[num]; !ok {
			seen[num] = struct{}{}
			terms = append(terms, num)
		}
	}
	if len(terms) == 0 {
		return 1.0
	}
	grounded := 0
	for _, t := range terms {
		if strings.Contains(corpusStr, t) {
			grounded++
		}
	}
	return clamp(float64(grounded) / float64(len(terms)))
}

func computeHallucinationScore(answerText string, sources []store.RetrievalResult) float64 {
	if answerText == "" {
		return 0
	}
	if len(sources) == 0 {
		return 0.5
	}
	var corpus strings.Builder
	for _, s := range sources {
		corpus.WriteString(strings.ToLower(s.Content))
		corpus.WriteByte(' ')
		corpus.WriteString(strings.ToLower(s.Heading))
		corpus.WriteByte(' ')
	}
	corpusStr := corpus.String()
	answerLower := strings.ToLower(answerText)

	trivial := map[string]bool{"0": true, "1": true, "2": true, "3": true, "4": true,
		"5": true, "6": true, "7": true, "8": true, "9": true, "10": true}

	var totalChecks, penalties, maxPenalties float64
	for _, num := range numberPattern.FindAllString(answerLower, -1) {
		if trivial[num] {
			continue
		}
		totalChecks++
		maxPenalties += 1.0
		if !strings.Contains(corpusStr, num) {
			penalties += 1.0
		}
	}
	for _, w := range significantWords(answerLower) {
		if len(w) <= 5 {
			continue
		}
		totalChecks++
		maxPenalties += 0.5
		if !strings.Contains(corpusStr, w) {
			penalties += 0.5
		}
	}
	if totalChecks == 0 {
		return 1.0
	}
	return clamp(1.0 - penalties/maxPenalties)
}

// computeAccuracy checks that each expected fact (pipe-separated
// alternatives) appears in the answer, tolerant of spacing/hyphenation.
func computeAccuracy(answerText string, expectedFacts []string) float64 {
	if answerText == "" || len(expectedFacts) == 0 {
		return 0
	}
	normalized := normalizeLLMText(strings.ToLower(answerText))
	spaceless := strings.ReplaceAll(normalized, " ", "")
	hyphenless := strings.ReplaceAll(strings.ReplaceAll(normalized, "-", ""), " ", "")

	found := 0
	for _, fact := range expectedFacts {
		if factMatches(fact, normalized, spaceless, hyphenless) {
			found++
		}
	}
	return float64(found) / float64(len(expectedFacts))
}

func computeContextRecall(sources []store.RetrievalResult, expectedFacts []string) float64 {
	if len(sources) == 0 || len(expectedFacts) == 0 {
		return 0
	}
	var corpus strings.Builder
	for _, s := range sources {
		corpus.WriteString(s.Content)
		corpus.WriteByte(' ')
		corpus.WriteString(s.Heading)
		corpus.WriteByte(' ')
	}
	normalized := normalizeLLMText(strings.ToLower(corpus.String()))
	spaceless := strings.ReplaceAll(normalized, " ", "")
	hyphenless := strings.ReplaceAll(strings.ReplaceAll(normalized, "-", ""), " ", "")

	found := 0
	for _, fact := range expectedFacts {
		if factMatches(fact, normalized, spaceless, hyphenless) {
			found++
		}
	}
	return float64(found) / float64(len(expectedFacts))
}

func factMatches(fact, normalized, spaceless, hyphenless string) bool {
	for _, alt := range strings.Split(fact, "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		normAlt := normalizeLLMText(strings.ToLower(alt))
		normAltNoSpace := strings.ReplaceAll(normAlt, " ", "")
		normAltNoHyphen := strings.ReplaceAll(strings.ReplaceAll(normAlt, "-", ""), " ", "")
		if strings.Contains(normalized, normAlt) ||
			strings.Contains(spaceless, normAltNoSpace) ||
			strings.Contains(hyphenless, normAltNoHyphen) {
			return true
		}
	}
	return false
}

func significantWords(text string) []string {
	stopWords := map[string]bool{
		"the": true, "are": true, "was": true, "were": true,
		"for": true, "with": true,
		"what": true, "which": true, "who": true, "how": true, "where": true,
		"when": true, "that": true, "this": true, "and": true,
		"del": true, "los": true, "las": true, "una": true,
		"que": true, "por": true, "con": true, "para": true,
		"como": true, "más": true, "pero": true,
		"sus": true, "entre": true, "también": true,
		"desde": true, "sobre": true, "tiene": true, "ser": true,
		"son": true, "está": true, "hay": true, "fue": true,
		"cuál": true, "qué": true, "cómo": true, "dónde": true,
	}
	var words []string
	for _, w := range strings.Fields(text) {
		w = strings.Trim(strings.ToLower(w), ".,;:!?\"'()[]")
		if len(w) > 2 && !stopWords[w] {
			words = append(words, w)
		}
	}
	return words
}

// ComputePrecisionAtK computes what fraction of the top-k retrieved chunks
// contain ground-truth text.
func ComputePrecisionAtK(sources []store.RetrievalResult, groundTruth []GroundTruthSpan, k int) float64 {
	if len(sources) == 0 || len(groundTruth) == 0 {
		return 0
	}
	topK := sources
	if len(topK) > k {
		topK = topK[:k]
	}
	relevant := 0
	for _, s := range topK {
		if chunkMatchesGroundTruth(s, groundTruth) {
			relevant++
		}
	}
	return float64(relevant) / float64(len(topK))
}

// ComputeRecallAtK computes what fraction of ground-truth spans are covered
// by at least one of the top-k retrieved chunks.
func ComputeRecallAtK(sources []store.RetrievalResult, groundTruth []GroundTruthSpan, k int) float64 {
	if len(sources) == 0 || len(groundTruth) == 0 {
		return 0
	}
	topK := sources
	if len(topK) > k {
		topK = topK[:k]
	}
	found := 0
	for _, gt := range groundTruth {
		gtLower := strings.ToLower(gt.Text)
		for _, s := range topK {
			srcLower := strings.ToLower(s.Content)
			if strings.Contains(srcLower, gtLower) {
				found++
				break
			}
			if strings.EqualFold(s.Filename, gt.FilePath) && snippetOverlap(srcLower, gtLower) > 0.5 {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(groundTruth))
}

// ComputeMRR computes the reciprocal rank of the first retrieved chunk
// within the top-k that matches a ground-truth span, 0 if none do.
func ComputeMRR(sources []store.RetrievalResult, groundTruth []GroundTruthSpan, k int) float64 {
	if len(sources) == 0 || len(groundTruth) == 0 {
		return 0
	}
	topK := sources
	if len(topK) > k {
		topK = topK[:k]
	}
	for i, s := range topK {
		if chunkMatchesGroundTruth(s, groundTruth) {
			return 1.0 / float64(i+1)
		}
	}
	return 0
}

// ComputeNDCGAtK computes normalized discounted cumulative gain over the
// top-k retrieved chunks. Each chunk's gain is the Relevance of the first
// ground-truth span it matches (binary relevance, 1.0, when that span's
// Relevance was left unset). The ideal gain vector sorts all ground-truth
// relevances descending, so a dataset with only binary judgments degrades
// to the standard binary-relevance NDCG@k.
func ComputeNDCGAtK(sources []store.RetrievalResult, groundTruth []GroundTruthSpan, k int) float64 {
	if len(sources) == 0 || len(groundTruth) == 0 {
		return 0
	}
	topK := sources
	if len(topK) > k {
		topK = topK[:k]
	}

	var dcg float64
	for i, s := range topK {
		gain := chunkRelevance(s, groundTruth)
		if gain == 0 {
			continue
		}
		dcg += gain / math.Log2(float64(i+2))
	}

	ideal := make([]float64, len(groundTruth))
	for i, gt := range groundTruth {
		rel := gt.Relevance
		if rel == 0 {
			rel = 1.0
		}
		ideal[i] = rel
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(ideal)))
	if len(ideal) > k {
		ideal = ideal[:k]
	}
	var idcg float64
	for i, rel := range ideal {
		idcg += rel / math.Log2(float64(i+2))
	}
	if idcg == 0 {
		return 0
	}
	return clamp(dcg / idcg)
}

// chunkRelevance returns the graded relevance of the first ground-truth span
// s matches, falling back to binary relevance (1.0) when that span carries
// no explicit Relevance score. 0 means s matched nothing.
func chunkRelevance(s store.RetrievalResult, groundTruth []GroundTruthSpan) float64 {
	srcLower := strings.ToLower(s.Content)
	for _, gt := range groundTruth {
		gtLower := strings.ToLower(gt.Text)
		matched := strings.Contains(srcLower, gtLower) ||
			(strings.EqualFold(s.Filename, gt.FilePath) && snippetOverlap(srcLower, gtLower) > 0.5)
		if matched {
			if gt.Relevance > 0 {
				return gt.Relevance
			}
			return 1.0
		}
	}
	return 0
}

func chunkMatchesGroundTruth(s store.RetrievalResult, groundTruth []GroundTruthSpan) bool {
	srcLower := strings.ToLower(s.Content)
	for _, gt := range groundTruth {
		gtLower := strings.ToLower(gt.Text)
		if strings.Contains(srcLower, gtLower) {
			return true
		}
		if strings.EqualFold(s.Filename, gt.FilePath) && snippetOverlap(srcLower, gtLower) > 0.5 {
			return true
		}
	}
	return false
}

func snippetOverlap(chunkLower, snippetLower string) float64 {
	words := strings.Fields(snippetLower)
	if len(words) == 0 {
		return 0
	}
	found := 0
	for _, w := range words {
		if len(w) > 3 && strings.Contains(chunkLower, w) {
			found++
		}
	}
	return float64(found) / float64(len(words))
}
