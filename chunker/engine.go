package chunker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mindspring/knowledgebase/llm"
	"github.com/mindspring/knowledgebase/parser"
	"github.com/mindspring/knowledgebase/store"
)

// Engine names a pluggable chunking strategy. "fast" is the token-aware
// splitter in chunker.go; "llm" samples a prefix and asks a chat model to
// propose semantic boundaries.
type Engine string

const (
	EngineFast Engine = "fast"
	EngineLLM  Engine = "llm"
)

// StructureMode describes how the caller wants the document segmented.
// "general" is the only mode eligible for the LLM engine; "hierarchical"
// and "custom" always run through the fast engine.
type StructureMode string

const (
	StructureGeneral      StructureMode = "general"
	StructureHierarchical StructureMode = "hierarchical"
	StructureCustom       StructureMode = "custom"
)

// SelectEngine resolves the configured engine name (semchunk|mindchunk) and
// structure mode down to the engine that will actually run, and reports
// whether the caller asked for something the mode can't honor.
func SelectEngine(configuredEngine string, mode StructureMode) (engine Engine, modeMismatch bool) {
	requested := EngineFast
	if configuredEngine == "mindchunk" {
		requested = EngineLLM
	}
	if requested == EngineLLM && mode != StructureGeneral {
		return EngineFast, true
	}
	return requested, false
}

// EstimateCount gives a cheap estimate of how many chunks a fast-engine run
// over sections would produce. It is not an upper bound: chunk overlap and
// sentence packing can yield more fragments. The ingestion path does not
// call it; its chunk cap checks the actual chunk count.
func EstimateCount(sections []parser.Section, maxTokens int) int {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	var total int
	var walk func(sec parser.Section)
	walk = func(sec parser.Section) {
		total++ // the section's own parent chunk
		if sec.Content != "" {
			tokens := estimateTokens(sec.Content)
			total += (tokens + maxTokens - 1) / maxTokens
		}
		for _, c := range sec.Children {
			walk(c)
		}
	}
	for _, sec := range sections {
		walk(sec)
	}
	return total
}

// ValidateCount reports whether count is within the configured cap. A
// non-positive cap means no limit.
func ValidateCount(count, max int) bool {
	if max <= 0 {
		return true
	}
	return count <= max
}

// boundaryPrefixChars is how much of the document text is sampled and sent
// to the LLM when proposing semantic boundaries.
const boundaryPrefixChars = 6000

// boundaryPrompt asks for an ordered list of verbatim heading-like lines
// that mark the start of a new semantic unit. The model is given only a
// prefix of the document; ChunkLLM extrapolates the same heading pattern
// across the rest of the text.
const boundaryPrompt = `You segment documents into semantically coherent sections for a retrieval system.
Given the following excerpt (the start of a longer document), identify lines that mark the beginning of a new topic or section. Favor natural breaks: headings, numbered items, topic shifts.

Return a JSON object with one key:
  "boundaries": array of strings, each the exact verbatim text of a line that starts a new section, in the order they appear.

Rules:
- Copy each boundary line exactly as it appears in the excerpt (same case, punctuation, whitespace).
- Include at least 2 boundaries if the excerpt has more than one topic.
- Do not include any text outside the JSON object.

EXCERPT:
%s`

type boundaryResult struct {
	Boundaries []string `json:"boundaries"`
}

// ChunkLLM asks chat to propose section boundaries over a sampled prefix of
// the concatenated section text, then splits the full text at every
// occurrence of each proposed boundary line (extrapolating the pattern
// across the document), falling through to the fast splitter within each
// resulting segment so individual segments still respect MaxTokens.
func ChunkLLM(ctx context.Context, chat llm.Provider, cfg Config, sections []parser.Section) ([]store.Chunk, error) {
	fast := New(cfg)

	var full strings.Builder
	for i, sec := range sections {
		if i > 0 {
			full.WriteString("\n\n")
		}
		if sec.Heading != "" {
			full.WriteString(sec.Heading)
			full.WriteString("\n")
		}
		full.WriteString(sec.Content)
	}
	text := full.String()
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	prefix := text
	if len(prefix) > boundaryPrefixChars {
		prefix = prefix[:boundaryPrefixChars]
	}

	resp, err := chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(boundaryPrompt, prefix)},
		},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		// LLM unavailable: degrade to the fast engine rather than fail the
		// whole ingestion over a boundary-proposal call.
		return fast.Chunk(sections), nil
	}

	boundaries := parseBoundaries(resp.Content)
	if len(boundaries) == 0 {
		return fast.Chunk(sections), nil
	}

	segments := splitAtBoundaries(text, boundaries)

	var chunks []store.Chunk
	pos := 0
	cursor := 0
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		sub := fast.splitContent(seg)
		for _, frag := range sub {
			start := cursor
			end := start + len(frag)
			cursor = end
			chunks = append(chunks, store.Chunk{
				ID:         int64(pos),
				Content:    frag,
				ChunkType:  "section",
				ChunkIndex: pos,
				StartChar:  start,
				EndChar:    end,
				TokenCount: estimateTokens(frag),
				HasCode:    isCodeLike(frag),
				ContentHash: contentHash(frag),
				Metadata:   "{}",
			})
			pos++
		}
	}
	return chunks, nil
}

func parseBoundaries(raw string) []string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "{"); i > 0 {
		raw = raw[i:]
	}
	if j := strings.LastIndex(raw, "}"); j >= 0 && j < len(raw)-1 {
		raw = raw[:j+1]
	}
	var result boundaryResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil
	}
	var out []string
	for _, b := range result.Boundaries {
		if strings.TrimSpace(b) != "" {
			out = append(out, b)
		}
	}
	return out
}

// splitAtBoundaries splits text into segments, starting a new segment at
// each occurrence (first match after the previous cut point) of any
// boundary string. The first segment runs from the start of text to the
// first matched boundary.
func splitAtBoundaries(text string, boundaries []string) []string {
	var cuts []int
	for _, b := range boundaries {
		searchFrom := 0
		for {
			idx := strings.Index(text[searchFrom:], b)
			if idx < 0 {
				break
			}
			abs := searchFrom + idx
			cuts = append(cuts, abs)
			searchFrom = abs + len(b)
		}
	}
	if len(cuts) == 0 {
		return []string{text}
	}

	// dedupe + sort.
	seen := make(map[int]bool, len(cuts))
	uniq := cuts[:0]
	for _, c := range cuts {
		if !seen[c] {
			seen[c] = true
			uniq = append(uniq, c)
		}
	}
	cuts = uniq
	for i := 1; i < len(cuts); i++ {
		for j := i; j > 0 && cuts[j-1] > cuts[j]; j-- {
			cuts[j-1], cuts[j] = cuts[j], cuts[j-1]
		}
	}

	var segments []string
	prev := 0
	for _, c := range cuts {
		if c > prev {
			segments = append(segments, text[prev:c])
		}
		prev = c
	}
	segments = append(segments, text[prev:])
	return segments
}
