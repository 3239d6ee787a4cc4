package chunker

// Reference is a single citation or cross-reference found in a chunk's
// text, in the shape spec.md §4.3 names for C3's reference-extraction
// operation: `[{kind, text, position}]`, fed to the graph builder as
// deterministic relationship-inference hints alongside the LLM's own
// entity/relationship extraction.
type Reference struct {
	Kind     string // "standard", "clause", "section", "article", "schedule", "appendix", "annex", "ref"
	Text     string
	Position int
}

// ExtractReferences scans text for standards citations (ISO/IEC/ASTM/...)
// and structural cross-references (clause/section/article/...), combining
// chunker's two regex-based detectors into the single ordered reference
// list C3 exposes.
func ExtractReferences(text string) []Reference {
	var refs []Reference
	for _, sr := range DetectStandardsReferences(text) {
		refs = append(refs, Reference{Kind: "standard", Text: sr.Standard, Position: sr.Offset})
	}
	for _, cr := range DetectCrossReferences(text) {
		refs = append(refs, Reference{Kind: cr.Type, Text: cr.FullMatch, Position: cr.Offset})
	}
	return refs
}
