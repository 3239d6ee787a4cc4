package chunker

import "regexp"

// crossRefPatterns match common cross-reference styles found in legal
// and contractual documents.
var crossRefPatterns = []*regexp.Regexp{
	// "clause 1.2", "Clause 1.2.3"
	regexp.MustCompile(`(?i)\bclause\s+(\d+(?:\.\d+)*)`),
	// "section 1.2", "Section 3"
	regexp.MustCompile(`(?i)\bsection\s+(\d+(?:\.\d+)*)`),
	// "article 5", "Article IV"
	regexp.MustCompile(`(?i)\barticle\s+(\d+|[IVXLCDM]+)`),
	// "schedule 1", "Schedule A"
	regexp.MustCompile(`(?i)\bschedule\s+([A-Z0-9]+)`),
	// "appendix A", "Appendix 3"
	regexp.MustCompile(`(?i)\bappendix\s+([A-Z0-9]+)`),
	// "annex 1", "Annex B"
	regexp.MustCompile(`(?i)\bannex\s+([A-Z0-9]+)`),
	// Parenthetical references: "(see 1.2.3)", "(ref. 4.5)"
	regexp.MustCompile(`\((?:see|ref\.?)\s+(\d+(?:\.\d+)*)\)`),
}

// CrossReference holds a detected cross-reference within text.
type CrossReference struct {
	FullMatch string // The entire matched substring (e.g. "clause 1.2.3")
	Target    string // The reference target (e.g. "1.2.3")
	Type      string // "clause", "section", "article", "schedule", "appendix", "annex", "ref"
	Offset    int    // Byte offset of the match within the input text
}

// DetectCrossReferences scans text and returns all cross-references
// found.
func DetectCrossReferences(text string) []CrossReference {
	typeLabels := []string{
		"clause", "section", "article", "schedule", "appendix", "annex", "ref",
	}

	var refs []CrossReference
	for i, re := range crossRefPatterns {
		matches := re.FindAllStringSubmatchIndex(text, -1)
		for _, loc := range matches {
			if len(loc) < 4 {
				continue
			}
			refs = append(refs, CrossReference{
				FullMatch: text[loc[0]:loc[1]],
				Target:    text[loc[2]:loc[3]],
				Type:      typeLabels[i],
				Offset:    loc[0],
			})
		}
	}
	return refs
}

// HasCrossReferences is a convenience function that reports whether
// text contains any cross-references.
func HasCrossReferences(text string) bool {
	for _, re := range crossRefPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
