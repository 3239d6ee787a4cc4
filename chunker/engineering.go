package chunker

import "regexp"

// standardsPatterns match references to well-known standards bodies
// and their document numbering schemes.
var standardsPatterns = []*regexp.Regexp{
	// ISO standards: "ISO 9001", "ISO/IEC 27001:2022", "ISO 9001-1"
	regexp.MustCompile(`\bISO(?:/IEC)?\s+\d[\d\-]+(?::\d{4})?`),
	// IEC standards: "IEC 61508", "IEC 62443-3-3"
	regexp.MustCompile(`\bIEC\s+\d[\d\-]+(?::\d{4})?`),
	// ASTM standards: "ASTM D1234", "ASTM E1234-56"
	regexp.MustCompile(`\bASTM\s+[A-Z]\d+(?:-\d+)?(?::\d{4})?`),
	// IEEE standards: "IEEE 802.11", "IEEE Std 1547"
	regexp.MustCompile(`\bIEEE\s+(?:Std\s+)?\d[\d\.]+`),
	// ANSI standards: "ANSI Z359.1", "ANSI/NFPA 70"
	regexp.MustCompile(`\bANSI(?:/\w+)?\s+[A-Z]?[\d\.]+`),
	// BS (British Standards): "BS EN 1090", "BS 7671"
	regexp.MustCompile(`\bBS\s+(?:EN\s+)?\d[\d\-]+`),
	// EN (European Norm): "EN 1090-2"
	regexp.MustCompile(`\bEN\s+\d[\d\-]+`),
	// DIN (German standards): "DIN EN 1090"
	regexp.MustCompile(`\bDIN\s+(?:EN\s+)?\d[\d\-]+`),
	// NFPA: "NFPA 70", "NFPA 101"
	regexp.MustCompile(`\bNFPA\s+\d+`),
	// ASME: "ASME B31.3" (letter then digits/dots; "ASME BPVC" is not matched)
	regexp.MustCompile(`\bASME\s+[A-Z][\d\.]+`),
	// AWS: "AWS D1.1"
	regexp.MustCompile(`\bAWS\s+[A-Z][\d\.]+`),
	// MIL-STD: "MIL-STD-810G"
	regexp.MustCompile(`\bMIL-STD-\d+[A-Z]?`),
	// SAE: "SAE J1939", "SAE AMS 2759"
	regexp.MustCompile(`\bSAE\s+[A-Z]+\s*\d+`),
	// API: "API 650", "API Std 520"
	regexp.MustCompile(`\bAPI\s+(?:Std\s+)?\d+`),
}

// StandardsReference holds a detected standards reference.
type StandardsReference struct {
	Standard string // The matched standard identifier (e.g. "ISO 9001:2015").
	Body     string // The standards body (e.g. "ISO", "ASTM").
	Offset   int    // Byte offset of the match within the input text.
}

// DetectStandardsReferences scans text and returns all standards
// references found.
func DetectStandardsReferences(text string) []StandardsReference {
	bodyNames := []string{
		"ISO", "IEC", "ASTM", "IEEE", "ANSI", "BS", "EN", "DIN",
		"NFPA", "ASME", "AWS", "MIL", "SAE", "API",
	}

	var refs []StandardsReference
	for i, re := range standardsPatterns {
		matches := re.FindAllStringIndex(text, -1)
		for _, loc := range matches {
			refs = append(refs, StandardsReference{
				Standard: text[loc[0]:loc[1]],
				Body:     bodyNames[i],
				Offset:   loc[0],
			})
		}
	}
	return refs
}

// HasStandardsReference reports whether text contains any standards
// reference.
func HasStandardsReference(text string) bool {
	for _, re := range standardsPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
