// Package clean normalizes extracted document text before chunking: it
// strips control characters and bare page-number lines ("12", "Page 4",
// "3/10") that parsers sometimes leave behind, de-hyphenates line-wrapped
// words, and optionally collapses whitespace and strips URLs/emails.
// Sections of type "table" are passed through untouched; every other
// section, code included, goes through the same rules.
package clean

import (
	"regexp"
	"strings"

	"github.com/mindspring/knowledgebase/parser"
)

var (
	pageNumberLine  = regexp.MustCompile(`(?i)^\s*(page\s+)?\d{1,4}(\s*/\s*\d{1,4})?\s*$`)
	spaceRunRe      = regexp.MustCompile(`[ \t]{2,}`)
	blankLineRunRe  = regexp.MustCompile(`\n{3,}`)
	hyphenLineBreak = regexp.MustCompile(`(\p{L})-\n(\p{Ll})`)
	pipeTagRe       = regexp.MustCompile(`<\|([^|>]*)\|>`)

	markdownLinkRe = regexp.MustCompile(`!?\[[^\]]*\]\([^)]+\)`)
	urlRe          = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"']+`)
	emailRe        = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)
)

// Options controls the configurable half of the pipeline. The
// invariant half (control-byte stripping, <|…|> normalization,
// de-hyphenation, page-number-line removal) always runs.
type Options struct {
	// CollapseWhitespace folds runs of ≥3 newlines to 2 and runs of ≥2
	// spaces/tabs to a single space.
	CollapseWhitespace bool
	// RemoveURLsEmails strips raw URLs and email addresses, protecting
	// markdown links (`[text](url)`, `![alt](url)`) from the pass.
	RemoveURLsEmails bool
}

// DefaultOptions enables both configurable rules, the common case for
// ingestion.
func DefaultOptions() Options {
	return Options{CollapseWhitespace: true, RemoveURLsEmails: true}
}

// Minimal applies only the invariant cleaner, used when a caller disables
// cleaning rules but still needs control-byte safety before chunking.
var Minimal = Options{}

// Sections cleans every section's content in place (recursively through
// children) and returns the slice for chaining. Table chunk types are left
// untouched since whitespace is structurally meaningful there.
func Sections(sections []parser.Section, opts Options) []parser.Section {
	for i := range sections {
		if sections[i].Type != "table" {
			sections[i].Content = Text(sections[i].Content, opts)
		}
		sections[i].Children = Sections(sections[i].Children, opts)
	}
	return sections
}

// Text applies the normalization pipeline to a single string. The invariant
// rules (control bytes, the U+FFFE non-character, <|…|> tags, de-hyphenation,
// page-number-line removal) always run; opts controls the rest.
func Text(s string, opts Options) string {
	s = stripControlChars(s)
	s = pipeTagRe.ReplaceAllString(s, "<$1>")
	s = hyphenLineBreak.ReplaceAllString(s, "$1$2")
	s = stripPageNumberLines(s)

	if opts.RemoveURLsEmails {
		s = removeURLsAndEmails(s)
	}
	if opts.CollapseWhitespace {
		s = spaceRunRe.ReplaceAllString(s, " ")
		s = blankLineRunRe.ReplaceAllString(s, "\n\n")
	}
	return strings.TrimSpace(s)
}

func stripPageNumberLines(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if pageNumberLine.MatchString(trimmed) {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "\n")
}

// removeURLsAndEmails masks markdown links before stripping bare URLs and
// emails, then restores the masked links so `[text](url)` survives intact.
func removeURLsAndEmails(s string) string {
	var saved []string
	masked := markdownLinkRe.ReplaceAllStringFunc(s, func(m string) string {
		saved = append(saved, m)
		return "\x00MDLINK" + itoa(len(saved)-1) + "\x00"
	})
	masked = urlRe.ReplaceAllString(masked, "")
	masked = emailRe.ReplaceAllString(masked, "")
	for i, link := range saved {
		masked = strings.ReplaceAll(masked, "\x00MDLINK"+itoa(i)+"\x00", link)
	}
	return masked
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// stripControlChars removes the control-byte ranges the cleaning contract
// always strips (\x00-\x08, \x0B, \x0C, \x0E-\x1F, \x7F) and the U+FFFE
// non-character, while keeping ordinary whitespace (tab, newline) intact.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\t' || r == '\n':
			b.WriteRune(r)
		case r <= 0x08, r == 0x0B, r == 0x0C, (r >= 0x0E && r <= 0x1F), r == 0x7F:
			continue
		case r == '￾':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
