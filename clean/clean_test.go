package clean

import (
	"strings"
	"testing"

	"github.com/mindspring/knowledgebase/parser"
)

func TestText_CollapsesWhitespaceAndPageNumbers(t *testing.T) {
	in := "Section Title\n\n\n\nThis  is   spaced  out.\nPage 4\n12\nmore text"
	out := Text(in, DefaultOptions())
	if strings.Contains(out, "Page 4") {
		t.Errorf("expected page-number line stripped, got: %q", out)
	}
	if strings.Contains(out, "  ") {
		t.Errorf("expected repeated spaces collapsed, got: %q", out)
	}
	if strings.Contains(out, "\n\n\n") {
		t.Errorf("expected blank line runs collapsed, got: %q", out)
	}
}

func TestText_DehyphenatesLineWraps(t *testing.T) {
	in := "The opera-\ntor must verify the reading."
	out := Text(in, DefaultOptions())
	if !strings.Contains(out, "operator") {
		t.Errorf("expected dehyphenation, got: %q", out)
	}
}

func TestText_EmptyInput(t *testing.T) {
	if got := Text("", DefaultOptions()); got != "" {
		t.Errorf("expected empty string unchanged, got: %q", got)
	}
}

func TestText_StripsControlBytesAndPipeTags(t *testing.T) {
	in := "keep\x01\x02 this<|endoftext|> and\x7Fthis"
	out := Text(in, Minimal)
	if strings.ContainsAny(out, "\x01\x02\x7F") {
		t.Errorf("expected control bytes stripped, got: %q", out)
	}
	if !strings.Contains(out, "<endoftext>") {
		t.Errorf("expected <|…|> converted to <…>, got: %q", out)
	}
}

func TestText_MinimalKeepsWhitespaceAndURLs(t *testing.T) {
	in := "See https://example.com/doc  for   more\n\n\n\ninfo"
	out := Text(in, Minimal)
	if !strings.Contains(out, "https://example.com/doc") {
		t.Errorf("expected minimal cleaning to leave URLs alone, got: %q", out)
	}
	if !strings.Contains(out, "doc  for   more\n\n\n\ninfo") {
		t.Errorf("expected minimal cleaning to leave whitespace alone, got: %q", out)
	}
}

func TestText_RemovesURLsAndEmailsButProtectsMarkdownLinks(t *testing.T) {
	in := "Visit https://example.com/x or email me@example.com. See [docs](https://example.com/docs) for more."
	out := Text(in, DefaultOptions())
	if strings.Contains(out, "https://example.com/x") {
		t.Errorf("expected bare URL removed, got: %q", out)
	}
	if strings.Contains(out, "me@example.com") {
		t.Errorf("expected email removed, got: %q", out)
	}
	if !strings.Contains(out, "[docs](https://example.com/docs)") {
		t.Errorf("expected markdown link preserved, got: %q", out)
	}
}

func TestSections_SkipsTables(t *testing.T) {
	sections := []parser.Section{
		{Type: "table", Content: "col1   col2\nval1   val2"},
		{Type: "paragraph", Content: "Some   spaced text.\nPage 1"},
	}
	out := Sections(sections, DefaultOptions())
	if !strings.Contains(out[0].Content, "  ") {
		t.Errorf("table content should be left untouched, got: %q", out[0].Content)
	}
	if strings.Contains(out[1].Content, "Page 1") {
		t.Errorf("paragraph content should be cleaned, got: %q", out[1].Content)
	}
}

func TestSections_RecursesChildren(t *testing.T) {
	sections := []parser.Section{
		{
			Type:    "section",
			Content: "Parent  text",
			Children: []parser.Section{
				{Type: "paragraph", Content: "Child   text\nPage 2"},
			},
		},
	}
	out := Sections(sections, DefaultOptions())
	if strings.Contains(out[0].Children[0].Content, "Page 2") {
		t.Errorf("expected child section cleaned, got: %q", out[0].Children[0].Content)
	}
}
