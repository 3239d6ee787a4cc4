package knowledgebase

import (
	"testing"

	"github.com/mindspring/knowledgebase/store"
)

func TestExtractMissingTerms_FindsUnseenIdentifiers(t *testing.T) {
	chunks := []store.RetrievalResult{
		{Content: "The relay must meet ISO 13849-1 requirements for safety."},
	}
	answer := "Per ISO 13849-1 and IEC 61508, the relay rating is 24VDC."

	missing := extractMissingTerms(answer, chunks)

	found := false
	for _, m := range missing {
		if m == "IEC 61508" {
			found = true
		}
		if m == "ISO 13849-1" {
			t.Errorf("expected ISO 13849-1 to be present in chunks, not reported missing")
		}
	}
	if !found {
		t.Errorf("expected IEC 61508 in missing terms, got %v", missing)
	}
}

func TestIsFalsePositiveIdentifier_FiltersCrossReferences(t *testing.T) {
	tests := []struct {
		name  string
		ctx   string
		match string
		want  bool
	}{
		{"table reference", "See Table 3-1 for the full pinout.", "3-1", true},
		{"real identifier", "Torque the bolt per ISO 898-1.", "898-1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isFalsePositiveIdentifier(tt.ctx, tt.match); got != tt.want {
				t.Errorf("isFalsePositiveIdentifier(%q, %q) = %v, want %v", tt.ctx, tt.match, got, tt.want)
			}
		})
	}
}

func TestMergeResults_DeduplicatesByChunkID(t *testing.T) {
	existing := []store.RetrievalResult{{ChunkID: 1, Content: "a"}, {ChunkID: 2, Content: "b"}}
	extra := []store.RetrievalResult{{ChunkID: 2, Content: "b-dup"}, {ChunkID: 3, Content: "c"}}

	merged := mergeResults(existing, extra)

	if len(merged) != 3 {
		t.Fatalf("expected 3 merged results, got %d", len(merged))
	}
	if merged[2].ChunkID != 3 {
		t.Errorf("expected new chunk 3 appended last, got %+v", merged)
	}
}
