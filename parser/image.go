package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mindspring/knowledgebase/llm"
)

// ImageParser extracts text from a standalone image upload via a
// vision-capable provider's OCR call. It produces a single section holding
// the transcription, plus the source image itself in Images so downstream
// graph/citation passes can still reach the original bytes.
type ImageParser struct {
	provider llm.Provider
	formats  []string
}

// NewImageParser builds an ImageParser for the given extensions (e.g.
// "png", "jpg"), all OCR'd through provider.
func NewImageParser(provider llm.Provider, formats []string) *ImageParser {
	return &ImageParser{provider: provider, formats: formats}
}

func (p *ImageParser) SupportedFormats() []string { return p.formats }

func (p *ImageParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}

	mimeType := mimeFromExt(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	text, err := p.provider.OCR(ctx, data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("image OCR failed: %w", err)
	}

	return &ParseResult{
		Sections: []Section{{Content: text, Type: "paragraph"}},
		Images: []ExtractedImage{
			{Data: data, MIMEType: mimeType},
		},
		Method: "vision",
	}, nil
}
