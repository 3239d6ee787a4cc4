package parser

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"unicode/utf8"
)

// DetectedKind is the file kind inferred from a signature sniff of the
// file's leading bytes, independent of its claimed extension/format.
type DetectedKind string

const (
	KindPDF      DetectedKind = "pdf"
	KindZIPOOXML DetectedKind = "zip" // docx/xlsx/pptx are all zip containers
	KindOLE2     DetectedKind = "ole2" // legacy doc/xls/ppt (MS-CFB)
	KindPNG      DetectedKind = "png"
	KindJPEG     DetectedKind = "jpeg"
	KindGIF      DetectedKind = "gif"
	KindBMP      DetectedKind = "bmp"
	KindTIFF     DetectedKind = "tiff"
	KindText     DetectedKind = "text"
	KindUnknown  DetectedKind = "unknown"
)

var signatures = []struct {
	kind DetectedKind
	sig  []byte
}{
	{KindPDF, []byte("%PDF-")},
	{KindZIPOOXML, []byte{0x50, 0x4B, 0x03, 0x04}},
	{KindZIPOOXML, []byte{0x50, 0x4B, 0x05, 0x06}}, // empty zip
	{KindOLE2, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}},
	{KindPNG, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	{KindJPEG, []byte{0xFF, 0xD8, 0xFF}},
	{KindGIF, []byte("GIF87a")},
	{KindGIF, []byte("GIF89a")},
	{KindBMP, []byte{0x42, 0x4D}},
	{KindTIFF, []byte{0x49, 0x49, 0x2A, 0x00}}, // little-endian (Intel)
	{KindTIFF, []byte{0x4D, 0x4D, 0x00, 0x2A}}, // big-endian (Motorola)
}

// sniffLen is how many leading bytes are read to detect a file's signature.
const sniffLen = 512

// DetectKind reads the leading bytes of path and classifies its container
// format by magic signature, independent of the claimed format/extension.
func DetectKind(path string) (DetectedKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return KindUnknown, err
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return KindUnknown, err
	}
	buf = buf[:n]

	for _, sig := range signatures {
		if bytes.HasPrefix(buf, sig.sig) {
			return sig.kind, nil
		}
	}

	if utf8.Valid(buf) {
		return KindText, nil
	}
	return KindUnknown, nil
}

// formatKind maps a claimed format string to the DetectedKind it should
// sniff as.
func formatKind(format string) DetectedKind {
	switch format {
	case "pdf":
		return KindPDF
	case "docx", "xlsx", "pptx":
		return KindZIPOOXML
	case "doc", "xls", "ppt":
		return KindOLE2
	case "png":
		return KindPNG
	case "jpg", "jpeg":
		return KindJPEG
	case "gif":
		return KindGIF
	case "bmp":
		return KindBMP
	case "tiff", "tif":
		return KindTIFF
	case "txt":
		return KindText
	default:
		return KindUnknown
	}
}

// ooxmlSubtype sniffs inside a zip container to tell docx/xlsx/pptx apart,
// used when a claimed OOXML format needs to be checked against the actual
// part layout rather than just "it's some zip".
func ooxmlSubtype(path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer r.Close()

	for _, f := range r.File {
		switch f.Name {
		case "word/document.xml":
			return "docx", nil
		case "xl/workbook.xml":
			return "xlsx", nil
		case "ppt/presentation.xml":
			return "pptx", nil
		}
	}
	return "", fmt.Errorf("zip container has no recognized office part")
}

// ValidateSignature reports whether path's actual byte signature matches
// what claimedFormat requires. The ingestion path does not call it:
// admission checks only the file extension, so no upload fails with a
// TypeMismatch error and mismatched bytes reach the format's parser.
func ValidateSignature(path, claimedFormat string) error {
	want := formatKind(claimedFormat)
	if want == KindUnknown {
		return nil // no signature rule for this format; let the parser decide
	}

	got, err := DetectKind(path)
	if err != nil {
		return fmt.Errorf("reading file signature: %w", err)
	}

	if got != want {
		return fmt.Errorf("file signature (%s) does not match claimed format %q (expected %s)", got, claimedFormat, want)
	}

	// OOXML formats share the zip signature; disambiguate by inspecting
	// the part layout so a .docx claimed-but-actually-.xlsx still trips.
	if want == KindZIPOOXML {
		switch claimedFormat {
		case "docx", "xlsx", "pptx":
			sub, err := ooxmlSubtype(path)
			if err != nil {
				return fmt.Errorf("inspecting office container: %w", err)
			}
			if sub != claimedFormat {
				return fmt.Errorf("office container is %q, not claimed format %q", sub, claimedFormat)
			}
		}
	}
	return nil
}
