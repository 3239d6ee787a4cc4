package parser

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return p
}

func TestDetectKind_PDF(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.pdf", append([]byte("%PDF-1.7\n"), make([]byte, 32)...))
	kind, err := DetectKind(p)
	if err != nil {
		t.Fatalf("DetectKind: %v", err)
	}
	if kind != KindPDF {
		t.Errorf("expected KindPDF, got %v", kind)
	}
}

func TestDetectKind_Text(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", []byte("hello world, this is plain text"))
	kind, err := DetectKind(p)
	if err != nil {
		t.Fatalf("DetectKind: %v", err)
	}
	if kind != KindText {
		t.Errorf("expected KindText, got %v", kind)
	}
}

func TestValidateSignature_MismatchedClaim(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "fake.pdf", []byte("this is actually plain text, not a pdf"))
	if err := ValidateSignature(p, "pdf"); err == nil {
		t.Error("expected signature mismatch error for text claiming to be pdf")
	}
}

func TestValidateSignature_GenuinePDF(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "real.pdf", append([]byte("%PDF-1.4\n"), make([]byte, 16)...))
	if err := ValidateSignature(p, "pdf"); err != nil {
		t.Errorf("expected no error for genuine pdf, got: %v", err)
	}
}

func makeDocx(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip create entry: %v", err)
	}
	if _, err := w.Write([]byte("<document/>")); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
}

func TestValidateSignature_OOXMLSubtypeMismatch(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "claimed.xlsx")
	makeDocx(t, p)

	if err := ValidateSignature(p, "xlsx"); err == nil {
		t.Error("expected mismatch: file contains word/document.xml but claims xlsx")
	}
	if err := ValidateSignature(p, "docx"); err != nil {
		t.Errorf("expected no error when format matches actual office part, got: %v", err)
	}
}
