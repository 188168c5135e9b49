// Package importer turns files into capture text.
package importer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ReadText returns the text content of the file at path, trimmed. PDF files
// are reduced to their plain text; anything else must be UTF-8 text.
func ReadText(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return readPDF(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s is not a text file", path)
	}
	return strings.TrimSpace(string(data)), nil
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
