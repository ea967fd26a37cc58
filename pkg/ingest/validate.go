package ingest

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docaihq/docai/pkg/errs"
	"github.com/ledongthuc/pdf"
)

// allowedTypes maps file extensions to the normalized file type.
var allowedTypes = map[string]string{
	".pdf":  "pdf",
	".docx": "docx",
	".txt":  "txt",
	".md":   "md",
}

// ValidateUpload checks extension, size bounds and, for PDFs, that a
// structural parse succeeds with at least one page. Returns the normalized
// file type.
func ValidateUpload(filename string, data []byte, maxFileSize int64) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	fileType, ok := allowedTypes[ext]
	if !ok {
		return "", errs.Validation(
			fmt.Sprintf("Unsupported file type: %s. Allowed types: .pdf, .docx, .txt, .md", ext),
			map[string]interface{}{"filename": filename})
	}

	if len(data) == 0 {
		return "", errs.Validation("File is empty", map[string]interface{}{"filename": filename})
	}

	if int64(len(data)) > maxFileSize {
		return "", errs.Validation(
			fmt.Sprintf("File too large: %.2fMB (max: %.2fMB)",
				float64(len(data))/1_000_000, float64(maxFileSize)/1_000_000),
			map[string]interface{}{"file_size": len(data), "max_file_size": maxFileSize})
	}

	if fileType == "pdf" {
		reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return "", errs.Wrap(errs.KindValidation, "Invalid PDF structure", err)
		}
		if reader.NumPage() < 1 {
			return "", errs.Validation("PDF contains no pages", nil)
		}
	}

	return fileType, nil
}
