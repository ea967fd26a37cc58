package ingest

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/docaihq/docai/pkg/errs"
	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

// ExtractText converts the raw upload bytes into a single UTF-8 string.
// Empty output maps to UnprocessableDocument at the pipeline layer.
func ExtractText(ctx context.Context, fileType string, data []byte) (string, error) {
	switch fileType {
	case "pdf":
		return extractPDF(ctx, data)
	case "docx":
		return extractDOCX(data)
	case "txt", "md":
		return strings.ToValidUTF8(string(data), "�"), nil
	default:
		return "", errs.New(errs.KindUnprocessableDocument, fmt.Sprintf("no extractor for type %q", fileType))
	}
}

func extractPDF(ctx context.Context, data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", errs.Wrap(errs.KindUnprocessableDocument, "failed to parse PDF", err)
	}

	var contentParts []string
	totalPages := reader.NumPage()

	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}

		if strings.TrimSpace(text) != "" {
			contentParts = append(contentParts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}

	return strings.Join(contentParts, "\n\n"), nil
}

var (
	docxParagraphRe = regexp.MustCompile(`</w:p>`)
	docxTagRe       = regexp.MustCompile(`<[^>]+>`)
)

func extractDOCX(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", errs.Wrap(errs.KindUnprocessableDocument, "failed to parse DOCX", err)
	}
	defer doc.Close()

	raw := doc.Editable().GetContent()

	// The content is WordprocessingML; paragraph closes become newlines and
	// the remaining tags are dropped.
	text := docxParagraphRe.ReplaceAllString(raw, "\n")
	text = docxTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	var paragraphs []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			paragraphs = append(paragraphs, trimmed)
		}
	}

	return strings.Join(paragraphs, "\n\n"), nil
}
