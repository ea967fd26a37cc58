package ingest

import (
	"bytes"
	"testing"

	"github.com/docaihq/docai/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaxFileSize = 1024

func TestValidateUploadAllowedTypes(t *testing.T) {
	for name, wantType := range map[string]string{
		"doc.txt":    "txt",
		"notes.md":   "md",
		"REPORT.TXT": "txt",
		"readme.MD":  "md",
	} {
		got, err := ValidateUpload(name, []byte("content"), testMaxFileSize)
		require.NoError(t, err, name)
		assert.Equal(t, wantType, got)
	}
}

func TestValidateUploadUnsupportedType(t *testing.T) {
	_, err := ValidateUpload("slides.pptx", []byte("content"), testMaxFileSize)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Contains(t, err.Error(), "Unsupported file type: .pptx")
}

func TestValidateUploadEmptyFile(t *testing.T) {
	_, err := ValidateUpload("doc.txt", nil, testMaxFileSize)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Contains(t, err.Error(), "File is empty")
}

func TestValidateUploadSizeBoundary(t *testing.T) {
	atLimit := bytes.Repeat([]byte("a"), testMaxFileSize)
	_, err := ValidateUpload("doc.txt", atLimit, testMaxFileSize)
	assert.NoError(t, err, "a file exactly at the limit is accepted")

	overLimit := bytes.Repeat([]byte("a"), testMaxFileSize+1)
	_, err = ValidateUpload("doc.txt", overLimit, testMaxFileSize)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Contains(t, err.Error(), "File too large")
}

func TestValidateUploadCorruptPDF(t *testing.T) {
	_, err := ValidateUpload("broken.pdf", []byte("this is not a pdf"), testMaxFileSize)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
