package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// GenerateFileID builds an id of the form
// file_{unix_seconds}_{random8hex}_{sha256_8hex}. The random component is
// fresh on every call, so collision retries produce distinct candidates for
// the same content.
func GenerateFileID(data []byte, now time.Time) string {
	sum := sha256.Sum256(data)
	random8 := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("file_%d_%s_%s", now.Unix(), random8, hex.EncodeToString(sum[:])[:8])
}

// ContentHash returns the first 16 hex characters of the SHA-256 of the text,
// the dedup fingerprint stored on every chunk.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// SafeFilename strips directory separators and control characters so the
// name is usable as a path component.
func SafeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			b.WriteRune('_')
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		out = "upload"
	}
	return out
}
