// Package cache provides the keyed small-value store used by the embedding
// and query-expansion layers. All failures are soft: callers treat a cache
// error like a miss and proceed on the cold path.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Cache is a string-keyed byte store with per-key TTLs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// hashText returns the SHA-256 hex digest of the input, used for all
// text-derived cache keys.
func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EmbeddingKey builds the cache key for an embedding of the given text.
func EmbeddingKey(text string) string {
	return "emb:" + hashText(text)
}

// ExpansionKey builds the cache key for a query expansion. The caller passes
// the already-normalized query joined with the locale.
func ExpansionKey(normalizedQueryWithLocale string) string {
	return "qexp:" + hashText(normalizedQueryWithLocale)
}

// SearchKey builds the cache key for a retrieval result set. File ids are
// sorted so the key is independent of request ordering.
func SearchKey(query string, fileIDs []string, topK int) string {
	sorted := make([]string, len(fileIDs))
	copy(sorted, fileIDs)
	sort.Strings(sorted)
	return "search:" + hashText(fmt.Sprintf("%s|%s|%d", query, strings.Join(sorted, ","), topK))
}
