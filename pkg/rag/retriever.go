package rag

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docaihq/docai/pkg/cache"
	"github.com/docaihq/docai/pkg/errs"
	"github.com/docaihq/docai/pkg/vectordb"
	"golang.org/x/sync/errgroup"
)

// Hit is one retrieved chunk, identified by its source file and chunk index.
type Hit struct {
	FileID     string  `json:"file_id"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
	Content    string  `json:"content"`
	Level      string  `json:"level,omitempty"`
}

// RetrievalResult carries the merged hits plus a degradation marker when some
// partitions failed but others answered.
type RetrievalResult struct {
	Hits    []Hit
	Partial bool
}

// Embedder is the batch-embedding slice the retriever needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever fans searches out over every (query, partition) pair and merges
// the results into one ranked list.
type Retriever struct {
	vectors  vectordb.Provider
	embedder Embedder
	cache    cache.Cache
	cacheTTL time.Duration
}

func NewRetriever(vectors vectordb.Provider, embedder Embedder, c cache.Cache, cacheTTL time.Duration) *Retriever {
	return &Retriever{vectors: vectors, embedder: embedder, cache: c, cacheTTL: cacheTTL}
}

// Retrieve searches the partitions of fileIDs with every query and returns
// the deduplicated top hits, at most topK per query globally.
func (r *Retriever) Retrieve(ctx context.Context, queries, fileIDs []string, topK int) (*RetrievalResult, error) {
	if len(queries) == 0 || len(fileIDs) == 0 {
		return &RetrievalResult{}, nil
	}

	cacheKey := cache.SearchKey(strings.Join(queries, "\n"), fileIDs, topK)
	if data, ok, err := r.cache.Get(ctx, cacheKey); err != nil {
		slog.Warn("search cache read failed", "error", err)
	} else if ok {
		var hits []Hit
		if err := json.Unmarshal(data, &hits); err == nil {
			return &RetrievalResult{Hits: hits}, nil
		}
	}

	vectors, err := r.embedder.EmbedBatch(ctx, queries)
	if err != nil {
		return nil, errs.Wrap(errs.KindRetrievalUnavailable, "failed to embed queries", err)
	}

	type searchOut struct {
		hits []vectordb.Hit
		err  error
	}

	var (
		mu      sync.Mutex
		outputs []searchOut
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, vec := range vectors {
		for _, fileID := range fileIDs {
			vec, partition := vec, "file_"+fileID
			g.Go(func() error {
				hits, err := r.vectors.Search(gctx, partition, vec, topK)
				mu.Lock()
				outputs = append(outputs, searchOut{hits: hits, err: err})
				mu.Unlock()
				// Individual search failures degrade, they do not abort the group.
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, errs.Wrap(errs.KindRetrievalUnavailable, "retrieval aborted", err)
	}

	var merged []vectordb.Hit
	failures, missing := 0, 0
	for _, out := range outputs {
		if out.err != nil {
			// Deleted or never-indexed files contribute zero hits and are
			// not backend failures.
			if errors.Is(out.err, vectordb.ErrPartitionNotFound) {
				missing++
				slog.Info("partition missing, treated as empty", "error", out.err)
				continue
			}
			failures++
			slog.Warn("partition search failed", "error", out.err)
			continue
		}
		merged = append(merged, out.hits...)
	}
	if failures > 0 && failures+missing == len(outputs) {
		return nil, errs.New(errs.KindRetrievalUnavailable, "all partition searches failed").WithRetriable()
	}

	hits := rankHits(merged, topK*len(queries))
	result := &RetrievalResult{Hits: hits, Partial: failures > 0}

	if !result.Partial {
		if data, err := json.Marshal(hits); err == nil {
			if err := r.cache.Set(ctx, cacheKey, data, r.cacheTTL); err != nil {
				slog.Warn("search cache write failed", "error", err)
			}
		}
	}

	return result, nil
}

// rankHits deduplicates on (file_id, chunk_index) keeping the best score,
// then orders by descending score with file_id and chunk_index as stable
// tie-breakers, truncated to limit.
func rankHits(raw []vectordb.Hit, limit int) []Hit {
	type identity struct {
		fileID     string
		chunkIndex int
	}

	best := make(map[identity]Hit)
	for _, h := range raw {
		fileID, _ := h.Metadata["file_id"].(string)
		hit := Hit{
			FileID:     fileID,
			ChunkIndex: metadataInt(h.Metadata["chunk_index"]),
			Score:      h.Score,
			Content:    h.Content,
		}
		if level, ok := h.Metadata["level"].(string); ok {
			hit.Level = level
		}

		id := identity{hit.FileID, hit.ChunkIndex}
		if prev, ok := best[id]; !ok || hit.Score > prev.Score {
			best[id] = hit
		}
	}

	hits := make([]Hit, 0, len(best))
	for _, h := range best {
		hits = append(hits, h)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].FileID != hits[j].FileID {
			return hits[i].FileID < hits[j].FileID
		}
		return hits[i].ChunkIndex < hits[j].ChunkIndex
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// metadataInt copes with backends that return numbers as float64 after JSON
// decoding.
func metadataInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	default:
		return 0
	}
}
