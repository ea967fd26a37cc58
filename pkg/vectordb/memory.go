package vectordb

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryProvider is an in-process vector index with exact cosine search.
// Used in tests and as a zero-dependency local backend.
type MemoryProvider struct {
	mu         sync.RWMutex
	partitions map[string][]Row
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{partitions: make(map[string][]Row)}
}

func (db *MemoryProvider) CreatePartition(ctx context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.partitions[name]; !ok {
		db.partitions[name] = nil
	}
	return nil
}

func (db *MemoryProvider) Insert(ctx context.Context, partition string, rows []Row) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.partitions[partition]; !ok {
		return fmt.Errorf("partition %s does not exist", partition)
	}
	db.partitions[partition] = append(db.partitions[partition], rows...)
	return nil
}

func (db *MemoryProvider) Search(ctx context.Context, partition string, vector []float32, topK int) ([]Hit, error) {
	db.mu.RLock()
	rows, ok := db.partitions[partition]
	db.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("partition %s: %w", partition, ErrPartitionNotFound)
	}

	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, Hit{
			ID:       row.ID,
			Score:    cosineSimilarity(vector, row.Vector),
			Content:  row.Content,
			Metadata: row.Metadata,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (db *MemoryProvider) DropPartition(ctx context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.partitions, name)
	return nil
}

// Count returns the number of vectors in a partition, for tests.
func (db *MemoryProvider) Count(partition string) int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.partitions[partition])
}

// HasPartition reports whether the partition exists, for tests.
func (db *MemoryProvider) HasPartition(partition string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.partitions[partition]
	return ok
}

func (db *MemoryProvider) Ping(ctx context.Context) error {
	return nil
}

func (db *MemoryProvider) Close() error {
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ Provider = (*MemoryProvider)(nil)
