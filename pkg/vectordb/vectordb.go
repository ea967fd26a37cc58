// Package vectordb provides the partitioned vector index used for chunk
// retrieval. Each uploaded file owns exactly one partition; inserts, searches
// and drops are scoped to partition names of the form file_{file_id}.
package vectordb

import (
	"context"
	"errors"
	"fmt"

	"github.com/docaihq/docai/pkg/config"
)

// ErrPartitionNotFound reports an operation against a partition that does not
// exist, typically because its file was deleted. Searches that hit it are
// treated as empty, not as backend failures.
var ErrPartitionNotFound = errors.New("partition not found")

// Row is a single vector with its chunk metadata.
type Row struct {
	ID       string
	Vector   []float32
	Content  string
	Metadata map[string]interface{}
}

// Hit is one ANN search result. Higher score means more similar.
type Hit struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]interface{}
}

// Provider is the vector index contract. Implementations must be safe for
// concurrent use.
type Provider interface {
	// CreatePartition makes the named partition queryable. Creating an
	// existing partition is a no-op.
	CreatePartition(ctx context.Context, name string) error

	// Insert adds rows to a partition.
	Insert(ctx context.Context, partition string, rows []Row) error

	// Search runs a top-k ANN query against one partition.
	Search(ctx context.Context, partition string, vector []float32, topK int) ([]Hit, error)

	// DropPartition removes a partition and all of its vectors. Dropping a
	// missing partition is a no-op.
	DropPartition(ctx context.Context, name string) error

	// Ping checks backend liveness for the health endpoint.
	Ping(ctx context.Context) error

	Close() error
}

// FromConfig constructs the provider selected by VECTOR_BACKEND.
func FromConfig(cfg *config.Config) (Provider, error) {
	switch cfg.VectorBackend {
	case "milvus":
		return NewMilvusProvider(cfg.MilvusHost, cfg.MilvusPort, uint64(cfg.EmbeddingDimension))
	case "qdrant":
		return NewQdrantProvider(cfg.QdrantHost, cfg.QdrantPort, cfg.QdrantAPIKey, uint64(cfg.EmbeddingDimension))
	case "memory":
		return NewMemoryProvider(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend: %q", cfg.VectorBackend)
	}
}
