// Package ingest implements the upload pipeline: validate, extract, chunk,
// enrich, persist, embed and index. A file never ends in state completed
// without its vectors, and a failed ingest drops the partition it created.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docaihq/docai/pkg/config"
	"github.com/docaihq/docai/pkg/errs"
	"github.com/docaihq/docai/pkg/metadata"
	"github.com/docaihq/docai/pkg/metrics"
	"github.com/docaihq/docai/pkg/vectordb"
	"github.com/google/uuid"
)

// Result is the outcome of a successful ingestion.
type Result struct {
	FileID     string
	Filename   string
	FileSize   int64
	ChunkCount int
	Status     string
	Strategy   string
}

// Embedder is the slice of the embedding client the pipeline needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Pipeline wires the ingestion steps to the backing stores.
type Pipeline struct {
	meta     metadata.Store
	vectors  vectordb.Provider
	embedder Embedder
	cfg      *config.Config
}

func NewPipeline(meta metadata.Store, vectors vectordb.Provider, embedder Embedder, cfg *config.Config) *Pipeline {
	return &Pipeline{meta: meta, vectors: vectors, embedder: embedder, cfg: cfg}
}

// insertBackoff is the retry schedule for vector inserts.
var insertBackoff = []time.Duration{250 * time.Millisecond, time.Second}

// Ingest runs the full pipeline for one upload.
func (p *Pipeline) Ingest(ctx context.Context, data []byte, originalName, userID string) (*Result, error) {
	started := time.Now()

	fileType, err := ValidateUpload(originalName, data, p.cfg.MaxFileSize)
	if err != nil {
		metrics.IngestTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	fileID, err := p.generateUniqueID(ctx, data)
	if err != nil {
		metrics.IngestTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	partition := "file_" + fileID

	text, err := ExtractText(ctx, fileType, data)
	if err != nil {
		metrics.IngestTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		metrics.IngestTotal.WithLabelValues("failed").Inc()
		return nil, errs.New(errs.KindUnprocessableDocument, "document produced no extractable text")
	}

	chunks, err := ChunkDocument(text, ChunkerConfig{
		Strategy: p.cfg.ChunkingStrategy,
		Sizes:    p.cfg.HierarchicalSizes,
		Overlap:  p.cfg.HierarchicalOverlap,
	})
	if err != nil {
		metrics.IngestTotal.WithLabelValues("failed").Inc()
		return nil, errs.Wrap(errs.KindUnprocessableDocument, "chunking failed", err)
	}

	now := time.Now().UTC()
	file := &metadata.FileRecord{
		FileID:     fileID,
		Filename:   originalName,
		FileType:   fileType,
		FileSize:   int64(len(data)),
		UserID:     userID,
		UploadTime: now,
		Status:     metadata.StatusIndexing,
		Partition:  partition,
		Strategy:   p.cfg.ChunkingStrategy,
	}
	if err := p.meta.AddFile(ctx, file); err != nil {
		metrics.IngestTotal.WithLabelValues("failed").Inc()
		return nil, errs.Wrap(errs.KindInternal, "failed to persist file record", err)
	}

	chunkRows := make([]metadata.ChunkRecord, len(chunks))
	for i, c := range chunks {
		chunkRows[i] = metadata.ChunkRecord{
			FileID:        fileID,
			ChunkIndex:    c.Index,
			Level:         c.Level,
			Content:       c.Content,
			StartOffset:   c.StartOffset,
			EndOffset:     c.EndOffset,
			ContentHash:   c.ContentHash,
			WordCount:     c.WordCount,
			PositionRatio: c.PositionRatio,
		}
	}
	if err := p.meta.AddChunks(ctx, chunkRows); err != nil {
		p.markFailed(ctx, fileID, "")
		metrics.IngestTotal.WithLabelValues("failed").Inc()
		return nil, errs.Wrap(errs.KindInternal, "failed to persist chunk records", err)
	}

	if err := p.embedAndIndex(ctx, fileID, partition, originalName, now, chunks); err != nil {
		p.markFailed(ctx, fileID, partition)
		metrics.IngestTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if err := p.meta.UpdateStatus(ctx, fileID, metadata.StatusCompleted); err != nil {
		metrics.IngestTotal.WithLabelValues("failed").Inc()
		return nil, errs.Wrap(errs.KindInternal, "failed to finalize file status", err)
	}

	// The upload is persisted from the in-memory buffer, never by re-reading
	// the request body.
	if p.cfg.UploadDir != "" {
		if err := p.saveUpload(data, originalName, now); err != nil {
			slog.Warn("failed to persist upload to disk", "file_id", fileID, "error", err)
		}
	}

	metrics.IngestTotal.WithLabelValues("completed").Inc()
	metrics.IngestDuration.Observe(time.Since(started).Seconds())
	metrics.ChunksIndexed.Add(float64(len(chunks)))

	slog.Info("file ingested",
		"file_id", fileID,
		"filename", originalName,
		"chunks", len(chunks),
		"strategy", p.cfg.ChunkingStrategy,
		"elapsed_ms", time.Since(started).Milliseconds())

	return &Result{
		FileID:     fileID,
		Filename:   originalName,
		FileSize:   int64(len(data)),
		ChunkCount: len(chunks),
		Status:     metadata.StatusCompleted,
		Strategy:   p.cfg.ChunkingStrategy,
	}, nil
}

// generateUniqueID draws candidate ids until one is absent from the metadata
// store, up to 3 attempts. A failed existence check does not block the
// upload; the insert's unique constraint is the backstop.
func (p *Pipeline) generateUniqueID(ctx context.Context, data []byte) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		candidate := GenerateFileID(data, time.Now())

		exists, err := p.meta.FileExists(ctx, candidate)
		if err != nil {
			slog.Warn("file id collision check failed, proceeding", "error", err)
			return candidate, nil
		}
		if !exists {
			return candidate, nil
		}
		slog.Warn("file id collision, regenerating", "candidate", candidate, "attempt", attempt+1)
	}
	return "", errs.New(errs.KindIDGenerationExhausted, "could not generate a unique file id after 3 attempts")
}

// embedAndIndex creates the partition, embeds chunk texts in batches and
// inserts the vectors. Each insert is retried on the backoff schedule.
func (p *Pipeline) embedAndIndex(ctx context.Context, fileID, partition, filename string, uploadTime time.Time, chunks []Chunk) error {
	if err := p.vectors.CreatePartition(ctx, partition); err != nil {
		return errs.Wrap(errs.KindIndexingFailed, "failed to create partition", err)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	// The embedder clamps a non-positive batch size the same way.
	batchSize := p.cfg.EmbeddingBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	embedCtx := ctx
	if p.cfg.EmbeddingTimeout > 0 {
		var cancel context.CancelFunc
		embedCtx, cancel = context.WithTimeout(ctx, time.Duration(p.cfg.EmbeddingTimeout)*time.Second*time.Duration(1+len(texts)/batchSize))
		defer cancel()
	}

	vectors, err := p.embedder.EmbedBatch(embedCtx, texts)
	if err != nil {
		return errs.Wrap(errs.KindIndexingFailed, "embedding failed", err)
	}
	if len(vectors) != len(chunks) {
		return errs.New(errs.KindIndexingFailed,
			fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks)))
	}

	rows := make([]vectordb.Row, len(chunks))
	for i, c := range chunks {
		rows[i] = vectordb.Row{
			ID:      uuid.NewString(),
			Vector:  vectors[i],
			Content: c.Content,
			Metadata: map[string]interface{}{
				"file_id":        fileID,
				"filename":       filename,
				"chunk_index":    c.Index,
				"level":          c.Level,
				"content_hash":   c.ContentHash,
				"word_count":     c.WordCount,
				"position_ratio": c.PositionRatio,
				"timestamp":      uploadTime.Unix(),
			},
		}
	}

	var lastErr error
	for attempt := 0; attempt <= len(insertBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(insertBackoff[attempt-1]):
			}
		}
		if lastErr = p.vectors.Insert(ctx, partition, rows); lastErr == nil {
			return nil
		}
		slog.Warn("vector insert failed", "partition", partition, "attempt", attempt+1, "error", lastErr)
	}

	return errs.Wrap(errs.KindIndexingFailed, "vector insert failed after retries", lastErr)
}

// markFailed records the failed status and drops any partition created for
// the file. Both are best-effort.
func (p *Pipeline) markFailed(ctx context.Context, fileID, partition string) {
	if err := p.meta.UpdateStatus(ctx, fileID, metadata.StatusFailed); err != nil {
		slog.Error("failed to mark file as failed", "file_id", fileID, "error", err)
	}
	if partition != "" {
		if err := p.vectors.DropPartition(ctx, partition); err != nil {
			slog.Error("failed to drop partition of failed ingest", "partition", partition, "error", err)
		}
	}
}

func (p *Pipeline) saveUpload(data []byte, originalName string, uploadTime time.Time) error {
	if err := os.MkdirAll(p.cfg.UploadDir, 0755); err != nil {
		return err
	}
	path := filepath.Join(p.cfg.UploadDir, fmt.Sprintf("%d_%s", uploadTime.Unix(), SafeFilename(originalName)))
	return os.WriteFile(path, data, 0644)
}

// Delete removes a file owned by userID: partition drop, chunk rows and the
// file row. Files of other users surface as not found.
func (p *Pipeline) Delete(ctx context.Context, fileID, userID string) error {
	file, err := p.meta.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if file.UserID != userID {
		return metadata.ErrNotFound
	}

	if err := p.vectors.DropPartition(ctx, file.Partition); err != nil {
		return errs.Wrap(errs.KindInternal, "failed to drop partition", err)
	}
	if err := p.meta.DeleteFile(ctx, fileID); err != nil {
		return err
	}

	slog.Info("file deleted", "file_id", fileID)
	return nil
}
