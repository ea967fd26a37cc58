// Package metadata is the durable record of uploaded files and their chunks.
package metadata

import (
	"context"
	"errors"
	"time"
)

// Indexing status values for a file.
const (
	StatusPending   = "pending"
	StatusIndexing  = "indexing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a file id does not exist or is not visible to
// the requesting user.
var ErrNotFound = errors.New("file not found")

// FileRecord is one uploaded file.
type FileRecord struct {
	FileID     string
	Filename   string
	FileType   string // pdf, docx, txt, md
	FileSize   int64
	UserID     string
	UploadTime time.Time
	ChunkCount int
	Status     string
	Partition  string
	Strategy   string // chunking strategy used at ingest time
}

// ChunkRecord is one chunk row belonging to a file.
type ChunkRecord struct {
	FileID        string
	ChunkIndex    int
	Level         string // large, medium, small
	Content       string
	StartOffset   int
	EndOffset     int
	ContentHash   string // first 16 hex of SHA-256
	WordCount     int
	PositionRatio float64
}

// Store is the metadata contract. Implementations must be safe for
// concurrent use.
type Store interface {
	AddFile(ctx context.Context, file *FileRecord) error
	GetFile(ctx context.Context, fileID string) (*FileRecord, error)
	FileExists(ctx context.Context, fileID string) (bool, error)
	ListFiles(ctx context.Context, userID string) ([]*FileRecord, error)
	UpdateStatus(ctx context.Context, fileID, status string) error
	AddChunks(ctx context.Context, chunks []ChunkRecord) error
	GetChunks(ctx context.Context, fileID string) ([]ChunkRecord, error)
	DeleteFile(ctx context.Context, fileID string) error
	Ping(ctx context.Context) error
	Close() error
}
