package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on an embedded SQLite database.
//
// The handle is constructed eagerly but the schema is applied lazily, exactly
// once per process. Construction and initialization are deliberately separate
// states: the initialized flag flips only after the DDL has run, so repeated
// accessors cannot re-apply the schema.
type SQLiteStore struct {
	db          *sql.DB
	initOnce    sync.Once
	initErr     error
	initialized bool
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// _foreign_keys=on makes the chunk cascade on file delete effective.
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite is a single-writer engine; a single connection avoids
	// SQLITE_BUSY under concurrent uploads.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS files (
	file_id     TEXT PRIMARY KEY,
	filename    TEXT NOT NULL,
	file_type   TEXT NOT NULL,
	file_size   INTEGER NOT NULL,
	user_id     TEXT NOT NULL,
	upload_time TEXT NOT NULL,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'pending',
	partition   TEXT NOT NULL,
	strategy    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_files_user ON files(user_id);

CREATE TABLE IF NOT EXISTS chunks (
	file_id        TEXT NOT NULL,
	chunk_index    INTEGER NOT NULL,
	level          TEXT NOT NULL,
	content        TEXT NOT NULL,
	start_offset   INTEGER NOT NULL,
	end_offset     INTEGER NOT NULL,
	content_hash   TEXT NOT NULL,
	word_count     INTEGER NOT NULL,
	position_ratio REAL NOT NULL,
	PRIMARY KEY (file_id, chunk_index),
	FOREIGN KEY (file_id) REFERENCES files(file_id) ON DELETE CASCADE
);
`

// ensureInit applies the schema on first use.
func (s *SQLiteStore) ensureInit(ctx context.Context) error {
	s.initOnce.Do(func() {
		if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
			s.initErr = fmt.Errorf("failed to initialize schema: %w", err)
			return
		}
		s.initialized = true
	})
	return s.initErr
}

func (s *SQLiteStore) AddFile(ctx context.Context, file *FileRecord) error {
	if err := s.ensureInit(ctx); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (file_id, filename, file_type, file_size, user_id, upload_time, chunk_count, status, partition, strategy)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.FileID, file.Filename, file.FileType, file.FileSize, file.UserID,
		file.UploadTime.UTC().Format(time.RFC3339), file.ChunkCount, file.Status, file.Partition, file.Strategy)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("file id %s already exists: %w", file.FileID, err)
		}
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, fileID string) (*FileRecord, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT file_id, filename, file_type, file_size, user_id, upload_time, chunk_count, status, partition, strategy
		 FROM files WHERE file_id = ?`, fileID)

	var file FileRecord
	var uploadTime string
	err := row.Scan(&file.FileID, &file.Filename, &file.FileType, &file.FileSize, &file.UserID,
		&uploadTime, &file.ChunkCount, &file.Status, &file.Partition, &file.Strategy)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", fileID, err)
	}

	file.UploadTime, _ = time.Parse(time.RFC3339, uploadTime)
	return &file, nil
}

func (s *SQLiteStore) FileExists(ctx context.Context, fileID string) (bool, error) {
	if err := s.ensureInit(ctx); err != nil {
		return false, err
	}

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE file_id = ?`, fileID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check file %s: %w", fileID, err)
	}
	return true, nil
}

func (s *SQLiteStore) ListFiles(ctx context.Context, userID string) ([]*FileRecord, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, filename, file_type, file_size, user_id, upload_time, chunk_count, status, partition, strategy
		 FROM files WHERE user_id = ? ORDER BY upload_time DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*FileRecord
	for rows.Next() {
		var file FileRecord
		var uploadTime string
		if err := rows.Scan(&file.FileID, &file.Filename, &file.FileType, &file.FileSize, &file.UserID,
			&uploadTime, &file.ChunkCount, &file.Status, &file.Partition, &file.Strategy); err != nil {
			return nil, fmt.Errorf("failed to scan file row: %w", err)
		}
		file.UploadTime, _ = time.Parse(time.RFC3339, uploadTime)
		files = append(files, &file)
	}
	return files, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, fileID, status string) error {
	if err := s.ensureInit(ctx); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE files SET status = ? WHERE file_id = ?`, status, fileID)
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AddChunks(ctx context.Context, chunks []ChunkRecord) error {
	if err := s.ensureInit(ctx); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (file_id, chunk_index, level, content, start_offset, end_offset, content_hash, word_count, position_ratio)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.FileID, c.ChunkIndex, c.Level, c.Content,
			c.StartOffset, c.EndOffset, c.ContentHash, c.WordCount, c.PositionRatio); err != nil {
			return fmt.Errorf("failed to insert chunk %d of %s: %w", c.ChunkIndex, c.FileID, err)
		}
	}

	// chunk_count tracks the chunk rows, kept in sync within the same transaction.
	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET chunk_count = (SELECT COUNT(*) FROM chunks WHERE file_id = ?) WHERE file_id = ?`,
		chunks[0].FileID, chunks[0].FileID); err != nil {
		return fmt.Errorf("failed to update chunk count: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetChunks(ctx context.Context, fileID string) ([]ChunkRecord, error) {
	if err := s.ensureInit(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id, chunk_index, level, content, start_offset, end_offset, content_hash, word_count, position_ratio
		 FROM chunks WHERE file_id = ? ORDER BY chunk_index`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks of %s: %w", fileID, err)
	}
	defer rows.Close()

	var chunks []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		if err := rows.Scan(&c.FileID, &c.ChunkIndex, &c.Level, &c.Content,
			&c.StartOffset, &c.EndOffset, &c.ContentHash, &c.WordCount, &c.PositionRatio); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID string) error {
	if err := s.ensureInit(ctx); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("failed to delete file %s: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
