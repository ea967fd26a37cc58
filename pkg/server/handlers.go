package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/docaihq/docai/pkg/errs"
	"github.com/docaihq/docai/pkg/metadata"
	"github.com/docaihq/docai/pkg/rag"
	"github.com/docaihq/docai/pkg/sse"
	"github.com/go-chi/chi/v5"
)

type uploadResponse struct {
	FileID          string `json:"file_id"`
	Filename        string `json:"filename"`
	FileSize        int64  `json:"file_size"`
	ChunkCount      int    `json:"chunk_count"`
	EmbeddingStatus string `json:"embedding_status"`
	Message         string `json:"message"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		validationError(w, r, "X-User-ID header must be a valid UUIDv4")
		return
	}

	// The multipart envelope adds overhead on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+10<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			writeError(w, r, errs.Validation("File too large", map[string]interface{}{
				"max_file_size": s.cfg.MaxFileSize,
			}))
			return
		}
		validationError(w, r, "multipart form field 'file' is required")
		return
	}
	defer file.Close()

	// Read once into memory; every downstream consumer works off this buffer.
	data, err := io.ReadAll(file)
	if err != nil {
		if isBodyTooLarge(err) {
			writeError(w, r, errs.Validation("File too large", map[string]interface{}{
				"max_file_size": s.cfg.MaxFileSize,
			}))
			return
		}
		writeError(w, r, errs.Wrap(errs.KindInternal, "failed to read upload", err))
		return
	}

	ctx := r.Context()
	if s.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.UploadTimeout)*time.Second)
		defer cancel()
	}

	result, err := s.pipeline.Ingest(ctx, data, header.Filename, uid)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		FileID:          result.FileID,
		Filename:        result.Filename,
		FileSize:        result.FileSize,
		ChunkCount:      result.ChunkCount,
		EmbeddingStatus: result.Status,
		Message:         fmt.Sprintf("File processed into %d chunks (%s)", result.ChunkCount, result.Strategy),
	})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

type chatRequest struct {
	Query           string   `json:"query"`
	SessionID       string   `json:"session_id"`
	FileIDs         []string `json:"file_ids"`
	Locale          string   `json:"locale"`
	Temperature     *float64 `json:"temperature"`
	TopK            int      `json:"top_k"`
	EnableExpansion *bool    `json:"enable_expansion"`
}

// parseChatRequest validates the shared chat body. It returns nil after
// writing the error response.
func (s *Server) parseChatRequest(w http.ResponseWriter, r *http.Request) *rag.Request {
	uid := userID(r)
	if uid == "" {
		validationError(w, r, "X-User-ID header must be a valid UUIDv4")
		return nil
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		validationError(w, r, "invalid JSON body")
		return nil
	}

	if len(body.FileIDs) == 0 {
		validationError(w, r, "At least one file_id is required")
		return nil
	}
	if body.Query == "" {
		validationError(w, r, "query must not be empty")
		return nil
	}
	if utf8.RuneCountInString(body.Query) > s.cfg.MaxQueryLength {
		validationError(w, r, fmt.Sprintf("query exceeds maximum length of %d characters", s.cfg.MaxQueryLength))
		return nil
	}
	if body.Temperature != nil && (*body.Temperature < 0 || *body.Temperature > 2) {
		validationError(w, r, "temperature must be within [0, 2]")
		return nil
	}
	if body.TopK < 0 || body.TopK > 20 {
		validationError(w, r, "top_k must be within [1, 20]")
		return nil
	}

	// Files of other users read as not found; ids that never existed degrade
	// to empty retrieval instead.
	for _, fileID := range body.FileIDs {
		rec, err := s.meta.GetFile(r.Context(), fileID)
		if errors.Is(err, metadata.ErrNotFound) {
			continue
		}
		if err != nil {
			writeError(w, r, err)
			return nil
		}
		if rec.UserID != uid {
			writeError(w, r, metadata.ErrNotFound)
			return nil
		}
	}

	enableExpansion := true
	if body.EnableExpansion != nil {
		enableExpansion = *body.EnableExpansion
	}

	// A negative temperature tells the pipeline the caller left it unset.
	temperature := -1.0
	if body.Temperature != nil {
		temperature = *body.Temperature
	}

	return &rag.Request{
		SessionID:       body.SessionID,
		UserID:          uid,
		Query:           body.Query,
		FileIDs:         body.FileIDs,
		Locale:          body.Locale,
		Temperature:     temperature,
		TopK:            body.TopK,
		EnableExpansion: enableExpansion,
	}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req := s.parseChatRequest(w, r)
	if req == nil {
		return
	}

	ctx := r.Context()
	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.QueryTimeout)*time.Second)
		defer cancel()
	}

	writer := sse.NewWriter(s.cfg.SSEBufferSize, time.Duration(s.cfg.SSEHeartbeatSeconds)*time.Second)

	go func() {
		s.orchestrator.Run(ctx, *req, writer)
		writer.CloseSend()
	}()

	if err := writer.Serve(ctx, w); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("sse stream ended abnormally", "error", err)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req := s.parseChatRequest(w, r)
	if req == nil {
		return
	}

	ctx := r.Context()
	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.QueryTimeout)*time.Second)
		defer cancel()
	}

	result, err := s.orchestrator.Answer(ctx, *req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	messages, err := s.sessions.GetMessages(r.Context(), sessionID, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
		"count":      len(messages),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	if err := s.sessions.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"message":    "session deleted",
	})
}

type fileInfo struct {
	FileID     string `json:"file_id"`
	Filename   string `json:"filename"`
	FileType   string `json:"file_type"`
	FileSize   int64  `json:"file_size"`
	ChunkCount int    `json:"chunk_count"`
	Status     string `json:"status"`
	UploadTime string `json:"upload_time"`
	Strategy   string `json:"strategy"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		validationError(w, r, "X-User-ID header must be a valid UUIDv4")
		return
	}

	records, err := s.meta.ListFiles(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return
	}

	files := make([]fileInfo, len(records))
	for i, rec := range records {
		files[i] = fileInfo{
			FileID:     rec.FileID,
			Filename:   rec.Filename,
			FileType:   rec.FileType,
			FileSize:   rec.FileSize,
			ChunkCount: rec.ChunkCount,
			Status:     rec.Status,
			UploadTime: rec.UploadTime.Format(time.RFC3339),
			Strategy:   rec.Strategy,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
		"count": len(files),
	})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		validationError(w, r, "X-User-ID header must be a valid UUIDv4")
		return
	}
	fileID := chi.URLParam(r, "file_id")

	if err := s.pipeline.Delete(r.Context(), fileID, uid); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"file_id": fileID,
		"message": "file deleted",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := map[string]bool{
		"cache":     s.cacheAlive(ctx),
		"vector":    s.vectors.Ping(ctx) == nil,
		"metadata":  s.meta.Ping(ctx) == nil,
		"sessions":  s.sessions.Ping(ctx) == nil,
		"embedding": s.embedProbe.Ping(ctx) == nil,
		"llm":       s.llmProbe.Ping(ctx) == nil,
	}

	status := "ok"
	code := http.StatusOK
	for _, alive := range services {
		if !alive {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}

// cacheAlive probes the cache with a throwaway key; the Cache interface has
// no dedicated ping.
func (s *Server) cacheAlive(ctx context.Context) bool {
	_, err := s.cache.Exists(ctx, "healthz")
	return err == nil
}
