package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docaihq/docai/pkg/cache"
	"github.com/docaihq/docai/pkg/config"
	"github.com/docaihq/docai/pkg/history"
	"github.com/docaihq/docai/pkg/ingest"
	"github.com/docaihq/docai/pkg/llm"
	"github.com/docaihq/docai/pkg/metadata"
	"github.com/docaihq/docai/pkg/rag"
	"github.com/docaihq/docai/pkg/vectordb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUserID  = "11111111-1111-4111-8111-111111111111"
	otherUserID = "22222222-2222-4222-8222-222222222222"
)

const expansionJSON = `{"intent": "explanation", "sub_questions": ["What is covered?", "What are the details?", "What is the summary?"], "reasoning": "aspects"}`

type fixedEmbedder struct{}

func (fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0.5, 0.25, 0}
	}
	return out, nil
}

func (fixedEmbedder) Ping(ctx context.Context) error { return nil }

// openAIStub answers expansion calls with canned JSON and streaming calls
// with a fixed token sequence.
func openAIStub(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)

		if stream, _ := body["stream"].(bool); !stream {
			resp := map[string]interface{}{
				"choices": []map[string]interface{}{
					{"message": map[string]string{"role": "assistant", "content": expansionJSON}},
				},
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(resp)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, token := range []string{"The document ", "covers testing."} {
			chunk := map[string]interface{}{
				"choices": []map[string]interface{}{
					{"delta": map[string]string{"content": token}},
				},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)
	return server
}

func metadataStore(t *testing.T) (metadata.Store, error) {
	t.Helper()
	store, err := metadata.NewSQLiteStore(filepath.Join(t.TempDir(), "meta.db"))
	if err == nil {
		t.Cleanup(func() { store.Close() })
	}
	return store, err
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	llmServer := openAIStub(t)

	cfg := &config.Config{
		ListenAddr:          ":0",
		UploadDir:           t.TempDir(),
		UploadTimeout:       30,
		QueryTimeout:        30,
		MaxQueryLength:      2000,
		MaxFileSize:         1 << 20,
		ChunkingStrategy:    "hierarchical",
		HierarchicalSizes:   []int{400, 200, 100},
		HierarchicalOverlap: 40,
		EmbeddingBatchSize:  64,
		LLMBaseURL:          llmServer.URL,
		LLMModel:            "test-model",
		LLMTemperature:      0.7,
		LLMParallelism:      4,
		LLMIdleTimeout:      5,
		ContextBudgetChars:  6000,
		HistoryLimit:        10,
		DefaultTopK:         5,
		SSEHeartbeatSeconds: 15,
		SSEBufferSize:       64,
	}

	meta, err := metadataStore(t)
	require.NoError(t, err)

	vectors := vectordb.NewMemoryProvider()
	c := cache.NewMemoryCache()
	sessions := history.NewMemoryStore()
	embedder := fixedEmbedder{}
	llmClient := llm.NewClient(cfg)

	pipeline := ingest.NewPipeline(meta, vectors, embedder, cfg)
	orchestrator := rag.NewOrchestrator(
		rag.NewExpander(llmClient, c, 0.3, time.Hour),
		rag.NewRetriever(vectors, embedder, c, time.Minute),
		rag.NewPromptBuilder(cfg.ContextBudgetChars, cfg.HistoryLimit),
		llmClient,
		sessions,
		cfg,
	)

	return New(cfg, pipeline, orchestrator, meta, sessions, vectors, c, embedder, llmClient)
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func uploadFile(t *testing.T, s *Server, filename string, content []byte, user string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User-ID", user)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func docContent() []byte {
	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "Section %d explains a distinct topic in enough detail to chunk.\n\n", i)
	}
	return []byte(b.String())
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "detail")
	return body["detail"]
}

func TestUploadSuccess(t *testing.T) {
	s := newTestServer(t)
	rec := uploadFile(t, s, "guide.txt", docContent(), testUserID)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Regexp(t, `^file_\d+_[0-9a-f]{8}_[0-9a-f]{8}$`, resp.FileID)
	assert.Equal(t, "guide.txt", resp.Filename)
	assert.Equal(t, "completed", resp.EmbeddingStatus)
	assert.Greater(t, resp.ChunkCount, 0)
}

func TestUploadRequiresValidUserID(t *testing.T) {
	s := newTestServer(t)

	for _, uid := range []string{"", "not-a-uuid", "11111111-1111-1111-8111-111111111111"} {
		rec := uploadFile(t, s, "guide.txt", docContent(), uid)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "user id %q", uid)
		detail := decodeDetail(t, rec)
		assert.Equal(t, "ValidationError", detail["error"])
	}
}

func TestUploadUnsupportedType(t *testing.T) {
	s := newTestServer(t)
	rec := uploadFile(t, s, "slides.pptx", docContent(), testUserID)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeDetail(t, rec)
	assert.Contains(t, detail["message"], "Unsupported file type")
}

func TestUploadTooLarge(t *testing.T) {
	s := newTestServer(t)
	big := bytes.Repeat([]byte("a"), int(s.cfg.MaxFileSize)+1)
	rec := uploadFile(t, s, "big.txt", big, testUserID)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	detail := decodeDetail(t, rec)
	assert.Equal(t, "ValidationError", detail["error"])
}

func TestChatRequiresFileIDs(t *testing.T) {
	s := newTestServer(t)

	body := `{"query": "hello", "file_ids": []}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", strings.NewReader(body))
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeDetail(t, rec)
	assert.Equal(t, "ValidationError", detail["error"])
	assert.Equal(t, "At least one file_id is required", detail["message"])
}

func TestChatQueryLengthLimit(t *testing.T) {
	s := newTestServer(t)

	body := fmt.Sprintf(`{"query": %q, "file_ids": ["f1"]}`, strings.Repeat("x", 2001))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func uploadedFileID(t *testing.T, s *Server) string {
	t.Helper()
	rec := uploadFile(t, s, "guide.txt", docContent(), testUserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.FileID
}

func TestChatQueryLengthCountsRunes(t *testing.T) {
	s := newTestServer(t)
	fileID := uploadedFileID(t, s)

	// 1500 CJK runes are well over 2000 bytes but within the query limit.
	body := fmt.Sprintf(`{"query": %q, "file_ids": [%q]}`, strings.Repeat("问", 1500), fileID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body = fmt.Sprintf(`{"query": %q, "file_ids": [%q]}`, strings.Repeat("问", 2001), fileID)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("X-User-ID", testUserID)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatTemperatureValidation(t *testing.T) {
	s := newTestServer(t)
	fileID := uploadedFileID(t, s)

	// An explicit zero is a valid deterministic setting.
	body := fmt.Sprintf(`{"query": "summarize", "file_ids": [%q], "temperature": 0}`, fileID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body = fmt.Sprintf(`{"query": "summarize", "file_ids": [%q], "temperature": 2.5}`, fileID)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("X-User-ID", testUserID)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatForeignFileReadsNotFound(t *testing.T) {
	s := newTestServer(t)
	fileID := uploadedFileID(t, s)

	body := fmt.Sprintf(`{"query": "summarize", "file_ids": [%q]}`, fileID)
	for _, path := range []string{"/api/v1/chat", "/api/v1/chat/stream"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("X-User-ID", otherUserID)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestChatUnknownFileStreamsEmptyContext(t *testing.T) {
	s := newTestServer(t)

	body := `{"query": "summarize", "file_ids": ["file_0_deadbeef_deadbeef"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", strings.NewReader(body))
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	stream := rec.Body.String()
	assert.Contains(t, stream, `"chunk_count":0`)
	assert.Zero(t, strings.Count(stream, "event: error\n"))
	assert.True(t, strings.HasSuffix(stream, "event: complete\ndata: {}\n\n"))
}

func TestChatStreamEndToEnd(t *testing.T) {
	s := newTestServer(t)
	fileID := uploadedFileID(t, s)

	body := fmt.Sprintf(`{"query": "what does the document cover?", "session_id": "session_e2e", "file_ids": [%q], "locale": "en"}`, fileID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", strings.NewReader(body))
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))

	stream := rec.Body.String()
	assert.Contains(t, stream, "event: query_expansion\n")
	assert.Contains(t, stream, "event: retrieval_complete\n")
	assert.Contains(t, stream, "event: markdown_token\n")
	assert.Contains(t, stream, "event: metadata\n")
	assert.True(t, strings.HasSuffix(stream, "event: complete\ndata: {}\n\n"),
		"stream must terminate with the complete event")
	assert.Equal(t, 1, strings.Count(stream, "event: complete\n"))
	assert.Zero(t, strings.Count(stream, "event: error\n"))

	// Token order is preserved in the concatenated answer.
	first := strings.Index(stream, `"token":"The document "`)
	second := strings.Index(stream, `"token":"covers testing."`)
	require.Greater(t, first, -1)
	require.Greater(t, second, first)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	fileID := uploadedFileID(t, s)

	body := fmt.Sprintf(`{"query": "summarize", "session_id": "session_life", "file_ids": [%q]}`, fileID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/session_life", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var session struct {
		SessionID string            `json:"session_id"`
		Messages  []history.Message `json:"messages"`
		Count     int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, 2, session.Count)
	assert.Equal(t, history.RoleUser, session.Messages[0].Role)
	assert.Equal(t, history.RoleAssistant, session.Messages[1].Role)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/session_life", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/session_life", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Zero(t, session.Count)
}

func TestFileListAndDelete(t *testing.T) {
	s := newTestServer(t)
	fileID := uploadedFileID(t, s)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.Header.Set("X-User-ID", testUserID)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Files []fileInfo `json:"files"`
		Count int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, fileID, listing.Files[0].FileID)

	// Another user's delete reads as not found.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+fileID, nil)
	req.Header.Set("X-User-ID", otherUserID)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+fileID, nil)
	req.Header.Set("X-User-ID", testUserID)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+fileID, nil)
	req.Header.Set("X-User-ID", testUserID)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status   string          `json:"status"`
		Services map[string]bool `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	for _, name := range []string{"cache", "vector", "metadata", "sessions", "embedding", "llm"} {
		alive, ok := health.Services[name]
		require.True(t, ok, "service %s missing from health report", name)
		assert.True(t, alive, "service %s", name)
	}
}
