package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/docaihq/docai/pkg/cache"
	"github.com/docaihq/docai/pkg/config"
	"github.com/docaihq/docai/pkg/history"
	"github.com/docaihq/docai/pkg/llm"
	"github.com/docaihq/docai/pkg/sse"
	"github.com/docaihq/docai/pkg/vectordb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectSink records every event; onEvent fires after each append.
type collectSink struct {
	mu      sync.Mutex
	events  []sse.Event
	onEvent func(sse.Event)
}

func (s *collectSink) Send(ctx context.Context, ev sse.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if s.onEvent != nil {
		s.onEvent(ev)
	}
	return nil
}

func (s *collectSink) typed(eventType string) []sse.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sse.Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (s *collectSink) last() sse.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

// fakeLLM serves both the expansion call and the streaming generation on an
// OpenAI-compatible surface. The last streaming request's messages are kept
// for prompt assertions.
type fakeLLM struct {
	tokens     []string
	chatCalls  int
	blockAfter int // stall after this many tokens until the client goes away

	mu             sync.Mutex
	streamMessages []map[string]interface{}
}

func (f *fakeLLM) lastStreamMessages() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamMessages
}

func (f *fakeLLM) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)

		if stream, _ := body["stream"].(bool); !stream {
			f.chatCalls++
			resp := map[string]interface{}{
				"choices": []map[string]interface{}{
					{"message": map[string]string{"role": "assistant", "content": goodExpansion}},
				},
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(resp)
			return
		}

		f.mu.Lock()
		f.streamMessages = nil
		if raw, ok := body["messages"].([]interface{}); ok {
			for _, m := range raw {
				if msg, ok := m.(map[string]interface{}); ok {
					f.streamMessages = append(f.streamMessages, msg)
				}
			}
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i, token := range f.tokens {
			if f.blockAfter > 0 && i == f.blockAfter {
				<-r.Context().Done()
				return
			}
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
		flusher.Flush()
	}
}

func newTestOrchestrator(t *testing.T, f *fakeLLM, db vectordb.Provider) (*Orchestrator, history.Store) {
	t.Helper()
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)

	cfg := &config.Config{
		LLMBaseURL:           server.URL,
		LLMModel:             "test-model",
		LLMTemperature:       0.7,
		LLMParallelism:       4,
		LLMIdleTimeout:       5,
		ExpansionTemperature: 0.3,
		ContextBudgetChars:   6000,
		HistoryLimit:         10,
		DefaultTopK:          5,
		CacheTTLExpansion:    3600,
		CacheTTLSearch:       1800,
	}

	client := llm.NewClient(cfg)
	c := cache.NewMemoryCache()
	sessions := history.NewMemoryStore()

	o := NewOrchestrator(
		NewExpander(client, c, cfg.ExpansionTemperature, time.Hour),
		NewRetriever(db, &unitEmbedder{}, c, time.Minute),
		NewPromptBuilder(cfg.ContextBudgetChars, cfg.HistoryLimit),
		client,
		sessions,
		cfg,
	)
	return o, sessions
}

func chatRequestFixture() Request {
	return Request{
		SessionID:       "session_test",
		UserID:          "u",
		Query:           "what is in the document?",
		FileIDs:         []string{"f1"},
		Locale:          "en",
		EnableExpansion: true,
	}
}

func TestOrchestratorEventSequence(t *testing.T) {
	db := vectordb.NewMemoryProvider()
	seedPartition(t, db, "f1", 3)

	f := &fakeLLM{tokens: []string{"The ", "answer ", "is 42."}}
	o, sessions := newTestOrchestrator(t, f, db)

	sink := &collectSink{}
	o.Run(context.Background(), chatRequestFixture(), sink)

	require.NotEmpty(t, sink.events)
	assert.Equal(t, sse.TypeComplete, sink.last().Type)
	assert.Len(t, sink.typed(sse.TypeComplete), 1)
	assert.Empty(t, sink.typed(sse.TypeError))

	tokens := sink.typed(sse.TypeMarkdownToken)
	require.Len(t, tokens, 3)

	// Phase numbers in progress events never go backwards.
	lastPhase := 0
	for _, ev := range sink.typed(sse.TypeProgress) {
		phase := ev.Data.(map[string]interface{})["phase"].(int)
		assert.GreaterOrEqual(t, phase, lastPhase)
		lastPhase = phase
	}
	assert.Equal(t, 5, lastPhase)

	expansions := sink.typed(sse.TypeQueryExpansion)
	require.Len(t, expansions, 1)
	retrievals := sink.typed(sse.TypeRetrievalComplete)
	require.Len(t, retrievals, 1)

	meta := sink.typed(sse.TypeMetadata)
	require.Len(t, meta, 1)
	assert.Greater(t, meta[0].Data.(map[string]interface{})["token_count"].(int), 0)

	msgs, err := sessions.GetMessages(context.Background(), "session_test", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
	assert.Equal(t, history.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "The answer is 42.", msgs[1].Content)
	assert.Equal(t, false, msgs[1].Metadata["truncated"])
}

func TestOrchestratorRetrievalFailureEndsWithError(t *testing.T) {
	db := &flakyProvider{MemoryProvider: vectordb.NewMemoryProvider(), failPartition: "file_f1"}

	f := &fakeLLM{tokens: []string{"unused"}}
	o, _ := newTestOrchestrator(t, f, db)

	sink := &collectSink{}
	o.Run(context.Background(), chatRequestFixture(), sink)

	last := sink.last()
	require.Equal(t, sse.TypeError, last.Type)
	payload := last.Data.(map[string]interface{})
	assert.Equal(t, "RetrievalUnavailable", payload["kind"])
	assert.Equal(t, true, payload["retriable"])
	assert.Empty(t, sink.typed(sse.TypeComplete))
}

func TestOrchestratorDeletedFileStreamsEmptyContext(t *testing.T) {
	db := vectordb.NewMemoryProvider() // partition file_f1 never created

	f := &fakeLLM{tokens: []string{"I cannot find that information."}}
	o, _ := newTestOrchestrator(t, f, db)

	sink := &collectSink{}
	o.Run(context.Background(), chatRequestFixture(), sink)

	assert.Empty(t, sink.typed(sse.TypeError), "a missing partition is not a retrieval failure")
	assert.Equal(t, sse.TypeComplete, sink.last().Type)

	retrievals := sink.typed(sse.TypeRetrievalComplete)
	require.Len(t, retrievals, 1)
	assert.Equal(t, 0, retrievals[0].Data.(map[string]interface{})["chunk_count"])
}

func TestOrchestratorPromptCarriesQueryOnce(t *testing.T) {
	db := vectordb.NewMemoryProvider()
	seedPartition(t, db, "f1", 2)

	f := &fakeLLM{tokens: []string{"ok"}}
	o, _ := newTestOrchestrator(t, f, db)

	req := chatRequestFixture()
	sink := &collectSink{}
	o.Run(context.Background(), req, sink)
	require.Equal(t, sse.TypeComplete, sink.last().Type)

	occurrences := 0
	for _, msg := range f.lastStreamMessages() {
		if msg["role"] == "user" && msg["content"] == req.Query {
			occurrences++
		}
	}
	assert.Equal(t, 1, occurrences, "the current query must appear exactly once in the prompt")
}

func TestNormalizeTemperature(t *testing.T) {
	db := vectordb.NewMemoryProvider()
	o, _ := newTestOrchestrator(t, &fakeLLM{}, db)

	req := chatRequestFixture()
	req.Temperature = -1
	o.normalize(&req)
	assert.Equal(t, 0.7, req.Temperature, "unset temperature takes the configured default")

	req = chatRequestFixture()
	req.Temperature = 0
	o.normalize(&req)
	assert.Equal(t, float64(0), req.Temperature, "an explicit zero survives")

	req = chatRequestFixture()
	req.Temperature = 3
	o.normalize(&req)
	assert.Equal(t, float64(2), req.Temperature)
}

func TestOrchestratorCancellationPersistsTruncated(t *testing.T) {
	db := vectordb.NewMemoryProvider()
	seedPartition(t, db, "f1", 2)

	f := &fakeLLM{tokens: []string{"Partial ", "never-sent"}, blockAfter: 1}
	o, sessions := newTestOrchestrator(t, f, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &collectSink{}
	sink.onEvent = func(ev sse.Event) {
		if ev.Type == sse.TypeMarkdownToken {
			cancel()
		}
	}

	o.Run(ctx, chatRequestFixture(), sink)

	assert.Empty(t, sink.typed(sse.TypeComplete), "cancelled streams emit no complete")
	assert.Empty(t, sink.typed(sse.TypeError), "cancellation is not an error event")

	msgs, err := sessions.GetMessages(context.Background(), "session_test", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assistant := msgs[1]
	assert.Equal(t, "Partial ", assistant.Content)
	assert.Equal(t, true, assistant.Metadata["truncated"])
}

func TestOrchestratorExpansionDisabled(t *testing.T) {
	db := vectordb.NewMemoryProvider()
	seedPartition(t, db, "f1", 2)

	f := &fakeLLM{tokens: []string{"ok"}}
	o, _ := newTestOrchestrator(t, f, db)

	req := chatRequestFixture()
	req.EnableExpansion = false

	sink := &collectSink{}
	o.Run(context.Background(), req, sink)

	expansions := sink.typed(sse.TypeQueryExpansion)
	require.Len(t, expansions, 1)
	payload := expansions[0].Data.(map[string]interface{})
	assert.Equal(t, []string{req.Query}, payload["sub_questions"])
	assert.Equal(t, 0, f.chatCalls, "no expansion LLM call when disabled")
}

func TestOrchestratorAnswerNonStreaming(t *testing.T) {
	db := vectordb.NewMemoryProvider()
	seedPartition(t, db, "f1", 2)

	f := &fakeLLM{}
	o, sessions := newTestOrchestrator(t, f, db)

	res, err := o.Answer(context.Background(), chatRequestFixture())
	require.NoError(t, err)

	assert.Equal(t, "session_test", res.SessionID)
	assert.NotEmpty(t, res.Answer)
	assert.Len(t, res.ExpandedQuestions, 3)
	assert.Greater(t, res.ContextCount, 0)

	msgs, err := sessions.GetMessages(context.Background(), "session_test", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestOrchestratorGeneratesSessionID(t *testing.T) {
	db := vectordb.NewMemoryProvider()
	seedPartition(t, db, "f1", 2)

	f := &fakeLLM{tokens: []string{"ok"}}
	o, _ := newTestOrchestrator(t, f, db)

	req := chatRequestFixture()
	req.SessionID = ""

	sink := &collectSink{}
	o.Run(context.Background(), req, sink)

	assert.Equal(t, sse.TypeComplete, sink.last().Type)
}

func TestMergeQueries(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "q"}, mergeQueries([]string{"a", "b"}, "q"))
	assert.Equal(t, []string{"a", "q"}, mergeQueries([]string{"a", "q"}, "q"))
}
