package rag

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/docaihq/docai/pkg/config"
	"github.com/docaihq/docai/pkg/errs"
	"github.com/docaihq/docai/pkg/history"
	"github.com/docaihq/docai/pkg/llm"
	"github.com/docaihq/docai/pkg/metrics"
	"github.com/docaihq/docai/pkg/sse"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Request is one chat invocation after API-level validation. A negative
// Temperature means the caller left it unset; an explicit 0 is honored.
type Request struct {
	SessionID       string
	UserID          string
	Query           string
	FileIDs         []string
	Locale          string
	Temperature     float64
	TopK            int
	EnableExpansion bool
}

// Result is the non-streaming answer shape.
type Result struct {
	SessionID         string   `json:"session_id"`
	Query             string   `json:"query"`
	Answer            string   `json:"answer"`
	ContextCount      int      `json:"context_count"`
	ExpandedQuestions []string `json:"expanded_questions"`
	TokenCount        int      `json:"token_count"`
}

// EventSink receives orchestrator events. Send blocks when the transport
// buffer is full, which is the backpressure path back to the LLM stream.
type EventSink interface {
	Send(ctx context.Context, ev sse.Event) error
}

// StreamLLM is the LLM surface the orchestrator drives.
type StreamLLM interface {
	ChatLLM
	ChatStream(ctx context.Context, messages []llm.Message, temperature float64) (*llm.Stream, error)
}

// Orchestrator runs the five phase pipeline: query understanding, parallel
// retrieval, context assembly, generation, post-processing.
type Orchestrator struct {
	expander  *Expander
	retriever *Retriever
	prompts   *PromptBuilder
	llm       StreamLLM
	sessions  history.Store
	llmSlots  *semaphore.Weighted
	cfg       *config.Config
}

func NewOrchestrator(expander *Expander, retriever *Retriever, prompts *PromptBuilder, streamLLM StreamLLM, sessions history.Store, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		expander:  expander,
		retriever: retriever,
		prompts:   prompts,
		llm:       streamLLM,
		sessions:  sessions,
		llmSlots:  semaphore.NewWeighted(int64(cfg.LLMParallelism)),
		cfg:       cfg,
	}
}

func (o *Orchestrator) normalize(req *Request) {
	if req.SessionID == "" {
		req.SessionID = "session_" + uuid.NewString()
	}
	if req.Locale != "en" {
		req.Locale = "zh"
	}
	if req.Temperature < 0 {
		req.Temperature = o.cfg.LLMTemperature
	}
	if req.Temperature > 2 {
		req.Temperature = 2
	}
	if req.TopK <= 0 {
		req.TopK = o.cfg.DefaultTopK
	}
	if req.TopK > 20 {
		req.TopK = 20
	}
}

// Run streams the pipeline into the sink. The stream always terminates with
// exactly one complete or one error event, except on client cancellation
// where it terminates silently after persisting the truncated transcript.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink EventSink) {
	o.normalize(&req)

	if err := o.run(ctx, req, sink); err != nil {
		if errors.Is(err, context.Canceled) || errs.KindOf(err) == errs.KindCancelled {
			metrics.QueryTotal.WithLabelValues("cancelled").Inc()
			slog.Info("chat stream cancelled by client", "session_id", req.SessionID)
			return
		}

		metrics.QueryTotal.WithLabelValues("error").Inc()
		kind := errs.KindOf(err)
		slog.Error("chat stream failed", "session_id", req.SessionID, "kind", kind, "error", err)

		// Best effort: the sink may already be gone.
		_ = sink.Send(ctx, sse.NewErrorEvent(string(kind), errs.Message(err), errs.IsRetriable(err)))
		return
	}

	metrics.QueryTotal.WithLabelValues("success").Inc()
}

func (o *Orchestrator) run(ctx context.Context, req Request, sink EventSink) error {
	// Phase 1: query understanding
	phaseStart := time.Now()
	if err := sink.Send(ctx, sse.NewProgressEvent(1, 0, "Query Understanding", "Analyzing user query...")); err != nil {
		return err
	}

	expansion := o.expand(ctx, req)
	queries := mergeQueries(expansion.SubQuestions, req.Query)

	// History is read before the current turn is written so the prompt never
	// carries the query twice.
	hist, err := o.sessions.GetMessages(ctx, req.SessionID, o.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("failed to load chat history, continuing without", "session_id", req.SessionID, "error", err)
		hist = nil
	}

	if err := o.sessions.AppendMessage(ctx, req.SessionID, history.Message{
		Role:      history.RoleUser,
		Content:   req.Query,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]interface{}{
			"file_ids":           req.FileIDs,
			"expanded_questions": expansion.SubQuestions,
		},
	}); err != nil {
		return errs.Wrap(errs.KindInternal, "failed to persist user message", err)
	}

	if err := sink.Send(ctx, sse.NewQueryExpansionEvent(req.Query, expansion.Intent, expansion.SubQuestions, expansion.CacheHit)); err != nil {
		return err
	}
	if err := sink.Send(ctx, sse.NewProgressEvent(1, 100, "Query Understanding", "Query expanded")); err != nil {
		return err
	}
	metrics.QueryPhaseDuration.WithLabelValues("query_understanding").Observe(time.Since(phaseStart).Seconds())

	// Phase 2: parallel retrieval
	phaseStart = time.Now()
	if err := sink.Send(ctx, sse.NewProgressEvent(2, 0, "Parallel Retrieval", "Retrieving relevant context from documents...")); err != nil {
		return err
	}

	retrieval, err := o.retriever.Retrieve(ctx, queries, req.FileIDs, req.TopK)
	if err != nil {
		return err
	}

	if err := sink.Send(ctx, sse.NewRetrievalCompleteEvent(len(retrieval.Hits), req.FileIDs)); err != nil {
		return err
	}
	if err := sink.Send(ctx, sse.NewProgressEvent(2, 100, "Parallel Retrieval", "Context retrieved")); err != nil {
		return err
	}
	metrics.QueryPhaseDuration.WithLabelValues("retrieval").Observe(time.Since(phaseStart).Seconds())

	// Phase 3: context assembly
	phaseStart = time.Now()
	if err := sink.Send(ctx, sse.NewProgressEvent(3, 0, "Context Assembly", "Building grounded prompt...")); err != nil {
		return err
	}

	messages := o.prompts.Build(req.Query, retrieval.Hits, hist, req.Locale)
	cited := o.prompts.ContextUsed(retrieval.Hits)

	if err := sink.Send(ctx, sse.NewProgressEvent(3, 100, "Context Assembly", "Prompt built with context and history")); err != nil {
		return err
	}
	metrics.QueryPhaseDuration.WithLabelValues("assembly").Observe(time.Since(phaseStart).Seconds())

	// Phase 4: generation
	phaseStart = time.Now()
	if err := sink.Send(ctx, sse.NewProgressEvent(4, 0, "Response Generation", "Generating answer from LLM...")); err != nil {
		return err
	}

	answer, genErr := o.generate(ctx, req, messages, sink)
	if genErr != nil {
		if answer != "" {
			o.persistAssistant(req.SessionID, answer, cited, retrieval.Partial, true)
		}
		return genErr
	}

	if err := sink.Send(ctx, sse.NewProgressEvent(4, 100, "Response Generation", "Answer generation complete")); err != nil {
		return err
	}

	sources := make([]sse.Source, len(cited))
	for i, h := range cited {
		sources[i] = sse.Source{FileID: h.FileID, ChunkIndex: h.ChunkIndex}
	}
	tokenCount := TokenCount(answer)
	if err := sink.Send(ctx, sse.NewMetadataEvent(sources, tokenCount)); err != nil {
		return err
	}
	metrics.QueryPhaseDuration.WithLabelValues("generation").Observe(time.Since(phaseStart).Seconds())

	// Phase 5: post-processing
	phaseStart = time.Now()
	if err := sink.Send(ctx, sse.NewProgressEvent(5, 0, "Post Processing", "Saving chat history...")); err != nil {
		return err
	}

	o.persistAssistant(req.SessionID, answer, cited, retrieval.Partial, false)

	if err := sink.Send(ctx, sse.NewProgressEvent(5, 100, "Post Processing", "Chat history saved")); err != nil {
		return err
	}
	metrics.QueryPhaseDuration.WithLabelValues("post_processing").Observe(time.Since(phaseStart).Seconds())

	return sink.Send(ctx, sse.NewCompleteEvent())
}

// generate streams the LLM answer, forwarding each token. The returned text
// is whatever accumulated before success, failure or cancellation.
func (o *Orchestrator) generate(ctx context.Context, req Request, messages []llm.Message, sink EventSink) (string, error) {
	if err := o.llmSlots.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer o.llmSlots.Release(1)

	stream, err := o.llm.ChatStream(ctx, messages, req.Temperature)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var answer []byte
	for token := range stream.Tokens() {
		answer = append(answer, token...)
		metrics.TokensStreamed.Inc()
		if err := sink.Send(ctx, sse.NewMarkdownTokenEvent(token)); err != nil {
			return string(answer), err
		}
	}
	if err := stream.Err(); err != nil {
		return string(answer), err
	}
	return string(answer), nil
}

// persistAssistant writes the assistant turn. It uses a fresh context so the
// transcript survives client disconnects.
func (o *Orchestrator) persistAssistant(sessionID, answer string, cited []Hit, partialRetrieval, truncated bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sources := make([]map[string]interface{}, len(cited))
	for i, h := range cited {
		sources[i] = map[string]interface{}{"file_id": h.FileID, "chunk_index": h.ChunkIndex}
	}
	meta := map[string]interface{}{
		"sources":       sources,
		"context_count": len(cited),
		"truncated":     truncated,
	}
	if partialRetrieval {
		meta["partial_retrieval"] = true
	}

	if err := o.sessions.AppendMessage(ctx, sessionID, history.Message{
		Role:      history.RoleAssistant,
		Content:   answer,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	}); err != nil {
		slog.Error("failed to persist assistant message", "session_id", sessionID, "error", err)
	}
}

// Answer runs the same pipeline without streaming, for clients that cannot
// consume SSE.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (*Result, error) {
	o.normalize(&req)

	expansion := o.expand(ctx, req)
	queries := mergeQueries(expansion.SubQuestions, req.Query)

	hist, err := o.sessions.GetMessages(ctx, req.SessionID, o.cfg.HistoryLimit)
	if err != nil {
		hist = nil
	}

	if err := o.sessions.AppendMessage(ctx, req.SessionID, history.Message{
		Role:      history.RoleUser,
		Content:   req.Query,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]interface{}{
			"file_ids":           req.FileIDs,
			"expanded_questions": expansion.SubQuestions,
		},
	}); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to persist user message", err)
	}

	retrieval, err := o.retriever.Retrieve(ctx, queries, req.FileIDs, req.TopK)
	if err != nil {
		return nil, err
	}

	messages := o.prompts.Build(req.Query, retrieval.Hits, hist, req.Locale)
	cited := o.prompts.ContextUsed(retrieval.Hits)

	if err := o.llmSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	answer, err := o.llm.Chat(ctx, messages, req.Temperature, false)
	o.llmSlots.Release(1)
	if err != nil {
		return nil, err
	}

	o.persistAssistant(req.SessionID, answer, cited, retrieval.Partial, false)
	metrics.QueryTotal.WithLabelValues("success").Inc()

	return &Result{
		SessionID:         req.SessionID,
		Query:             req.Query,
		Answer:            answer,
		ContextCount:      len(cited),
		ExpandedQuestions: expansion.SubQuestions,
		TokenCount:        TokenCount(answer),
	}, nil
}

// expand runs query understanding, or the identity expansion when disabled.
func (o *Orchestrator) expand(ctx context.Context, req Request) *Expansion {
	if !req.EnableExpansion {
		return &Expansion{
			OriginalQuery: req.Query,
			Intent:        "direct",
			SubQuestions:  []string{req.Query},
		}
	}
	exp, err := o.expander.Expand(ctx, req.Query, req.Locale)
	if err != nil || exp == nil {
		return &Expansion{
			OriginalQuery: req.Query,
			Intent:        "direct",
			SubQuestions:  []string{req.Query},
		}
	}
	return exp
}

// mergeQueries appends the original query to the sub-questions unless it is
// already among them.
func mergeQueries(subQuestions []string, original string) []string {
	for _, q := range subQuestions {
		if q == original {
			return subQuestions
		}
	}
	return append(append([]string{}, subQuestions...), original)
}
