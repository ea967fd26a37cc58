// Package sse carries the orchestrator's event stream to the HTTP response
// in text/event-stream framing.
package sse

import "encoding/json"

// Event types emitted during one chat stream.
const (
	TypeProgress          = "progress"
	TypeQueryExpansion    = "query_expansion"
	TypeRetrievalComplete = "retrieval_complete"
	TypeMarkdownToken     = "markdown_token"
	TypeMetadata          = "metadata"
	TypePing              = "ping"
	TypeComplete          = "complete"
	TypeError             = "error"
)

// Event is one SSE frame: a type plus a JSON-encodable payload.
type Event struct {
	Type string
	Data interface{}
}

// MarshalData renders the payload. A nil payload becomes the empty object so
// every frame carries valid JSON.
func (e Event) MarshalData() ([]byte, error) {
	if e.Data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Data)
}

// Source identifies one context chunk cited in the answer.
type Source struct {
	FileID     string `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// NewProgressEvent reports phase transitions (phase 1..5, progress 0..100).
func NewProgressEvent(phase, progress int, phaseName, message string) Event {
	return Event{Type: TypeProgress, Data: map[string]interface{}{
		"phase":      phase,
		"phase_name": phaseName,
		"progress":   progress,
		"message":    message,
	}}
}

// NewQueryExpansionEvent reports the sub-questions retrieval will run with.
func NewQueryExpansionEvent(originalQuery, intent string, subQuestions []string, cacheHit bool) Event {
	return Event{Type: TypeQueryExpansion, Data: map[string]interface{}{
		"original_query": originalQuery,
		"intent":         intent,
		"sub_questions":  subQuestions,
		"cache_hit":      cacheHit,
	}}
}

// NewRetrievalCompleteEvent reports how much context was found.
func NewRetrievalCompleteEvent(chunkCount int, fileIDs []string) Event {
	return Event{Type: TypeRetrievalComplete, Data: map[string]interface{}{
		"chunk_count": chunkCount,
		"file_ids":    fileIDs,
	}}
}

// NewMarkdownTokenEvent carries one LLM token for progressive rendering.
func NewMarkdownTokenEvent(token string) Event {
	return Event{Type: TypeMarkdownToken, Data: map[string]interface{}{
		"token": token,
	}}
}

// NewMetadataEvent reports the cited sources and the answer's token count.
func NewMetadataEvent(sources []Source, tokenCount int) Event {
	if sources == nil {
		sources = []Source{}
	}
	return Event{Type: TypeMetadata, Data: map[string]interface{}{
		"sources":     sources,
		"token_count": tokenCount,
	}}
}

// NewPingEvent is the heartbeat frame.
func NewPingEvent() Event {
	return Event{Type: TypePing}
}

// NewCompleteEvent terminates a successful stream.
func NewCompleteEvent() Event {
	return Event{Type: TypeComplete}
}

// NewErrorEvent terminates a failed stream.
func NewErrorEvent(kind, message string, retriable bool) Event {
	return Event{Type: TypeError, Data: map[string]interface{}{
		"kind":      kind,
		"message":   message,
		"retriable": retriable,
	}}
}
