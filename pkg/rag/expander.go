// Package rag implements the answer pipeline: query expansion, parallel
// retrieval, grounded prompt assembly and phase orchestration.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docaihq/docai/pkg/cache"
	"github.com/docaihq/docai/pkg/llm"
	"github.com/docaihq/docai/pkg/metrics"
	"golang.org/x/text/unicode/norm"
)

// Expansion is the structured result of query understanding.
type Expansion struct {
	OriginalQuery string   `json:"original_query"`
	Intent        string   `json:"intent"`
	SubQuestions  []string `json:"sub_questions"`
	Reasoning     string   `json:"reasoning"`
	CacheHit      bool     `json:"cache_hit"`
}

// ChatLLM is the non-streaming slice of the LLM client the expander needs.
type ChatLLM interface {
	Chat(ctx context.Context, messages []llm.Message, temperature float64, jsonMode bool) (string, error)
}

// Expander broadens a user query into sub-questions for retrieval. The
// expansion never gates the request: any failure degrades to the original
// query.
type Expander struct {
	llm         ChatLLM
	cache       cache.Cache
	temperature float64
	cacheTTL    time.Duration
}

func NewExpander(chatLLM ChatLLM, c cache.Cache, temperature float64, cacheTTL time.Duration) *Expander {
	return &Expander{llm: chatLLM, cache: c, temperature: temperature, cacheTTL: cacheTTL}
}

const expansionPrompt = `Analyze the following user query and break it down for document retrieval.

User Query: %s

Respond with a JSON object with exactly these keys:
{
  "intent": "one of: definition_seeking, how_to, comparison, explanation, troubleshooting, direct",
  "sub_questions": ["3 to 5 standalone questions that together cover the query"],
  "reasoning": "one sentence explaining the decomposition"
}

Each sub-question must be answerable from a document on its own. Respond with ONLY the JSON object, no additional text.`

const expansionReprompt = `Your previous reply was not valid JSON. %s

Return ONLY a JSON object of the form {"intent": "...", "sub_questions": ["...", "...", "..."], "reasoning": "..."} with 3 to 5 sub_questions. No markdown fences, no commentary.`

// Expand returns the cached expansion for the normalized query, or asks the
// LLM for one. A parse failure gets one stricter re-prompt; after that the
// degenerate single-question expansion is returned instead of an error.
func (e *Expander) Expand(ctx context.Context, query, locale string) (*Expansion, error) {
	key := cache.ExpansionKey(normalizeQuery(query) + "|" + locale)

	if data, ok, err := e.cache.Get(ctx, key); err != nil {
		slog.Warn("expansion cache read failed", "error", err)
	} else if ok {
		var exp Expansion
		if err := json.Unmarshal(data, &exp); err == nil {
			exp.OriginalQuery = query
			exp.CacheHit = true
			metrics.ExpansionCacheHits.WithLabelValues("hit").Inc()
			return &exp, nil
		}
		slog.Warn("discarding undecodable cached expansion", "key", key)
	}
	metrics.ExpansionCacheHits.WithLabelValues("miss").Inc()

	sanitized := sanitizeQuery(query)

	exp := e.requestExpansion(ctx, fmt.Sprintf(expansionPrompt, sanitized))
	if exp == nil {
		exp = e.requestExpansion(ctx, fmt.Sprintf(expansionReprompt, fmt.Sprintf("The query was: %s", sanitized)))
	}
	if exp == nil {
		slog.Warn("query expansion failed twice, using degenerate expansion", "query_len", len(query))
		return &Expansion{
			OriginalQuery: query,
			Intent:        "direct",
			SubQuestions:  []string{query},
		}, nil
	}

	exp.OriginalQuery = query

	if data, err := json.Marshal(exp); err == nil {
		if err := e.cache.Set(ctx, key, data, e.cacheTTL); err != nil {
			slog.Warn("expansion cache write failed", "error", err)
		}
	}

	return exp, nil
}

// requestExpansion performs one LLM round trip and validates the schema.
// Returns nil when the call or the parse fails.
func (e *Expander) requestExpansion(ctx context.Context, prompt string) *Expansion {
	raw, err := e.llm.Chat(ctx, []llm.Message{
		{Role: "user", Content: prompt},
	}, e.temperature, true)
	if err != nil {
		slog.Warn("expansion LLM call failed", "error", err)
		return nil
	}

	var exp Expansion
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &exp); err != nil {
		slog.Warn("expansion response is not valid JSON", "error", err)
		return nil
	}
	if exp.Intent == "" || len(exp.SubQuestions) < 3 || len(exp.SubQuestions) > 5 {
		slog.Warn("expansion response failed schema validation",
			"intent", exp.Intent, "sub_questions", len(exp.SubQuestions))
		return nil
	}
	for _, q := range exp.SubQuestions {
		if strings.TrimSpace(q) == "" {
			return nil
		}
	}
	return &exp
}

// normalizeQuery applies NFKC, trims and lowercases, so cache keys are stable
// across cosmetic variations of the same query.
func normalizeQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(query)))
}

// extractJSONObject returns the first balanced {...} span, tolerating models
// that wrap the object in prose or markdown fences.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}
