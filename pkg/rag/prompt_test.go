package rag

import (
	"strings"
	"testing"
	"time"

	"github.com/docaihq/docai/pkg/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptBuildStructure(t *testing.T) {
	b := NewPromptBuilder(6000, 10)
	hits := []Hit{
		{FileID: "file_1", ChunkIndex: 3, Score: 0.9, Content: "The sky is blue."},
		{FileID: "file_2", ChunkIndex: 0, Score: 0.8, Content: "Grass is green."},
	}

	messages := b.Build("what color is the sky?", hits, nil, "en")
	require.GreaterOrEqual(t, len(messages), 2)

	system := messages[0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "[file_1#3]")
	assert.Contains(t, system.Content, "[file_2#0]")
	assert.Contains(t, system.Content, "The sky is blue.")
	assert.Contains(t, system.Content, FallbackPhrase("en"))

	last := messages[len(messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "what color is the sky?", last.Content, "the final message is the query verbatim")
}

func TestPromptLocaleSelection(t *testing.T) {
	b := NewPromptBuilder(6000, 10)

	en := b.Build("q", nil, nil, "en")
	assert.Contains(t, en[0].Content, "Based on the provided documents, I cannot find that information.")

	zh := b.Build("q", nil, nil, "zh")
	assert.Contains(t, zh[0].Content, "根據您提供的文檔，我無法找到相關信息。")
}

func TestPromptContextBudget(t *testing.T) {
	b := NewPromptBuilder(300, 10)
	big := strings.Repeat("x", 200)
	hits := []Hit{
		{FileID: "f", ChunkIndex: 0, Score: 0.9, Content: big},
		{FileID: "f", ChunkIndex: 1, Score: 0.8, Content: big},
		{FileID: "f", ChunkIndex: 2, Score: 0.7, Content: big},
	}

	messages := b.Build("q", hits, nil, "en")
	system := messages[0].Content

	assert.Contains(t, system, "[f#0]", "the highest ranked hit always fits first")
	assert.NotContains(t, system, "[f#1]", "the budget cuts off lower ranked hits")

	used := b.ContextUsed(hits)
	require.Len(t, used, 1)
	assert.Equal(t, 0, used[0].ChunkIndex)
}

func TestPromptHistoryTail(t *testing.T) {
	b := NewPromptBuilder(6000, 2)

	var hist []history.Message
	for _, content := range []string{"first", "second", "third", "fourth"} {
		hist = append(hist, history.Message{Role: history.RoleUser, Content: content, Timestamp: time.Now()})
	}

	messages := b.Build("q", nil, hist, "en")

	var contents []string
	for _, m := range messages[1 : len(messages)-1] {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"third", "fourth"}, contents, "only the last N history messages are kept")
}

func TestPromptSkipsSystemHistoryMessages(t *testing.T) {
	b := NewPromptBuilder(6000, 10)
	hist := []history.Message{
		{Role: history.RoleSystem, Content: "internal note"},
		{Role: history.RoleUser, Content: "hello"},
		{Role: history.RoleAssistant, Content: "hi"},
	}

	messages := b.Build("q", nil, hist, "en")
	for _, m := range messages[1 : len(messages)-1] {
		assert.NotEqual(t, "system", m.Role)
	}
}

func TestTokenCount(t *testing.T) {
	n := TokenCount("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 5)
	assert.Less(t, n, 20)
	assert.Equal(t, 0, TokenCount(""))
}
