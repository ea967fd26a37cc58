package rag

import (
	"fmt"
	"strings"
	"sync"

	"github.com/docaihq/docai/pkg/history"
	"github.com/docaihq/docai/pkg/llm"
	"github.com/pkoukk/tiktoken-go"
)

// FallbackPhrase is the exact insufficient-context answer per locale. The
// system message instructs the model to reply with it verbatim.
func FallbackPhrase(locale string) string {
	if locale == "en" {
		return "Based on the provided documents, I cannot find that information."
	}
	return "根據您提供的文檔，我無法找到相關信息。"
}

const systemPromptEN = `You are a document question answering assistant. You answer STRICTLY and ONLY from the context provided below.

ABSOLUTE RULES:
1. Use ONLY the information in the CONTEXT section. Your prior knowledge does not exist for this conversation.
2. NEVER speculate, infer beyond the text, or fill gaps from memory.
3. If the context does not contain the answer, reply exactly: "Based on the provided documents, I cannot find that information."
4. FORBIDDEN phrasings: "generally", "commonly", "typically", "as is known", "in most cases", "usually". If you are tempted to use one, the context is insufficient.
5. When you state a fact, it must be traceable to a source marker like [file_id#chunk_index] in the context. Cite the marker.

Before answering, verify:
- Is every claim in my answer present in the context?
- Did I avoid all forbidden phrasings?
- If the context was insufficient, did I use the exact fallback sentence?`

const systemPromptZH = `你是一個文檔問答助手。你只能根據下方提供的上下文回答問題。

絕對規則：
1. 只使用「上下文」部分的信息。在本次對話中，你的先驗知識不存在。
2. 絕不猜測、絕不超出原文推斷、絕不憑記憶補充。
3. 如果上下文中沒有答案，必須回答：「根據您提供的文檔，我無法找到相關信息。」
4. 禁止使用的措辭：「一般來說」、「通常」、「眾所周知」、「大多數情況下」。如果你想使用這些詞，說明上下文不足。
5. 答案中的每個事實都必須能對應到上下文中形如 [file_id#chunk_index] 的來源標記，並引用該標記。

回答前自查：
- 答案中的每個斷言是否都出現在上下文中？
- 是否避免了所有禁止措辭？
- 上下文不足時，是否使用了規定的原句？`

// PromptBuilder assembles the grounded message list for the generation phase.
type PromptBuilder struct {
	contextBudget int // characters of retrieved context
	historyLimit  int
}

func NewPromptBuilder(contextBudget, historyLimit int) *PromptBuilder {
	return &PromptBuilder{contextBudget: contextBudget, historyLimit: historyLimit}
}

// Build produces system + history + context + query messages. Hits are
// consumed in their ranked order until the character budget is reached; the
// final user message is the query verbatim.
func (b *PromptBuilder) Build(query string, hits []Hit, hist []history.Message, locale string) []llm.Message {
	system := systemPromptZH
	if locale == "en" {
		system = systemPromptEN
	}

	var context strings.Builder
	used := 0
	for _, hit := range hits {
		entry := fmt.Sprintf("[%s#%d]\n%s\n\n", hit.FileID, hit.ChunkIndex, hit.Content)
		if used+len(entry) > b.contextBudget {
			break
		}
		context.WriteString(entry)
		used += len(entry)
	}

	messages := []llm.Message{
		{Role: "system", Content: system + "\n\nCONTEXT:\n" + context.String()},
	}

	start := 0
	if b.historyLimit > 0 && len(hist) > b.historyLimit {
		start = len(hist) - b.historyLimit
	}
	for _, m := range hist[start:] {
		if m.Role != history.RoleUser && m.Role != history.RoleAssistant {
			continue
		}
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	messages = append(messages, llm.Message{Role: "user", Content: query})
	return messages
}

// ContextUsed reports how many hits fit under the budget, for metadata
// events.
func (b *PromptBuilder) ContextUsed(hits []Hit) []Hit {
	used := 0
	out := make([]Hit, 0, len(hits))
	for _, hit := range hits {
		entry := fmt.Sprintf("[%s#%d]\n%s\n\n", hit.FileID, hit.ChunkIndex, hit.Content)
		if used+len(entry) > b.contextBudget {
			break
		}
		out = append(out, hit)
		used += len(entry)
	}
	return out
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// TokenCount counts BPE tokens of the text, falling back to a whitespace
// word count when the encoding is unavailable.
func TokenCount(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len(strings.Fields(text))
	}
	return len(encoding.Encode(text, nil, nil))
}
