package rag

import "strings"

// sanitizeQuery removes prompt injection patterns from user input before it
// is embedded into an LLM instruction.
func sanitizeQuery(input string) string {
	sanitized := input

	// Role markers that could confuse the LLM
	for _, marker := range []string{
		"SYSTEM:", "System:", "system:",
		"ASSISTANT:", "Assistant:", "assistant:",
		"USER:", "User:", "user:",
	} {
		sanitized = strings.ReplaceAll(sanitized, marker, "")
	}

	// Instruction override attempts
	for _, phrase := range []string{
		"Ignore previous instructions", "ignore previous instructions",
		"Ignore all previous", "ignore all previous",
		"Disregard previous", "disregard previous",
	} {
		sanitized = strings.ReplaceAll(sanitized, phrase, "")
	}

	// Delimiter attacks trying to break out of the prompt structure
	for _, delim := range []string{"---", "===", "***", "```"} {
		sanitized = strings.ReplaceAll(sanitized, delim, "")
	}

	return strings.TrimSpace(sanitized)
}
