package domain

import "encoding/json"

// Chat roles understood by every LLM integration.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by the usecase
// layer and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseSchema constrains a completion to a single JSON object.
type ResponseSchema struct {
	Name   string
	Schema json.RawMessage
}

// CompletionRequest is one call to the language model collaborator.
type CompletionRequest struct {
	System   string
	Messages []ChatMessage
	// Schema is optional; when set the provider is asked for structured JSON output.
	Schema *ResponseSchema
}

// UserPrompt builds a request with a single user message.
func UserPrompt(system, prompt string) CompletionRequest {
	return CompletionRequest{
		System:   system,
		Messages: []ChatMessage{{Role: RoleUser, Content: prompt}},
	}
}
