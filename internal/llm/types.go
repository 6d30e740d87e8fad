// Package llm provides the model-client abstraction consumed by the chat
// orchestration loop, with OpenAI-compatible and Gemini backends.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role/content conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the contract the orchestration loop depends on.
// GenerateStream returns a finite, non-restartable fragment stream consumed
// exactly once per round; the error channel carries at most one error and
// both channels are closed when the stream ends.
type Client interface {
	// Generate returns the full response for the message list.
	Generate(ctx context.Context, messages []Message) (string, error)

	// GenerateStream returns the response as incremental text fragments.
	GenerateStream(ctx context.Context, messages []Message) (<-chan string, <-chan error)

	// Model returns the configured model name.
	Model() string
}
