package llm

import "context"

// Client is the interface the orchestrator speaks to a chat provider.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error)
}
