// Package llm streams chat completions. Providers receive the conversation
// history already trimmed by the dialog layer and append the current user
// turn themselves; tokens flow out as they arrive so the caller can start
// speaking before the reply is complete.
package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string
	Content string
}

// Provider streams one completion per call.
type Provider interface {
	// Name returns the provider name (e.g. "qwen_flash").
	Name() string

	// ChatStream starts a completion for text given the prior history.
	// The token channel closes when the stream ends; at most one error is
	// delivered on the error channel.
	ChatStream(ctx context.Context, text string, history []Message) (<-chan string, <-chan error)
}
