// Package ai bridges customer chat messages to an external completion
// provider and shapes the replies for rebroadcast.
package ai

import "context"

// Role values used in conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation context.
type Message struct {
	Role string
	Text string
}

// Completer is the external completion provider. It knows nothing about
// rooms, domains, or the relay.
type Completer interface {
	Complete(ctx context.Context, history []Message) (string, error)
	// CompleteStream forwards partial chunks through onChunk as they arrive
	// and returns the full accumulated text once the stream completes.
	CompleteStream(ctx context.Context, history []Message, onChunk func(chunk string)) (string, error)
}
