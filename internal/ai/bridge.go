package ai

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxTurns caps conversation context to bound token usage and memory.
	DefaultMaxTurns = 10

	// DefaultTimeout bounds one provider call before the fallback fires.
	DefaultTimeout = 20 * time.Second

	// DefaultFallback is shown instead of raw provider errors. The chat UX
	// must never surface a failure on this path.
	DefaultFallback = "Sorry, I'm having trouble responding right now. A team member will get back to you shortly."

	defaultSystemPrompt = "You are a helpful customer support assistant. " +
		"Answer briefly and only from what the customer has told you. " +
		"If you don't know, say a team member will follow up."
)

// ReplyRequest identifies one customer message awaiting an automated reply.
type ReplyRequest struct {
	Message        string
	ConversationID string
	DomainID       string
	UserID         string
}

// Bridge forwards customer messages to a Completer and keeps a bounded
// per-conversation context window.
type Bridge struct {
	log       *slog.Logger
	completer Completer
	timeout   time.Duration
	maxTurns  int
	fallback  string
	system    string

	mu       sync.Mutex
	contexts map[string][]Message // conversationID -> recent turns
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithTimeout overrides the per-request provider timeout.
func WithTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithMaxTurns overrides the context window cap.
func WithMaxTurns(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.maxTurns = n
		}
	}
}

// WithFallback overrides the canned failure reply.
func WithFallback(s string) BridgeOption {
	return func(b *Bridge) {
		if strings.TrimSpace(s) != "" {
			b.fallback = s
		}
	}
}

// WithSystemPrompt overrides the system prompt prepended to every request.
func WithSystemPrompt(s string) BridgeOption {
	return func(b *Bridge) {
		if strings.TrimSpace(s) != "" {
			b.system = s
		}
	}
}

// NewBridge constructs a Bridge around the given completer.
func NewBridge(log *slog.Logger, completer Completer, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		log:       log,
		completer: completer,
		timeout:   DefaultTimeout,
		maxTurns:  DefaultMaxTurns,
		fallback:  DefaultFallback,
		system:    defaultSystemPrompt,
		contexts:  make(map[string][]Message),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// RequestReply asks the provider for a single-shot reply. Provider failures
// (timeout, error response) return the fallback string with fromFallback set,
// never an error: the chat path always has something to broadcast.
func (b *Bridge) RequestReply(ctx context.Context, req ReplyRequest) (reply string, fromFallback bool) {
	convID := b.conversationID(req)
	history := b.snapshotHistory(convID, req.Message)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	reply, err := b.completer.Complete(ctx, history)
	if err != nil || strings.TrimSpace(reply) == "" {
		b.log.Warn("ai.reply.fallback", "conversation_id", convID, "err", err)
		return b.fallback, true
	}

	b.appendTurns(convID, req.Message, reply)
	return reply, false
}

// RequestReplyStream asks the provider for a streamed reply, forwarding each
// chunk through onChunk. The accumulated text is appended to the conversation
// context only after the stream completes; on failure the fallback string is
// returned (and NOT forwarded chunk-wise, so callers can decide how to render
// it).
func (b *Bridge) RequestReplyStream(ctx context.Context, req ReplyRequest, onChunk func(chunk string)) (reply string, fromFallback bool) {
	convID := b.conversationID(req)
	history := b.snapshotHistory(convID, req.Message)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	reply, err := b.completer.CompleteStream(ctx, history, onChunk)
	if err != nil || strings.TrimSpace(reply) == "" {
		b.log.Warn("ai.reply.stream.fallback", "conversation_id", convID, "err", err)
		return b.fallback, true
	}

	b.appendTurns(convID, req.Message, reply)
	return reply, false
}

// Forget drops the context window for a conversation.
func (b *Bridge) Forget(conversationID string) {
	b.mu.Lock()
	delete(b.contexts, conversationID)
	b.mu.Unlock()
}

// conversationID derives a stable context key when none was supplied.
func (b *Bridge) conversationID(req ReplyRequest) string {
	if strings.TrimSpace(req.ConversationID) != "" {
		return req.ConversationID
	}
	return req.DomainID + ":" + req.UserID
}

// snapshotHistory returns system prompt + retained turns + the new message.
func (b *Bridge) snapshotHistory(convID, message string) []Message {
	b.mu.Lock()
	turns := append([]Message(nil), b.contexts[convID]...)
	b.mu.Unlock()

	history := make([]Message, 0, len(turns)+2)
	history = append(history, Message{Role: RoleSystem, Text: b.system})
	history = append(history, turns...)
	history = append(history, Message{Role: RoleUser, Text: message})
	return history
}

// appendTurns records a completed exchange, trimming to the newest maxTurns.
func (b *Bridge) appendTurns(convID, userText, assistantText string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	turns := append(b.contexts[convID],
		Message{Role: RoleUser, Text: userText},
		Message{Role: RoleAssistant, Text: assistantText},
	)
	if len(turns) > b.maxTurns {
		turns = turns[len(turns)-b.maxTurns:]
	}
	b.contexts[convID] = turns
}
