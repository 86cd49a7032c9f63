// Package llm abstracts the streaming LLM transport used by the build
// phases. The production implementation is backed by the Anthropic Messages
// API; tests use a scripted client.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Error taxonomy. Context overflow triggers a summarized conversation reset;
// rate limits back off and retry; everything else propagates.
var (
	ErrContextOverflow = errors.New("llm: context overflow")
	ErrRateLimited     = errors.New("llm: rate limited")
)

// Role is a conversation role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block kinds. Server-injected kinds (e.g. web search results) are
// preserved verbatim via Raw and never dispatched locally.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockServer     = "server"
)

// Block is one content block in a message. Exactly the fields matching
// Kind are set.
type Block struct {
	Kind string

	// text
	Text string

	// tool_use
	ID    string
	Name  string
	Input json.RawMessage

	// tool_result
	ToolUseID string
	Content   string
	IsError   bool

	// Server-injected provider blocks, preserved verbatim for replay into
	// subsequent turns.
	Raw json.RawMessage
}

// Message is one conversation turn.
type Message struct {
	Role   Role
	Blocks []Block
}

// TextMessage builds a single-text-block message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Kind: BlockText, Text: text}}}
}

// ToolResultMessage builds a user turn carrying tool results.
func ToolResultMessage(results []Block) Message {
	return Message{Role: RoleUser, Blocks: results}
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one streamed model call.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int

	// EnableWebSearch asks the provider to make its server-side web search
	// tool available (used by design research).
	EnableWebSearch bool
}

// Response is the accumulated result of a streamed call.
type Response struct {
	Blocks     []Block
	StopReason string
}

// ToolCalls returns the tool_use blocks in response order.
func (r *Response) ToolCalls() []Block {
	var calls []Block
	for _, b := range r.Blocks {
		if b.Kind == BlockToolUse {
			calls = append(calls, b)
		}
	}
	return calls
}

// Text concatenates the text blocks.
func (r *Response) Text() string {
	var sb strings.Builder
	for _, b := range r.Blocks {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// AssistantMessage converts the response into the assistant turn to append
// to the conversation history. Server-injected blocks are carried through
// verbatim.
func (r *Response) AssistantMessage() Message {
	return Message{Role: RoleAssistant, Blocks: r.Blocks}
}

// Client is the streaming LLM surface. onDelta receives assistant text
// deltas as they stream; it may be nil.
type Client interface {
	Stream(ctx context.Context, req *Request, onDelta func(text string)) (*Response, error)
}
