// Package model defines the provider-agnostic message and streaming types
// the waypoint executor uses to talk to an LLM. Messages are modeled as
// typed parts (text, tool use, tool result) so the executor's marker
// scanning and evidence capture can operate on structure instead of
// re-parsing flattened strings.
package model

import (
	"context"
	"encoding/json"
)

// ConversationRole is the role for a message in a conversation.
type ConversationRole string

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
)

// Part is a marker interface implemented by every message content block.
type Part interface{ isPart() }

type (
	// TextPart is plain text content.
	TextPart struct{ Text string }

	// ThinkingPart is provider-issued reasoning content, carried opaquely.
	ThinkingPart struct {
		Text      string
		Signature string
	}

	// ToolUsePart declares a tool invocation requested by the model.
	ToolUsePart struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResultPart carries the outcome of a tool invocation back to the
	// model on a subsequent turn.
	ToolResultPart struct {
		ToolUseID string
		Content   string
		IsError   bool
	}
)

func (TextPart) isPart()       {}
func (ThinkingPart) isPart()   {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// Message is a single ordered chat message.
type Message struct {
	Role  ConversationRole
	Parts []Part
	Meta  map[string]any
}

// Text concatenates every TextPart in the message, the common case of
// reading back a model turn for marker scanning.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// ToolDefinition describes a tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema any
}

// TokenUsage tracks token counts for a model call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Request captures the inputs to a model invocation.
type Request struct {
	// SessionMeta carries provider-specific continuation state (e.g. a
	// previous-response id) so iteration N>1 of a waypoint resumes the same
	// provider-side conversation instead of re-sending full history.
	SessionMeta map[string]any
	Model       string
	Messages    []*Message
	Tools       []*ToolDefinition
	Temperature float32
	MaxTokens   int
}

// ChunkType is the closed set of streaming event kinds a Streamer can emit.
type ChunkType string

const (
	ChunkTypeText       ChunkType = "text"
	ChunkTypeThinking   ChunkType = "thinking"
	ChunkTypeToolCall   ChunkType = "tool_call"
	ChunkTypeToolResult ChunkType = "tool_result"
	ChunkTypeUsage      ChunkType = "usage"
	ChunkTypeStop       ChunkType = "stop"
)

// ToolCallResult reports a tool invocation that the provider-side runtime
// executed on the model's behalf, including its outcome. Providers that do
// not execute tools themselves (a bare completions API) never emit it.
type ToolCallResult struct {
	Name     string
	Input    json.RawMessage
	Output   string
	ExitCode int
	IsError  bool
}

// Chunk is one streaming event from the model.
type Chunk struct {
	Type       ChunkType
	Text       string
	ToolCall   *ToolUsePart
	ToolResult *ToolCallResult
	UsageDelta *TokenUsage
	// CostUSD is the incremental cost attributed to this chunk, when the
	// provider prices its own usage; zero otherwise.
	CostUSD    float64
	StopReason string
}

// Client is the provider-agnostic model client the executor depends on.
// Concrete implementations live under provider/ (e.g. provider/anthropic)
// and may be wrapped by provider/ratelimit for adaptive throttling.
type Client interface {
	Stream(ctx context.Context, req *Request) (Streamer, error)
}

// Streamer delivers incremental model output. Callers must drain Recv
// until it returns io.EOF (or another terminal error) and then Close.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
	Metadata() map[string]any
}
