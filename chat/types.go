// Package chat implements the recursive chat-loop orchestration: it issues
// completion requests through the resilient HTTP client, detects tool
// calls in the assistant's reply, dispatches them against custom executors
// and the MCP session manager, threads the results back, and recurses
// until the model produces a terminal answer.
package chat

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/strandhq/agent/toolformat"
)

// ToolProvider is the subset of *mcp.Manager's surface the chat loop needs:
// the aggregated tool lists (for building available_tools and the routing
// classification) and tool dispatch. *mcp.Manager satisfies this directly,
// so Session never imports package mcp.
type ToolProvider interface {
	ListRawTools() []toolformat.MCPTool
	CallTool(ctx context.Context, name string, args map[string]any) ([]byte, error)
}

// Message is one input transcript entry. Content may be a plain string or
// a sequence of strings; the latter is concatenated with no separator
// before the first completion request, matching some callers' multi-part
// message shape.
type Message struct {
	Role       string
	Content    any
	Name       string
	ToolCalls  []openai.ToolCall
	ToolCallID string
}

// normalizeMessage converts m into the wire message shape.
func normalizeMessage(m Message) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    normalizeContent(m.Content),
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

func normalizeContent(c any) string {
	switch v := c.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, "")
	case []any:
		var b strings.Builder
		for _, item := range v {
			if s, ok := item.(string); ok {
				b.WriteString(s)
			}
		}
		return b.String()
	default:
		return ""
	}
}

// Request is the input to Chat.
type Request struct {
	Model        string
	Messages     []Message
	SystemPrompt string

	// ExecuteTools defaults to true when nil.
	ExecuteTools *bool

	// Context is the opaque caller-supplied value threaded through hooks.
	// Defaults to an empty map when nil.
	Context any

	Temperature       *float32
	ParallelToolCalls *bool
}

func (r Request) executeTools() bool {
	return r.ExecuteTools == nil || *r.ExecuteTools
}

// requestBody is the wire shape POSTed to the completion endpoint.
// Optional fields are omitted when unset; Tools is omitted entirely when
// empty.
type requestBody struct {
	Messages          []openai.ChatCompletionMessage `json:"messages"`
	Model             string                         `json:"model"`
	Tools             []openai.Tool                  `json:"tools,omitempty"`
	Temperature       *float32                       `json:"temperature,omitempty"`
	ParallelToolCalls *bool                          `json:"parallel_tool_calls,omitempty"`
}

// completionEnvelope is the minimal shape of a chat completion response
// this package needs to decode.
type completionEnvelope struct {
	Choices []struct {
		Message openai.ChatCompletionMessage `json:"message"`
	} `json:"choices"`
}

// Response is the result of a call to Chat. Raw carries the full upstream
// response bytes, with _metadata merged in when any tool call was made or a
// hook stopped the loop; Message, ToolCallsMade and
// StoppedByHook are convenience accessors over the same data.
type Response struct {
	Raw           []byte
	Message       openai.ChatCompletionMessage
	ToolCallsMade []openai.ToolCall
	StoppedByHook bool
}
