// Package toolformat translates between the MCP tool-schema shape and the
// OpenAI-style function-calling shape used by the chat completion endpoint,
// and normalizes tool calls and tool result envelopes on the wire.
package toolformat

import (
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// JSONSchema is the object-schema shape used for both MCP inputSchema and
// the OpenAI function parameters field. Properties are kept as raw JSON so
// conversion never lossily re-encodes nested schemas.
type JSONSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
	Required   []string                   `json:"required"`
}

// MCPTool is a tool definition as advertised by an MCP server.
type MCPTool struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	InputSchema JSONSchema `json:"inputSchema"`
}

// ToExternal converts an MCP tool definition into the OpenAI-style function
// schema the chat completion endpoint expects. The conversion is lossless
// for name/description/properties/required; Required defaults to an empty
// slice (never nil) when the MCP server omitted it.
func ToExternal(tool MCPTool) openai.Tool {
	required := tool.InputSchema.Required
	if required == nil {
		required = []string{}
	}

	params := JSONSchema{
		Type:       "object",
		Properties: tool.InputSchema.Properties,
		Required:   required,
	}

	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		},
	}
}

// ToExternalAll converts every tool in tools, in order.
func ToExternalAll(tools []MCPTool) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = ToExternal(t)
	}
	return out
}

// FilterRejected drops any MCP tool whose name appears in rejected.
func FilterRejected(tools []MCPTool, rejected map[string]struct{}) []MCPTool {
	if len(rejected) == 0 {
		return tools
	}
	out := make([]MCPTool, 0, len(tools))
	for _, t := range tools {
		if _, skip := rejected[t.Name]; skip {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ExtractArguments parses a tool call's JSON-encoded arguments string.
// A missing or empty string is interpreted as an empty object, never an
// error. Invalid JSON is reported back to the caller so it can be turned
// into an error tool result rather than aborting the chat loop.
func ExtractArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid_arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// NormalizeCallArguments returns a copy of call with Function.Arguments
// defaulted to "{}" when absent, since some completion endpoints reject an
// assistant message whose tool_calls carry an empty arguments field.
func NormalizeCallArguments(call openai.ToolCall) openai.ToolCall {
	if call.Function.Arguments == "" {
		call.Function.Arguments = "{}"
	}
	return call
}
