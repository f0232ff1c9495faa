package chat

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// ErrToolNotFound is returned by a CustomToolExecutor to signal that it does
// not own the named tool, so dispatch should fall back to MCP routing.
var ErrToolNotFound = errors.New("chat: tool_not_found")

// CustomToolExecutor runs a tool the caller registered directly on the
// session (as opposed to one advertised by an MCP server). Returning an
// error that wraps ErrToolNotFound falls through to MCP routing for that
// call.
type CustomToolExecutor interface {
	ExecuteCustomTool(ctx context.Context, name string, args map[string]any, toolCtx any) (json.RawMessage, error)
}

// HookOutcome is a hook's return value. The zero value means "ignore, keep
// current context". Build one with Ignore, Continue, Stop, or StopWith.
type HookOutcome struct {
	stop       bool
	hasContext bool
	context    any
}

// Ignore keeps the current context and does not stop the loop.
func Ignore() HookOutcome { return HookOutcome{} }

// Continue replaces the context and does not stop the loop.
func Continue(toolCtx any) HookOutcome { return HookOutcome{hasContext: true, context: toolCtx} }

// Stop halts the loop immediately, keeping the current context.
func Stop() HookOutcome { return HookOutcome{stop: true} }

// StopWith halts the loop immediately with a replacement context.
func StopWith(toolCtx any) HookOutcome {
	return HookOutcome{stop: true, hasContext: true, context: toolCtx}
}

func (o HookOutcome) resolve(current any) any {
	if o.hasContext {
		return o.context
	}
	return current
}

// AssistantMessageHook observes the assistant's message once per turn,
// before any of its tool calls execute.
type AssistantMessageHook interface {
	OnAssistantMessage(ctx context.Context, msg openai.ChatCompletionMessage, toolCtx any) HookOutcome
}

// ToolResultHook observes one tool call's raw result as soon as it is
// produced, in declared order.
type ToolResultHook interface {
	OnToolResult(ctx context.Context, toolCallID, toolName string, result json.RawMessage, toolCtx any) HookOutcome
}

// Hooks is the capability set a Session may be given. Every field is
// optional; a nil field behaves as a no-op so the loop never has to
// special-case an absent hook beyond a nil check.
type Hooks struct {
	CustomTools        CustomToolExecutor
	OnAssistantMessage AssistantMessageHook
	OnToolResult       ToolResultHook
}

func (h Hooks) callAssistant(ctx context.Context, msg openai.ChatCompletionMessage, toolCtx any) HookOutcome {
	if h.OnAssistantMessage == nil {
		return Ignore()
	}
	return h.OnAssistantMessage.OnAssistantMessage(ctx, msg, toolCtx)
}

func (h Hooks) callToolResult(ctx context.Context, id, name string, result json.RawMessage, toolCtx any) HookOutcome {
	if h.OnToolResult == nil {
		return Ignore()
	}
	return h.OnToolResult.OnToolResult(ctx, id, name, result, toolCtx)
}

func (h Hooks) executeCustomTool(ctx context.Context, name string, args map[string]any, toolCtx any) (json.RawMessage, error) {
	if h.CustomTools == nil {
		return nil, ErrToolNotFound
	}
	return h.CustomTools.ExecuteCustomTool(ctx, name, args, toolCtx)
}
