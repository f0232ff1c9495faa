package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/strandhq/agent/toolformat"
)

// Chat drives the recursive chat loop: issue a completion request, detect
// tool calls, dispatch them, thread the results back, and recurse until
// the model produces a terminal answer.
func Chat(ctx context.Context, session *Session, req Request) (*Response, error) {
	if session == nil {
		return nil, errors.New("chat: session is nil")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, normalizeMessage(m))
	}

	toolCtx := req.Context
	if toolCtx == nil {
		toolCtx = map[string]any{}
	}

	run := &run{
		session:      session,
		model:        req.Model,
		temperature:  req.Temperature,
		parallel:     req.ParallelToolCalls,
		executeTools: req.executeTools(),
	}
	return run.step(ctx, messages, toolCtx)
}

// run carries the state threaded through the chat loop's recursion: the
// fixed per-call options, plus the accumulated list of every tool call the
// model has emitted so far.
type run struct {
	session      *Session
	model        string
	temperature  *float32
	parallel     *bool
	executeTools bool

	toolCallsMade []openai.ToolCall
}

func (r *run) step(ctx context.Context, messages []openai.ChatCompletionMessage, toolCtx any) (*Response, error) {
	tools := r.session.availableTools()

	body := requestBody{
		Messages:          messages,
		Model:             r.model,
		Temperature:       r.temperature,
		ParallelToolCalls: r.parallel,
	}
	if len(tools) > 0 {
		body.Tools = tools
	}

	raw, err := r.session.http.CreateChatCompletion(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var env completionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("chat: decode completion response: %w", err)
	}
	if len(env.Choices) == 0 {
		return nil, errors.New("chat: completion response has no choices")
	}
	assistant := env.Choices[0].Message

	if len(assistant.ToolCalls) == 0 {
		r.session.hooks.callAssistant(ctx, assistant, toolCtx)
		return r.finalize(raw, assistant, false), nil
	}

	if !r.executeTools {
		return r.finalize(raw, assistant, false), nil
	}

	r.toolCallsMade = append(r.toolCallsMade, assistant.ToolCalls...)

	outcome := r.session.hooks.callAssistant(ctx, assistant, toolCtx)
	toolCtx = outcome.resolve(toolCtx)
	if outcome.stop {
		return r.finalize(raw, assistant, true), nil
	}

	toolMessages := make([]openai.ChatCompletionMessage, 0, len(assistant.ToolCalls))
	stopped := false

	for _, call := range assistant.ToolCalls {
		args, perr := toolformat.ExtractArguments(call.Function.Arguments)

		var result json.RawMessage
		if perr != nil {
			result = toolformat.SynthesizeErrorResult("invalid_arguments")
		} else {
			result = r.session.dispatchTool(ctx, call.Function.Name, args, toolCtx)
		}

		resultMsg := toolformat.FormatToolResult(call.ID, result)
		toolMessages = append(toolMessages, openai.ChatCompletionMessage{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    resultMsg.Content,
		})

		resOutcome := r.session.hooks.callToolResult(ctx, call.ID, call.Function.Name, result, toolCtx)
		toolCtx = resOutcome.resolve(toolCtx)
		if resOutcome.stop {
			stopped = true
			break
		}
	}

	if stopped {
		return r.finalize(raw, assistant, true), nil
	}

	messages = append(messages, normalizeAssistantForTranscript(assistant))
	messages = append(messages, toolMessages...)

	return r.step(ctx, messages, toolCtx)
}

// normalizeAssistantForTranscript preserves the assistant message carrying
// tool_calls verbatim except each function.arguments defaults to "{}" when
// absent, and content defaults to "" — some completion endpoints reject
// the message otherwise.
func normalizeAssistantForTranscript(msg openai.ChatCompletionMessage) openai.ChatCompletionMessage {
	out := msg
	if len(out.ToolCalls) > 0 {
		calls := make([]openai.ToolCall, len(out.ToolCalls))
		for i, c := range out.ToolCalls {
			calls[i] = toolformat.NormalizeCallArguments(c)
		}
		out.ToolCalls = calls
	}
	return out
}

// finalize builds the Response for this turn, attaching _metadata.
// Metadata is omitted entirely when no tool calls were ever made and the
// loop was not halted by a hook, so a plain pass-through turn is returned
// untouched.
func (r *run) finalize(raw []byte, assistant openai.ChatCompletionMessage, stopped bool) *Response {
	return &Response{
		Raw:           attachMetadata(raw, r.toolCallsMade, stopped),
		Message:       assistant,
		ToolCallsMade: r.toolCallsMade,
		StoppedByHook: stopped,
	}
}

func attachMetadata(raw []byte, toolCallsMade []openai.ToolCall, stopped bool) []byte {
	if len(toolCallsMade) == 0 && !stopped {
		return raw
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}

	meta := map[string]any{}
	if len(toolCallsMade) > 0 {
		meta["tool_calls_made"] = toolCallsMade
	}
	if stopped {
		meta["stopped_by_hook"] = true
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return raw
	}
	obj["_metadata"] = metaBytes

	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}
