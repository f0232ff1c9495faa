package toolformat

import (
	"encoding/json"
	"strings"
)

// ToolResultMessage is a {role: "tool", tool_call_id, content} message ready
// to append to the transcript sent back to the completion endpoint.
type ToolResultMessage struct {
	Role       string `json:"role"`
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// contentItem is one element of an MCP content array. It is considered
// MCP-shaped when it carries either a type or a text attribute; anything
// else is treated as an opaque, non-MCP value.
type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
	has  bool
}

func parseContentItem(raw json.RawMessage) (contentItem, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return contentItem{}, false
	}
	_, hasType := probe["type"]
	_, hasText := probe["text"]
	if !hasType && !hasText {
		return contentItem{}, false
	}

	var item contentItem
	_ = json.Unmarshal(raw, &item)
	item.has = true
	return item, true
}

// FormatToolResult normalizes any of the three accepted MCP result shapes
// (wrapped content list, wrapped content string, bare content list) plus
// an arbitrary fallback shape into a tool-role transcript message.
//
// When the input is recognizable as an MCP content list, Content is the
// newline-join of each item's text, never a JSON-encoded array.
func FormatToolResult(toolCallID string, raw json.RawMessage) ToolResultMessage {
	return ToolResultMessage{
		Role:       "tool",
		ToolCallID: toolCallID,
		Content:    formatContent(raw),
	}
}

func formatContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	// {content: [...]} or {content: "..."}
	var wrapped struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Content != nil {
		if text, ok := asString(wrapped.Content); ok {
			return text
		}
		if items, ok := asContentList(wrapped.Content); ok {
			return joinText(items)
		}
		return string(wrapped.Content)
	}

	// Bare content array, no "content" key.
	if items, ok := asContentList(raw); ok {
		return joinText(items)
	}

	// Arbitrary shape: preserve by JSON-encoding.
	return string(raw)
}

func asString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func asContentList(raw json.RawMessage) ([]contentItem, bool) {
	var rawItems []json.RawMessage
	if err := json.Unmarshal(raw, &rawItems); err != nil {
		return nil, false
	}
	if len(rawItems) == 0 {
		return []contentItem{}, true
	}

	items := make([]contentItem, 0, len(rawItems))
	for _, r := range rawItems {
		item, ok := parseContentItem(r)
		if !ok {
			// Not MCP-shaped: the whole array is not a recognizable content list.
			return nil, false
		}
		items = append(items, item)
	}
	return items, true
}

func joinText(items []contentItem) string {
	texts := make([]string, 0, len(items))
	for _, it := range items {
		texts = append(texts, it.Text)
	}
	return strings.Join(texts, "\n")
}

// SynthesizeErrorResult builds a {error: ...} payload in the same JSON shape
// a misbehaving MCP server might emit, so it flows through FormatToolResult
// identically to a real failure.
func SynthesizeErrorResult(message string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": message})
	return data
}
