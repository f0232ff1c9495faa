package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"github.com/strandhq/agent/httpclient"
	"github.com/strandhq/agent/toolformat"
)

// Session holds everything one chat loop needs: the HTTP client, the MCP
// tool provider, the caller's custom tools and hooks, and a routing table
// for classifying tool calls. It is immutable except for the routing
// table, which is recomputed from the backing ToolProvider only when
// RebuildRouting is called.
type Session struct {
	http  *httpclient.Client
	tools ToolProvider
	hooks Hooks

	customTools     []openai.Tool
	customToolNames map[string]struct{}
	rejected        map[string]struct{}

	mu      sync.RWMutex
	routing map[string]struct{}
}

// NewSession constructs a chat session over an MCP ToolProvider (typically
// *mcp.Manager). customTools are tool definitions the caller executes
// itself via hooks.CustomTools; rejectedToolNames are MCP tool names never
// advertised to the model. The routing table is built eagerly.
func NewSession(httpClient *httpclient.Client, tools ToolProvider, customTools []openai.Tool, rejectedToolNames []string, hooks Hooks) *Session {
	names := make(map[string]struct{}, len(customTools))
	for _, t := range customTools {
		if t.Function != nil {
			names[t.Function.Name] = struct{}{}
		}
	}
	rejected := make(map[string]struct{}, len(rejectedToolNames))
	for _, n := range rejectedToolNames {
		rejected[n] = struct{}{}
	}

	s := &Session{
		http:            httpClient,
		tools:           tools,
		hooks:           hooks,
		customTools:     customTools,
		customToolNames: names,
		rejected:        rejected,
	}
	s.RebuildRouting()
	return s
}

// RebuildRouting recomputes the tool routing table from the provider's
// current raw tool list. Call it whenever the set of connected MCP
// servers changes.
func (s *Session) RebuildRouting() {
	var names map[string]struct{}
	if s.tools != nil {
		raw := s.tools.ListRawTools()
		names = make(map[string]struct{}, len(raw))
		for _, t := range raw {
			names[t.Name] = struct{}{}
		}
	}
	s.mu.Lock()
	s.routing = names
	s.mu.Unlock()
}

func (s *Session) isRoutable(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.routing[name]
	return ok
}

func (s *Session) isCustom(name string) bool {
	_, ok := s.customToolNames[name]
	return ok
}

// availableTools builds the set of tools to advertise to the model: MCP
// tools filtered by rejected_tool_names, concatenated with custom_tools,
// all in external form.
func (s *Session) availableTools() []openai.Tool {
	var mcpTools []toolformat.MCPTool
	if s.tools != nil {
		mcpTools = s.tools.ListRawTools()
	}
	filtered := toolformat.FilterRejected(mcpTools, s.rejected)
	out := toolformat.ToExternalAll(filtered)
	out = append(out, s.customTools...)
	return out
}

// dispatchTool classifies and executes one tool call by name. It always
// returns a result envelope (possibly a synthesized error), never a hard
// error: tool failures become tool-role messages, they never abort the
// loop.
func (s *Session) dispatchTool(ctx context.Context, name string, args map[string]any, toolCtx any) json.RawMessage {
	if s.isCustom(name) {
		result, err := s.hooks.executeCustomTool(ctx, name, args, toolCtx)
		switch {
		case err == nil:
			return result
		case errors.Is(err, ErrToolNotFound):
			// Fall through to MCP routing below.
		default:
			return toolformat.SynthesizeErrorResult(err.Error())
		}
	}

	if s.isRoutable(name) && s.tools != nil {
		result, err := s.tools.CallTool(ctx, name, args)
		if err != nil {
			return toolformat.SynthesizeErrorResult(err.Error())
		}
		return result
	}

	return toolformat.SynthesizeErrorResult(fmt.Sprintf("Tool not available: %s", name))
}
