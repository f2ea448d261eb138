package mcp

import (
	"context"
	"encoding/json"
	"sync"
)

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type Tools struct {
	list     []Tool
	handlers map[string]ToolHandler
	m        sync.RWMutex
}

func (t *Tools) Add(tool Tool, handler ToolHandler) {
	t.m.Lock()
	defer t.m.Unlock()

	t.list = append(t.list, tool)
	if handler != nil {
		t.handlers[tool.Name] = handler
	}
}

func (t *Tools) GetHandler(name string) ToolHandler {
	t.m.RLock()
	defer t.m.RUnlock()
	return t.handlers[name]
}

func (t *Tools) List() []Tool {
	t.m.RLock()
	defer t.m.RUnlock()
	return append([]Tool(nil), t.list...)
}

// CallResult is the tool-call result shape: a content list plus an
// isError marker. Tool failures that the model should see (validation,
// structural problems) are returned as CallResult with IsError=true
// rather than JSON-RPC protocol errors.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextResult wraps plain text as a successful tool result.
func TextResult(text string) CallResult {
	return CallResult{Content: []Content{{Type: "text", Text: text}}}
}

// JSONResult marshals v and wraps it as a successful tool result.
func JSONResult(v any) CallResult {
	b, err := json.Marshal(v)
	if err != nil {
		return ErrorResult("encode result: " + err.Error())
	}
	return TextResult(string(b))
}

// ErrorResult wraps an error message as a tool-visible failure.
func ErrorResult(text string) CallResult {
	return CallResult{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

func (s *MCP) handleToolsList(id any) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  map[string]any{"tools": s.Tools.List()},
	}
}

func (s *MCP) handleToolsCall(ctx context.Context, id any, params json.RawMessage) JSONRPCResponse {
	var callParams struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	if err := decodeJSON(params, &callParams); err != nil {
		return s.errorResponse(id, CodeInvalidParams, "Invalid params")
	}

	handler := s.Tools.GetHandler(callParams.Name)
	if handler == nil {
		return s.errorResponse(id, CodeMethodNotFound, "Unknown tool: "+callParams.Name)
	}

	result, err := handler(ctx, callParams.Arguments)
	if err != nil {
		// Handler errors are surfaced as tool results so the calling
		// model can read and react to them.
		result = ErrorResult(err.Error())
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}
