// Package mcp is a minimal Model Context Protocol server: JSON-RPC 2.0
// framing, the initialize handshake, and a tool/resource registry. It
// is transport-agnostic — the same dispatcher serves HTTP POST bodies
// and newline-delimited stdio frames — and knows nothing about the
// tools registered on it.
package mcp

import (
	"context"
	"encoding/json"
)

const protocolVersion = "2025-06-18"

// ToolHandler executes one tool call. The context carries the caller's
// cancellation signal; args is the decoded `arguments` object.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ResourceHandler returns the content behind a resource URI.
type ResourceHandler func(ctx context.Context, uri string) (any, error)

// MCP is one server instance. Register tools and resources before
// serving; registration is not synchronized against in-flight requests.
type MCP struct {
	info      ServerInfo
	Tools     Tools
	Resources Resources
}

func New(name, version string) *MCP {
	return &MCP{
		info: ServerInfo{Name: name, Version: version},
		Tools: Tools{
			handlers: make(map[string]ToolHandler),
		},
		Resources: Resources{
			handlers: make(map[string]ResourceHandler),
		},
	}
}

// AddTool registers a tool and its handler.
func (s *MCP) AddTool(tool Tool, handler ToolHandler) {
	s.Tools.Add(tool, handler)
}

// AddResource registers a readable resource and its handler.
func (s *MCP) AddResource(resource Resource, handler ResourceHandler) {
	s.Resources.Add(resource, handler)
}

func (s *MCP) handleInitialize(id any, params json.RawMessage) JSONRPCResponse {
	var initParams InitializeParams
	if err := decodeJSON(params, &initParams); err != nil {
		return s.errorResponse(id, CodeInvalidParams, "Invalid params")
	}

	result := InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: Capabilities{
			Tools:     &ToolsCapability{},
			Resources: &ResourcesCapability{},
			Logging:   &LoggingCapability{},
		},
		ServerInfo: s.info,
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

func (s *MCP) handleLoggingSetLevel(id any, params json.RawMessage) JSONRPCResponse {
	var levelParams SetLevelRequest
	if err := decodeJSON(params, &levelParams); err != nil {
		return s.errorResponse(id, CodeInvalidParams, "Invalid params")
	}

	// Acknowledged but not acted on; log level is a process-level config.
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  map[string]any{},
	}
}

func (s *MCP) errorResponse(id any, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}
