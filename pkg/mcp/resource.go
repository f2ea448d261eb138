package mcp

import (
	"context"
	"encoding/json"
	"sync"
)

type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type Resources struct {
	list     []Resource
	handlers map[string]ResourceHandler
	m        sync.RWMutex
}

func (r *Resources) Add(resource Resource, handler ResourceHandler) {
	r.m.Lock()
	defer r.m.Unlock()

	r.list = append(r.list, resource)
	if handler != nil {
		r.handlers[resource.URI] = handler
	}
}

func (r *Resources) GetHandler(uri string) ResourceHandler {
	r.m.RLock()
	defer r.m.RUnlock()
	return r.handlers[uri]
}

func (r *Resources) List() []Resource {
	r.m.RLock()
	defer r.m.RUnlock()
	return append([]Resource(nil), r.list...)
}

func (s *MCP) handleResourcesList(id any) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  map[string]any{"resources": s.Resources.List()},
	}
}

func (s *MCP) handleResourcesRead(ctx context.Context, id any, params json.RawMessage) JSONRPCResponse {
	var readParams struct {
		URI string `json:"uri"`
	}

	if err := decodeJSON(params, &readParams); err != nil {
		return s.errorResponse(id, CodeInvalidParams, "Invalid params")
	}

	handler := s.Resources.GetHandler(readParams.URI)
	if handler == nil {
		return s.errorResponse(id, CodeInvalidParams, "Resource not found: "+readParams.URI)
	}

	content, err := handler(ctx, readParams.URI)
	if err != nil {
		return s.errorResponse(id, CodeInternalError, "Resource read error: "+err.Error())
	}

	entry := map[string]any{"uri": readParams.URI}
	if str, ok := content.(string); ok {
		entry["text"] = str
		entry["mimeType"] = "text/plain"
	} else {
		jsonBytes, err := json.MarshalIndent(content, "", "  ")
		if err != nil {
			return s.errorResponse(id, CodeInternalError, "Resource encode error: "+err.Error())
		}
		entry["text"] = string(jsonBytes)
		entry["mimeType"] = "application/json"
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  map[string]any{"contents": []map[string]any{entry}},
	}
}

func (s *MCP) handlePing(id any) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  map[string]any{},
	}
}
