package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	protocolVersion = "2024-11-05"
	projectHeader   = "X-Memory-Project"
	maxMessageBytes = 1024 * 1024
)

// Server implements an MCP stdio server that delegates to the HTTP memory server.
type Server struct {
	serverURL string
	project   string
	apiKey    string
	version   string
	client    *http.Client
	logger    *slog.Logger
}

// NewServer creates a new MCP server. An empty project lets the HTTP server
// pick its default.
func NewServer(serverURL, project, apiKey, version string, logger *slog.Logger) *Server {
	return &Server{
		serverURL: strings.TrimRight(serverURL, "/"),
		project:   project,
		apiKey:    apiKey,
		version:   version,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Run reads newline-delimited requests from in and writes responses to out.
// It returns when in is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, maxMessageBytes), maxMessageBytes)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("unparseable message", "error", err)
			s.write(enc, errorResponse(nil, codeParseError, "parse error: "+err.Error()))
			continue
		}

		if resp := s.handleRequest(ctx, &req); resp != nil {
			s.write(enc, resp)
		}
	}

	return scanner.Err()
}

func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "invalid request")
	}
	if req.IsNotification() {
		// Notifications never get a reply, not even an error.
		s.logger.Debug("notification", "method", req.Method)
		return nil
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: ToolsListResult{Tools: ToolDefinitions()}}
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: map[string]string{}}
	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleInitialize(req *Request) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      req.ID,
		Result: InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: ServerCapabilities{
				Tools: &ToolCapabilities{},
			},
			ServerInfo: ServerInfo{
				Name:    "memengine",
				Version: s.version,
			},
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	paramsBytes, err := json.Marshal(req.Params)
	if err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid params")
	}

	var params CallToolParams
	if err := json.Unmarshal(paramsBytes, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid params: "+err.Error())
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	start := time.Now()
	result, isError := s.dispatchTool(ctx, params.Name, params.Arguments)
	s.logger.Debug("tool call", "tool", params.Name, "error", isError, "duration_ms", time.Since(start).Milliseconds())

	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      req.ID,
		Result: CallToolResult{
			Content: []ContentBlock{{Type: "text", Text: result}},
			IsError: isError,
		},
	}
}

func (s *Server) dispatchTool(ctx context.Context, name string, args map[string]any) (string, bool) {
	switch name {
	case "memory_store":
		return s.toolStore(ctx, args)
	case "memory_search":
		return s.toolSearch(ctx, args)
	case "memory_get":
		return s.toolGet(ctx, args)
	case "memory_update":
		return s.toolUpdate(ctx, args)
	case "memory_delete":
		return s.toolDelete(ctx, args)
	case "memory_relate":
		return s.toolRelate(ctx, args)
	case "memory_learn":
		return s.toolLearn(ctx, args)
	case "memory_patterns":
		return s.toolPatterns(ctx, args)
	case "memory_stats":
		return s.httpDo(ctx, http.MethodGet, "/stats", nil)
	case "memory_optimize":
		return s.httpDo(ctx, http.MethodPost, "/optimize", nil)
	default:
		return fmt.Sprintf("unknown tool: %s", name), true
	}
}

// --- Tool implementations (HTTP delegation) ---

func (s *Server) toolStore(ctx context.Context, args map[string]any) (string, bool) {
	body := pick(args, "content", "type", "importance", "tags", "associatedFiles", "sessionId")
	body["metadata"] = map[string]any{"source": "mcp", "confidence": 0.8}
	return s.httpDo(ctx, http.MethodPost, "/memories", body)
}

func (s *Server) toolSearch(ctx context.Context, args map[string]any) (string, bool) {
	body := pick(args, "text", "types", "tags", "minImportance", "includeArchived")
	if n := getInt(args, "maxResults", 0); n > 0 {
		body["maxResults"] = n
	}
	return s.httpDo(ctx, http.MethodPost, "/memories/search", body)
}

func (s *Server) toolGet(ctx context.Context, args map[string]any) (string, bool) {
	id, ok := requireString(args, "id")
	if !ok {
		return "id is required", true
	}
	return s.httpDo(ctx, http.MethodGet, "/memories/"+url.PathEscape(id), nil)
}

func (s *Server) toolUpdate(ctx context.Context, args map[string]any) (string, bool) {
	id, ok := requireString(args, "id")
	if !ok {
		return "id is required", true
	}
	body := pick(args, "content", "type", "importance", "tags")
	return s.httpDo(ctx, http.MethodPatch, "/memories/"+url.PathEscape(id), body)
}

func (s *Server) toolDelete(ctx context.Context, args map[string]any) (string, bool) {
	id, ok := requireString(args, "id")
	if !ok {
		return "id is required", true
	}
	path := "/memories/" + url.PathEscape(id)
	if getBool(args, "permanent", false) {
		path += "?permanent=true"
	}
	return s.httpDo(ctx, http.MethodDelete, path, nil)
}

func (s *Server) toolRelate(ctx context.Context, args map[string]any) (string, bool) {
	source, ok := requireString(args, "sourceId")
	if !ok {
		return "sourceId is required", true
	}
	body := pick(args, "targetId", "type", "strength")
	return s.httpDo(ctx, http.MethodPost, "/memories/"+url.PathEscape(source)+"/relationships", body)
}

func (s *Server) toolLearn(ctx context.Context, args map[string]any) (string, bool) {
	body := pick(args, "type", "success", "category", "example")
	if d := getInt(args, "duration", 0); d > 0 {
		body["duration"] = d
	}
	return s.httpDo(ctx, http.MethodPost, "/learning/interactions", body)
}

func (s *Server) toolPatterns(ctx context.Context, args map[string]any) (string, bool) {
	q := url.Values{}
	if c, ok := args["category"].(string); ok && c != "" {
		q.Set("category", c)
	}
	q.Set("limit", strconv.Itoa(getInt(args, "limit", 10)))
	return s.httpDo(ctx, http.MethodGet, "/learning/patterns?"+q.Encode(), nil)
}

// --- HTTP helpers ---

func (s *Server) httpDo(ctx context.Context, method, path string, body any) (string, bool) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Sprintf("marshal error: %s", err), true
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.serverURL+path, reader)
	if err != nil {
		return fmt.Sprintf("request error: %s", err), true
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.project != "" {
		req.Header.Set(projectHeader, s.project)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Sprintf("HTTP error: %s", err), true
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("read error: %s", err), true
	}
	if resp.StatusCode == http.StatusNoContent {
		return `{"status":"ok"}`, false
	}

	return string(respBody), resp.StatusCode >= 400
}

// --- Response helpers ---

func (s *Server) write(enc *json.Encoder, resp *Response) {
	if err := enc.Encode(resp); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}

func errorResponse(id any, code int, message string) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// --- Argument helpers ---

func pick(args map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := args[k]; ok && v != nil {
			out[k] = v
		}
	}
	return out
}

func requireString(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok && strings.TrimSpace(v) != ""
}

func getInt(args map[string]any, key string, fallback int) int {
	if v, ok := args[key]; ok {
		switch val := v.(type) {
		case float64:
			return int(val)
		case int:
			return val
		}
	}
	return fallback
}

func getBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}
