package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/tools"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "mailmirror"
	serverVersion   = "1.0.0"
)

// JSON-RPC error codes
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports a request that must not be answered
func (r *request) notification() bool {
	return len(r.ID) == 0 && strings.HasPrefix(r.Method, "notifications/")
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return e.Message
}

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server answers MCP requests for the mirror's tools over a
// newline-delimited JSON stream
type Server struct {
	logger   *logrus.Logger
	tools    *tools.Registry
	in       io.Reader
	out      io.Writer
	handlers map[string]handler
}

// NewServer creates a new MCP server speaking over stdio
func NewServer(registry *tools.Registry, logger *logrus.Logger) *Server {
	s := &Server{
		logger: logger,
		tools:  registry,
		in:     os.Stdin,
		out:    os.Stdout,
	}
	s.handlers = map[string]handler{
		"initialize": s.initialize,
		"ping":       s.ping,
		"tools/list": s.listTools,
		"tools/call": s.callTool,
	}
	return s
}

// Run serves requests until the input closes or ctx is done. A request that
// cannot be decoded ends the session, since the stream cannot be resynced.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server with stdio transport")

	decoder := json.NewDecoder(s.in)
	encoder := json.NewEncoder(s.out)

	for ctx.Err() == nil {
		var req request
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			s.logger.WithError(err).Error("Failed to decode request")
			return fmt.Errorf("failed to decode request: %w", err)
		}

		resp := s.handle(ctx, &req)
		if resp == nil {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
	return nil
}

func (s *Server) handle(ctx context.Context, req *request) *response {
	if req.notification() {
		s.logger.WithField("method", req.Method).Debug("Notification")
		return nil
	}

	resp := &response{JSONRPC: "2.0", ID: req.ID}
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("null")
	}

	h, ok := s.handlers[req.Method]
	if !ok {
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)}
		return resp
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		var rerr *rpcError
		if !errors.As(err, &rerr) {
			rerr = &rpcError{Code: codeInternal, Message: err.Error()}
		}
		resp.Error = rerr
		return resp
	}
	resp.Result = result
	return resp
}

func (s *Server) initialize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{
			"name":    serverName,
			"version": serverVersion,
		},
	}, nil
}

func (s *Server) ping(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return struct{}{}, nil
}

func (s *Server) listTools(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"tools": s.tools.GetToolDefinitions(),
	}, nil
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var call callParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
		}
	}

	tool, ok := s.tools.GetTool(call.Name)
	if !ok {
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("Tool not found: %s", call.Name)}
	}

	log := s.logger.WithField("tool", call.Name)
	log.Debug("Calling tool")
	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		log.WithError(err).Warn("Tool failed")
		return nil, err
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", call.Name, err)
	}
	return map[string]interface{}{
		"content": []textContent{{Type: "text", Text: string(text)}},
	}, nil
}
