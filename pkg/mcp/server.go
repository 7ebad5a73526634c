// Package mcp exposes a weave client as Model Context Protocol tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"io"
	stdlog "log"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/pario-ai/weave/pkg/weave"
)

// Server answers MCP tool calls from a weave client.
type Server struct {
	client *weave.Client
	mcp    *server.MCPServer
	logger zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for transport errors and tool calls.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l.With().Str("component", "mcp").Logger() }
}

// New creates a Server with every weave tool registered.
func New(c *weave.Client, version string, opts ...Option) *Server {
	s := &Server{client: c, logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	s.mcp = server.NewMCPServer("weave", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithToolHandlerMiddleware(s.logCalls),
	)
	for _, t := range tools(c) {
		s.mcp.AddTool(t.def, t.handle)
	}
	return s
}

// Run serves newline-delimited JSON-RPC from r to w until r is closed or
// ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(stdlog.New(s.logger, "", 0))
	return stdio.Listen(ctx, r, w)
}

// Handle processes one JSON-RPC message. Notifications return nil.
func (s *Server) Handle(ctx context.Context, raw json.RawMessage) mcp.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, raw)
}

func (s *Server) logCalls(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		res, err := next(ctx, req)
		ev := s.logger.Debug()
		if err != nil || (res != nil && res.IsError) {
			ev = s.logger.Info()
		}
		ev.Str("tool", req.Params.Name).Dur("duration", time.Since(start)).
			Bool("is_error", res != nil && res.IsError).Err(err).Msg("tool call")
		return res, err
	}
}
