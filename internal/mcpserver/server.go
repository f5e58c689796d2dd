// Package mcpserver exposes the identity and session core as MCP tools for
// an LLM-driven agent. Every tool returns a structured JSON payload with an
// ok flag; failures carry the taxonomy code and a next-step hint instead of
// a protocol error, so the agent can recover in-conversation.
package mcpserver

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/recordwise/regent/internal/auth"
	"github.com/recordwise/regent/internal/logging"
	"github.com/recordwise/regent/internal/records"
	"github.com/recordwise/regent/internal/session"
	"github.com/recordwise/regent/internal/workflow"
)

// ServerName identifies this tool server to MCP clients.
const ServerName = "regent"

// Server bundles the core components behind the tool surface.
type Server struct {
	mcp       *server.MCPServer
	gateway   *auth.Gateway
	validator *auth.Validator
	store     *session.Store
	guard     *workflow.Guard
	directory *records.Client
	audit     *logging.Audit
	log       *logging.Logger
}

// Deps are the components the server serves.
type Deps struct {
	Gateway   *auth.Gateway
	Validator *auth.Validator
	Store     *session.Store
	Guard     *workflow.Guard
	Directory *records.Client
	Audit     *logging.Audit
	Log       *logging.Logger
	Version   string
}

// New builds the MCP server and registers every tool.
func New(d Deps) *Server {
	s := &Server{
		gateway:   d.Gateway,
		validator: d.Validator,
		store:     d.Store,
		guard:     d.Guard,
		directory: d.Directory,
		audit:     d.Audit,
		log:       d.Log.Sub("mcpserver"),
	}
	s.mcp = server.NewMCPServer(
		ServerName,
		d.Version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCP returns the underlying MCP server, for tests and embedding.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves over stdin/stdout until ctx is done.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.log.Info().Msg("serving tools over stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP serves the streamable-HTTP transport on addr.
func (s *Server) ServeHTTP(addr string) error {
	s.log.Info().Str("addr", addr).Msg("serving tools over streamable HTTP")
	return server.NewStreamableHTTPServer(s.mcp).Start(addr)
}

// ServeSSE serves the SSE transport on addr.
func (s *Server) ServeSSE(addr string) error {
	s.log.Info().Str("addr", addr).Msg("serving tools over SSE")
	return server.NewSSEServer(s.mcp).Start(addr)
}
