// Package gateway exposes the connection manager as an MCP server, so an
// MCP host can connect remote servers and call their tools through one
// local endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
	"github.com/zonlabs/mcp-assistant-sub001/internal/manager"
)

const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"

	shutdownTimeout = 10 * time.Second
)

// Server serves the manager's connections over MCP.
type Server struct {
	manager       *manager.Manager
	logger        *logging.Logger
	mcpServer     *server.MCPServer
	notifyClients bool
}

// New creates the MCP server and registers its tools. With notifyClients
// set, hosts are told to refetch the tool list whenever a connection
// changes state.
func New(m *manager.Manager, version string, logger *logging.Logger, notifyClients bool) *Server {
	mcpServer := server.NewMCPServer(
		"mcp-assistant",
		version,
		server.WithToolCapabilities(notifyClients),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
	)

	s := &Server{
		manager:       m,
		logger:        logger,
		mcpServer:     mcpServer,
		notifyClients: notifyClients,
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Serve runs the server on the given transport until ctx is done.
func (s *Server) Serve(ctx context.Context, transport, listenAddr string) error {
	if s.notifyClients {
		unsubscribe := s.manager.Subscribe(s.onChange)
		defer unsubscribe()
	}

	switch transport {
	case TransportStdio:
		return s.serveStdio(ctx, os.Stdin, os.Stdout)
	case TransportStreamableHTTP:
		return s.serveHTTP(ctx, listenAddr)
	default:
		return fmt.Errorf("unsupported server transport: %s", transport)
	}
}

func (s *Server) serveStdio(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	s.logger.Info("Serving MCP over stdio")
	stdio := server.NewStdioServer(s.mcpServer)
	if err := stdio.Listen(ctx, stdin, stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) serveHTTP(ctx context.Context, listenAddr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath("/mcp"))

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Serving MCP on http://%s/mcp", listenAddr)
		errCh <- httpServer.Start(listenAddr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down MCP server: %w", err)
	}
	return nil
}

// onChange tells hosts to refetch tools once a connection settles.
func (s *Server) onChange(info manager.ConnectionInfo) {
	switch info.State {
	case manager.StateConnected, manager.StateError, manager.StateIdle:
		s.logger.Debug("Connection %s is %s, notifying clients", info.ServerID, info.State)
		s.mcpServer.SendNotificationToAllClients(string(mcp.MethodNotificationToolsListChanged), nil)
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("list_connections",
		mcp.WithDescription("List the remote MCP servers and their connection state"),
	), s.handleListConnections)

	s.mcpServer.AddTool(mcp.NewTool("connect",
		mcp.WithDescription("Connect a remote MCP server, opening the browser when it requires authorization"),
		mcp.WithString("server_url",
			mcp.Required(),
			mcp.Description("URL of the remote MCP server"),
		),
		mcp.WithString("server_id",
			mcp.Required(),
			mcp.Description("Stable id for the server"),
		),
		mcp.WithString("server_name",
			mcp.Description("Display name of the server"),
		),
		mcp.WithString("transport",
			mcp.Description("Transport: streamable-http (default) or sse"),
			mcp.Enum("streamable-http", "sse"),
		),
	), s.handleConnect)

	s.mcpServer.AddTool(mcp.NewTool("disconnect",
		mcp.WithDescription("Disconnect a server and drop its stored credentials"),
		mcp.WithString("server_id",
			mcp.Required(),
			mcp.Description("Server to disconnect"),
		),
	), s.handleDisconnect)

	s.mcpServer.AddTool(mcp.NewTool("list_tools",
		mcp.WithDescription("List the tools of a connected server"),
		mcp.WithString("server_id",
			mcp.Required(),
			mcp.Description("Server to list tools of"),
		),
	), s.handleListTools)

	s.mcpServer.AddTool(mcp.NewTool("describe_tool",
		mcp.WithDescription("Get detailed information about a tool of a connected server"),
		mcp.WithString("server_id",
			mcp.Required(),
			mcp.Description("Server that owns the tool"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the tool to describe"),
		),
	), s.handleDescribeTool)

	s.mcpServer.AddTool(mcp.NewTool("call_tool",
		mcp.WithDescription("Execute a tool of a connected server with the given arguments"),
		mcp.WithString("server_id",
			mcp.Required(),
			mcp.Description("Server that owns the tool"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the tool to call"),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments to pass to the tool (as JSON object)"),
		),
	), s.handleCallTool)
}
