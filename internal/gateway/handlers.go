package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zonlabs/mcp-assistant-sub001/internal/manager"
)

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// connectionSummary is ConnectionInfo without the tool definitions.
type connectionSummary struct {
	ServerID   string        `json:"serverId"`
	ServerName string        `json:"serverName,omitempty"`
	ServerURL  string        `json:"serverUrl,omitempty"`
	State      manager.State `json:"state"`
	Tools      int           `json:"tools"`
	Error      string        `json:"error,omitempty"`
}

func summarize(info manager.ConnectionInfo) connectionSummary {
	return connectionSummary{
		ServerID:   info.ServerID,
		ServerName: info.ServerName,
		ServerURL:  info.ServerURL,
		State:      info.State,
		Tools:      len(info.Tools),
		Error:      info.Error,
	}
}

func (s *Server) handleListConnections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := s.manager.List()
	out := make([]connectionSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, summarize(info))
	}
	return jsonResult(out)
}

func (s *Server) handleConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverURL, err := request.RequireString("server_url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	serverID, err := request.RequireString("server_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	info, err := s.manager.Connect(ctx, manager.Server{
		ID:            serverID,
		Name:          request.GetString("server_name", ""),
		URL:           serverURL,
		TransportType: request.GetString("transport", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("connect failed: %v", err)), nil
	}
	return jsonResult(summarize(info))
}

func (s *Server) handleDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID, err := request.RequireString("server_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.manager.DisconnectServer(ctx, serverID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("disconnect failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("disconnected %s", serverID)), nil
}

func (s *Server) handleListTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID, err := request.RequireString("server_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tools, err := s.manager.ListTools(ctx, serverID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tools: %v", err)), nil
	}
	return jsonResult(tools)
}

func (s *Server) handleDescribeTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID, err := request.RequireString("server_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	info, ok := s.manager.Get(serverID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown server: %s", serverID)), nil
	}
	for _, tool := range info.Tools {
		if tool.Name == name {
			return jsonResult(tool)
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("tool not found: %s", name)), nil
}

func (s *Server) handleCallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serverID, err := request.RequireString("server_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var toolArgs map[string]any
	if v := request.GetArguments()["arguments"]; v != nil {
		args, ok := v.(map[string]any)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: expected a JSON object, got %T", v)), nil
		}
		toolArgs = args
	}

	result, err := s.manager.CallTool(ctx, serverID, name, toolArgs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool call failed: %v", err)), nil
	}
	if !result.Success {
		return mcp.NewToolResultError(result.Error), nil
	}
	return jsonResult(result.Result)
}
