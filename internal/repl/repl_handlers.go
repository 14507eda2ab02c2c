package repl

import (
	"context"
	"fmt"
	"strings"

	"github.com/zonlabs/mcp-assistant-sub001/internal/manager"
)

// handleList handles list commands
func (r *REPL) handleList(target string) error {
	switch strings.ToLower(target) {
	case "tools", "tool":
		PrintTools(r.out, r.tools())
	case "servers", "server", "connections":
		PrintConnections(r.out, r.manager.List())
	default:
		return fmt.Errorf("unknown list target: %s. Use 'tools' or 'servers'", target)
	}
	return nil
}

// handleDescribe shows detailed information about a tool
func (r *REPL) handleDescribe(name string) error {
	tool, ok := r.findTool(name)
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}
	PrintTool(r.out, tool)
	return nil
}

// handleCallTool executes a tool with the given arguments
func (r *REPL) handleCallTool(ctx context.Context, toolName, argsStr string) error {
	if _, ok := r.findTool(toolName); !ok {
		return fmt.Errorf("tool not found: %s", toolName)
	}

	args, err := ParseToolArgs(argsStr)
	if err != nil {
		_, _ = fmt.Fprintf(r.out, "Example: call %s {\"param1\": \"value1\", \"param2\": 123}\n", toolName)
		return err
	}

	_, _ = fmt.Fprintf(r.out, "Executing tool: %s...\n", toolName)
	result, err := r.manager.CallTool(ctx, r.serverID, toolName, args)
	if err != nil {
		return fmt.Errorf("tool execution failed: %w", err)
	}
	PrintToolResult(r.out, result)
	return nil
}

// handleRefresh rediscovers the server's tools
func (r *REPL) handleRefresh(ctx context.Context) error {
	tools, err := r.manager.ListTools(ctx, r.serverID)
	if err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}
	_, _ = fmt.Fprintf(r.out, "Discovered %d tools\n", len(tools))
	return nil
}

// handleStatus shows the connection of the REPL's server
func (r *REPL) handleStatus() error {
	info, ok := r.manager.Get(r.serverID)
	if !ok {
		info = manager.ConnectionInfo{ServerID: r.serverID, State: manager.StateIdle}
	}
	PrintConnections(r.out, []manager.ConnectionInfo{info})
	return nil
}

// handleVerbose enables or disables state change display
func (r *REPL) handleVerbose(setting string) error {
	switch strings.ToLower(setting) {
	case "on":
		r.logger.SetVerbose(true)
		_, _ = fmt.Fprintln(r.out, "Verbose output enabled")
	case "off":
		r.logger.SetVerbose(false)
		_, _ = fmt.Fprintln(r.out, "Verbose output disabled")
	default:
		return fmt.Errorf("invalid setting: %s. Use 'on' or 'off'", setting)
	}
	return nil
}
