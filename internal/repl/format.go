package repl

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zonlabs/mcp-assistant-sub001/internal/api"
	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
	"github.com/zonlabs/mcp-assistant-sub001/internal/manager"
	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient"
)

const maxCellWidth = 60

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func header(names ...string) table.Row {
	row := make(table.Row, len(names))
	for i, name := range names {
		row[i] = text.FgHiCyan.Sprint(name)
	}
	return row
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func emptyMessage(w io.Writer, message string) {
	_, _ = fmt.Fprintf(w, "%s\n", text.FgYellow.Sprint(message))
}

// StateColor renders a connection state in its color.
func StateColor(s manager.State) string {
	switch {
	case s == manager.StateConnected:
		return text.FgGreen.Sprint(s)
	case s == manager.StateError:
		return text.FgRed.Sprint(s)
	case s.Transient():
		return text.FgYellow.Sprint(s)
	}
	return string(s)
}

// PrintConnections renders connections as a table.
func PrintConnections(w io.Writer, infos []manager.ConnectionInfo) {
	if len(infos) == 0 {
		emptyMessage(w, "No connections")
		return
	}
	t := newTable(w)
	t.AppendHeader(header("SERVER", "STATE", "TOOLS", "SESSION", "ERROR"))
	for _, info := range infos {
		t.AppendRow(table.Row{
			info.ServerID,
			StateColor(info.State),
			len(info.Tools),
			info.SessionID,
			truncate(info.Error, maxCellWidth),
		})
	}
	t.Render()
}

// PrintSessions renders the sessions stored on the API.
func PrintSessions(w io.Writer, sessions []api.SessionInfo) {
	if len(sessions) == 0 {
		emptyMessage(w, "No sessions")
		return
	}
	t := newTable(w)
	t.AppendHeader(header("SERVER", "NAME", "URL", "TRANSPORT", "ACTIVE", "SESSION", "CREATED"))
	for _, s := range sessions {
		t.AppendRow(table.Row{
			s.ServerID,
			s.ServerName,
			truncate(s.ServerURL, maxCellWidth),
			s.TransportType,
			s.Active,
			s.SessionID,
			s.CreatedAt.Local().Format(time.RFC3339),
		})
	}
	t.Render()
}

// PrintTools renders tools with their descriptions.
func PrintTools(w io.Writer, tools []mcp.Tool) {
	if len(tools) == 0 {
		emptyMessage(w, "No tools available")
		return
	}
	t := newTable(w)
	t.AppendHeader(header("#", "TOOL", "DESCRIPTION"))
	for i, tool := range tools {
		t.AppendRow(table.Row{i + 1, tool.Name, truncate(tool.Description, maxCellWidth)})
	}
	t.Render()
}

// PrintTool shows one tool with its input schema.
func PrintTool(w io.Writer, tool mcp.Tool) {
	_, _ = fmt.Fprintf(w, "Tool: %s\n", tool.Name)
	_, _ = fmt.Fprintf(w, "Description: %s\n", tool.Description)
	_, _ = fmt.Fprintln(w, "Input Schema:")
	_, _ = fmt.Fprintln(w, logging.PrettyJSON(tool.InputSchema))
}

// PrintToolResult shows a tool result, pretty-printing structured values.
func PrintToolResult(w io.Writer, result *mcpclient.ToolResult) {
	if !result.Success {
		_, _ = fmt.Fprintln(w, text.FgRed.Sprint("Tool returned an error:"))
		_, _ = fmt.Fprintf(w, "  %s\n", result.Error)
		return
	}
	_, _ = fmt.Fprintln(w, "Result:")
	switch v := result.Result.(type) {
	case nil:
		_, _ = fmt.Fprintln(w, "(no content)")
	case string:
		_, _ = fmt.Fprintln(w, v)
	default:
		_, _ = fmt.Fprintln(w, logging.PrettyJSON(v))
	}
}

// ParseToolArgs parses a JSON object of tool arguments. Empty input means
// no arguments.
func ParseToolArgs(argsStr string) (map[string]any, error) {
	argsStr = strings.TrimSpace(argsStr)
	if argsStr == "" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return args, nil
}
