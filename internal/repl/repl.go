// Package repl is an interactive shell over one connected MCP server.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
	"github.com/zonlabs/mcp-assistant-sub001/internal/manager"
)

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// REPL reads commands for the server serverID and runs them through the
// connection manager.
type REPL struct {
	manager         *manager.Manager
	serverID        string
	logger          *logging.Logger
	out             io.Writer
	rl              *readline.Instance
	commandHandlers map[string]commandHandler
}

// New creates a REPL for serverID.
func New(m *manager.Manager, serverID string, logger *logging.Logger) *REPL {
	r := &REPL{
		manager:  m,
		serverID: serverID,
		logger:   logger,
		out:      os.Stdout,
	}
	r.commandHandlers = r.buildCommandHandlers()
	return r
}

// Run starts the REPL and returns on exit, EOF or when ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".mcp_assistant_history")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          r.prompt(),
		HistoryFile:     historyFile,
		AutoComplete:    r.createCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	r.rl = rl
	r.out = rl.Stdout()

	unsubscribe := r.manager.Subscribe(r.onChange)
	defer unsubscribe()

	// Readline blocks; closing it ends the loop when ctx is done.
	stop := context.AfterFunc(ctx, func() { _ = rl.Close() })
	defer stop()

	r.logger.Info("Connected to %s. Type 'help' for available commands. Use TAB for completion.", r.serverID)
	_, _ = fmt.Fprintln(r.out)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				continue
			}
		} else if errors.Is(err, io.EOF) || ctx.Err() != nil {
			r.logger.Info("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				r.logger.Info("Goodbye!")
				return nil
			}
			r.logger.Error("Error: %v", err)
		}
		_, _ = fmt.Fprintln(r.out)
	}
}

func (r *REPL) prompt() string {
	return r.serverID + "> "
}

// onChange reports state changes of the REPL's server and refreshes
// completion when the tool list changed.
func (r *REPL) onChange(info manager.ConnectionInfo) {
	if info.ServerID != r.serverID || r.rl == nil {
		return
	}
	_, _ = r.rl.Stdout().Write([]byte("\r\033[K"))
	switch info.State {
	case manager.StateConnected:
		r.logger.InfoVerbose("%s is %s with %d tools", info.ServerID, info.State, len(info.Tools))
		r.rl.Config.AutoComplete = r.createCompleter()
	case manager.StateError:
		r.logger.Warning("%s: %s", info.ServerID, info.Error)
	default:
		r.logger.InfoVerbose("%s is %s", info.ServerID, info.State)
	}
	r.rl.Refresh()
}

// tools returns the cached tools of the REPL's server.
func (r *REPL) tools() []mcp.Tool {
	info, ok := r.manager.Get(r.serverID)
	if !ok {
		return nil
	}
	return info.Tools
}

func (r *REPL) findTool(name string) (mcp.Tool, bool) {
	for _, tool := range r.tools() {
		if tool.Name == name {
			return tool, true
		}
	}
	return mcp.Tool{}, false
}

// buildPcItems converts a slice of strings to readline completer items
func buildPcItems(names []string) []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, name := range names {
		items[i] = readline.PcItem(name)
	}
	return items
}

// createCompleter creates the tab completion configuration
func (r *REPL) createCompleter() *readline.PrefixCompleter {
	tools := r.tools()
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	toolCompleter := buildPcItems(names)

	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
		readline.PcItem("list",
			readline.PcItem("tools"),
			readline.PcItem("servers"),
		),
		readline.PcItem("describe", toolCompleter...),
		readline.PcItem("call", toolCompleter...),
		readline.PcItem("refresh"),
		readline.PcItem("status"),
		readline.PcItem("verbose",
			readline.PcItem("on"),
			readline.PcItem("off"),
		),
	)
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// commandHandler defines a REPL command with its handler and argument requirements
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

// buildCommandHandlers creates the map of command handlers
func (r *REPL) buildCommandHandlers() map[string]commandHandler {
	help := commandHandler{minArgs: 1, handler: func(context.Context, []string) error {
		return r.showHelp()
	}}
	exit := commandHandler{minArgs: 1, handler: func(context.Context, []string) error {
		return errExit
	}}

	return map[string]commandHandler{
		"help": help,
		"?":    help,
		"exit": exit,
		"quit": exit,
		"list": {
			minArgs: 2,
			usage:   "usage: list <tools|servers>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleList(parts[1])
			},
		},
		"describe": {
			minArgs: 2,
			usage:   "usage: describe <tool-name>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleDescribe(parts[1])
			},
		},
		"call": {
			minArgs: 2,
			usage:   "usage: call <tool-name> [json-args]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleCallTool(ctx, parts[1], strings.Join(parts[2:], " "))
			},
		},
		"refresh": {
			minArgs: 1,
			handler: func(ctx context.Context, parts []string) error {
				return r.handleRefresh(ctx)
			},
		},
		"status": {
			minArgs: 1,
			handler: func(ctx context.Context, parts []string) error {
				return r.handleStatus()
			},
		},
		"verbose": {
			minArgs: 2,
			usage:   "usage: verbose <on|off>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleVerbose(parts[1])
			},
		},
	}
}

// executeCommand parses and executes a command
func (r *REPL) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	command := strings.ToLower(parts[0])

	handler, exists := r.commandHandlers[command]
	if !exists {
		return fmt.Errorf("unknown command: %s. Type 'help' for available commands", command)
	}

	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}

	return handler.handler(ctx, parts)
}

// showHelp displays available commands
func (r *REPL) showHelp() error {
	lines := []string{
		"Available commands:",
		"  help, ?                      - Show this help message",
		"  list tools                   - List the tools of this server",
		"  list servers                 - List all known connections",
		"  describe <tool>              - Show a tool and its input schema",
		"  call <tool> {json}           - Execute a tool with JSON arguments",
		"  refresh                      - Rediscover the tools of this server",
		"  status                       - Show the connection state",
		"  verbose <on|off>             - Show or hide state changes",
		"  exit, quit                   - Exit the REPL",
		"",
		"Keyboard shortcuts:",
		"  TAB                          - Auto-complete commands and tool names",
		"  Ctrl+R                       - Search command history",
		"  Ctrl+D                       - Exit REPL",
		"",
		"Examples:",
		`  call echo {"message": "hello"}`,
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(r.out, line)
	}
	return nil
}
