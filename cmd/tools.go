package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zonlabs/mcp-assistant-sub001/internal/manager"
	"github.com/zonlabs/mcp-assistant-sub001/internal/repl"
)

func newToolsCmd() *cobra.Command {
	var serverID string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools of a connected server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := newClient(clientOptions{})
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.ensureKnown(ctx, serverID); err != nil {
				return err
			}
			tools, err := c.manager.ListTools(ctx, serverID)
			if err != nil {
				return fmt.Errorf("failed to list tools: %w", err)
			}
			repl.PrintTools(os.Stdout, tools)
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().StringVar(&serverID, "server-id", "", "Server to list tools of")
	_ = cmd.MarkFlagRequired("server-id")
	return cmd
}

func newCallCmd() *cobra.Command {
	var serverID, toolName, toolArgs string

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call a tool on a connected server",
		Example: `  mcp-assistant call --server-id example --tool search --args '{"query": "mcp"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := repl.ParseToolArgs(toolArgs)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := newClient(clientOptions{})
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.ensureKnown(ctx, serverID); err != nil {
				return err
			}
			if info, _ := c.manager.Get(serverID); info.State != manager.StateConnected {
				if _, err := c.manager.ListTools(ctx, serverID); err != nil {
					return fmt.Errorf("server %s is not usable: %w", serverID, err)
				}
			}

			c.logger.Info("Executing tool: %s...", toolName)
			result, err := c.manager.CallTool(ctx, serverID, toolName, arguments)
			if err != nil {
				return fmt.Errorf("tool execution failed: %w", err)
			}
			repl.PrintToolResult(os.Stdout, result)
			if !result.Success {
				return fmt.Errorf("tool %s returned an error", toolName)
			}
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().StringVar(&serverID, "server-id", "", "Server that owns the tool")
	cmd.Flags().StringVar(&toolName, "tool", "", "Name of the tool")
	cmd.Flags().StringVar(&toolArgs, "args", "", "Tool arguments as a JSON object")
	_ = cmd.MarkFlagRequired("server-id")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}
