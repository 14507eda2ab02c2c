package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zonlabs/mcp-assistant-sub001/internal/gateway"
)

func newGatewayCmd() *cobra.Command {
	var (
		transport     string
		listenAddr    string
		notifyClients bool
		authTimeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Expose your connections to an MCP host",
		Long: `Runs a local MCP server whose tools connect remote servers through the
API and call their tools. Point an MCP host (an IDE or an agent) at it to
use every server you connected with one entry in its configuration.

With the stdio transport all logging goes to stderr.`,
		Example: `  mcp-assistant gateway
  mcp-assistant gateway --transport streamable-http --listen-addr localhost:8899`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := newClient(clientOptions{withOpener: true, authTimeout: authTimeout})
			if err != nil {
				return err
			}
			defer c.Close()
			if transport == gateway.TransportStdio {
				c.logger.SetWriter(os.Stderr)
			}

			if _, err := c.manager.InitializeFromSessions(ctx); err != nil {
				c.logger.Warning("Failed to load existing sessions: %v", err)
			}
			c.watchCache(ctx)

			server := gateway.New(c.manager, version, c.logger, notifyClients)
			if err := server.Serve(ctx, transport, listenAddr); err != nil {
				return fmt.Errorf("gateway error: %w", err)
			}
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().StringVar(&transport, "transport", gateway.TransportStdio, "Transport: stdio or streamable-http")
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "localhost:8899", "Listen address for the streamable-http transport")
	cmd.Flags().BoolVar(&notifyClients, "notify", true, "Send tools/list_changed notifications when connections change")
	cmd.Flags().DurationVar(&authTimeout, "auth-timeout", 5*time.Minute, "Maximum time to wait for authorization; 0 waits indefinitely")
	return cmd
}
