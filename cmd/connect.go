package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zonlabs/mcp-assistant-sub001/internal/manager"
	"github.com/zonlabs/mcp-assistant-sub001/internal/repl"
)

func newConnectCmd() *cobra.Command {
	var (
		server      manager.Server
		startREPL   bool
		noBrowser   bool
		authTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a remote MCP server",
		Long: `Connects to a remote MCP server through the API.

When the server requires OAuth, the authorization page is opened in your
browser and the command waits until you finish, close the page or the
--auth-timeout passes. The connection state is written to the cache file
so other commands and processes can see it.`,
		Example: `  mcp-assistant connect --server-url https://mcp.example.com/mcp --server-id example
  mcp-assistant connect --server-url https://mcp.example.com/sse --transport sse --repl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server.ID == "" {
				server.ID = serverIDFromURL(server.URL)
			}
			if server.ID == "" {
				return fmt.Errorf("--server-id is required when it cannot be derived from --server-url")
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := newClient(clientOptions{withOpener: true, authTimeout: authTimeout})
			if err != nil {
				return err
			}
			defer c.Close()

			if noBrowser {
				c.opener.OpenURL = func(authURL string) error {
					fmt.Printf("Open this URL in your browser to authorize:\n\n  %s\n\n", authURL)
					return nil
				}
			}

			unsubscribe := c.manager.Subscribe(func(info manager.ConnectionInfo) {
				if info.ServerID != server.ID {
					return
				}
				c.logger.Info("%s: %s", info.ServerID, repl.StateColor(info.State))
			})

			info, err := c.manager.Connect(ctx, server)
			unsubscribe()
			if err != nil {
				return fmt.Errorf("failed to connect %s: %w", server.ID, err)
			}
			c.logger.Success("Connected to %s with %d tools (session %s)", info.ServerID, len(info.Tools), info.SessionID)

			if startREPL {
				c.watchCache(ctx)
				if err := repl.New(c.manager, server.ID, c.logger).Run(ctx); err != nil {
					return fmt.Errorf("REPL error: %w", err)
				}
				return nil
			}
			repl.PrintTools(os.Stdout, info.Tools)
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().StringVar(&server.URL, "server-url", "", "URL of the MCP server")
	cmd.Flags().StringVar(&server.ID, "server-id", "", "Stable id of the server; defaults to the URL host")
	cmd.Flags().StringVar(&server.Name, "name", "", "Display name of the server")
	cmd.Flags().StringVar(&server.TransportType, "transport", "streamable-http", "Transport: streamable-http or sse")
	cmd.Flags().StringVar(&server.CallbackURL, "callback-url", "", "OAuth redirect URI; defaults to the API's callback")
	cmd.Flags().BoolVar(&startREPL, "repl", false, "Start the interactive tool shell once connected")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	cmd.Flags().DurationVar(&authTimeout, "auth-timeout", 5*time.Minute, "Maximum time to wait for authorization; 0 waits indefinitely")
	_ = cmd.MarkFlagRequired("server-url")
	return cmd
}

// serverIDFromURL derives a server id from the host of rawURL.
func serverIDFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(u.Hostname(), ".", "-")
}
