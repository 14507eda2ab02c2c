package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zonlabs/mcp-assistant-sub001/internal/repl"
)

func newShellCmd() *cobra.Command {
	var serverID string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive tool shell for a connected server",
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
			if _, err := c.manager.ListTools(ctx, serverID); err != nil {
				return fmt.Errorf("server %s is not usable: %w", serverID, err)
			}
			c.watchCache(ctx)

			if err := repl.New(c.manager, serverID, c.logger).Run(ctx); err != nil {
				return fmt.Errorf("REPL error: %w", err)
			}
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().StringVar(&serverID, "server-id", "", "Server to open the shell for")
	_ = cmd.MarkFlagRequired("server-id")
	return cmd
}
