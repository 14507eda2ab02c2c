package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDisconnectCmd() *cobra.Command {
	var sessionID, serverID string

	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect a server and drop its credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (sessionID == "") == (serverID == "") {
				return fmt.Errorf("exactly one of --session-id or --server-id is required")
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := newClient(clientOptions{})
			if err != nil {
				return err
			}
			defer c.Close()

			if sessionID == "" {
				sessions, err := c.backend.Sessions(ctx)
				if err != nil {
					return err
				}
				for _, s := range sessions {
					if s.ServerID == serverID {
						sessionID = s.SessionID
						break
					}
				}
				if sessionID == "" {
					// Nothing stored on the API; drop any stale local entry.
					if _, ok := c.manager.Get(serverID); ok {
						if err := c.manager.DisconnectServer(ctx, serverID); err != nil {
							return err
						}
					}
					c.logger.Info("No session for server %s", serverID)
					return nil
				}
			}

			if err := c.manager.Disconnect(ctx, sessionID); err != nil {
				return fmt.Errorf("failed to disconnect: %w", err)
			}
			c.logger.Success("Disconnected session %s", sessionID)
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Session to disconnect")
	cmd.Flags().StringVar(&serverID, "server-id", "", "Server whose session to disconnect")
	return cmd
}
