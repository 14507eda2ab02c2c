package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zonlabs/mcp-assistant-sub001/internal/repl"
)

func newSessionsCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Revalidate and list your server connections",
		Long: `Lists the sessions stored on the API and checks each one by listing its
tools. Sessions that are no longer usable show up as ERROR; connections
whose session is gone are dropped from the cache.

With --raw the stored sessions are printed without revalidation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := newClient(clientOptions{})
			if err != nil {
				return err
			}
			defer c.Close()

			if raw {
				sessions, err := c.backend.Sessions(ctx)
				if err != nil {
					return err
				}
				repl.PrintSessions(os.Stdout, sessions)
				return nil
			}

			infos, err := c.manager.InitializeFromSessions(ctx)
			if err != nil {
				return err
			}
			repl.PrintConnections(os.Stdout, infos)
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the stored sessions without revalidating them")
	return cmd
}
